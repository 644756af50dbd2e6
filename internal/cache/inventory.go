package cache

import (
	"context"
	"fmt"
	"time"
)

const (
	UserKeyPrefix      = "user:%d"
	UnreadKeyPrefix    = "user:%d:unread"
	WSTicketKeyPrefix  = "ws_ticket:%s"
	BlacklistKeyPrefix = "blacklist:%s"
)

const (
	UserTTL     = 5 * time.Minute
	UnreadTTL   = 30 * time.Second
	WSTicketTTL = 30 * time.Second
)

func UserKey(userID uint) string {
	return fmt.Sprintf(UserKeyPrefix, userID)
}

// UnreadKey caches the per-user unread summary.
func UnreadKey(userID uint) string {
	return fmt.Sprintf(UnreadKeyPrefix, userID)
}

func WSTicketKey(ticket string) string {
	return fmt.Sprintf(WSTicketKeyPrefix, ticket)
}

func BlacklistKey(jti string) string {
	return fmt.Sprintf(BlacklistKeyPrefix, jti)
}

func Invalidate(ctx context.Context, keys ...string) {
	if client != nil && len(keys) > 0 {
		client.Del(ctx, keys...)
	}
}

func InvalidateUser(ctx context.Context, userID uint) {
	Invalidate(ctx, UserKey(userID))
}

// InvalidateUnread drops cached unread summaries for every listed user.
func InvalidateUnread(ctx context.Context, userIDs ...uint) {
	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		keys = append(keys, UnreadKey(id))
	}
	Invalidate(ctx, keys...)
}
