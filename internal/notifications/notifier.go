// Package notifications delivers realtime events to users' websocket sessions.
package notifications

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"chatterbox/internal/middleware"

	"github.com/redis/go-redis/v9"
)

const (
	userChannelPrefix = "notifications:user:"
	broadcastChannel  = "notifications:broadcast"
)

// UserChannel is the pub/sub channel carrying frames for one user.
func UserChannel(userID uint) string {
	return fmt.Sprintf("%s%d", userChannelPrefix, userID)
}

// Notifier publishes frames into Redis so every process can deliver them to
// the sessions it holds.
type Notifier struct {
	rdb *redis.Client
}

// NewNotifier creates a Notifier. A nil client disables publishing.
func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb}
}

// Enabled reports whether a Redis client is attached.
func (n *Notifier) Enabled() bool {
	return n != nil && n.rdb != nil
}

// PublishUser sends a frame to a user's channel.
func (n *Notifier) PublishUser(ctx context.Context, userID uint, payload string) error {
	if !n.Enabled() {
		return nil
	}
	return n.rdb.Publish(ctx, UserChannel(userID), payload).Err()
}

// PublishUsers sends the same frame to several users in one round trip.
func (n *Notifier) PublishUsers(ctx context.Context, userIDs []uint, payload string) error {
	if !n.Enabled() || len(userIDs) == 0 {
		return nil
	}
	_, err := n.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range userIDs {
			pipe.Publish(ctx, UserChannel(id), payload)
		}
		return nil
	})
	return err
}

// PublishBroadcast sends a frame to every connected user.
func (n *Notifier) PublishBroadcast(ctx context.Context, payload string) error {
	if !n.Enabled() {
		return nil
	}
	return n.rdb.Publish(ctx, broadcastChannel, payload).Err()
}

// StartPatternSubscriber subscribes to the user and broadcast channels and
// calls onMessage for each frame until ctx is cancelled.
func (n *Notifier) StartPatternSubscriber(ctx context.Context, onMessage func(channel, payload string)) error {
	if !n.Enabled() {
		return nil
	}
	sub := n.rdb.PSubscribe(ctx, userChannelPrefix+"*", broadcastChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe notifications: %w", err)
	}
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							middleware.Logger.Error("panic in notification subscriber",
								"panic", r, "stack", string(debug.Stack()))
						}
					}()
					onMessage(msg.Channel, msg.Payload)
				}()
			}
		}
	}()

	return nil
}

// ParseUserChannel extracts the user id from a channel built by UserChannel.
func ParseUserChannel(channel string) (uint, bool) {
	if !strings.HasPrefix(channel, userChannelPrefix) {
		return 0, false
	}
	var id uint
	if _, err := fmt.Sscanf(channel, userChannelPrefix+"%d", &id); err != nil {
		return 0, false
	}
	return id, true
}
