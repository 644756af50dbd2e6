// Package service holds the chat domain logic: message lifecycle, conversation
// membership, per-user conversation views and delivery/read tracking.
package service

import (
	"context"
	"sort"
	"strings"

	"chatterbox/internal/events"
	"chatterbox/internal/middleware"
	"chatterbox/internal/observability"
)

// Broadcaster pushes realtime events to the live sessions of users.
type Broadcaster interface {
	Notify(ctx context.Context, event string, userIDs []uint, payload interface{})
}

type noopBroadcaster struct{}

func (noopBroadcaster) Notify(context.Context, string, []uint, interface{}) {}

// publishEvent writes evt to the event stream. Failures are logged and
// counted, never returned.
func publishEvent(ctx context.Context, pub events.Publisher, evt events.Event) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, evt); err != nil {
		observability.EventPublishFailures.WithLabelValues(evt.Type).Inc()
		middleware.Logger.WarnContext(ctx, "publish chat event failed", "event", evt.Type, "error", err)
	}
}

func uniqueIDs(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func without(ids []uint, drop uint) []uint {
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}

func contains(ids []uint, id uint) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
