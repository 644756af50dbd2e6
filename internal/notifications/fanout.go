package notifications

import (
	"context"

	"chatterbox/internal/middleware"
	"chatterbox/internal/observability"
)

// Fanout turns domain events into frames and delivers them to the live
// sessions of the target users. Offline targets are skipped. With Redis
// attached the frame travels through pub/sub so sessions held by other
// processes receive it too.
type Fanout struct {
	presence *Presence
	notifier *Notifier
}

// NewFanout connects presence and notifier and takes over the presence
// transition hook to broadcast the online set.
func NewFanout(presence *Presence, notifier *Notifier) *Fanout {
	f := &Fanout{presence: presence, notifier: notifier}
	presence.OnTransition(func(ctx context.Context, _ uint, _ bool) {
		f.BroadcastOnlineUsers(ctx)
	})
	return f
}

// Presence returns the session registry behind the fanout.
func (f *Fanout) Presence() *Presence { return f.presence }

// Start subscribes this process to cross-process frames. It is a no-op
// without Redis.
func (f *Fanout) Start(ctx context.Context) error {
	if !f.notifier.Enabled() {
		return nil
	}
	return f.notifier.StartPatternSubscriber(ctx, func(channel, payload string) {
		if channel == broadcastChannel {
			f.presence.DeliverAll([]byte(payload))
			return
		}
		userID, ok := ParseUserChannel(channel)
		if !ok {
			middleware.Logger.Warn("invalid notification channel", "channel", channel)
			return
		}
		f.presence.Deliver(userID, []byte(payload))
	})
}

// Notify sends event to every user in userIDs.
func (f *Fanout) Notify(ctx context.Context, event string, userIDs []uint, payload interface{}) {
	if len(userIDs) == 0 {
		return
	}
	frame, err := Encode(event, payload)
	if err != nil {
		middleware.Logger.ErrorContext(ctx, "encode realtime event", "event", event, "error", err)
		return
	}
	observability.WebSocketEventsTotal.WithLabelValues(event).Inc()

	if f.notifier.Enabled() {
		if err := f.notifier.PublishUsers(ctx, userIDs, string(frame)); err != nil {
			observability.EventPublishFailures.WithLabelValues(event).Inc()
			middleware.Logger.WarnContext(ctx, "publish realtime event failed", "event", event, "error", err)
		}
		return
	}
	for _, id := range userIDs {
		f.presence.Deliver(id, frame)
	}
}

// BroadcastOnlineUsers pushes the current online set to every session.
func (f *Fanout) BroadcastOnlineUsers(ctx context.Context) {
	frame, err := Encode(EventOnlineUsers, f.presence.OnlineUsers(ctx))
	if err != nil {
		return
	}
	observability.WebSocketEventsTotal.WithLabelValues(EventOnlineUsers).Inc()

	if f.notifier.Enabled() {
		if err := f.notifier.PublishBroadcast(ctx, string(frame)); err != nil {
			middleware.Logger.WarnContext(ctx, "publish online users failed", "error", err)
		}
		return
	}
	f.presence.DeliverAll(frame)
}
