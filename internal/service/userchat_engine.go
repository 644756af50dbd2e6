package service

import (
	"context"
	"time"

	"chatterbox/internal/models"
	"chatterbox/internal/repository"
)

// ViewUpdate is a per-user preview change to push to that user.
type ViewUpdate struct {
	UserID         uint               `json:"-"`
	ConversationID uint               `json:"conversation_id"`
	LastMessage    models.LastMessage `json:"last_message"`
}

// UserChatEngine maintains the per-user conversation views: previews,
// unread counters, membership and block state.
type UserChatEngine struct {
	store    *repository.Store
	messages *MessageStore
	now      func() time.Time
}

// NewUserChatEngine creates an engine over store. messages is used to find a
// replacement preview after deletions.
func NewUserChatEngine(store *repository.Store, messages *MessageStore) *UserChatEngine {
	return &UserChatEngine{store: store, messages: messages, now: time.Now}
}

func (e *UserChatEngine) withStore(tx *repository.Store, messages *MessageStore) *UserChatEngine {
	c := *e
	c.store = tx
	c.messages = messages
	return &c
}

// OnMessageSent points every member's view at msg, bumps the unread counter
// of everyone but the sender and reactivates views hidden by a clear.
func (e *UserChatEngine) OnMessageSent(ctx context.Context, memberIDs []uint, msg *models.Message) error {
	return e.store.UserChats.ApplySend(ctx, memberIDs, repository.LastMessageUpdate{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Text:           ResolvePreview(msg, msg.SenderID),
		At:             msg.CreatedAt,
		SenderID:       msg.SenderID,
	})
}

// RecomputeAfterDelete re-derives the preview of views pointing at msg.
// With viewers set only their views are touched; otherwise every view
// pointing at msg is.
func (e *UserChatEngine) RecomputeAfterDelete(ctx context.Context, msg *models.Message, viewers ...uint) ([]ViewUpdate, error) {
	views, err := e.store.UserChats.ListPointingAt(ctx, msg.ID)
	if err != nil {
		return nil, err
	}

	var updates []ViewUpdate
	for _, view := range views {
		if len(viewers) > 0 && !contains(viewers, view.UserID) {
			continue
		}
		update, applied, err := e.recompute(ctx, msg, view.UserID)
		if err != nil {
			return nil, err
		}
		if applied {
			updates = append(updates, update)
		}
	}
	return updates, nil
}

func (e *UserChatEngine) recompute(ctx context.Context, msg *models.Message, viewerID uint) (ViewUpdate, bool, error) {
	update := ViewUpdate{UserID: viewerID, ConversationID: msg.ConversationID}
	repoint := func(id *uint, preview *string, at *time.Time) (ViewUpdate, bool, error) {
		applied, err := e.store.UserChats.RepointLastMessage(ctx, viewerID, msg.ConversationID, msg.ID, id, preview, at)
		return update, applied, err
	}

	if preview := ResolvePreview(msg, viewerID); preview != nil {
		at := msg.CreatedAt
		id := msg.ID
		update.LastMessage = models.LastMessage{MessageID: &id, Message: preview}
		return repoint(&id, preview, &at)
	}

	prev, err := e.messages.FindMostRecentVisible(ctx, msg.ConversationID, viewerID, msg.ID)
	if err != nil {
		return update, false, err
	}
	if prev == nil {
		return repoint(nil, nil, nil)
	}

	id := prev.ID
	at := prev.CreatedAt
	preview := ResolvePreview(prev, viewerID)
	update.LastMessage = models.LastMessage{MessageID: &id, Message: preview}
	return repoint(&id, preview, &at)
}

// ClearPreview empties userID's preview and unread counter.
func (e *UserChatEngine) ClearPreview(ctx context.Context, userID, convID uint) error {
	if err := e.store.UserChats.SetLastMessage(ctx, userID, convID, nil, nil, nil); err != nil {
		return err
	}
	return e.store.UserChats.ResetUnread(ctx, userID, convID)
}

// Activate creates or reactivates the views of userIDs.
func (e *UserChatEngine) Activate(ctx context.Context, convID uint, userIDs ...uint) error {
	return e.store.UserChats.Activate(ctx, convID, userIDs...)
}

// Deactivate marks userID's view as left. History stays readable.
func (e *UserChatEngine) Deactivate(ctx context.Context, convID, userID uint) error {
	return e.store.UserChats.Deactivate(ctx, convID, userID, e.now())
}

// ResetUnread zeroes userID's unread counters.
func (e *UserChatEngine) ResetUnread(ctx context.Context, userID uint, convIDs ...uint) error {
	return e.store.UserChats.ResetUnread(ctx, userID, convIDs...)
}

// SetBlocked toggles the block flag of userID's view.
func (e *UserChatEngine) SetBlocked(ctx context.Context, userID, convID uint, blocked bool) (*models.UserChat, error) {
	if err := e.store.UserChats.SetBlocked(ctx, userID, convID, blocked, e.now()); err != nil {
		return nil, err
	}
	return e.store.UserChats.Get(ctx, userID, convID)
}
