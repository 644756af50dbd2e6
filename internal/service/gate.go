package service

import (
	"context"

	"chatterbox/internal/models"
	"chatterbox/internal/repository"
)

// SendGate decides whether a user may post into a conversation.
type SendGate struct {
	store *repository.Store
}

// NewSendGate creates a gate reading views from store.
func NewSendGate(store *repository.Store) *SendGate {
	return &SendGate{store: store}
}

// Check rejects the send with a ForbiddenError when the sender is not an
// active member, has blocked the conversation, or (direct chats only) the
// peer has blocked it.
func (g *SendGate) Check(ctx context.Context, conv *models.Conversation, senderID uint) error {
	if !conv.HasMember(senderID) {
		return models.NewForbiddenError("You are not a member of this conversation")
	}

	own, err := g.view(ctx, senderID, conv.ID)
	if err != nil {
		return err
	}
	if own != nil {
		if !own.IsActive {
			return models.NewForbiddenError("You are no longer a member of this conversation")
		}
		if own.IsBlocked {
			return models.NewForbiddenError("You have blocked this conversation")
		}
	}

	if conv.IsGroup {
		return nil
	}
	peerID, ok := conv.OtherMember(senderID)
	if !ok {
		return nil
	}
	peer, err := g.view(ctx, peerID, conv.ID)
	if err != nil {
		return err
	}
	if peer != nil && peer.IsBlocked {
		return models.NewForbiddenError("You can't send messages to this conversation")
	}
	return nil
}

func (g *SendGate) view(ctx context.Context, userID, convID uint) (*models.UserChat, error) {
	view, err := g.store.UserChats.Get(ctx, userID, convID)
	if err != nil {
		if models.ErrorCode(err) == models.CodeNotFound {
			return nil, nil
		}
		return nil, err
	}
	return view, nil
}
