package service

import (
	"context"

	"chatterbox/internal/models"
	"chatterbox/internal/notifications"
	"chatterbox/internal/repository"
)

// RequestService handles pairing requests that open direct conversations.
type RequestService struct {
	store  *repository.Store
	chats  *ChatService
	notify Broadcaster
}

// NewRequestService creates a RequestService. Accepted requests open their
// conversation through chats.
func NewRequestService(store *repository.Store, chats *ChatService, notify Broadcaster) *RequestService {
	if notify == nil {
		notify = noopBroadcaster{}
	}
	return &RequestService{store: store, chats: chats, notify: notify}
}

// Send asks receiverID to open a direct conversation with senderID.
func (s *RequestService) Send(ctx context.Context, senderID, receiverID uint) (*models.ChatRequest, error) {
	if senderID == receiverID {
		return nil, models.NewValidationError("You can't send a request to yourself")
	}
	if _, err := s.store.Users.GetByID(ctx, receiverID); err != nil {
		return nil, err
	}

	existing, err := s.store.Conversations.FindDirect(ctx, senderID, receiverID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, models.NewConflictError("You already have a conversation with this user")
	}
	pending, err := s.store.Requests.FindPendingBetween(ctx, senderID, receiverID)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		return nil, models.NewConflictError("A request between you is already pending")
	}

	req := &models.ChatRequest{SenderID: senderID, ReceiverID: receiverID, Status: models.ChatRequestPending}
	if err := s.store.Requests.Create(ctx, req); err != nil {
		return nil, err
	}
	req, err = s.store.Requests.GetByID(ctx, req.ID)
	if err != nil {
		return nil, err
	}

	s.notify.Notify(ctx, notifications.EventNewRequest, []uint{receiverID}, req)
	return req, nil
}

// Incoming lists the pending requests addressed to userID, newest first.
func (s *RequestService) Incoming(ctx context.Context, userID uint) ([]models.ChatRequest, error) {
	return s.store.Requests.ListIncoming(ctx, userID)
}

// Accept opens the direct conversation of a pending request addressed to userID.
func (s *RequestService) Accept(ctx context.Context, requestID, userID uint) (*ConversationDetail, error) {
	req, err := s.addressedTo(ctx, requestID, userID)
	if err != nil {
		return nil, err
	}
	detail, _, err := s.chats.CreateDirect(ctx, req.ReceiverID, req.SenderID)
	if err != nil {
		return nil, err
	}
	if err := s.store.Requests.UpdateStatus(ctx, req.ID, models.ChatRequestAccepted); err != nil {
		return nil, err
	}
	s.notify.Notify(ctx, notifications.EventRefetchChats, []uint{req.SenderID, req.ReceiverID}, nil)
	return detail, nil
}

// Reject declines a pending request addressed to userID.
func (s *RequestService) Reject(ctx context.Context, requestID, userID uint) error {
	req, err := s.addressedTo(ctx, requestID, userID)
	if err != nil {
		return err
	}
	return s.store.Requests.UpdateStatus(ctx, req.ID, models.ChatRequestRejected)
}

func (s *RequestService) addressedTo(ctx context.Context, requestID, userID uint) (*models.ChatRequest, error) {
	req, err := s.store.Requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.ReceiverID != userID {
		return nil, models.NewForbiddenError("This request is not addressed to you")
	}
	if req.Status != models.ChatRequestPending {
		return nil, models.NewConflictError("Request is no longer pending")
	}
	return req, nil
}
