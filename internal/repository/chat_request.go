package repository

import (
	"context"
	"errors"

	"chatterbox/internal/models"

	"gorm.io/gorm"
)

// ChatRequestRepository persists pairing requests between users.
type ChatRequestRepository interface {
	Create(ctx context.Context, req *models.ChatRequest) error
	GetByID(ctx context.Context, id uint) (*models.ChatRequest, error)
	ListIncoming(ctx context.Context, receiverID uint) ([]models.ChatRequest, error)
	FindPendingBetween(ctx context.Context, userA, userB uint) (*models.ChatRequest, error)
	UpdateStatus(ctx context.Context, id uint, status models.ChatRequestStatus) error
}

type chatRequestRepository struct {
	db *gorm.DB
}

// NewChatRequestRepository returns a new ChatRequestRepository implementation.
func NewChatRequestRepository(db *gorm.DB) ChatRequestRepository {
	return &chatRequestRepository{db: db}
}

func (r *chatRequestRepository) Create(ctx context.Context, req *models.ChatRequest) error {
	if err := r.db.WithContext(ctx).Create(req).Error; err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *chatRequestRepository) GetByID(ctx context.Context, id uint) (*models.ChatRequest, error) {
	var req models.ChatRequest
	if err := r.db.WithContext(ctx).Preload("Sender").First(&req, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Request", id)
		}
		return nil, models.NewInternalError(err)
	}
	return &req, nil
}

func (r *chatRequestRepository) ListIncoming(ctx context.Context, receiverID uint) ([]models.ChatRequest, error) {
	var reqs []models.ChatRequest
	err := readDB(r.db).WithContext(ctx).
		Preload("Sender").
		Where("receiver_id = ? AND status = ?", receiverID, models.ChatRequestPending).
		Order("created_at DESC").
		Find(&reqs).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return reqs, nil
}

// FindPendingBetween looks for a pending request in either direction.
func (r *chatRequestRepository) FindPendingBetween(ctx context.Context, userA, userB uint) (*models.ChatRequest, error) {
	var req models.ChatRequest
	err := r.db.WithContext(ctx).
		Where("status = ?", models.ChatRequestPending).
		Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)", userA, userB, userB, userA).
		First(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, models.NewInternalError(err)
	}
	return &req, nil
}

func (r *chatRequestRepository) UpdateStatus(ctx context.Context, id uint, status models.ChatRequestStatus) error {
	res := r.db.WithContext(ctx).Model(&models.ChatRequest{}).
		Where("id = ? AND status = ?", id, models.ChatRequestPending).
		Update("status", status)
	if res.Error != nil {
		return models.NewInternalError(res.Error)
	}
	if res.RowsAffected == 0 {
		return models.NewConflictError("Request is no longer pending")
	}
	return nil
}
