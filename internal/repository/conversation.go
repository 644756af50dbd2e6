package repository

import (
	"context"
	"errors"
	"time"

	"chatterbox/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConversationRepository persists conversations and their membership.
type ConversationRepository interface {
	Create(ctx context.Context, conv *models.Conversation) error
	GetByID(ctx context.Context, id uint) (*models.Conversation, error)
	GetByIDs(ctx context.Context, ids []uint) ([]models.Conversation, error)
	FindDirect(ctx context.Context, userA, userB uint) (*models.Conversation, error)
	MemberIDs(ctx context.Context, convID uint) ([]uint, error)
	IsMember(ctx context.Context, convID, userID uint) (bool, error)
	AddMember(ctx context.Context, convID, userID uint) error
	RemoveMember(ctx context.Context, convID, userID uint) error
	RecordRemoval(ctx context.Context, convID, userID uint, at time.Time) error
	ClearRemoval(ctx context.Context, convID, userID uint) error
	Update(ctx context.Context, convID uint, fields map[string]interface{}) error
	Delete(ctx context.Context, convID uint) error
}

type conversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository returns a new ConversationRepository implementation.
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db}
}

func (r *conversationRepository) Create(ctx context.Context, conv *models.Conversation) error {
	if err := r.db.WithContext(ctx).Create(conv).Error; err != nil {
		if models.IsUniqueViolation(err) {
			return models.NewConflictError("Conversation already exists")
		}
		return models.NewInternalError(err)
	}
	return nil
}

// GetByID reads from the primary so membership checks never see replica lag.
func (r *conversationRepository) GetByID(ctx context.Context, id uint) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).
		Preload("Members").
		Preload("RemovedMembers", func(db *gorm.DB) *gorm.DB {
			return db.Order("removed_at ASC")
		}).
		First(&conv, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Conversation", id)
		}
		return nil, models.NewInternalError(err)
	}
	return &conv, nil
}

func (r *conversationRepository) GetByIDs(ctx context.Context, ids []uint) ([]models.Conversation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var convs []models.Conversation
	if err := readDB(r.db).WithContext(ctx).Preload("Members").Where("id IN ?", ids).Find(&convs).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return convs, nil
}

// FindDirect returns the direct conversation between the pair, or nil when none exists.
func (r *conversationRepository) FindDirect(ctx context.Context, userA, userB uint) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).
		Preload("Members").
		Where("direct_key = ?", models.DirectKeyFor(userA, userB)).
		First(&conv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, models.NewInternalError(err)
	}
	return &conv, nil
}

func (r *conversationRepository) MemberIDs(ctx context.Context, convID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).
		Model(&models.ConversationMember{}).
		Where("conversation_id = ?", convID).
		Order("user_id ASC").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return ids, nil
}

func (r *conversationRepository) IsMember(ctx context.Context, convID, userID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.ConversationMember{}).
		Where("conversation_id = ? AND user_id = ?", convID, userID).
		Count(&count).Error
	if err != nil {
		return false, models.NewInternalError(err)
	}
	return count > 0, nil
}

func (r *conversationRepository) AddMember(ctx context.Context, convID, userID uint) error {
	member := models.ConversationMember{ConversationID: convID, UserID: userID}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&member).Error; err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *conversationRepository) RemoveMember(ctx context.Context, convID, userID uint) error {
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", convID, userID).
		Delete(&models.ConversationMember{}).Error
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *conversationRepository) RecordRemoval(ctx context.Context, convID, userID uint, at time.Time) error {
	entry := models.RemovedMember{ConversationID: convID, UserID: userID, RemovedAt: at}
	if err := r.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *conversationRepository) ClearRemoval(ctx context.Context, convID, userID uint) error {
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", convID, userID).
		Delete(&models.RemovedMember{}).Error
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *conversationRepository) Update(ctx context.Context, convID uint, fields map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&models.Conversation{}).Where("id = ?", convID).Updates(fields)
	if res.Error != nil {
		return models.NewInternalError(res.Error)
	}
	if res.RowsAffected == 0 {
		return models.NewNotFoundError("Conversation", convID)
	}
	return nil
}

// Delete removes the conversation together with its messages, receipts,
// deletion rows, attachments, user views and membership. Children are
// removed explicitly so the cascade does not depend on driver FK support.
func (r *conversationRepository) Delete(ctx context.Context, convID uint) error {
	db := r.db.WithContext(ctx)
	messageIDs := db.Model(&models.Message{}).Select("id").Where("conversation_id = ?", convID)

	steps := []func() error{
		func() error { return db.Where("message_id IN (?)", messageIDs).Delete(&models.MessageDeletion{}).Error },
		func() error { return db.Where("message_id IN (?)", messageIDs).Delete(&models.MessageReceipt{}).Error },
		func() error { return db.Where("message_id IN (?)", messageIDs).Delete(&models.Attachment{}).Error },
		func() error { return db.Where("conversation_id = ?", convID).Delete(&models.Message{}).Error },
		func() error { return db.Where("conversation_id = ?", convID).Delete(&models.UserChat{}).Error },
		func() error { return db.Where("conversation_id = ?", convID).Delete(&models.ConversationMember{}).Error },
		func() error { return db.Where("conversation_id = ?", convID).Delete(&models.RemovedMember{}).Error },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return models.NewInternalError(err)
		}
	}

	res := db.Delete(&models.Conversation{}, convID)
	if res.Error != nil {
		return models.NewInternalError(res.Error)
	}
	if res.RowsAffected == 0 {
		return models.NewNotFoundError("Conversation", convID)
	}
	return nil
}
