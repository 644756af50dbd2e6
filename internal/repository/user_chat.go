package repository

import (
	"context"
	"errors"
	"time"

	"chatterbox/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LastMessageUpdate is the preview written into a member's view on send.
type LastMessageUpdate struct {
	ConversationID uint
	MessageID      uint
	Text           *string
	At             time.Time
	SenderID       uint
}

// UserChatRepository persists per-user conversation views. Every write is a
// single statement keyed by the unique (user_id, conversation_id) pair.
type UserChatRepository interface {
	Get(ctx context.Context, userID, convID uint) (*models.UserChat, error)
	ListByUser(ctx context.Context, userID uint, activeOnly bool) ([]models.UserChat, error)
	ListByConversation(ctx context.Context, convID uint) ([]models.UserChat, error)
	ListPointingAt(ctx context.Context, messageID uint) ([]models.UserChat, error)
	ApplySend(ctx context.Context, memberIDs []uint, update LastMessageUpdate) error
	SetLastMessage(ctx context.Context, userID, convID uint, messageID *uint, text *string, at *time.Time) error
	RepointLastMessage(ctx context.Context, userID, convID, fromID uint, messageID *uint, text *string, at *time.Time) (bool, error)
	ResetUnread(ctx context.Context, userID uint, convIDs ...uint) error
	Activate(ctx context.Context, convID uint, userIDs ...uint) error
	Deactivate(ctx context.Context, convID, userID uint, at time.Time) error
	SetBlocked(ctx context.Context, userID, convID uint, blocked bool, at time.Time) error
}

type userChatRepository struct {
	db *gorm.DB
}

// NewUserChatRepository returns a new UserChatRepository implementation.
func NewUserChatRepository(db *gorm.DB) UserChatRepository {
	return &userChatRepository{db: db}
}

var userChatKey = []clause.Column{{Name: "user_id"}, {Name: "conversation_id"}}

func (r *userChatRepository) Get(ctx context.Context, userID, convID uint) (*models.UserChat, error) {
	var uc models.UserChat
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND conversation_id = ?", userID, convID).
		First(&uc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Chat", convID)
		}
		return nil, models.NewInternalError(err)
	}
	return &uc, nil
}

// ListByUser returns the user's views, most recent activity first.
func (r *userChatRepository) ListByUser(ctx context.Context, userID uint, activeOnly bool) ([]models.UserChat, error) {
	q := readDB(r.db).WithContext(ctx).Where("user_id = ?", userID)
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var views []models.UserChat
	err := q.Order(clause.OrderBy{Expression: clause.Expr{
		SQL: "CASE WHEN last_message_time IS NULL THEN 1 ELSE 0 END, last_message_time DESC, updated_at DESC",
	}}).Find(&views).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return views, nil
}

func (r *userChatRepository) ListByConversation(ctx context.Context, convID uint) ([]models.UserChat, error) {
	var views []models.UserChat
	if err := r.db.WithContext(ctx).Where("conversation_id = ?", convID).Find(&views).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return views, nil
}

func (r *userChatRepository) ListPointingAt(ctx context.Context, messageID uint) ([]models.UserChat, error) {
	var views []models.UserChat
	if err := r.db.WithContext(ctx).Where("last_message_id = ?", messageID).Find(&views).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return views, nil
}

// ApplySend points every member's view at the new message and bumps the
// unread counter of everyone but the sender. Missing views are created.
func (r *userChatRepository) ApplySend(ctx context.Context, memberIDs []uint, u LastMessageUpdate) error {
	var sender, others []models.UserChat
	for _, id := range memberIDs {
		msgID, at := u.MessageID, u.At
		view := models.UserChat{
			UserID:          id,
			ConversationID:  u.ConversationID,
			LastMessageID:   &msgID,
			LastMessageText: u.Text,
			LastMessageTime: &at,
			IsActive:        true,
		}
		if id == u.SenderID {
			sender = append(sender, view)
		} else {
			view.UnreadCount = 1
			others = append(others, view)
		}
	}

	previewColumns := []string{"last_message_id", "last_message_text", "last_message_time", "is_active", "left_at", "updated_at"}

	if len(sender) > 0 {
		err := retryOnUniqueViolation(func() error {
			return r.db.WithContext(ctx).Clauses(clause.OnConflict{
				Columns:   userChatKey,
				DoUpdates: clause.AssignmentColumns(previewColumns),
			}).Create(&sender).Error
		})
		if err != nil {
			return models.NewInternalError(err)
		}
	}

	if len(others) > 0 {
		set := append(clause.AssignmentColumns(previewColumns), clause.Assignment{
			Column: clause.Column{Name: "unread_count"},
			Value:  gorm.Expr("user_chats.unread_count + 1"),
		})
		err := retryOnUniqueViolation(func() error {
			return r.db.WithContext(ctx).Clauses(clause.OnConflict{
				Columns:   userChatKey,
				DoUpdates: set,
			}).Create(&others).Error
		})
		if err != nil {
			return models.NewInternalError(err)
		}
	}
	return nil
}

// SetLastMessage repoints one viewer's preview. nil values clear it.
func (r *userChatRepository) SetLastMessage(ctx context.Context, userID, convID uint, messageID *uint, text *string, at *time.Time) error {
	err := r.db.WithContext(ctx).Model(&models.UserChat{}).
		Where("user_id = ? AND conversation_id = ?", userID, convID).
		Updates(map[string]interface{}{
			"last_message_id":   messageID,
			"last_message_text": text,
			"last_message_time": at,
		}).Error
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

// RepointLastMessage moves a preview off fromID. It reports false when the
// view no longer points at fromID, e.g. a newer send landed first.
func (r *userChatRepository) RepointLastMessage(ctx context.Context, userID, convID, fromID uint, messageID *uint, text *string, at *time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.UserChat{}).
		Where("user_id = ? AND conversation_id = ? AND last_message_id = ?", userID, convID, fromID).
		Updates(map[string]interface{}{
			"last_message_id":   messageID,
			"last_message_text": text,
			"last_message_time": at,
		})
	if res.Error != nil {
		return false, models.NewInternalError(res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *userChatRepository) ResetUnread(ctx context.Context, userID uint, convIDs ...uint) error {
	if len(convIDs) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Model(&models.UserChat{}).
		Where("user_id = ? AND conversation_id IN ?", userID, convIDs).
		Update("unread_count", 0).Error
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

// Activate creates or reactivates the views of userIDs for the conversation.
func (r *userChatRepository) Activate(ctx context.Context, convID uint, userIDs ...uint) error {
	if len(userIDs) == 0 {
		return nil
	}
	rows := make([]models.UserChat, 0, len(userIDs))
	for _, id := range userIDs {
		rows = append(rows, models.UserChat{UserID: id, ConversationID: convID, IsActive: true})
	}
	err := retryOnUniqueViolation(func() error {
		return r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   userChatKey,
			DoUpdates: clause.AssignmentColumns([]string{"is_active", "left_at", "updated_at"}),
		}).Create(&rows).Error
	})
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *userChatRepository) Deactivate(ctx context.Context, convID, userID uint, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&models.UserChat{}).
		Where("user_id = ? AND conversation_id = ?", userID, convID).
		Updates(map[string]interface{}{"is_active": false, "left_at": at}).Error
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

// SetBlocked toggles the block flag, creating the view when it does not exist yet.
func (r *userChatRepository) SetBlocked(ctx context.Context, userID, convID uint, blocked bool, at time.Time) error {
	row := models.UserChat{UserID: userID, ConversationID: convID, IsActive: true, IsBlocked: blocked}
	if blocked {
		row.BlockedAt = &at
	}
	err := retryOnUniqueViolation(func() error {
		return r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   userChatKey,
			DoUpdates: clause.AssignmentColumns([]string{"is_blocked", "blocked_at", "updated_at"}),
		}).Create(&row).Error
	})
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}
