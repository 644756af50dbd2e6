package repository

import (
	"context"
	"errors"
	"time"

	"chatterbox/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Cursor positions a newest-first scan by the (created_at, id) sort key.
type Cursor struct {
	CreatedAt time.Time
	ID        uint
}

// ReceiptTally counts acknowledgements of a message among a recipient set.
type ReceiptTally struct {
	MessageID      uint
	DeliveredCount int
	ReadCount      int
}

// MessageRepository persists messages, attachments, receipts and per-user deletions.
type MessageRepository interface {
	Create(ctx context.Context, msg *models.Message) error
	GetByID(ctx context.Context, id uint) (*models.Message, error)
	GetByIDs(ctx context.Context, ids []uint) ([]models.Message, error)
	ListBefore(ctx context.Context, convID uint, cursor *Cursor, limit int) ([]models.Message, error)
	ListByConversation(ctx context.Context, convID uint) ([]models.Message, error)
	AddDeletions(ctx context.Context, rows []models.MessageDeletion) error
	UpdateMessage(ctx context.Context, id uint, fields map[string]interface{}) error
	UpdateAttachment(ctx context.Context, id uint, fields map[string]interface{}) error
	PendingReceipts(ctx context.Context, convID, readerID uint, read bool) ([]uint, error)
	ListUnsettled(ctx context.Context, convID uint) ([]models.Message, error)
	MarkReceipts(ctx context.Context, msgIDs []uint, userID uint, at time.Time, read bool) error
	TallyReceipts(ctx context.Context, msgIDs []uint, recipientIDs []uint) (map[uint]ReceiptTally, error)
	AdvanceStatus(ctx context.Context, ids []uint, to models.MessageStatus) error
	AttachmentLocators(ctx context.Context, convID uint) ([]string, error)
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository returns a new MessageRepository implementation.
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

func withContent(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Attachments", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Preload("Deletions").
		Preload("Receipts")
}

func (r *messageRepository) Create(ctx context.Context, msg *models.Message) error {
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *messageRepository) GetByID(ctx context.Context, id uint) (*models.Message, error) {
	var msg models.Message
	if err := withContent(r.db.WithContext(ctx)).First(&msg, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Message", id)
		}
		return nil, models.NewInternalError(err)
	}
	return &msg, nil
}

func (r *messageRepository) GetByIDs(ctx context.Context, ids []uint) ([]models.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var msgs []models.Message
	err := withContent(r.db.WithContext(ctx)).
		Where("id IN ?", ids).
		Order("created_at ASC, id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return msgs, nil
}

// ListBefore returns up to limit messages newest-first, strictly older than cursor when given.
func (r *messageRepository) ListBefore(ctx context.Context, convID uint, cursor *Cursor, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	q := withContent(r.db.WithContext(ctx)).Where("conversation_id = ?", convID)
	if cursor != nil {
		q = q.Where("created_at < ? OR (created_at = ? AND id < ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}

	var msgs []models.Message
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return msgs, nil
}

func (r *messageRepository) ListByConversation(ctx context.Context, convID uint) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.WithContext(ctx).
		Preload("Attachments").
		Where("conversation_id = ?", convID).
		Order("created_at ASC, id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return msgs, nil
}

// AddDeletions inserts deletion rows; rows already present are kept as is.
func (r *messageRepository) AddDeletions(ctx context.Context, rows []models.MessageDeletion) error {
	if len(rows) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&rows, 200).Error
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *messageRepository) UpdateMessage(ctx context.Context, id uint, fields map[string]interface{}) error {
	if err := r.db.WithContext(ctx).Model(&models.Message{}).Where("id = ?", id).Updates(fields).Error; err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *messageRepository) UpdateAttachment(ctx context.Context, id uint, fields map[string]interface{}) error {
	if err := r.db.WithContext(ctx).Model(&models.Attachment{}).Where("id = ?", id).Updates(fields).Error; err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

// PendingReceipts lists messages in the conversation authored by others that
// readerID has not yet acknowledged (delivered, or read when read is set).
func (r *messageRepository) PendingReceipts(ctx context.Context, convID, readerID uint, read bool) ([]uint, error) {
	column := "delivered_at"
	if read {
		column = "read_at"
	}
	acked := r.db.Model(&models.MessageReceipt{}).
		Select("message_id").
		Where("user_id = ? AND "+column+" IS NOT NULL", readerID)

	var ids []uint
	err := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("conversation_id = ? AND sender_id <> ?", convID, readerID).
		Where("id NOT IN (?)", acked).
		Order("created_at ASC, id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return ids, nil
}

// ListUnsettled lists the conversation's messages that have not reached read.
func (r *messageRepository) ListUnsettled(ctx context.Context, convID uint) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND status <> ?", convID, models.MessageStatusRead).
		Order("created_at ASC, id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return msgs, nil
}

// MarkReceipts records delivery (and read when read is set) for userID on
// every message. Existing timestamps are never overwritten.
func (r *messageRepository) MarkReceipts(ctx context.Context, msgIDs []uint, userID uint, at time.Time, read bool) error {
	if len(msgIDs) == 0 {
		return nil
	}
	rows := make([]models.MessageReceipt, 0, len(msgIDs))
	for _, id := range msgIDs {
		row := models.MessageReceipt{MessageID: id, UserID: userID, DeliveredAt: &at}
		if read {
			row.ReadAt = &at
		}
		rows = append(rows, row)
	}

	assignments := []clause.Assignment{
		{Column: clause.Column{Name: "delivered_at"}, Value: gorm.Expr("COALESCE(message_receipts.delivered_at, excluded.delivered_at)")},
	}
	if read {
		assignments = append(assignments, clause.Assignment{
			Column: clause.Column{Name: "read_at"},
			Value:  gorm.Expr("COALESCE(message_receipts.read_at, excluded.read_at)"),
		})
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}, {Name: "user_id"}},
			DoUpdates: clause.Set(assignments),
		}).
		CreateInBatches(&rows, 200).Error
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

// TallyReceipts counts, per message, how many of recipientIDs acknowledged it.
func (r *messageRepository) TallyReceipts(ctx context.Context, msgIDs []uint, recipientIDs []uint) (map[uint]ReceiptTally, error) {
	out := make(map[uint]ReceiptTally, len(msgIDs))
	for _, id := range msgIDs {
		out[id] = ReceiptTally{MessageID: id}
	}
	if len(msgIDs) == 0 || len(recipientIDs) == 0 {
		return out, nil
	}

	var rows []ReceiptTally
	err := r.db.WithContext(ctx).
		Model(&models.MessageReceipt{}).
		Select("message_id, COUNT(delivered_at) AS delivered_count, COUNT(read_at) AS read_count").
		Where("message_id IN ? AND user_id IN ?", msgIDs, recipientIDs).
		Group("message_id").
		Scan(&rows).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	for _, row := range rows {
		out[row.MessageID] = row
	}
	return out, nil
}

// AdvanceStatus moves messages forward to status; messages already at or past it are left alone.
func (r *messageRepository) AdvanceStatus(ctx context.Context, ids []uint, to models.MessageStatus) error {
	if len(ids) == 0 {
		return nil
	}
	var lower []models.MessageStatus
	for _, s := range []models.MessageStatus{models.MessageStatusSent, models.MessageStatusDelivered} {
		if s.Rank() < to.Rank() {
			lower = append(lower, s)
		}
	}
	if len(lower) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("id IN ? AND status IN ?", ids, lower).
		Update("status", to).Error
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

// AttachmentLocators lists the storage keys (files and thumbnails) still held by the conversation.
func (r *messageRepository) AttachmentLocators(ctx context.Context, convID uint) ([]string, error) {
	var atts []models.Attachment
	err := r.db.WithContext(ctx).
		Joins("JOIN messages ON messages.id = attachments.message_id").
		Where("messages.conversation_id = ?", convID).
		Find(&atts).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	var out []string
	for _, a := range atts {
		if a.Locator != "" {
			out = append(out, a.Locator)
		}
		if a.ThumbnailLocator != "" {
			out = append(out, a.ThumbnailLocator)
		}
	}
	return out, nil
}
