package service

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"chatterbox/internal/middleware"
	"chatterbox/internal/models"
	"chatterbox/internal/observability"
	"chatterbox/internal/repository"
	"chatterbox/internal/storage"
)

const (
	maxMessageTextLength = 10000
	remoteDeleteTimeout  = 30 * time.Second
	visibleScanPageSize  = 50
)

// DeleteTarget selects what a deletion hides: the text body or one attachment.
type DeleteTarget struct {
	AttachmentID uint
}

// TextTarget targets the text body of a message.
func TextTarget() DeleteTarget { return DeleteTarget{AttachmentID: models.TextTarget} }

// AttachmentTarget targets one attachment of a message.
func AttachmentTarget(id uint) DeleteTarget { return DeleteTarget{AttachmentID: id} }

// IsText reports whether the target is the text body.
func (t DeleteTarget) IsText() bool { return t.AttachmentID == models.TextTarget }

// Upload is a file received alongside a message.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// MessageStore owns message content: creation, the two deletion modes and the
// per-viewer visibility rules.
type MessageStore struct {
	store      *repository.Store
	files      storage.AttachmentStore
	thumbnails func() bool
	remote     *sync.WaitGroup
}

// NewMessageStore creates a MessageStore. thumbnails is consulted on every
// image upload; nil disables thumbnails.
func NewMessageStore(store *repository.Store, files storage.AttachmentStore, thumbnails func() bool) *MessageStore {
	if files == nil {
		files = storage.NoopStore{}
	}
	if thumbnails == nil {
		thumbnails = func() bool { return false }
	}
	return &MessageStore{store: store, files: files, thumbnails: thumbnails, remote: &sync.WaitGroup{}}
}

func (m *MessageStore) withStore(tx *repository.Store) *MessageStore {
	c := *m
	c.store = tx
	return &c
}

// UploadAttachments stores files remotely and returns the rows to persist
// with the message. Files already uploaded are discarded when a later one fails.
func (m *MessageStore) UploadAttachments(ctx context.Context, convID uint, uploads []Upload) ([]models.Attachment, error) {
	if len(uploads) > models.MaxAttachmentsPerMessage {
		return nil, models.NewValidationError("A message can carry at most 6 attachments")
	}

	atts := make([]models.Attachment, 0, len(uploads))
	var keys []string
	for _, u := range uploads {
		if len(u.Data) == 0 {
			m.DiscardRemote(ctx, keys...)
			return nil, models.NewValidationError("Attachment " + u.Filename + " is empty")
		}
		contentType := strings.TrimSpace(u.ContentType)
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		key := storage.ObjectKey(convID, u.Filename)
		url, err := m.files.Upload(ctx, key, contentType, u.Data)
		if err != nil {
			m.DiscardRemote(ctx, keys...)
			return nil, &models.AppError{Code: models.CodeInternal, Message: "Failed to upload attachment", Err: err}
		}
		keys = append(keys, key)

		att := models.Attachment{
			Locator:     key,
			URL:         &url,
			Type:        models.AttachmentTypeFromMIME(contentType),
			ContentType: contentType,
			Size:        int64(len(u.Data)),
			SizeLabel:   models.FormatFileSize(int64(len(u.Data))),
			Filename:    u.Filename,
		}
		if att.Type == models.AttachmentImage && m.thumbnails() {
			if thumbKey, thumbURL, ok := m.uploadThumbnail(ctx, key, u.Data); ok {
				keys = append(keys, thumbKey)
				att.ThumbnailLocator = thumbKey
				att.ThumbnailURL = &thumbURL
			}
		}
		atts = append(atts, att)
	}
	return atts, nil
}

func (m *MessageStore) uploadThumbnail(ctx context.Context, key string, data []byte) (string, string, bool) {
	thumb, err := storage.Thumbnail(data, storage.ThumbnailMaxSide)
	if err != nil {
		middleware.Logger.DebugContext(ctx, "thumbnail skipped", "key", key, "error", err)
		return "", "", false
	}
	thumbKey := storage.ThumbnailKey(key)
	url, err := m.files.Upload(ctx, thumbKey, "image/webp", thumb)
	if err != nil {
		middleware.Logger.WarnContext(ctx, "thumbnail upload failed", "key", thumbKey, "error", err)
		return "", "", false
	}
	return thumbKey, url, true
}

// CreateMessage persists a new message with status sent and no receipts.
func (m *MessageStore) CreateMessage(ctx context.Context, convID, senderID uint, text string, attachments []models.Attachment) (*models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" && len(attachments) == 0 {
		return nil, models.NewValidationError("Message text or attachments are required")
	}
	if len(attachments) > models.MaxAttachmentsPerMessage {
		return nil, models.NewValidationError("A message can carry at most 6 attachments")
	}
	if utf8.RuneCountInString(text) > maxMessageTextLength {
		return nil, models.NewValidationError("Message text too long (max 10000 characters)")
	}

	msg := &models.Message{
		ConversationID: convID,
		SenderID:       senderID,
		Text:           text,
		MessageType:    models.MessageTypeFor(text, attachments),
		Status:         models.MessageStatusSent,
		Attachments:    attachments,
	}
	if err := m.store.Messages.Create(ctx, msg); err != nil {
		return nil, err
	}
	observability.MessagesSent.WithLabelValues(msg.MessageType).Inc()
	return msg, nil
}

// DeleteForMe hides the target from actorID only. Repeating it is a no-op.
func (m *MessageStore) DeleteForMe(ctx context.Context, messageID, actorID uint, target DeleteTarget) (*models.Message, error) {
	msg, err := m.store.Messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if !target.IsText() {
		if _, ok := msg.FindAttachment(target.AttachmentID); !ok {
			return nil, models.NewNotFoundError("Attachment", target.AttachmentID)
		}
	}
	if err := m.ensureParticipant(ctx, msg.ConversationID, actorID); err != nil {
		return nil, err
	}

	row := models.MessageDeletion{MessageID: msg.ID, UserID: actorID, AttachmentID: target.AttachmentID}
	if err := m.store.Messages.AddDeletions(ctx, []models.MessageDeletion{row}); err != nil {
		return nil, err
	}
	return m.store.Messages.GetByID(ctx, msg.ID)
}

// DeleteForEveryone blanks the target for all viewers. Only the sender may do
// it. Attachment files are removed from storage best-effort before the row
// is blanked; once nothing survives the whole message is flagged deleted.
func (m *MessageStore) DeleteForEveryone(ctx context.Context, messageID, actorID uint, target DeleteTarget) (*models.Message, error) {
	msg, err := m.store.Messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != actorID {
		return nil, models.NewForbiddenError("Only the sender can delete a message for everyone")
	}

	if target.IsText() {
		if msg.Text == "" && !msg.TextDeletedForEveryone {
			return nil, models.NewNotFoundError("Message text", msg.ID)
		}
		if !msg.TextDeletedForEveryone {
			err := m.store.Messages.UpdateMessage(ctx, msg.ID, map[string]interface{}{
				"text":                      "",
				"text_deleted_for_everyone": true,
			})
			if err != nil {
				return nil, err
			}
		}
	} else {
		att, ok := msg.FindAttachment(target.AttachmentID)
		if !ok {
			return nil, models.NewNotFoundError("Attachment", target.AttachmentID)
		}
		if !att.DeletedForEveryone {
			m.DiscardRemote(ctx, att.Locator, att.ThumbnailLocator)
			err := m.store.Messages.UpdateAttachment(ctx, att.ID, map[string]interface{}{
				"url":                  nil,
				"locator":              "",
				"thumbnail_url":        nil,
				"thumbnail_locator":    "",
				"deleted_for_everyone": true,
			})
			if err != nil {
				return nil, err
			}
		}
	}

	msg, err = m.store.Messages.GetByID(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	if !msg.DeletedForEveryone && !msg.HasSurvivingContent() {
		if err := m.store.Messages.UpdateMessage(ctx, msg.ID, map[string]interface{}{"deleted_for_everyone": true}); err != nil {
			return nil, err
		}
		msg.DeletedForEveryone = true
	}
	return msg, nil
}

// ResolvePreview returns the conversation-list preview of msg for viewerID,
// or nil when nothing of it is visible to that viewer.
func ResolvePreview(msg *models.Message, viewerID uint) *string {
	if msg == nil || msg.DeletedForEveryone {
		return nil
	}
	if msg.TextVisibleTo(viewerID) {
		preview := models.TruncatePreview(msg.Text)
		return &preview
	}
	if visible := msg.VisibleAttachments(viewerID); len(visible) > 0 {
		label := visible[0].Type.Label()
		return &label
	}
	return nil
}

// FindMostRecentVisible scans the conversation newest-first and returns the
// first message other than excludingID that viewerID can still see.
func (m *MessageStore) FindMostRecentVisible(ctx context.Context, convID, viewerID, excludingID uint) (*models.Message, error) {
	var cursor *repository.Cursor
	for {
		page, err := m.store.Messages.ListBefore(ctx, convID, cursor, visibleScanPageSize)
		if err != nil {
			return nil, err
		}
		for i := range page {
			if page[i].ID == excludingID {
				continue
			}
			if ResolvePreview(&page[i], viewerID) != nil {
				return &page[i], nil
			}
		}
		if len(page) < visibleScanPageSize {
			return nil, nil
		}
		last := page[len(page)-1]
		cursor = &repository.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
}

// ClearChat hides every message of the conversation, text and attachments,
// from actorID.
func (m *MessageStore) ClearChat(ctx context.Context, convID, actorID uint) error {
	msgs, err := m.store.Messages.ListByConversation(ctx, convID)
	if err != nil {
		return err
	}
	rows := make([]models.MessageDeletion, 0, len(msgs))
	for _, msg := range msgs {
		rows = append(rows, models.MessageDeletion{MessageID: msg.ID, UserID: actorID, AttachmentID: models.TextTarget})
		for _, att := range msg.Attachments {
			rows = append(rows, models.MessageDeletion{MessageID: msg.ID, UserID: actorID, AttachmentID: att.ID})
		}
	}
	return m.store.Messages.AddDeletions(ctx, rows)
}

// ListMessages returns a page of the conversation newest-first.
func (m *MessageStore) ListMessages(ctx context.Context, convID uint, before *repository.Cursor, limit int) ([]models.Message, error) {
	return m.store.Messages.ListBefore(ctx, convID, before, limit)
}

// DiscardRemote deletes storage objects in the background. Failures are
// logged and otherwise ignored.
func (m *MessageStore) DiscardRemote(ctx context.Context, keys ...string) {
	var live []string
	for _, k := range keys {
		if k != "" {
			live = append(live, k)
		}
	}
	if len(live) == 0 {
		return
	}

	m.remote.Add(1)
	go func() {
		defer m.remote.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), remoteDeleteTimeout)
		defer cancel()
		for _, key := range live {
			if err := m.files.Delete(ctx, key); err != nil {
				middleware.Logger.WarnContext(ctx, "attachment delete failed", "key", key, "error", err)
			}
		}
	}()
}

// WaitRemote blocks until background storage deletes have finished.
func (m *MessageStore) WaitRemote() {
	m.remote.Wait()
}

// ensureParticipant allows current members and users who still hold a view
// of the conversation (left or removed members keep their history).
func (m *MessageStore) ensureParticipant(ctx context.Context, convID, userID uint) error {
	member, err := m.store.Conversations.IsMember(ctx, convID, userID)
	if err != nil {
		return err
	}
	if member {
		return nil
	}
	if _, err := m.store.UserChats.Get(ctx, userID, convID); err != nil {
		if models.ErrorCode(err) == models.CodeNotFound {
			return models.NewForbiddenError("You are not a participant in this conversation")
		}
		return err
	}
	return nil
}
