package models

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxAttachmentsPerMessage caps how many files a single message may carry.
const MaxAttachmentsPerMessage = 6

// PreviewMaxRunes bounds the text shown in a conversation's last-message preview.
const PreviewMaxRunes = 50

// MessageStatus is the aggregate delivery state of a message.
type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
)

// Rank orders statuses so transitions can be checked to only move forward.
func (s MessageStatus) Rank() int {
	switch s {
	case MessageStatusDelivered:
		return 1
	case MessageStatusRead:
		return 2
	default:
		return 0
	}
}

// AttachmentType classifies an uploaded file.
type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentVideo AttachmentType = "video"
	AttachmentAudio AttachmentType = "audio"
	AttachmentRaw   AttachmentType = "raw"
)

// AttachmentTypeFromMIME derives the attachment type from a content type.
func AttachmentTypeFromMIME(contentType string) AttachmentType {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case strings.HasPrefix(ct, "image/"):
		return AttachmentImage
	case strings.HasPrefix(ct, "video/"):
		return AttachmentVideo
	case strings.HasPrefix(ct, "audio/"):
		return AttachmentAudio
	default:
		return AttachmentRaw
	}
}

// Label is the short description used when an attachment stands in for text.
func (t AttachmentType) Label() string {
	switch t {
	case AttachmentImage:
		return "Photo"
	case AttachmentVideo:
		return "Video"
	case AttachmentAudio:
		return "Audio"
	default:
		return "File"
	}
}

// FormatFileSize renders a byte count as "512 B", "12 KB" or "1.50 MB".
func FormatFileSize(bytes int64) string {
	var size float64
	var unit string
	switch {
	case bytes < 1024:
		size, unit = float64(bytes), "B"
	case bytes < 1024*1024:
		size, unit = float64(bytes)/1024, "KB"
	default:
		size, unit = float64(bytes)/(1024*1024), "MB"
	}
	if size == float64(int64(size)) {
		return fmt.Sprintf("%d %s", int64(size), unit)
	}
	return fmt.Sprintf("%.2f %s", size, unit)
}

// Message is a single chat message with its attachments and per-user state.
type Message struct {
	ID                     uint              `gorm:"primaryKey" json:"id"`
	ConversationID         uint              `gorm:"not null;index:idx_messages_conv_created,priority:1" json:"conversation_id"`
	SenderID               uint              `gorm:"not null;index" json:"sender_id"`
	Text                   string            `gorm:"type:text" json:"text"`
	MessageType            string            `gorm:"size:16;not null;default:'text'" json:"message_type"`
	Status                 MessageStatus     `gorm:"size:16;not null;default:'sent'" json:"status"`
	TextDeletedForEveryone bool              `gorm:"not null;default:false" json:"text_deleted_for_everyone"`
	DeletedForEveryone     bool              `gorm:"not null;default:false" json:"deleted_for_everyone"`
	CreatedAt              time.Time         `gorm:"index:idx_messages_conv_created,priority:2" json:"created_at"`
	UpdatedAt              time.Time         `json:"updated_at"`
	Attachments            []Attachment      `gorm:"foreignKey:MessageID;constraint:OnDelete:CASCADE" json:"attachments"`
	Receipts               []MessageReceipt  `gorm:"foreignKey:MessageID;constraint:OnDelete:CASCADE" json:"-"`
	Deletions              []MessageDeletion `gorm:"foreignKey:MessageID;constraint:OnDelete:CASCADE" json:"-"`
}

// Attachment is a stored file attached to a message.
type Attachment struct {
	ID                 uint           `gorm:"primaryKey" json:"id"`
	MessageID          uint           `gorm:"not null;index" json:"message_id"`
	Locator            string         `gorm:"size:255" json:"-"`
	URL                *string        `json:"url"`
	ThumbnailLocator   string         `gorm:"size:255" json:"-"`
	ThumbnailURL       *string        `json:"thumbnail_url,omitempty"`
	Type               AttachmentType `gorm:"size:16;not null" json:"file_type"`
	ContentType        string         `gorm:"size:128" json:"content_type"`
	Size               int64          `json:"size"`
	SizeLabel          string         `gorm:"size:32" json:"file_size"`
	Filename           string         `gorm:"size:255" json:"filename"`
	DeletedForEveryone bool           `gorm:"not null;default:false" json:"deleted_for_everyone"`
	CreatedAt          time.Time      `json:"created_at"`
}

// MessageReceipt tracks delivery and read acknowledgement of one recipient.
type MessageReceipt struct {
	MessageID   uint       `gorm:"primaryKey" json:"message_id"`
	UserID      uint       `gorm:"primaryKey;index" json:"user_id"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

// TextTarget is the AttachmentID used by a MessageDeletion hiding the text body.
const TextTarget uint = 0

// MessageDeletion hides the text (AttachmentID == TextTarget) or one attachment
// of a message from a single user.
type MessageDeletion struct {
	MessageID    uint      `gorm:"primaryKey" json:"message_id"`
	UserID       uint      `gorm:"primaryKey;index" json:"user_id"`
	AttachmentID uint      `gorm:"primaryKey" json:"attachment_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// HiddenFor reports whether target (TextTarget or an attachment id) is in
// viewerID's deletion set. Deletions must be loaded.
func (m *Message) HiddenFor(viewerID, target uint) bool {
	for _, d := range m.Deletions {
		if d.UserID == viewerID && d.AttachmentID == target {
			return true
		}
	}
	return false
}

// TextVisibleTo reports whether the text body is displayed to viewerID.
func (m *Message) TextVisibleTo(viewerID uint) bool {
	return m.Text != "" && !m.TextDeletedForEveryone && !m.DeletedForEveryone && !m.HiddenFor(viewerID, TextTarget)
}

// AttachmentVisibleTo reports whether a is displayed to viewerID.
func (m *Message) AttachmentVisibleTo(a *Attachment, viewerID uint) bool {
	return !a.DeletedForEveryone && a.URL != nil && !m.HiddenFor(viewerID, a.ID)
}

// VisibleAttachments returns the attachments displayed to viewerID.
func (m *Message) VisibleAttachments(viewerID uint) []Attachment {
	out := make([]Attachment, 0, len(m.Attachments))
	for i := range m.Attachments {
		if m.AttachmentVisibleTo(&m.Attachments[i], viewerID) {
			out = append(out, m.Attachments[i])
		}
	}
	return out
}

// HasSurvivingContent reports whether anything survived delete-for-everyone.
func (m *Message) HasSurvivingContent() bool {
	if m.Text != "" && !m.TextDeletedForEveryone {
		return true
	}
	for _, a := range m.Attachments {
		if !a.DeletedForEveryone {
			return true
		}
	}
	return false
}

// FindAttachment returns the attachment with the given id.
func (m *Message) FindAttachment(id uint) (*Attachment, bool) {
	for i := range m.Attachments {
		if m.Attachments[i].ID == id {
			return &m.Attachments[i], true
		}
	}
	return nil, false
}

// DeliveredTo returns the recipients that acknowledged delivery.
func (m *Message) DeliveredTo() []uint {
	ids := make([]uint, 0, len(m.Receipts))
	for _, r := range m.Receipts {
		if r.DeliveredAt != nil {
			ids = append(ids, r.UserID)
		}
	}
	return ids
}

// ReadBy returns the recipients that read the message.
func (m *Message) ReadBy() []uint {
	ids := make([]uint, 0, len(m.Receipts))
	for _, r := range m.Receipts {
		if r.ReadAt != nil {
			ids = append(ids, r.UserID)
		}
	}
	return ids
}

// MessageTypeFor derives the stored message type from its content.
func MessageTypeFor(text string, attachments []Attachment) string {
	if len(attachments) == 0 {
		return "text"
	}
	first := attachments[0].Type
	if first == AttachmentRaw {
		return "file"
	}
	return string(first)
}

// TruncatePreview shortens text to PreviewMaxRunes runes.
func TruncatePreview(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= PreviewMaxRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:PreviewMaxRunes]) + "..."
}
