package models

import "time"

// UserChat is one user's personalized view of a conversation: last message
// preview, unread counter and membership/blocked status. There is exactly one
// row per (user, conversation).
type UserChat struct {
	ID              uint       `gorm:"primaryKey" json:"-"`
	UserID          uint       `gorm:"not null;uniqueIndex:idx_user_chats_user_conv,priority:1;index:idx_user_chats_user_time,priority:1" json:"user_id"`
	ConversationID  uint       `gorm:"not null;uniqueIndex:idx_user_chats_user_conv,priority:2;index" json:"conversation_id"`
	LastMessageID   *uint      `json:"-"`
	LastMessageText *string    `gorm:"type:text" json:"-"`
	LastMessageTime *time.Time `gorm:"index:idx_user_chats_user_time,priority:2,sort:desc" json:"last_message_time"`
	UnreadCount     int        `gorm:"not null;default:0" json:"unread_count"`
	IsActive        bool       `gorm:"not null" json:"is_active"`
	LeftAt          *time.Time `json:"left_at"`
	IsBlocked       bool       `gorm:"not null;default:false" json:"is_blocked"`
	BlockedAt       *time.Time `json:"blocked_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// LastMessage is the personalized preview pointer of a UserChat.
type LastMessage struct {
	MessageID *uint   `json:"message_id"`
	Message   *string `json:"message"`
}

// LastMessage returns the preview pointer of the view.
func (u *UserChat) LastMessage() LastMessage {
	return LastMessage{MessageID: u.LastMessageID, Message: u.LastMessageText}
}

// PointsAt reports whether the view's last message is messageID.
func (u *UserChat) PointsAt(messageID uint) bool {
	return u.LastMessageID != nil && *u.LastMessageID == messageID
}
