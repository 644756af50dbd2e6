package models

import "time"

// ChatRequestStatus is the lifecycle state of a pairing request.
type ChatRequestStatus string

const (
	ChatRequestPending  ChatRequestStatus = "pending"
	ChatRequestAccepted ChatRequestStatus = "accepted"
	ChatRequestRejected ChatRequestStatus = "rejected"
)

// ChatRequest asks another user to open a direct conversation.
type ChatRequest struct {
	ID         uint              `gorm:"primaryKey" json:"id"`
	SenderID   uint              `gorm:"not null;index" json:"sender_id"`
	Sender     *User             `gorm:"foreignKey:SenderID" json:"sender,omitempty"`
	ReceiverID uint              `gorm:"not null;index" json:"receiver_id"`
	Receiver   *User             `gorm:"foreignKey:ReceiverID" json:"receiver,omitempty"`
	Status     ChatRequestStatus `gorm:"size:16;not null;default:'pending';index" json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}
