package models

import (
	"fmt"
	"time"
)

// MaxGroupNameLength bounds group conversation names (in runes).
const MaxGroupNameLength = 25

// MinConversationMembers is the floor every conversation keeps for its lifetime.
const MinConversationMembers = 2

// Conversation is a direct (two-party) or group chat owning its membership.
type Conversation struct {
	ID          uint    `gorm:"primaryKey" json:"id"`
	Name        string  `gorm:"size:64" json:"name,omitempty"`
	Description string  `json:"description,omitempty"`
	Avatar      string  `json:"avatar,omitempty"`
	IsGroup     bool    `gorm:"not null;default:false;index" json:"is_group"`
	CreatorID   *uint   `gorm:"index" json:"creator_id,omitempty"`
	// DirectKey is "<low>:<high>" for direct conversations and NULL for groups,
	// so a pair of users can only ever share one direct conversation.
	DirectKey      *string              `gorm:"uniqueIndex;size:64" json:"-"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
	Members        []ConversationMember `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE" json:"members,omitempty"`
	RemovedMembers []RemovedMember      `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE" json:"removed_members,omitempty"`
}

// ConversationMember is a current member of a conversation.
type ConversationMember struct {
	ConversationID uint      `gorm:"primaryKey" json:"conversation_id"`
	UserID         uint      `gorm:"primaryKey;index" json:"user_id"`
	JoinedAt       time.Time `gorm:"autoCreateTime" json:"joined_at"`
}

// RemovedMember records a member who left or was removed from a group.
type RemovedMember struct {
	ID             uint      `gorm:"primaryKey" json:"-"`
	ConversationID uint      `gorm:"not null;index:idx_removed_members_conv_user,priority:1" json:"conversation_id"`
	UserID         uint      `gorm:"not null;index:idx_removed_members_conv_user,priority:2" json:"user_id"`
	RemovedAt      time.Time `gorm:"not null" json:"removed_at"`
}

// DirectKeyFor builds the canonical direct-conversation key for a user pair.
func DirectKeyFor(a, b uint) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

// MemberIDs returns the ids of the current members.
func (c *Conversation) MemberIDs() []uint {
	ids := make([]uint, 0, len(c.Members))
	for _, m := range c.Members {
		ids = append(ids, m.UserID)
	}
	return ids
}

// HasMember reports whether userID is a current member.
func (c *Conversation) HasMember(userID uint) bool {
	for _, m := range c.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// IsCreator reports whether userID created (owns) the group.
func (c *Conversation) IsCreator(userID uint) bool {
	return c.CreatorID != nil && *c.CreatorID == userID
}

// OtherMember returns the peer of userID in a direct conversation.
func (c *Conversation) OtherMember(userID uint) (uint, bool) {
	if c.IsGroup {
		return 0, false
	}
	for _, m := range c.Members {
		if m.UserID != userID {
			return m.UserID, true
		}
	}
	return 0, false
}
