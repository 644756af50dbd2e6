// Package models contains data structures for the application's domain models.
package models

import (
	"time"

	"gorm.io/gorm"
)

// DefaultBio is assigned to new accounts that do not provide one.
const DefaultBio = "happy chatting"

// User represents a chat account.
type User struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Username  string         `gorm:"uniqueIndex;size:30;not null" json:"username"`
	FullName  string         `gorm:"size:80" json:"full_name"`
	Email     string         `gorm:"uniqueIndex;size:254;not null" json:"email"`
	Password  string         `gorm:"not null" json:"-"`
	Bio       string         `json:"bio"`
	Avatar    string         `json:"avatar"`
	IsOnline  bool           `gorm:"not null;default:false" json:"is_online"`
	LastSeen  *time.Time     `json:"last_seen,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// UserSummary is the public profile projection embedded in conversation and
// message payloads.
type UserSummary struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	FullName string `json:"full_name"`
	Avatar   string `json:"avatar"`
	IsOnline bool   `json:"is_online"`
}

// Summary returns the public projection of u.
func (u *User) Summary() UserSummary {
	return UserSummary{
		ID:       u.ID,
		Username: u.Username,
		FullName: u.FullName,
		Avatar:   u.Avatar,
		IsOnline: u.IsOnline,
	}
}
