package models

import "time"

// Visibility values for privacy settings.
const (
	VisibilityEveryone = "everyone"
	VisibilityContacts = "contacts"
	VisibilityNobody   = "nobody"
)

// UserPreferences stores per-user client settings.
type UserPreferences struct {
	UserID uint `gorm:"primaryKey" json:"user_id"`

	Theme         string `gorm:"size:16;not null" json:"theme"`
	FontSize      string `gorm:"size:16;not null" json:"font_size"`
	ChatWallpaper string `json:"chat_wallpaper"`
	BubbleStyle   string `gorm:"size:16;not null" json:"message_bubble_style"`
	AccentColor   string `gorm:"size:7;not null" json:"accent_color"`

	ProfilePhotoVisibility string `gorm:"size:16;not null" json:"profile_photo"`
	OnlineStatusVisibility string `gorm:"size:16;not null" json:"online_status"`
	TypingIndicator        bool   `gorm:"not null" json:"typing_indicator"`

	NotificationsEnabled bool `gorm:"not null" json:"notifications"`
	NotificationSound    bool `gorm:"not null" json:"tick_sound"`

	EnterToSend bool   `gorm:"not null" json:"enter_to_send"`
	TimeFormat  string `gorm:"size:4;not null" json:"time_format"`

	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultPreferences returns the settings a new account starts with.
func DefaultPreferences(userID uint) *UserPreferences {
	return &UserPreferences{
		UserID:                 userID,
		Theme:                  "light",
		FontSize:               "medium",
		BubbleStyle:            "rounded",
		AccentColor:            "#0084ff",
		ProfilePhotoVisibility: VisibilityEveryone,
		OnlineStatusVisibility: VisibilityEveryone,
		TypingIndicator:        true,
		NotificationsEnabled:   true,
		NotificationSound:      true,
		EnterToSend:            true,
		TimeFormat:             "12h",
	}
}
