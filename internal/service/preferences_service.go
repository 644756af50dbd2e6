package service

import (
	"bytes"
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"chatterbox/internal/models"
	"chatterbox/internal/repository"
	"chatterbox/internal/validation"

	"golang.org/x/crypto/bcrypt"
)

// Preference sections accepted by PreferencesService.Apply.
const (
	SectionAppearance    = "appearance"
	SectionPrivacy       = "privacy"
	SectionNotifications = "notifications"
	SectionChat          = "chat"
)

var accentColorRegex = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// PreferenceCommand is one tagged update: Section selects the shape of Payload.
type PreferenceCommand struct {
	Section string          `json:"section"`
	Payload json.RawMessage `json:"payload"`
}

// AppearanceSettings is the payload of the appearance section.
type AppearanceSettings struct {
	Theme         *string `json:"theme"`
	FontSize      *string `json:"font_size"`
	ChatWallpaper *string `json:"chat_wallpaper"`
	BubbleStyle   *string `json:"message_bubble_style"`
	AccentColor   *string `json:"accent_color"`
}

// PrivacySettings is the payload of the privacy section.
type PrivacySettings struct {
	ProfilePhoto    *string `json:"profile_photo"`
	OnlineStatus    *string `json:"online_status"`
	TypingIndicator *bool   `json:"typing_indicator"`
}

// NotificationSettings is the payload of the notifications section.
type NotificationSettings struct {
	Enabled *bool `json:"notifications"`
	Sound   *bool `json:"tick_sound"`
}

// ChatSettings is the payload of the chat section.
type ChatSettings struct {
	EnterToSend *bool   `json:"enter_to_send"`
	TimeFormat  *string `json:"time_format"`
}

// PasswordChange replaces the account password.
type PasswordChange struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// PreferencesService reads and updates per-user client settings.
type PreferencesService struct {
	store *repository.Store
}

// NewPreferencesService creates a PreferencesService.
func NewPreferencesService(store *repository.Store) *PreferencesService {
	return &PreferencesService{store: store}
}

// Get returns userID's settings, creating the defaults on first access.
func (s *PreferencesService) Get(ctx context.Context, userID uint) (*models.UserPreferences, error) {
	return s.store.Preferences.Get(ctx, userID)
}

// Apply validates cmd against its section and saves the merged settings.
// Unknown sections and unknown payload fields are rejected.
func (s *PreferencesService) Apply(ctx context.Context, userID uint, cmd PreferenceCommand) (*models.UserPreferences, error) {
	prefs, err := s.store.Preferences.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	switch cmd.Section {
	case SectionAppearance:
		var in AppearanceSettings
		if err := decodeStrict(cmd.Payload, &in); err != nil {
			return nil, err
		}
		if err := applyAppearance(prefs, in); err != nil {
			return nil, err
		}
	case SectionPrivacy:
		var in PrivacySettings
		if err := decodeStrict(cmd.Payload, &in); err != nil {
			return nil, err
		}
		if err := applyPrivacy(prefs, in); err != nil {
			return nil, err
		}
	case SectionNotifications:
		var in NotificationSettings
		if err := decodeStrict(cmd.Payload, &in); err != nil {
			return nil, err
		}
		if in.Enabled != nil {
			prefs.NotificationsEnabled = *in.Enabled
		}
		if in.Sound != nil {
			prefs.NotificationSound = *in.Sound
		}
	case SectionChat:
		var in ChatSettings
		if err := decodeStrict(cmd.Payload, &in); err != nil {
			return nil, err
		}
		if in.EnterToSend != nil {
			prefs.EnterToSend = *in.EnterToSend
		}
		if in.TimeFormat != nil {
			if err := oneOf("time_format", *in.TimeFormat, "12h", "24h"); err != nil {
				return nil, err
			}
			prefs.TimeFormat = *in.TimeFormat
		}
	default:
		return nil, models.NewValidationError("Unknown preferences section: " + cmd.Section)
	}

	if err := s.store.Preferences.Save(ctx, prefs); err != nil {
		return nil, err
	}
	return prefs, nil
}

// ChangePassword replaces userID's password after checking the current one.
func (s *PreferencesService) ChangePassword(ctx context.Context, userID uint, in PasswordChange) error {
	if in.CurrentPassword == "" || in.NewPassword == "" {
		return models.NewValidationError("Current and new password are required")
	}
	if err := validation.ValidatePassword(in.NewPassword); err != nil {
		return models.NewValidationError(err.Error())
	}
	if in.CurrentPassword == in.NewPassword {
		return models.NewValidationError("New password must differ from the current one")
	}

	user, err := s.store.Users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	// The cached copy has no hash; reload from the database.
	full, err := s.store.Users.GetByEmail(ctx, user.Email)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(full.Password), []byte(in.CurrentPassword)) != nil {
		return models.NewUnauthorizedError("Current password is incorrect")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return models.NewInternalError(err)
	}
	return s.store.Users.UpdatePassword(ctx, userID, string(hash))
}

func applyAppearance(p *models.UserPreferences, in AppearanceSettings) error {
	if in.Theme != nil {
		if err := oneOf("theme", *in.Theme, "light", "dark"); err != nil {
			return err
		}
		p.Theme = *in.Theme
	}
	if in.FontSize != nil {
		if err := oneOf("font_size", *in.FontSize, "small", "medium", "large", "extra-large"); err != nil {
			return err
		}
		p.FontSize = *in.FontSize
	}
	if in.ChatWallpaper != nil {
		wallpaper := strings.TrimSpace(*in.ChatWallpaper)
		if err := validation.ValidateImageURL(wallpaper); err != nil {
			return models.NewValidationError(err.Error())
		}
		p.ChatWallpaper = wallpaper
	}
	if in.BubbleStyle != nil {
		if err := oneOf("message_bubble_style", *in.BubbleStyle, "rounded", "sharp", "minimal"); err != nil {
			return err
		}
		p.BubbleStyle = *in.BubbleStyle
	}
	if in.AccentColor != nil {
		if !accentColorRegex.MatchString(*in.AccentColor) {
			return models.NewValidationError("accent_color must be a #RRGGBB color")
		}
		p.AccentColor = strings.ToLower(*in.AccentColor)
	}
	return nil
}

func applyPrivacy(p *models.UserPreferences, in PrivacySettings) error {
	visibilities := []string{models.VisibilityEveryone, models.VisibilityContacts, models.VisibilityNobody}
	if in.ProfilePhoto != nil {
		if err := oneOf("profile_photo", *in.ProfilePhoto, visibilities...); err != nil {
			return err
		}
		p.ProfilePhotoVisibility = *in.ProfilePhoto
	}
	if in.OnlineStatus != nil {
		if err := oneOf("online_status", *in.OnlineStatus, visibilities...); err != nil {
			return err
		}
		p.OnlineStatusVisibility = *in.OnlineStatus
	}
	if in.TypingIndicator != nil {
		p.TypingIndicator = *in.TypingIndicator
	}
	return nil
}

func decodeStrict(raw json.RawMessage, dest interface{}) error {
	if len(raw) == 0 {
		return models.NewValidationError("payload is required")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return models.NewValidationError("Invalid payload: " + err.Error())
	}
	return nil
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return models.NewValidationError(field + " must be one of " + strings.Join(allowed, ", "))
}
