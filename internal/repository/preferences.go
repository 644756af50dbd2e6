package repository

import (
	"context"
	"errors"

	"chatterbox/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PreferencesRepository persists per-user settings.
type PreferencesRepository interface {
	Get(ctx context.Context, userID uint) (*models.UserPreferences, error)
	Save(ctx context.Context, prefs *models.UserPreferences) error
}

type preferencesRepository struct {
	db *gorm.DB
}

// NewPreferencesRepository returns a new PreferencesRepository implementation.
func NewPreferencesRepository(db *gorm.DB) PreferencesRepository {
	return &preferencesRepository{db: db}
}

// Get returns the stored settings, creating the defaults on first access.
func (r *preferencesRepository) Get(ctx context.Context, userID uint) (*models.UserPreferences, error) {
	var prefs models.UserPreferences
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&prefs).Error
	if err == nil {
		return &prefs, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewInternalError(err)
	}

	defaults := models.DefaultPreferences(userID)
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(defaults).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return defaults, nil
}

func (r *preferencesRepository) Save(ctx context.Context, prefs *models.UserPreferences) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(prefs).Error
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}
