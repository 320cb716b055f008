package repository

import (
	"context"
	"errors"

	"github.com/procurenet/notify-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PreferenceRepository interface {
	Get(ctx context.Context, recipientID string) (*domain.Preferences, error)
	Put(ctx context.Context, prefs *domain.Preferences) error
	// EnsureDefaults materializes the default record unless one already
	// exists. Safe under concurrent first access: the insert is keyed by
	// recipient id and does nothing on conflict.
	EnsureDefaults(ctx context.Context, recipientID string) (*domain.Preferences, error)
}

type GormPreferenceRepo struct {
	db *gorm.DB
}

func NewGormPreferenceRepo(db *gorm.DB) *GormPreferenceRepo {
	return &GormPreferenceRepo{db: db}
}

func (r *GormPreferenceRepo) Get(ctx context.Context, recipientID string) (*domain.Preferences, error) {
	var model PreferenceModel
	err := r.db.WithContext(ctx).First(&model, "recipient_id = ?", recipientID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return preferenceModelToDomain(&model), nil
}

func (r *GormPreferenceRepo) Put(ctx context.Context, prefs *domain.Preferences) error {
	model := preferenceModelFromDomain(prefs)
	if model == nil {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "recipient_id"}},
			UpdateAll: true,
		}).
		Create(model).Error
}

func (r *GormPreferenceRepo) EnsureDefaults(ctx context.Context, recipientID string) (*domain.Preferences, error) {
	defaults := preferenceModelFromDomain(domain.DefaultPreferences(recipientID))

	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "recipient_id"}},
			DoNothing: true,
		}).
		Create(defaults).Error; err != nil {
		return nil, err
	}

	// Re-read so a concurrent winner's record is returned, not our insert.
	return r.Get(ctx, recipientID)
}
