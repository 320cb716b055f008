package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/procurenet/notify-engine/internal/domain"
	"gorm.io/gorm"
)

type TemplateRepository interface {
	// GetActive returns the active version for (name, language).
	GetActive(ctx context.Context, name, language string) (*domain.Template, error)
	// PutVersion deactivates the current active version for the key and
	// inserts the new one as active, in one transaction.
	PutVersion(ctx context.Context, tmpl *domain.Template) (*domain.Template, error)
}

type GormTemplateRepo struct {
	db *gorm.DB
}

func NewGormTemplateRepo(db *gorm.DB) *GormTemplateRepo {
	return &GormTemplateRepo{db: db}
}

func (r *GormTemplateRepo) GetActive(ctx context.Context, name, language string) (*domain.Template, error) {
	var model TemplateModel
	err := r.db.WithContext(ctx).
		Where("name = ? AND language = ? AND active = true", name, language).
		Order("version DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrTemplateNotFound
	}
	if err != nil {
		return nil, err
	}
	return templateModelToDomain(&model), nil
}

func (r *GormTemplateRepo) PutVersion(ctx context.Context, tmpl *domain.Template) (*domain.Template, error) {
	if tmpl == nil {
		return nil, domain.ErrValidation
	}
	if err := tmpl.Validate(); err != nil {
		return nil, err
	}

	var created *TemplateModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest TemplateModel
		version := 1
		err := tx.Where("name = ? AND language = ?", tmpl.Name, tmpl.Language).
			Order("version DESC").
			First(&latest).Error
		if err == nil {
			version = latest.Version + 1
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if err := tx.Model(&TemplateModel{}).
			Where("name = ? AND language = ? AND active = true", tmpl.Name, tmpl.Language).
			Update("active", false).Error; err != nil {
			return err
		}

		model := templateModelFromDomain(tmpl)
		model.ID = uuid.NewString()
		model.Version = version
		model.Active = true
		if err := tx.Create(model).Error; err != nil {
			return err
		}

		created = model
		return nil
	})
	if err != nil {
		return nil, err
	}

	return templateModelToDomain(created), nil
}
