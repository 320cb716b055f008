package repository

import (
	"context"

	"github.com/procurenet/notify-engine/internal/domain"
	"gorm.io/gorm"
)

type AttemptRepository interface {
	Create(ctx context.Context, a *domain.DeliveryAttempt) error
	GetByJobID(ctx context.Context, jobID string) ([]domain.DeliveryAttempt, error)
}

type GormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

func (r *GormAttemptRepo) Create(ctx context.Context, a *domain.DeliveryAttempt) error {
	if a == nil {
		return nil
	}
	model := &AttemptModel{
		ID:                a.ID,
		JobID:             a.JobID,
		AttemptNumber:     a.AttemptNumber,
		StatusCode:        a.StatusCode,
		ProviderMessageID: a.ProviderMessageID,
		Error:             a.Error,
		CreatedAt:         a.CreatedAt,
	}
	return r.db.WithContext(ctx).Create(model).Error
}

func (r *GormAttemptRepo) GetByJobID(ctx context.Context, jobID string) ([]domain.DeliveryAttempt, error) {
	var models []AttemptModel
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("attempt_number ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	attempts := make([]domain.DeliveryAttempt, 0, len(models))
	for i := range models {
		m := models[i]
		attempts = append(attempts, domain.DeliveryAttempt{
			ID:                m.ID,
			JobID:             m.JobID,
			AttemptNumber:     m.AttemptNumber,
			StatusCode:        m.StatusCode,
			ProviderMessageID: m.ProviderMessageID,
			Error:             m.Error,
			CreatedAt:         m.CreatedAt,
		})
	}

	return attempts, nil
}
