package repository

import (
	"context"
	"time"

	"github.com/procurenet/notify-engine/internal/domain"
	"gorm.io/gorm"
)

// ScheduledRequestRepository holds whole deferred requests until their fire
// time. The scheduler claims due rows and re-submits the payload with
// ScheduledAt cleared.
type ScheduledRequestRepository interface {
	Create(ctx context.Context, id string, req *domain.NotificationRequest, scheduledAt time.Time) error
	// ClaimDue atomically marks up to limit due rows as fired and returns
	// their payloads, so two scheduler processes never fire the same row.
	ClaimDue(ctx context.Context, limit int) ([]domain.NotificationRequest, error)
}

type GormScheduledRequestRepo struct {
	db *gorm.DB
}

func NewGormScheduledRequestRepo(db *gorm.DB) *GormScheduledRequestRepo {
	return &GormScheduledRequestRepo{db: db}
}

func (r *GormScheduledRequestRepo) Create(ctx context.Context, id string, req *domain.NotificationRequest, scheduledAt time.Time) error {
	if req == nil {
		return domain.ErrValidation
	}
	model := &ScheduledRequestModel{
		ID:          id,
		Payload:     *req,
		ScheduledAt: scheduledAt,
	}
	return r.db.WithContext(ctx).Create(model).Error
}

func (r *GormScheduledRequestRepo) ClaimDue(ctx context.Context, limit int) ([]domain.NotificationRequest, error) {
	if limit < 1 {
		limit = 100
	}

	var claimed []domain.NotificationRequest
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var models []ScheduledRequestModel
		if err := tx.
			Raw(`SELECT * FROM scheduled_requests
			     WHERE fired = false AND scheduled_at <= ?
			     ORDER BY scheduled_at ASC
			     LIMIT ? FOR UPDATE SKIP LOCKED`, time.Now(), limit).
			Scan(&models).Error; err != nil {
			return err
		}
		if len(models) == 0 {
			return nil
		}

		ids := make([]string, 0, len(models))
		for i := range models {
			ids = append(ids, models[i].ID)
		}
		if err := tx.Model(&ScheduledRequestModel{}).
			Where("id IN ?", ids).
			Update("fired", true).Error; err != nil {
			return err
		}

		claimed = make([]domain.NotificationRequest, 0, len(models))
		for i := range models {
			claimed = append(claimed, models[i].Payload)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return claimed, nil
}
