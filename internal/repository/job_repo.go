package repository

import (
	"context"
	"errors"
	"time"

	"github.com/procurenet/notify-engine/internal/domain"
	"gorm.io/gorm"
)

// ProcessingLease bounds how long a PROCESSING job stays claimed. A worker
// that crashes mid-attempt leaves the row reclaimable once the lease runs
// out, so delivery is at-least-once across process crashes.
const ProcessingLease = 5 * time.Minute

// JobRepository persists delivery jobs. The stored attempt count is the
// sole source of truth for retry-budget enforcement.
type JobRepository interface {
	Create(ctx context.Context, job *domain.DeliveryJob) error
	GetByID(ctx context.Context, id string) (*domain.DeliveryJob, error)
	// LockForProcessing claims the job with a single conditional update:
	// QUEUED rows and PROCESSING rows whose lease expired move to
	// PROCESSING with a fresh lease. It returns nil (no error) when the
	// job is terminal or freshly claimed elsewhere, so a duplicate queue
	// delivery becomes a no-op ack.
	LockForProcessing(ctx context.Context, id string) (*domain.DeliveryJob, error)
	MarkSent(ctx context.Context, id string, providerMessageID string) error
	// MarkRetry re-queues the job with the next retry time and increments
	// the persisted attempt count atomically.
	MarkRetry(ctx context.Context, id string, nextRetryAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, id string, lastError string) error
	MarkDeadLetter(ctx context.Context, id string, lastError string) error
	// ReleaseToQueued undoes a processing lease without consuming an
	// attempt, e.g. when the rate limiter rejected before the provider call.
	ReleaseToQueued(ctx context.Context, id string, nextRetryAt time.Time) error
	// MarkEnqueued clears the retry/schedule marks once the job message is
	// back on the broker, so scanners do not re-publish it every tick.
	MarkEnqueued(ctx context.Context, id string) error
	GetDueForRetry(ctx context.Context, limit int) ([]domain.DeliveryJob, error)
	GetDueScheduled(ctx context.Context, limit int) ([]domain.DeliveryJob, error)
	// GetStaleProcessing lists jobs whose processing lease expired, i.e.
	// leftovers of crashed workers. The scanner re-publishes them and the
	// next LockForProcessing call reclaims the lease.
	GetStaleProcessing(ctx context.Context, limit int) ([]domain.DeliveryJob, error)
	CountQueuedByChannel(ctx context.Context) (map[domain.Channel]int64, error)
	ListDeadLetters(ctx context.Context, limit int) ([]domain.DeliveryJob, error)
}

type GormJobRepo struct {
	db *gorm.DB
}

func NewGormJobRepo(db *gorm.DB) *GormJobRepo {
	return &GormJobRepo{db: db}
}

func (r *GormJobRepo) Create(ctx context.Context, job *domain.DeliveryJob) error {
	model := jobModelFromDomain(job)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if job != nil {
		*job = *jobModelToDomain(model)
	}
	return nil
}

func (r *GormJobRepo) GetByID(ctx context.Context, id string) (*domain.DeliveryJob, error) {
	var model JobModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return jobModelToDomain(&model), nil
}

func (r *GormJobRepo) LockForProcessing(ctx context.Context, id string) (*domain.DeliveryJob, error) {
	now := time.Now()
	staleBefore := now.Add(-ProcessingLease)

	// One atomic claim: either the row is QUEUED, or it is PROCESSING with
	// an expired lease (crashed worker). Two racing processes cannot both
	// match, so exactly one wins the job.
	claim := r.db.WithContext(ctx).
		Model(&JobModel{}).
		Where("id = ? AND (status = ? OR (status = ? AND (processing_since IS NULL OR processing_since < ?)))",
			id, domain.JobQueued, domain.JobProcessing, staleBefore).
		Updates(map[string]any{
			"status":           domain.JobProcessing,
			"processing_since": now,
		})
	if claim.Error != nil {
		return nil, claim.Error
	}

	if claim.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).
			Model(&JobModel{}).
			Where("id = ?", id).
			Count(&count).Error; err != nil {
			return nil, err
		}
		if count == 0 {
			return nil, domain.ErrNotFound
		}
		// Terminal, or claimed by another live worker.
		return nil, nil
	}

	var model JobModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return jobModelToDomain(&model), nil
}

func (r *GormJobRepo) MarkSent(ctx context.Context, id string, providerMessageID string) error {
	updates := map[string]any{"status": domain.JobSent}
	if providerMessageID != "" {
		updates["provider_message_id"] = providerMessageID
	}
	return r.updateByID(ctx, id, updates)
}

func (r *GormJobRepo) MarkRetry(ctx context.Context, id string, nextRetryAt time.Time, lastError string) error {
	return r.updateByID(ctx, id, map[string]any{
		"status":           domain.JobQueued,
		"next_retry_at":    nextRetryAt,
		"last_error":       lastError,
		"attempt_count":    gorm.Expr("attempt_count + 1"),
		"processing_since": nil,
	})
}

func (r *GormJobRepo) MarkFailed(ctx context.Context, id string, lastError string) error {
	return r.updateByID(ctx, id, map[string]any{
		"status":        domain.JobFailed,
		"last_error":    lastError,
		"attempt_count": gorm.Expr("attempt_count + 1"),
	})
}

func (r *GormJobRepo) MarkDeadLetter(ctx context.Context, id string, lastError string) error {
	return r.updateByID(ctx, id, map[string]any{
		"status":        domain.JobDeadLetter,
		"last_error":    lastError,
		"attempt_count": gorm.Expr("attempt_count + 1"),
	})
}

func (r *GormJobRepo) ReleaseToQueued(ctx context.Context, id string, nextRetryAt time.Time) error {
	return r.updateByID(ctx, id, map[string]any{
		"status":           domain.JobQueued,
		"next_retry_at":    nextRetryAt,
		"processing_since": nil,
	})
}

func (r *GormJobRepo) MarkEnqueued(ctx context.Context, id string) error {
	return r.updateByID(ctx, id, map[string]any{
		"next_retry_at": nil,
		"scheduled_at":  nil,
	})
}

func (r *GormJobRepo) GetDueForRetry(ctx context.Context, limit int) ([]domain.DeliveryJob, error) {
	var models []JobModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_retry_at <= ?", domain.JobQueued, time.Now()).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return jobModelsToDomain(models), nil
}

func (r *GormJobRepo) GetDueScheduled(ctx context.Context, limit int) ([]domain.DeliveryJob, error) {
	var models []JobModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_retry_at IS NULL AND scheduled_at IS NOT NULL AND scheduled_at <= ?",
			domain.JobQueued, time.Now()).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return jobModelsToDomain(models), nil
}

func (r *GormJobRepo) GetStaleProcessing(ctx context.Context, limit int) ([]domain.DeliveryJob, error) {
	var models []JobModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND (processing_since IS NULL OR processing_since < ?)",
			domain.JobProcessing, time.Now().Add(-ProcessingLease)).
		Order("processing_since ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return jobModelsToDomain(models), nil
}

func (r *GormJobRepo) CountQueuedByChannel(ctx context.Context) (map[domain.Channel]int64, error) {
	type row struct {
		Channel domain.Channel `gorm:"column:channel"`
		Count   int64          `gorm:"column:count"`
	}

	var rows []row
	err := r.db.WithContext(ctx).
		Model(&JobModel{}).
		Select("channel, COUNT(*) as count").
		Where("status = ?", domain.JobQueued).
		Group("channel").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	depths := make(map[domain.Channel]int64, len(rows))
	for _, r := range rows {
		depths[r.Channel] = r.Count
	}
	return depths, nil
}

func (r *GormJobRepo) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeliveryJob, error) {
	var models []JobModel
	err := r.db.WithContext(ctx).
		Where("status = ?", domain.JobDeadLetter).
		Order("updated_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return jobModelsToDomain(models), nil
}

// updateByID applies a status transition but never on a terminal row.
// A late duplicate attempt must not clobber a SENT outcome with FAILED.
func (r *GormJobRepo) updateByID(ctx context.Context, id string, updates map[string]any) error {
	result := r.db.WithContext(ctx).
		Model(&JobModel{}).
		Where("id = ? AND status NOT IN ?", id, terminalJobStatuses).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).
			Model(&JobModel{}).
			Where("id = ?", id).
			Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return domain.ErrNotFound
		}
		// Already terminal: the outcome on record wins.
		return nil
	}
	return nil
}

var terminalJobStatuses = []domain.JobStatus{
	domain.JobSent, domain.JobFailed, domain.JobDeadLetter, domain.JobCanceled,
}

func jobModelsToDomain(models []JobModel) []domain.DeliveryJob {
	jobs := make([]domain.DeliveryJob, 0, len(models))
	for i := range models {
		jobs = append(jobs, *jobModelToDomain(&models[i]))
	}
	return jobs
}
