package repository

import (
	"context"
	"errors"
	"time"

	"github.com/procurenet/notify-engine/internal/domain"
	"gorm.io/gorm"
)

type AuditListParams struct {
	Status   *domain.ResultStatus
	GroupID  *string
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

// AuditRepository is append-only: records are never updated in place,
// corrections are new records.
type AuditRepository interface {
	Append(ctx context.Context, record *domain.AuditRecord) error
	GetByID(ctx context.Context, id string) (*domain.AuditRecord, error)
	GetByRequestID(ctx context.Context, requestID string) (*domain.AuditRecord, error)
	List(ctx context.Context, params AuditListParams) ([]domain.AuditRecord, int64, error)
}

type GormAuditRepo struct {
	db *gorm.DB
}

func NewGormAuditRepo(db *gorm.DB) *GormAuditRepo {
	return &GormAuditRepo{db: db}
}

func (r *GormAuditRepo) Append(ctx context.Context, record *domain.AuditRecord) error {
	if record == nil {
		return nil
	}
	model := &AuditModel{
		ID:            record.ID,
		RequestID:     record.RequestID,
		CorrelationID: record.CorrelationID,
		GroupID:       record.GroupID,
		Recipients:    record.Recipients,
		TemplateName:  record.TemplateName,
		Category:      record.Category,
		Priority:      record.Priority,
		Status:        record.Status,
		Reason:        record.Reason,
		Channels:      record.Channels,
		CreatedAt:     record.CreatedAt,
	}
	return r.db.WithContext(ctx).Create(model).Error
}

func (r *GormAuditRepo) GetByID(ctx context.Context, id string) (*domain.AuditRecord, error) {
	var model AuditModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return auditModelToDomain(&model), nil
}

func (r *GormAuditRepo) GetByRequestID(ctx context.Context, requestID string) (*domain.AuditRecord, error) {
	var model AuditModel
	err := r.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("created_at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return auditModelToDomain(&model), nil
}

func (r *GormAuditRepo) List(ctx context.Context, params AuditListParams) ([]domain.AuditRecord, int64, error) {
	query := r.db.WithContext(ctx).Model(&AuditModel{})

	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.GroupID != nil {
		query = query.Where("group_id = ?", *params.GroupID)
	}
	if params.From != nil {
		query = query.Where("created_at >= ?", *params.From)
	}
	if params.To != nil {
		query = query.Where("created_at <= ?", *params.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []AuditModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	records := make([]domain.AuditRecord, 0, len(models))
	for i := range models {
		records = append(records, *auditModelToDomain(&models[i]))
	}

	return records, total, nil
}

func auditModelToDomain(m *AuditModel) *domain.AuditRecord {
	if m == nil {
		return nil
	}
	return &domain.AuditRecord{
		ID:            m.ID,
		RequestID:     m.RequestID,
		CorrelationID: m.CorrelationID,
		GroupID:       m.GroupID,
		Recipients:    m.Recipients,
		TemplateName:  m.TemplateName,
		Category:      m.Category,
		Priority:      m.Priority,
		Status:        m.Status,
		Reason:        m.Reason,
		Channels:      m.Channels,
		CreatedAt:     m.CreatedAt,
	}
}
