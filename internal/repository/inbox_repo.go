package repository

import (
	"context"

	"github.com/procurenet/notify-engine/internal/domain"
	"gorm.io/gorm"
)

type InboxRepository interface {
	Create(ctx context.Context, msg *domain.InboxMessage) error
	ListUnread(ctx context.Context, recipientID string, limit int) ([]domain.InboxMessage, error)
	MarkRead(ctx context.Context, recipientID, messageID string) error
	CountUnread(ctx context.Context, recipientID string) (int64, error)
}

type GormInboxRepo struct {
	db *gorm.DB
}

func NewGormInboxRepo(db *gorm.DB) *GormInboxRepo {
	return &GormInboxRepo{db: db}
}

func (r *GormInboxRepo) Create(ctx context.Context, msg *domain.InboxMessage) error {
	if msg == nil {
		return nil
	}
	model := &InboxModel{
		ID:          msg.ID,
		RecipientID: msg.RecipientID,
		RequestID:   msg.RequestID,
		Category:    msg.Category,
		Body:        msg.Body,
		Read:        msg.Read,
		CreatedAt:   msg.CreatedAt,
	}
	return r.db.WithContext(ctx).Create(model).Error
}

func (r *GormInboxRepo) ListUnread(ctx context.Context, recipientID string, limit int) ([]domain.InboxMessage, error) {
	if limit < 1 {
		limit = 50
	}

	var models []InboxModel
	err := r.db.WithContext(ctx).
		Where("recipient_id = ? AND read = false", recipientID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	messages := make([]domain.InboxMessage, 0, len(models))
	for i := range models {
		m := models[i]
		messages = append(messages, domain.InboxMessage{
			ID:          m.ID,
			RecipientID: m.RecipientID,
			RequestID:   m.RequestID,
			Category:    m.Category,
			Body:        m.Body,
			Read:        m.Read,
			CreatedAt:   m.CreatedAt,
		})
	}

	return messages, nil
}

func (r *GormInboxRepo) MarkRead(ctx context.Context, recipientID, messageID string) error {
	result := r.db.WithContext(ctx).
		Model(&InboxModel{}).
		Where("id = ? AND recipient_id = ?", messageID, recipientID).
		Update("read", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormInboxRepo) CountUnread(ctx context.Context, recipientID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&InboxModel{}).
		Where("recipient_id = ? AND read = false", recipientID).
		Count(&count).Error
	return count, err
}
