package repository

import (
	"time"

	"github.com/procurenet/notify-engine/internal/domain"
)

// JobModel is the persistence model for the delivery_jobs table.
type JobModel struct {
	ID                string           `gorm:"type:uuid;primaryKey"`
	DedupKey          string           `gorm:"type:varchar(255);not null"`
	RequestID         string           `gorm:"type:uuid;not null"`
	CorrelationID     string           `gorm:"type:varchar(36);not null"`
	Channel           domain.Channel   `gorm:"type:varchar(10);not null"`
	Priority          domain.Priority  `gorm:"type:varchar(10);not null"`
	Category          string           `gorm:"type:varchar(64)"`
	RecipientID       string           `gorm:"type:varchar(64);not null"`
	Contact           string           `gorm:"type:varchar(255);not null"`
	Subject           string           `gorm:"type:text"`
	Body              string           `gorm:"type:text;not null"`
	PlainText         string           `gorm:"type:text"`
	Status            domain.JobStatus `gorm:"type:varchar(20);not null"`
	AttemptCount      int              `gorm:"not null;default:0"`
	MaxAttempts       int              `gorm:"not null;default:3"`
	ProviderMessageID *string          `gorm:"type:varchar(255)"`
	LastError         *string          `gorm:"type:text"`
	ScheduledAt       *time.Time       `gorm:"type:timestamptz"`
	ExpiresAt         *time.Time       `gorm:"type:timestamptz"`
	NextRetryAt       *time.Time
	ProcessingSince   *time.Time `gorm:"type:timestamptz"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (JobModel) TableName() string {
	return "delivery_jobs"
}

// AttemptModel is the persistence model for delivery_attempts.
type AttemptModel struct {
	ID                string  `gorm:"type:uuid;primaryKey"`
	JobID             string  `gorm:"type:uuid;not null"`
	AttemptNumber     int     `gorm:"not null"`
	StatusCode        *int    `gorm:"type:int"`
	ProviderMessageID *string `gorm:"type:varchar(255)"`
	Error             *string `gorm:"type:text"`
	CreatedAt         time.Time
}

func (AttemptModel) TableName() string {
	return "delivery_attempts"
}

// AuditModel is the append-only persistence model for audit_records.
type AuditModel struct {
	ID            string                                   `gorm:"type:uuid;primaryKey"`
	RequestID     string                                   `gorm:"type:uuid;not null"`
	CorrelationID string                                   `gorm:"type:varchar(36)"`
	GroupID       string                                   `gorm:"type:varchar(64)"`
	Recipients    []string                                 `gorm:"type:jsonb;serializer:json"`
	TemplateName  string                                   `gorm:"type:varchar(128);not null"`
	Category      string                                   `gorm:"type:varchar(64)"`
	Priority      domain.Priority                          `gorm:"type:varchar(10)"`
	Status        domain.ResultStatus                      `gorm:"type:varchar(20);not null"`
	Reason        string                                   `gorm:"type:varchar(64)"`
	Channels      map[domain.Channel]domain.ChannelOutcome `gorm:"type:jsonb;serializer:json"`
	CreatedAt     time.Time
}

func (AuditModel) TableName() string {
	return "audit_records"
}

// PreferenceModel is the persistence model for preferences, keyed by
// recipient id.
type PreferenceModel struct {
	RecipientID string                      `gorm:"type:varchar(64);primaryKey"`
	Channels    map[domain.Channel]bool     `gorm:"type:jsonb;serializer:json"`
	Categories  map[domain.Channel][]string `gorm:"type:jsonb;serializer:json"`
	Language    string                      `gorm:"type:varchar(8)"`
	QuietStart  *string                     `gorm:"type:varchar(5)"`
	QuietEnd    *string                     `gorm:"type:varchar(5)"`
	QuietTZ     *string                     `gorm:"type:varchar(64)"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (PreferenceModel) TableName() string {
	return "preferences"
}

// TemplateModel is the persistence model for templates. (name, language,
// version) is unique; at most one version per key is active.
type TemplateModel struct {
	ID                string   `gorm:"type:uuid;primaryKey"`
	Name              string   `gorm:"type:varchar(128);not null"`
	Language          string   `gorm:"type:varchar(8);not null"`
	Version           int      `gorm:"not null;default:1"`
	Active            bool     `gorm:"not null;default:true"`
	EmailSubject      string   `gorm:"type:text"`
	EmailHTML         string   `gorm:"type:text"`
	SMSText           string   `gorm:"type:text"`
	PushTitle         string   `gorm:"type:text"`
	PushBody          string   `gorm:"type:text"`
	InAppText         string   `gorm:"type:text"`
	RequiredVariables []string `gorm:"type:jsonb;serializer:json"`
	CreatedAt         time.Time
}

func (TemplateModel) TableName() string {
	return "templates"
}

// GroupModel is the persistence model for recipient groups.
type GroupModel struct {
	ID        string   `gorm:"type:varchar(64);primaryKey"`
	Name      string   `gorm:"type:varchar(128);not null"`
	MemberIDs []string `gorm:"type:jsonb;serializer:json"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (GroupModel) TableName() string {
	return "recipient_groups"
}

// ContactModel stores the per-channel delivery addresses of a recipient.
type ContactModel struct {
	RecipientID string `gorm:"type:varchar(64);primaryKey"`
	Email       string `gorm:"type:varchar(255)"`
	Phone       string `gorm:"type:varchar(32)"`
	DeviceToken string `gorm:"type:varchar(255)"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (ContactModel) TableName() string {
	return "recipient_contacts"
}

// InboxModel is the persistence model for in-app inbox messages.
type InboxModel struct {
	ID          string `gorm:"type:uuid;primaryKey"`
	RecipientID string `gorm:"type:varchar(64);not null"`
	RequestID   string `gorm:"type:uuid"`
	Category    string `gorm:"type:varchar(64)"`
	Body        string `gorm:"type:text;not null"`
	Read        bool   `gorm:"not null;default:false"`
	CreatedAt   time.Time
}

func (InboxModel) TableName() string {
	return "inbox_messages"
}

// ScheduledRequestModel holds whole deferred requests awaiting their fire
// time; the scheduler re-submits them with ScheduledAt cleared.
type ScheduledRequestModel struct {
	ID          string                     `gorm:"type:uuid;primaryKey"`
	Payload     domain.NotificationRequest `gorm:"type:jsonb;serializer:json"`
	ScheduledAt time.Time                  `gorm:"type:timestamptz;not null"`
	Fired       bool                       `gorm:"not null;default:false"`
	CreatedAt   time.Time
}

func (ScheduledRequestModel) TableName() string {
	return "scheduled_requests"
}

func jobModelFromDomain(j *domain.DeliveryJob) *JobModel {
	if j == nil {
		return nil
	}

	return &JobModel{
		ID:                j.ID,
		DedupKey:          j.DedupKey,
		RequestID:         j.RequestID,
		CorrelationID:     j.CorrelationID,
		Channel:           j.Channel,
		Priority:          j.Priority,
		Category:          j.Category,
		RecipientID:       j.RecipientID,
		Contact:           j.Contact,
		Subject:           j.Subject,
		Body:              j.Body,
		PlainText:         j.PlainText,
		Status:            j.Status,
		AttemptCount:      j.AttemptCount,
		MaxAttempts:       j.MaxAttempts,
		ProviderMessageID: optionalString(j.ProviderMessageID),
		LastError:         optionalString(j.LastError),
		ScheduledAt:       j.ScheduledAt,
		ExpiresAt:         j.ExpiresAt,
		NextRetryAt:       j.NextRetryAt,
		ProcessingSince:   j.ProcessingSince,
		CreatedAt:         j.CreatedAt,
		UpdatedAt:         j.UpdatedAt,
	}
}

func jobModelToDomain(m *JobModel) *domain.DeliveryJob {
	if m == nil {
		return nil
	}

	return &domain.DeliveryJob{
		ID:                m.ID,
		DedupKey:          m.DedupKey,
		RequestID:         m.RequestID,
		CorrelationID:     m.CorrelationID,
		Channel:           m.Channel,
		Priority:          m.Priority,
		Category:          m.Category,
		RecipientID:       m.RecipientID,
		Contact:           m.Contact,
		Subject:           m.Subject,
		Body:              m.Body,
		PlainText:         m.PlainText,
		Status:            m.Status,
		AttemptCount:      m.AttemptCount,
		MaxAttempts:       m.MaxAttempts,
		ProviderMessageID: stringValue(m.ProviderMessageID),
		LastError:         stringValue(m.LastError),
		ScheduledAt:       m.ScheduledAt,
		ExpiresAt:         m.ExpiresAt,
		NextRetryAt:       m.NextRetryAt,
		ProcessingSince:   m.ProcessingSince,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func preferenceModelFromDomain(p *domain.Preferences) *PreferenceModel {
	if p == nil {
		return nil
	}

	model := &PreferenceModel{
		RecipientID: p.RecipientID,
		Channels:    p.Channels,
		Categories:  p.Categories,
		Language:    p.Language,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
	if p.QuietHours != nil {
		model.QuietStart = &p.QuietHours.Start
		model.QuietEnd = &p.QuietHours.End
		model.QuietTZ = &p.QuietHours.Timezone
	}
	return model
}

func preferenceModelToDomain(m *PreferenceModel) *domain.Preferences {
	if m == nil {
		return nil
	}

	prefs := &domain.Preferences{
		RecipientID: m.RecipientID,
		Channels:    m.Channels,
		Categories:  m.Categories,
		Language:    m.Language,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
	if m.QuietStart != nil && m.QuietEnd != nil && m.QuietTZ != nil {
		prefs.QuietHours = &domain.QuietHours{
			Start:    *m.QuietStart,
			End:      *m.QuietEnd,
			Timezone: *m.QuietTZ,
		}
	}
	return prefs
}

func templateModelFromDomain(t *domain.Template) *TemplateModel {
	if t == nil {
		return nil
	}

	return &TemplateModel{
		Name:              t.Name,
		Language:          t.Language,
		Version:           t.Version,
		Active:            t.Active,
		EmailSubject:      t.Fragments.EmailSubject,
		EmailHTML:         t.Fragments.EmailHTML,
		SMSText:           t.Fragments.SMSText,
		PushTitle:         t.Fragments.PushTitle,
		PushBody:          t.Fragments.PushBody,
		InAppText:         t.Fragments.InAppText,
		RequiredVariables: t.RequiredVariables,
		CreatedAt:         t.CreatedAt,
	}
}

func templateModelToDomain(m *TemplateModel) *domain.Template {
	if m == nil {
		return nil
	}

	return &domain.Template{
		Name:     m.Name,
		Language: m.Language,
		Version:  m.Version,
		Active:   m.Active,
		Fragments: domain.ChannelFragments{
			EmailSubject: m.EmailSubject,
			EmailHTML:    m.EmailHTML,
			SMSText:      m.SMSText,
			PushTitle:    m.PushTitle,
			PushBody:     m.PushBody,
			InAppText:    m.InAppText,
		},
		RequiredVariables: m.RequiredVariables,
		CreatedAt:         m.CreatedAt,
	}
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func stringValue(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
