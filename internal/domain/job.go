package domain

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus is the lifecycle state of a delivery job.
type JobStatus string

const (
	JobQueued     JobStatus = "QUEUED"
	JobProcessing JobStatus = "PROCESSING"
	JobSent       JobStatus = "SENT"
	JobFailed     JobStatus = "FAILED"
	JobDeadLetter JobStatus = "DEAD_LETTER"
	JobCanceled   JobStatus = "CANCELED"
)

func (s JobStatus) String() string { return string(s) }

func (s JobStatus) IsValid() bool {
	switch s {
	case JobQueued, JobProcessing, JobSent, JobFailed, JobDeadLetter, JobCanceled:
		return true
	}
	return false
}

// Terminal reports whether the job can never be attempted again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSent, JobFailed, JobDeadLetter, JobCanceled:
		return true
	}
	return false
}

const DefaultMaxAttempts = 3

// DeliveryJob is one queued unit of work: a single channel delivery to a
// single recipient. AttemptCount is persisted and is the sole source of
// truth for retry-budget enforcement across process restarts.
type DeliveryJob struct {
	ID       string
	DedupKey string
	// RequestID ties the job back to the originating notification request.
	RequestID     string
	CorrelationID string
	Channel       Channel
	Priority      Priority
	Category      string
	// RecipientID is the platform identity; Contact is the channel address
	// (email, phone number, device token) the adapter delivers to.
	RecipientID       string
	Contact           string
	Subject           string
	Body              string
	PlainText         string
	Status            JobStatus
	AttemptCount      int
	MaxAttempts       int
	ProviderMessageID string
	LastError         string
	ScheduledAt       *time.Time
	ExpiresAt         *time.Time
	NextRetryAt       *time.Time
	// ProcessingSince is the lease mark: set when a worker takes the job,
	// consulted to reclaim jobs abandoned by a crashed worker.
	ProcessingSince *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DeliveryDedupKey builds the stable idempotency key for a job. Duplicate
// enqueues with the same key within the dedup window collapse to one send.
func DeliveryDedupKey(requestID string, channel Channel, recipientID string) string {
	return fmt.Sprintf("%s:%s:%s", requestID, strings.ToLower(channel.String()), recipientID)
}

func (j *DeliveryJob) Validate() error {
	if j == nil {
		return fmt.Errorf("%w: job is required", ErrValidation)
	}
	if strings.TrimSpace(j.RequestID) == "" {
		return fmt.Errorf("%w: request id is required", ErrValidation)
	}
	if strings.TrimSpace(j.RecipientID) == "" {
		return fmt.Errorf("%w: recipient id is required", ErrValidation)
	}
	if strings.TrimSpace(j.Contact) == "" {
		return fmt.Errorf("%w: contact is required", ErrValidation)
	}
	if !j.Channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", ErrValidation, j.Channel)
	}
	if !j.Priority.IsValid() {
		return fmt.Errorf("%w: invalid priority %q", ErrValidation, j.Priority)
	}
	if strings.TrimSpace(j.Body) == "" {
		return fmt.Errorf("%w: rendered body is required", ErrValidation)
	}
	return nil
}

// Expired reports whether the job sat in the queue past its expiry.
func (j *DeliveryJob) Expired(now time.Time) bool {
	return j.ExpiresAt != nil && j.ExpiresAt.Before(now)
}

// DeliveryAttempt records a single adapter call for a job.
type DeliveryAttempt struct {
	ID                string
	JobID             string
	AttemptNumber     int
	StatusCode        *int
	ProviderMessageID *string
	Error             *string
	CreatedAt         time.Time
}
