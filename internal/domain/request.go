package domain

import (
	"fmt"
	"strings"
	"time"
)

// NotificationRequest is the immutable input to the orchestrator. A request
// targets either explicit recipient ids or a group id, never both empty.
type NotificationRequest struct {
	ID            string
	CorrelationID string
	Recipients    []string
	GroupID       string
	Channels      []Channel
	TemplateName  string
	Data          map[string]string
	Category      string
	Priority      Priority
	Language      string
	ScheduledAt   *time.Time
	ExpiresAt     *time.Time
}

func (r *NotificationRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: request is required", ErrValidation)
	}
	if len(r.Recipients) == 0 && strings.TrimSpace(r.GroupID) == "" {
		return fmt.Errorf("%w: at least one recipient or a group id is required", ErrValidation)
	}
	for _, recipient := range r.Recipients {
		if strings.TrimSpace(recipient) == "" {
			return fmt.Errorf("%w: recipient id must not be blank", ErrValidation)
		}
	}
	if len(r.Channels) == 0 {
		return fmt.Errorf("%w: at least one channel is required", ErrValidation)
	}
	for _, channel := range r.Channels {
		if !channel.IsValid() {
			return fmt.Errorf("%w: invalid channel %q", ErrValidation, channel)
		}
	}
	if strings.TrimSpace(r.TemplateName) == "" {
		return fmt.Errorf("%w: template name is required", ErrValidation)
	}
	if !r.Priority.IsValid() {
		return fmt.Errorf("%w: invalid priority %q", ErrValidation, r.Priority)
	}
	return nil
}

// Expired reports whether the request must not be sent anymore.
func (r *NotificationRequest) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

// Deferred reports whether the request is scheduled for a future time.
func (r *NotificationRequest) Deferred(now time.Time) bool {
	return r.ScheduledAt != nil && r.ScheduledAt.After(now)
}
