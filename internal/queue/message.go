package queue

import (
	"fmt"
	"strings"

	"github.com/procurenet/notify-engine/internal/domain"
)

// JobMessage is the broker payload for delivery job processing. It carries
// only the job identity; attempt state lives in the job row, which stays
// authoritative across worker restarts and redeliveries.
type JobMessage struct {
	JobID         string          `json:"jobId"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Channel       domain.Channel  `json:"channel"`
	Priority      domain.Priority `json:"priority"`
}

func (m JobMessage) Validate() error {
	if strings.TrimSpace(m.JobID) == "" {
		return fmt.Errorf("jobId is required")
	}
	if !m.Channel.IsValid() {
		return fmt.Errorf("invalid channel %q", m.Channel)
	}
	if !m.Priority.IsValid() {
		return fmt.Errorf("invalid priority %q", m.Priority)
	}
	return nil
}
