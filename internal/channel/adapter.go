package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/procurenet/notify-engine/internal/domain"
	"github.com/procurenet/notify-engine/internal/repository"
)

// Adapter is the outbound delivery port for one channel.
type Adapter interface {
	Channel() domain.Channel
	Send(ctx context.Context, contact *repository.Contact, content *domain.RenderedContent, opts SendOptions) (*Outcome, error)
}

// SendOptions carries delivery metadata the adapters attach to provider
// calls and audit trails.
type SendOptions struct {
	RequestID     string
	RecipientID   string
	CorrelationID string
	Category      string
	Priority      domain.Priority
}

// Outcome stores provider call metadata for audit and persistence.
type Outcome struct {
	ProviderMessageID string
	StatusCode        int
}

// AdapterError classifies delivery failures as retryable or terminal.
type AdapterError struct {
	StatusCode int
	Message    string
	Retryable  bool
	Cause      error
}

func (e *AdapterError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "adapter error")

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *AdapterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsRetryable reports whether a delivery error should be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		return adapterErr.Retryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}
