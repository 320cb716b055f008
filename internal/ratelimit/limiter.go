package ratelimit

import (
	"context"

	"github.com/procurenet/notify-engine/internal/domain"
)

// RateLimiter throttles sends per (recipient, channel). State is shared
// across all server processes; a process-local limiter would permit N times
// the intended rate under horizontal scaling.
type RateLimiter interface {
	// Allow atomically checks and increments the window counter; a false
	// return means the caller must not contact the provider.
	Allow(ctx context.Context, recipientID string, channel domain.Channel) (bool, error)
}
