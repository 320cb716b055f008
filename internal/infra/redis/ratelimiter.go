package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/procurenet/notify-engine/internal/domain"
	"github.com/procurenet/notify-engine/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultLimitPerMinute int64 = 30
	windowSeconds               = 60
)

var allowScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

var _ ratelimit.RateLimiter = (*RateLimiter)(nil)

// RateLimiter is a distributed fixed-window limiter keyed by
// (recipient, channel, minute bucket), backed by Redis.
type RateLimiter struct {
	client         *goredis.Client
	limitPerMinute int64
	now            func() time.Time
	script         *goredis.Script
}

func NewRateLimiter(client *goredis.Client, limitPerMinute int) (*RateLimiter, error) {
	return newRateLimiter(client, int64(limitPerMinute), time.Now)
}

func newRateLimiter(client *goredis.Client, limitPerMinute int64, nowFn func() time.Time) (*RateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limitPerMinute <= 0 {
		limitPerMinute = defaultLimitPerMinute
	}
	if nowFn == nil {
		nowFn = time.Now
	}

	return &RateLimiter{
		client:         client,
		limitPerMinute: limitPerMinute,
		now:            nowFn,
		script:         allowScript,
	}, nil
}

func (r *RateLimiter) Allow(ctx context.Context, recipientID string, channel domain.Channel) (bool, error) {
	if r == nil || r.client == nil || r.script == nil {
		return false, fmt.Errorf("rate limiter is not initialized")
	}

	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return false, fmt.Errorf("recipient id is required")
	}
	if !channel.IsValid() {
		return false, fmt.Errorf("invalid channel %q", channel)
	}

	if ctx == nil {
		ctx = context.Background()
	}

	bucket := r.now().UTC().Unix() / windowSeconds
	key := fmt.Sprintf("ratelimit:%s:%s:%d", strings.ToLower(channel.String()), recipientID, bucket)

	result, err := r.script.Run(ctx, r.client, []string{key}, r.limitPerMinute, windowSeconds).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	return result == 1, nil
}
