package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Deduper reserves idempotency keys so a duplicate enqueue of the same
// (request, channel, recipient) within the window produces at most one
// adapter call.
type Deduper struct {
	client *goredis.Client
	window time.Duration
}

func NewDeduper(client *goredis.Client, window time.Duration) (*Deduper, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if window <= 0 {
		window = time.Hour
	}
	return &Deduper{client: client, window: window}, nil
}

// Reserve returns true when the key was free and is now held by the caller.
// A false return means another send already claimed it inside the window.
func (d *Deduper) Reserve(ctx context.Context, key string) (bool, error) {
	if d == nil || d.client == nil {
		return false, fmt.Errorf("deduper is not initialized")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, fmt.Errorf("dedup key is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ok, err := d.client.SetNX(ctx, "dedup:"+key, 1, d.window).Result()
	if err != nil {
		return false, fmt.Errorf("failed to reserve dedup key: %w", err)
	}
	return ok, nil
}

// Release frees a reservation so a failed attempt can be retried under the
// same key.
func (d *Deduper) Release(ctx context.Context, key string) error {
	if d == nil || d.client == nil {
		return fmt.Errorf("deduper is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return d.client.Del(ctx, "dedup:"+strings.TrimSpace(key)).Err()
}
