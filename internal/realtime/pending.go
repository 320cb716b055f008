package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/procurenet/notify-engine/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const pendingKeyPrefix = "pending:"

// PendingBuffer holds events for recipients with no live socket anywhere,
// so a reconnecting client catches up on what it missed. The list is
// capped (oldest entries trimmed first) and expires if the recipient never
// comes back.
type PendingBuffer struct {
	client *goredis.Client
	cap    int
	ttl    time.Duration
}

func NewPendingBuffer(client *goredis.Client, cap int, ttl time.Duration) (*PendingBuffer, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cap < 1 {
		cap = 100
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &PendingBuffer{client: client, cap: cap, ttl: ttl}, nil
}

func pendingKey(recipientID string) string {
	return pendingKeyPrefix + recipientID
}

// Push appends the event and trims the list to the newest cap entries.
func (b *PendingBuffer) Push(ctx context.Context, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode pending event: %w", err)
	}

	key := pendingKey(event.RecipientID)
	_, err = b.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.RPush(ctx, key, payload)
		pipe.LTrim(ctx, key, int64(-b.cap), -1)
		pipe.Expire(ctx, key, b.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to buffer pending event for %s: %w", event.RecipientID, err)
	}
	return nil
}

// Drain atomically returns and clears the recipient's buffered events in
// arrival order. Entries that no longer decode are dropped.
func (b *PendingBuffer) Drain(ctx context.Context, recipientID string) ([]domain.Event, error) {
	key := pendingKey(recipientID)

	var entries *goredis.StringSliceCmd
	_, err := b.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		entries = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to drain pending events for %s: %w", recipientID, err)
	}

	raw := entries.Val()
	events := make([]domain.Event, 0, len(raw))
	for _, item := range raw {
		var event domain.Event
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}
