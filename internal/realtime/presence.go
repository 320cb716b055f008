package realtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const presenceKeyPrefix = "presence:"

// Presence mirrors connected recipients into Redis so every process can
// tell whether a recipient has a live socket anywhere in the cluster. Each
// process adds its own id to the recipient's set; the key expires unless a
// connected process keeps refreshing it.
type Presence struct {
	client    *goredis.Client
	processID string
	ttl       time.Duration
}

func NewPresence(client *goredis.Client, processID string, ttl time.Duration) (*Presence, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(processID) == "" {
		return nil, fmt.Errorf("process id is required")
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Presence{client: client, processID: processID, ttl: ttl}, nil
}

func presenceKey(recipientID string) string {
	return presenceKeyPrefix + recipientID
}

// Track marks the recipient online from this process and pushes the key
// expiry out. Called on connect and on every heartbeat tick.
func (p *Presence) Track(ctx context.Context, recipientID string) error {
	key := presenceKey(recipientID)
	_, err := p.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SAdd(ctx, key, p.processID)
		pipe.Expire(ctx, key, p.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to track presence for %s: %w", recipientID, err)
	}
	return nil
}

// Untrack removes this process from the recipient's set once its last
// local socket closes. Sockets on other processes keep the key alive.
func (p *Presence) Untrack(ctx context.Context, recipientID string) error {
	if err := p.client.SRem(ctx, presenceKey(recipientID), p.processID).Err(); err != nil {
		return fmt.Errorf("failed to untrack presence for %s: %w", recipientID, err)
	}
	return nil
}

// Online reports whether any process holds a live socket for the recipient.
func (p *Presence) Online(ctx context.Context, recipientID string) (bool, error) {
	n, err := p.client.SCard(ctx, presenceKey(recipientID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check presence for %s: %w", recipientID, err)
	}
	return n > 0, nil
}

// RefreshInterval is how often connected recipients must be re-tracked to
// keep their presence keys from expiring.
func (p *Presence) RefreshInterval() time.Duration {
	return p.ttl / 2
}
