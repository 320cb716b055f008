package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/procurenet/notify-engine/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	dlxExchangeName = "notify.dlx"
	dialTimeout     = 15 * time.Second
	minRedialWait   = time.Second
	maxRedialWait   = 30 * time.Second
)

// RabbitMQ owns the broker connection and redials it on demand. Channels
// are short-lived; every openChannel call re-asserts the queue topology,
// which is idempotent on the broker side.
type RabbitMQ struct {
	url string

	mu     sync.Mutex
	conn   *amqp.Connection
	closed bool
}

func NewRabbitMQ(url string) (*RabbitMQ, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}

	r := &RabbitMQ{url: url}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	if _, err := r.connection(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	conn := r.conn
	r.conn = nil

	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

// connection returns a live connection, redialing with exponential backoff
// until it succeeds or ctx expires.
func (r *RabbitMQ) connection(ctx context.Context) (*amqp.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("rabbitmq connection is closed")
	}
	if r.conn != nil && !r.conn.IsClosed() {
		return r.conn, nil
	}

	wait := minRedialWait
	for {
		conn, err := amqp.Dial(r.url)
		if err == nil {
			r.conn = conn
			return conn, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("rabbitmq dial canceled: %w", ctx.Err())
		case <-time.After(wait):
		}

		if wait *= 2; wait > maxRedialWait {
			wait = maxRedialWait
		}
	}
}

// openChannel gives the caller a fresh channel with topology declared.
// The caller closes it.
func (r *RabbitMQ) openChannel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := r.connection(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		// Stale connection; drop it and redial once.
		r.mu.Lock()
		if r.conn == conn {
			r.conn = nil
		}
		r.mu.Unlock()

		if conn, err = r.connection(ctx); err != nil {
			return nil, err
		}
		if ch, err = conn.Channel(); err != nil {
			return nil, fmt.Errorf("opening rabbitmq channel failed: %w", err)
		}
	}

	if err := declareTopology(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return ch, nil
}

// declareTopology asserts one work queue and one dead-letter queue per
// delivery channel. Work queues dead-letter into notify.dlx keyed by the
// channel name, and honor per-message priority up to queueMaxPriority.
func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(dlxExchangeName, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring dlx exchange failed: %w", err)
	}

	for _, channel := range domain.AllChannels() {
		work := QueueName(channel)
		dlq := DLQName(channel)

		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declaring dlq %q failed: %w", dlq, err)
		}
		if err := ch.QueueBind(dlq, work, dlxExchangeName, false, nil); err != nil {
			return fmt.Errorf("binding dlq %q failed: %w", dlq, err)
		}

		args := amqp.Table{
			"x-dead-letter-exchange":    dlxExchangeName,
			"x-dead-letter-routing-key": work,
			"x-max-priority":            queueMaxPriority,
		}
		if _, err := ch.QueueDeclare(work, true, false, false, false, args); err != nil {
			return fmt.Errorf("declaring queue %q failed: %w", work, err)
		}
	}

	return nil
}
