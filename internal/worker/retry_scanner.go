package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/procurenet/notify-engine/internal/queue"
	"github.com/procurenet/notify-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultRetryScanInterval = 5 * time.Second
	defaultRetryScanLimit    = 100
)

// RetryScanner periodically re-enqueues jobs whose retry time has come,
// and rescues jobs stuck in PROCESSING past their lease after a worker
// crashed between claiming and acking.
type RetryScanner struct {
	jobs      repository.JobRepository
	publisher queue.Publisher
	logger    *zap.Logger
	interval  time.Duration
	limit     int
}

func NewRetryScanner(
	jobs repository.JobRepository,
	publisher queue.Publisher,
	interval time.Duration,
	limit int,
	logger *zap.Logger,
) (*RetryScanner, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if interval <= 0 {
		interval = defaultRetryScanInterval
	}
	if limit <= 0 {
		limit = defaultRetryScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetryScanner{
		jobs:      jobs,
		publisher: publisher,
		logger:    logger,
		interval:  interval,
		limit:     limit,
	}, nil
}

func (s *RetryScanner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Run an initial scan so already-due retries do not wait for the first
	// ticker edge.
	if err := s.scanDue(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("retry scanner initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.scanDue(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("retry scanner scan failed", zap.Error(err))
			}
		}
	}
}

func (s *RetryScanner) scanDue(ctx context.Context) error {
	dueJobs, err := s.jobs.GetDueForRetry(ctx, s.limit)
	if err != nil {
		return fmt.Errorf("failed to fetch due retries: %w", err)
	}

	for i := range dueJobs {
		job := dueJobs[i]
		msg := queue.JobMessage{
			JobID:         job.ID,
			CorrelationID: job.CorrelationID,
			Channel:       job.Channel,
			Priority:      job.Priority,
		}

		queueName := queue.QueueName(job.Channel)
		if err := s.publisher.Publish(ctx, queueName, msg); err != nil {
			s.logger.Error("failed to enqueue retry job",
				zap.String("jobId", job.ID),
				zap.String("queue", queueName),
				zap.Error(err),
			)
			continue
		}

		if err := s.jobs.MarkEnqueued(ctx, job.ID); err != nil {
			s.logger.Error("failed to clear retry mark after enqueue",
				zap.String("jobId", job.ID),
				zap.Error(err),
			)
			continue
		}
	}

	return s.rescueStale(ctx)
}

// rescueStale republishes jobs whose PROCESSING lease has expired. The row
// stays PROCESSING: the worker that picks the message up reclaims the lease
// through LockForProcessing, which stops further republishing.
func (s *RetryScanner) rescueStale(ctx context.Context) error {
	staleJobs, err := s.jobs.GetStaleProcessing(ctx, s.limit)
	if err != nil {
		return fmt.Errorf("failed to fetch stale processing jobs: %w", err)
	}

	for i := range staleJobs {
		job := staleJobs[i]
		msg := queue.JobMessage{
			JobID:         job.ID,
			CorrelationID: job.CorrelationID,
			Channel:       job.Channel,
			Priority:      job.Priority,
		}

		queueName := queue.QueueName(job.Channel)
		if err := s.publisher.Publish(ctx, queueName, msg); err != nil {
			s.logger.Error("failed to republish stale job",
				zap.String("jobId", job.ID),
				zap.String("queue", queueName),
				zap.Error(err),
			)
			continue
		}

		s.logger.Warn("rescued job from expired processing lease",
			zap.String("jobId", job.ID),
			zap.String("channel", job.Channel.String()),
		)
	}

	return nil
}
