package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/procurenet/notify-engine/internal/domain"
	"github.com/procurenet/notify-engine/internal/observability"
	"github.com/procurenet/notify-engine/internal/queue"
	"github.com/procurenet/notify-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultScheduleScanInterval = 5 * time.Second
	defaultScheduleScanLimit    = 100
)

// RequestSender re-enters a fired scheduled request into the send
// pipeline.
type RequestSender interface {
	SendNotification(ctx context.Context, req *domain.NotificationRequest) (*domain.NotificationResult, error)
}

// Scheduler fires time-deferred work: whole requests whose ScheduledAt has
// arrived, and individual jobs held for quiet hours. It also refreshes the
// queue depth gauge on each tick.
type Scheduler struct {
	jobs      repository.JobRepository
	scheduled repository.ScheduledRequestRepository
	publisher queue.Publisher
	sender    RequestSender
	logger    *zap.Logger
	metrics   *observability.Metrics
	interval  time.Duration
	limit     int
}

func NewScheduler(
	jobs repository.JobRepository,
	scheduled repository.ScheduledRequestRepository,
	publisher queue.Publisher,
	sender RequestSender,
	interval time.Duration,
	limit int,
	logger *zap.Logger,
) (*Scheduler, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	if scheduled == nil {
		return nil, fmt.Errorf("scheduled request repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if sender == nil {
		return nil, fmt.Errorf("request sender is required")
	}
	if interval <= 0 {
		interval = defaultScheduleScanInterval
	}
	if limit <= 0 {
		limit = defaultScheduleScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		jobs:      jobs,
		scheduled: scheduled,
		publisher: publisher,
		sender:    sender,
		logger:    logger,
		interval:  interval,
		limit:     limit,
	}, nil
}

func (s *Scheduler) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.tick(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("scheduler initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("scheduler scan failed", zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) error {
	if err := s.fireDueRequests(ctx); err != nil {
		return err
	}
	if err := s.enqueueDueJobs(ctx); err != nil {
		return err
	}
	s.refreshQueueDepth(ctx)
	return nil
}

// fireDueRequests claims scheduled requests whose time has come and runs
// them through the normal pipeline. Claiming uses SKIP LOCKED, so several
// scheduler processes never fire the same request twice.
func (s *Scheduler) fireDueRequests(ctx context.Context) error {
	dueRequests, err := s.scheduled.ClaimDue(ctx, s.limit)
	if err != nil {
		return fmt.Errorf("failed to claim due scheduled requests: %w", err)
	}

	for i := range dueRequests {
		req := dueRequests[i]
		req.ScheduledAt = nil

		result, err := s.sender.SendNotification(ctx, &req)
		if err != nil {
			s.logger.Error("scheduled request dispatch failed",
				zap.String("requestId", req.ID),
				zap.Error(err),
			)
			continue
		}
		s.logger.Info("scheduled request fired",
			zap.String("requestId", req.ID),
			zap.String("status", result.Status.String()),
		)
	}

	return nil
}

// enqueueDueJobs publishes quiet-hours-held jobs whose window has closed.
func (s *Scheduler) enqueueDueJobs(ctx context.Context) error {
	dueJobs, err := s.jobs.GetDueScheduled(ctx, s.limit)
	if err != nil {
		return fmt.Errorf("failed to fetch due scheduled jobs: %w", err)
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
			s.logger.Error("failed to enqueue scheduled job",
				zap.String("jobId", job.ID),
				zap.String("queue", queueName),
				zap.Error(err),
			)
			continue
		}

		if err := s.jobs.MarkEnqueued(ctx, job.ID); err != nil {
			s.logger.Error("failed to clear schedule mark after enqueue",
				zap.String("jobId", job.ID),
				zap.Error(err),
			)
			continue
		}
	}

	return nil
}

func (s *Scheduler) refreshQueueDepth(ctx context.Context) {
	if s.metrics == nil {
		return
	}

	depths, err := s.jobs.CountQueuedByChannel(ctx)
	if err != nil {
		s.logger.Warn("failed to count queued jobs", zap.Error(err))
		return
	}

	for _, ch := range domain.AllChannels() {
		s.metrics.SetQueueDepth(strings.ToLower(ch.String()), depths[ch])
	}
}
