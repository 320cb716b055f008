package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/procurenet/notify-engine/internal/channel"
	"github.com/procurenet/notify-engine/internal/domain"
	"github.com/procurenet/notify-engine/internal/observability"
	"github.com/procurenet/notify-engine/internal/ratelimit"
	"github.com/procurenet/notify-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	baseRetryDelay       = time.Second
	maxRetryDelay        = 60 * time.Second
	maxRetryJitterMillis = 250
	// rateLimitedDelay spaces out re-attempts that never reached the
	// provider. No attempt is consumed for these.
	rateLimitedDelay = 15 * time.Second
)

const (
	reasonExpired        = "expired"
	reasonPermanentError = "permanent_error"
	reasonRetryExhausted = "retry_exhausted"
)

// Deduper reserves idempotency keys so one logical delivery reaches the
// provider once inside the dedup window.
type Deduper interface {
	Reserve(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// Result is the outcome of one executed attempt, consumed by the
// orchestrator's inline first attempt.
type Result struct {
	Status            domain.JobStatus
	ProviderMessageID string
	Err               error
	// Skipped means no attempt was consumed: the job was already taken by
	// another process, suppressed as a duplicate, or pushed back by the
	// rate limiter.
	Skipped bool
}

// Executor runs a single delivery attempt for a persisted job. Both the
// inline first attempt and queued worker attempts come through here, so
// expiry, dedup, rate limiting, and retry bookkeeping behave identically
// on every path.
type Executor struct {
	jobs        repository.JobRepository
	attempts    repository.AttemptRepository
	adapters    map[domain.Channel]channel.Adapter
	limiter     ratelimit.RateLimiter
	deduper     Deduper
	logger      *zap.Logger
	metrics     *observability.Metrics
	sendTimeout time.Duration
	maxAttempts int

	now      func() time.Time
	randIntn func(n int) int
}

func NewExecutor(
	jobs repository.JobRepository,
	attempts repository.AttemptRepository,
	adapters []channel.Adapter,
	limiter ratelimit.RateLimiter,
	deduper Deduper,
	sendTimeout time.Duration,
	maxAttempts int,
	logger *zap.Logger,
) (*Executor, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if deduper == nil {
		return nil, fmt.Errorf("deduper is required")
	}
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	if maxAttempts < 1 {
		maxAttempts = domain.DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	byChannel := make(map[domain.Channel]channel.Adapter, len(adapters))
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		byChannel[adapter.Channel()] = adapter
	}
	if len(byChannel) == 0 {
		return nil, fmt.Errorf("at least one channel adapter is required")
	}

	return &Executor{
		jobs:        jobs,
		attempts:    attempts,
		adapters:    byChannel,
		limiter:     limiter,
		deduper:     deduper,
		logger:      logger,
		sendTimeout: sendTimeout,
		maxAttempts: maxAttempts,
		now:         time.Now,
		randIntn:    rand.Intn,
	}, nil
}

func (e *Executor) SetMetrics(metrics *observability.Metrics) {
	if e == nil {
		return
	}
	e.metrics = metrics
}

// Execute runs one attempt for the job. A non-nil error means transient
// infrastructure trouble and the caller may redeliver; delivery failures
// are absorbed into job state and reported through the Result.
func (e *Executor) Execute(ctx context.Context, jobID string) (*Result, error) {
	job, err := e.jobs.LockForProcessing(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			e.logger.Warn("job not found during lock, skipping",
				zap.String("jobId", jobID),
			)
			return &Result{Skipped: true}, nil
		}
		return nil, fmt.Errorf("failed to lock job for processing: %w", err)
	}

	// Nil means terminal or already processing elsewhere; ack and skip.
	if job == nil {
		return &Result{Skipped: true}, nil
	}

	channelName := strings.ToLower(job.Channel.String())
	if e.metrics != nil {
		e.metrics.IncWorkerInFlight(channelName)
		defer e.metrics.DecWorkerInFlight(channelName)
	}

	now := e.now()
	if job.Expired(now) {
		if err := e.jobs.MarkFailed(ctx, job.ID, "expired before delivery"); err != nil {
			return nil, fmt.Errorf("failed to mark expired job: %w", err)
		}
		if e.metrics != nil {
			e.metrics.IncDeliveryFailed(channelName, reasonExpired)
		}
		return &Result{Status: domain.JobFailed, Err: fmt.Errorf("expired before delivery")}, nil
	}

	// A job can reach a worker ahead of its schedule, e.g. a quiet-hours
	// hold added after enqueue. Push it back without consuming an attempt.
	if job.ScheduledAt != nil && job.ScheduledAt.After(now) {
		if err := e.jobs.ReleaseToQueued(ctx, job.ID, *job.ScheduledAt); err != nil {
			return nil, fmt.Errorf("failed to release scheduled job: %w", err)
		}
		return &Result{Status: domain.JobQueued, Skipped: true}, nil
	}

	reserved, err := e.deduper.Reserve(ctx, job.DedupKey)
	if err != nil {
		// Dedup is best-effort: an unreachable store must not stop
		// deliveries, at the cost of possible duplicates.
		observability.Degraded(e.logger).Warn("dedup reservation failed, proceeding",
			zap.String("jobId", job.ID),
			zap.Error(err),
		)
		reserved = true
	} else if !reserved {
		if err := e.jobs.MarkFailed(ctx, job.ID, "duplicate delivery suppressed"); err != nil {
			return nil, fmt.Errorf("failed to mark duplicate job: %w", err)
		}
		e.logger.Info("duplicate delivery suppressed",
			zap.String("jobId", job.ID),
			zap.String("dedupKey", job.DedupKey),
		)
		return &Result{Status: domain.JobFailed, Skipped: true}, nil
	}

	allowed, err := e.limiter.Allow(ctx, job.RecipientID, job.Channel)
	if err != nil {
		observability.Degraded(e.logger).Warn("rate limiter unavailable, proceeding",
			zap.String("jobId", job.ID),
			zap.Error(err),
		)
		allowed = true
	}
	if !allowed {
		e.releaseDedup(ctx, job.DedupKey)
		nextRetryAt := now.Add(rateLimitedDelay + e.jitter())
		if err := e.jobs.ReleaseToQueued(ctx, job.ID, nextRetryAt); err != nil {
			return nil, fmt.Errorf("failed to release rate-limited job: %w", err)
		}
		e.logger.Info("delivery rate limited, pushed back",
			zap.String("jobId", job.ID),
			zap.String("recipientId", job.RecipientID),
			zap.String("channel", channelName),
			zap.Time("nextRetryAt", nextRetryAt),
		)
		return &Result{Status: domain.JobQueued, Skipped: true}, nil
	}

	adapter, ok := e.adapters[job.Channel]
	if !ok {
		e.releaseDedup(ctx, job.DedupKey)
		if err := e.jobs.MarkFailed(ctx, job.ID, fmt.Sprintf("no adapter for channel %s", job.Channel)); err != nil {
			return nil, fmt.Errorf("failed to mark unroutable job: %w", err)
		}
		if e.metrics != nil {
			e.metrics.IncDeliveryFailed(channelName, reasonPermanentError)
		}
		return &Result{Status: domain.JobFailed, Err: fmt.Errorf("no adapter for channel %s", job.Channel)}, nil
	}

	attemptNumber := job.AttemptCount + 1

	sendCtx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	sendStart := e.now()
	outcome, sendErr := adapter.Send(sendCtx, contactForJob(job), contentForJob(job), channel.SendOptions{
		RequestID:     job.RequestID,
		RecipientID:   job.RecipientID,
		CorrelationID: job.CorrelationID,
		Category:      job.Category,
		Priority:      job.Priority,
	})
	cancel()
	if e.metrics != nil {
		e.metrics.ObserveSendDuration(channelName, e.now().Sub(sendStart))
	}

	if err := e.recordAttempt(ctx, job.ID, attemptNumber, outcome, sendErr); err != nil {
		return nil, fmt.Errorf("failed to record attempt: %w", err)
	}

	if sendErr == nil {
		providerMessageID := ""
		if outcome != nil {
			providerMessageID = strings.TrimSpace(outcome.ProviderMessageID)
		}
		if err := e.jobs.MarkSent(ctx, job.ID, providerMessageID); err != nil {
			return nil, fmt.Errorf("failed to mark job sent: %w", err)
		}
		if e.metrics != nil {
			e.metrics.IncDeliverySent(channelName)
		}
		// The reservation stays: it suppresses duplicates for the rest of
		// the dedup window.
		return &Result{Status: domain.JobSent, ProviderMessageID: providerMessageID}, nil
	}

	e.releaseDedup(ctx, job.DedupKey)

	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.maxAttempts
	}

	retryable := channel.IsRetryable(sendErr)
	if retryable && attemptNumber < maxAttempts {
		nextRetryAt := e.now().Add(e.retryDelay(attemptNumber))
		if err := e.jobs.MarkRetry(ctx, job.ID, nextRetryAt, sendErr.Error()); err != nil {
			return nil, fmt.Errorf("failed to schedule retry: %w", err)
		}
		if e.metrics != nil {
			e.metrics.IncRetryScheduled(channelName)
		}
		e.logger.Info("delivery attempt failed, retry scheduled",
			zap.String("jobId", job.ID),
			zap.Int("attempt", attemptNumber),
			zap.Time("nextRetryAt", nextRetryAt),
			zap.Error(sendErr),
		)
		return &Result{Status: domain.JobQueued, Err: sendErr}, nil
	}

	if retryable {
		if err := e.jobs.MarkDeadLetter(ctx, job.ID, sendErr.Error()); err != nil {
			return nil, fmt.Errorf("failed to mark job dead-lettered: %w", err)
		}
		if e.metrics != nil {
			e.metrics.IncDeadLetter(channelName)
			e.metrics.IncDeliveryFailed(channelName, reasonRetryExhausted)
		}
		e.logger.Warn("delivery retries exhausted, dead-lettered",
			zap.String("jobId", job.ID),
			zap.Int("attempts", attemptNumber),
			zap.Error(sendErr),
		)
		return &Result{Status: domain.JobDeadLetter, Err: sendErr}, nil
	}

	if err := e.jobs.MarkFailed(ctx, job.ID, sendErr.Error()); err != nil {
		return nil, fmt.Errorf("failed to mark job failed: %w", err)
	}
	if e.metrics != nil {
		e.metrics.IncDeliveryFailed(channelName, reasonPermanentError)
	}
	return &Result{Status: domain.JobFailed, Err: sendErr}, nil
}

func (e *Executor) releaseDedup(ctx context.Context, key string) {
	if err := e.deduper.Release(ctx, key); err != nil {
		e.logger.Warn("failed to release dedup reservation",
			zap.String("dedupKey", key),
			zap.Error(err),
		)
	}
}

// retryDelay doubles the base delay per prior attempt, capped, plus jitter
// so synchronized failures do not retry in lockstep.
func (e *Executor) retryDelay(attemptNumber int) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}

	delay := baseRetryDelay
	for i := 1; i < attemptNumber; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			delay = maxRetryDelay
			break
		}
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}

	return delay + e.jitter()
}

func (e *Executor) jitter() time.Duration {
	if e.randIntn == nil {
		return 0
	}
	return time.Duration(e.randIntn(maxRetryJitterMillis+1)) * time.Millisecond
}

func (e *Executor) recordAttempt(
	ctx context.Context,
	jobID string,
	attemptNumber int,
	outcome *channel.Outcome,
	sendErr error,
) error {
	var statusCode *int
	var providerMessageID *string
	var attemptErr *string

	if outcome != nil {
		if outcome.StatusCode > 0 {
			value := outcome.StatusCode
			statusCode = &value
		}
		if id := strings.TrimSpace(outcome.ProviderMessageID); id != "" {
			providerMessageID = &id
		}
	}

	if sendErr != nil {
		value := sendErr.Error()
		attemptErr = &value

		var adapterErr *channel.AdapterError
		if errors.As(sendErr, &adapterErr) && adapterErr.StatusCode > 0 && statusCode == nil {
			value := adapterErr.StatusCode
			statusCode = &value
		}
	}

	attempt := &domain.DeliveryAttempt{
		ID:                uuid.NewString(),
		JobID:             jobID,
		AttemptNumber:     attemptNumber,
		StatusCode:        statusCode,
		ProviderMessageID: providerMessageID,
		Error:             attemptErr,
		CreatedAt:         e.now().UTC(),
	}

	return e.attempts.Create(ctx, attempt)
}

func contactForJob(job *domain.DeliveryJob) *repository.Contact {
	contact := &repository.Contact{RecipientID: job.RecipientID}
	switch job.Channel {
	case domain.ChannelEmail:
		contact.Email = job.Contact
	case domain.ChannelSMS:
		contact.Phone = job.Contact
	case domain.ChannelPush:
		contact.DeviceToken = job.Contact
	}
	return contact
}

func contentForJob(job *domain.DeliveryJob) *domain.RenderedContent {
	return &domain.RenderedContent{
		Channel:   job.Channel,
		Subject:   job.Subject,
		Body:      job.Body,
		PlainText: job.PlainText,
	}
}
