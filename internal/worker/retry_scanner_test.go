package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/procurenet/notify-engine/internal/domain"
	"github.com/procurenet/notify-engine/internal/queue"
	"go.uber.org/zap"
)

// scanJobRepo scripts the scanner-facing queries on top of stubJobRepo.
type scanJobRepo struct {
	stubJobRepo

	mu           sync.Mutex
	dueRetries   []domain.DeliveryJob
	dueScheduled []domain.DeliveryJob
	dueErr       error
	stale        []domain.DeliveryJob
	staleErr     error
	depths       map[domain.Channel]int64
	depthCalls   int
	enqueued     []string
	enqueueErr   map[string]error
}

func (r *scanJobRepo) GetDueForRetry(context.Context, int) ([]domain.DeliveryJob, error) {
	return r.dueRetries, r.dueErr
}

func (r *scanJobRepo) GetDueScheduled(context.Context, int) ([]domain.DeliveryJob, error) {
	return r.dueScheduled, r.dueErr
}

func (r *scanJobRepo) GetStaleProcessing(context.Context, int) ([]domain.DeliveryJob, error) {
	return r.stale, r.staleErr
}

func (r *scanJobRepo) CountQueuedByChannel(context.Context) (map[domain.Channel]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.depthCalls++
	return r.depths, nil
}

func (r *scanJobRepo) MarkEnqueued(_ context.Context, id string) error {
	if err := r.enqueueErr[id]; err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enqueued = append(r.enqueued, id)
	return nil
}

type publishedMessage struct {
	queue string
	msg   queue.JobMessage
}

type capturePublisher struct {
	mu        sync.Mutex
	published []publishedMessage
	failQueue string
}

func (p *capturePublisher) Publish(_ context.Context, queueName string, msg queue.JobMessage) error {
	if p.failQueue != "" && queueName == p.failQueue {
		return errors.New("broker unavailable")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, publishedMessage{queue: queueName, msg: msg})
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func dueJob(id string, channel domain.Channel) domain.DeliveryJob {
	return domain.DeliveryJob{
		ID:            id,
		CorrelationID: "corr-" + id,
		Channel:       channel,
		Priority:      domain.PriorityNormal,
		Status:        domain.JobQueued,
	}
}

func TestRetryScannerEnqueuesDueJobs(t *testing.T) {
	t.Parallel()

	repo := &scanJobRepo{
		dueRetries: []domain.DeliveryJob{
			dueJob("job-1", domain.ChannelEmail),
			dueJob("job-2", domain.ChannelSMS),
		},
	}
	publisher := &capturePublisher{}

	scanner, err := NewRetryScanner(repo, publisher, time.Second, 10, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRetryScanner() error = %v", err)
	}

	if err := scanner.scanDue(context.Background()); err != nil {
		t.Fatalf("scanDue() error = %v", err)
	}

	if len(publisher.published) != 2 {
		t.Fatalf("published %d messages, want 2", len(publisher.published))
	}
	first := publisher.published[0]
	if first.queue != "email" {
		t.Fatalf("first message queue = %q, want email", first.queue)
	}
	if first.msg.JobID != "job-1" || first.msg.CorrelationID != "corr-job-1" {
		t.Fatalf("first message = %+v, want job-1 identifiers", first.msg)
	}
	if publisher.published[1].queue != "sms" {
		t.Fatalf("second message queue = %q, want sms", publisher.published[1].queue)
	}

	if len(repo.enqueued) != 2 {
		t.Fatalf("MarkEnqueued called for %v, want both jobs", repo.enqueued)
	}
}

func TestRetryScannerSkipsMarkOnPublishFailure(t *testing.T) {
	t.Parallel()

	// A job that failed to publish keeps its retry mark so the next tick
	// picks it up again; the rest of the batch still goes out.
	repo := &scanJobRepo{
		dueRetries: []domain.DeliveryJob{
			dueJob("job-1", domain.ChannelSMS),
			dueJob("job-2", domain.ChannelEmail),
		},
	}
	publisher := &capturePublisher{failQueue: "sms"}

	scanner, err := NewRetryScanner(repo, publisher, time.Second, 10, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRetryScanner() error = %v", err)
	}

	if err := scanner.scanDue(context.Background()); err != nil {
		t.Fatalf("scanDue() error = %v", err)
	}

	if len(publisher.published) != 1 || publisher.published[0].msg.JobID != "job-2" {
		t.Fatalf("published = %+v, want only job-2", publisher.published)
	}
	if len(repo.enqueued) != 1 || repo.enqueued[0] != "job-2" {
		t.Fatalf("MarkEnqueued called for %v, want only job-2", repo.enqueued)
	}
}

func TestRetryScannerRescuesStaleProcessingJobs(t *testing.T) {
	t.Parallel()

	// A worker died after claiming job-1: the row is stuck in PROCESSING
	// with an expired lease. The scan republishes it without touching the
	// row's retry mark; the next claim refreshes the lease.
	stale := dueJob("job-1", domain.ChannelPush)
	stale.Status = domain.JobProcessing
	repo := &scanJobRepo{stale: []domain.DeliveryJob{stale}}
	publisher := &capturePublisher{}

	scanner, err := NewRetryScanner(repo, publisher, time.Second, 10, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRetryScanner() error = %v", err)
	}

	if err := scanner.scanDue(context.Background()); err != nil {
		t.Fatalf("scanDue() error = %v", err)
	}

	if len(publisher.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(publisher.published))
	}
	got := publisher.published[0]
	if got.queue != "push" || got.msg.JobID != "job-1" {
		t.Fatalf("published = %+v, want job-1 on the push queue", got)
	}
	if len(repo.enqueued) != 0 {
		t.Fatalf("MarkEnqueued called for %v, want none for rescued jobs", repo.enqueued)
	}
}

func TestRetryScannerPropagatesStaleQueryErrors(t *testing.T) {
	t.Parallel()

	repo := &scanJobRepo{staleErr: errors.New("connection refused")}
	scanner, err := NewRetryScanner(repo, &capturePublisher{}, time.Second, 10, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRetryScanner() error = %v", err)
	}

	if err := scanner.scanDue(context.Background()); err == nil {
		t.Fatal("scanDue() error = nil, want stale query error")
	}
}

func TestRetryScannerPropagatesQueryErrors(t *testing.T) {
	t.Parallel()

	repo := &scanJobRepo{dueErr: errors.New("connection refused")}
	scanner, err := NewRetryScanner(repo, &capturePublisher{}, time.Second, 10, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRetryScanner() error = %v", err)
	}

	if err := scanner.scanDue(context.Background()); err == nil {
		t.Fatal("scanDue() error = nil, want query error")
	}
}

func TestNewRetryScannerDefaults(t *testing.T) {
	t.Parallel()

	if _, err := NewRetryScanner(nil, &capturePublisher{}, 0, 0, nil); err == nil {
		t.Fatal("NewRetryScanner(nil repo) error = nil, want error")
	}
	if _, err := NewRetryScanner(&scanJobRepo{}, nil, 0, 0, nil); err == nil {
		t.Fatal("NewRetryScanner(nil publisher) error = nil, want error")
	}

	scanner, err := NewRetryScanner(&scanJobRepo{}, &capturePublisher{}, 0, 0, nil)
	if err != nil {
		t.Fatalf("NewRetryScanner() error = %v", err)
	}
	if scanner.interval != defaultRetryScanInterval {
		t.Fatalf("interval = %v, want %v", scanner.interval, defaultRetryScanInterval)
	}
	if scanner.limit != defaultRetryScanLimit {
		t.Fatalf("limit = %d, want %d", scanner.limit, defaultRetryScanLimit)
	}
}
