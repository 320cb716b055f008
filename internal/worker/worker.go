package worker

import (
	"context"
	"fmt"

	"github.com/procurenet/notify-engine/internal/dispatch"
	"github.com/procurenet/notify-engine/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Worker consumes the per-channel delivery queues and runs each job
// message through the dispatch executor.
type Worker struct {
	consumer    queue.Consumer
	executor    *dispatch.Executor
	logger      *zap.Logger
	concurrency int
}

func New(consumer queue.Consumer, executor *dispatch.Executor, concurrency int, logger *zap.Logger) (*Worker, error) {
	if consumer == nil {
		return nil, fmt.Errorf("queue consumer is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("dispatch executor is required")
	}
	// One consumer per channel queue at minimum, or a low concurrency
	// setting would leave some channels without any consumer.
	if min := len(queue.WorkQueueNames()); concurrency < min {
		concurrency = min
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Worker{
		consumer:    consumer,
		executor:    executor,
		logger:      logger,
		concurrency: concurrency,
	}, nil
}

// Start consumes channel queues until context cancellation. Workers are
// spread round-robin across the queues so a backlog on one channel cannot
// starve the others.
func (w *Worker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	queueNames := queue.WorkQueueNames()
	if len(queueNames) == 0 {
		return fmt.Errorf("no work queues configured")
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		queueName := queueNames[i%len(queueNames)]
		workerID := i + 1

		g.Go(func() error {
			w.logger.Info("worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)

			err := w.consumer.Consume(groupCtx, queueName, w.processMessage)
			if err != nil {
				w.logger.Error("worker stopped with error",
					zap.Int("workerId", workerID),
					zap.String("queue", queueName),
					zap.Error(err),
				)
				return err
			}

			w.logger.Info("worker stopped",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)
			return nil
		})
	}

	return g.Wait()
}

// processMessage runs one attempt. A returned error nacks the message for
// redelivery; delivery failures are absorbed into job state by the
// executor and ack the message.
func (w *Worker) processMessage(ctx context.Context, msg queue.JobMessage) error {
	result, err := w.executor.Execute(ctx, msg.JobID)
	if err != nil {
		return fmt.Errorf("failed to execute job %s: %w", msg.JobID, err)
	}

	if result.Skipped {
		w.logger.Debug("job message skipped",
			zap.String("jobId", msg.JobID),
			zap.String("channel", msg.Channel.String()),
		)
	}
	return nil
}
