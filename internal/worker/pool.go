package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kyreport/kyreport/internal/domain"
)

// spawnWorkerPool starts the configured number of worker goroutines
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main loop for a single worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	logger := w.logger.With(slog.Int("worker_num", workerNum))
	logger.Debug("Worker goroutine started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("Worker goroutine stopped - context canceled")
			return

		case <-w.stopChan:
			logger.Debug("Worker goroutine stopped - stop signal")
			return

		case msg, ok := <-w.jobsChan:
			if !ok {
				logger.Debug("Worker goroutine stopped - jobs channel closed")
				return
			}

			w.handleMessage(ctx, logger, msg)
		}
	}
}

// handleMessage runs one work item through its stage handler and settles
// the delivery according to the outcome
func (w *Worker) handleMessage(ctx context.Context, logger *slog.Logger, msg *domain.JobMessage) {
	logger.Info("Processing work item",
		slog.String("job_id", msg.JobID),
		slog.String("tenant_id", msg.TenantID),
		slog.String("stage", msg.Stage),
	)

	err := w.processJob(ctx, msg)

	channel := w.rabbitClient.GetChannel()
	if channel == nil {
		logger.Error("Cannot settle delivery - rabbitmq channel is nil",
			slog.String("job_id", msg.JobID),
		)
		return
	}

	if err == nil {
		if ackErr := channel.Ack(msg.DeliveryTag, false); ackErr != nil {
			logger.Error("Failed to ACK message",
				slog.String("job_id", msg.JobID),
				slog.String("error", ackErr.Error()),
			)
		}
		return
	}

	requeue := shouldRequeueJob(err)

	logger.Error("Work item failed",
		slog.String("job_id", msg.JobID),
		slog.String("stage", msg.Stage),
		slog.Bool("requeue", requeue),
		slog.String("error", err.Error()),
	)

	// Requeue keeps at-least-once delivery alive for transient failures;
	// everything else is settled here because the job row already records
	// the terminal outcome
	if nackErr := channel.Nack(msg.DeliveryTag, false, requeue); nackErr != nil {
		logger.Error("Failed to NACK message",
			slog.String("job_id", msg.JobID),
			slog.String("error", nackErr.Error()),
		)
	}
}

// shouldRequeueJob reports whether a processing error warrants redelivery
func shouldRequeueJob(err error) bool {
	var retryable *domain.RetryableError
	return errors.As(err, &retryable)
}
