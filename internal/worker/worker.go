package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kyreport/kyreport/internal/domain"
	"github.com/kyreport/kyreport/internal/workflow"
	"github.com/kyreport/kyreport/shared/rabbitmq"
)

// Config holds worker configuration
type Config struct {
	Logger        *slog.Logger
	RabbitClient  *rabbitmq.Client
	Workflow      *workflow.Workflow
	Concurrency   int
	JobTimeout    time.Duration
	PrefetchCount int
	QueueName     string
}

// Worker consumes report-workflow messages from RabbitMQ and drives them
// through the dispatch and completion stages
type Worker struct {
	logger        *slog.Logger
	rabbitClient  *rabbitmq.Client
	workflow      *workflow.Workflow
	concurrency   int
	jobTimeout    time.Duration
	prefetchCount int
	queueName     string
	workerID      string
	jobsChan      chan *domain.JobMessage
	wg            sync.WaitGroup
	stopChan      chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	return &Worker{
		logger:        cfg.Logger,
		rabbitClient:  cfg.RabbitClient,
		workflow:      cfg.Workflow,
		concurrency:   cfg.Concurrency,
		jobTimeout:    cfg.JobTimeout,
		prefetchCount: cfg.PrefetchCount,
		queueName:     cfg.QueueName,
		workerID:      fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
		jobsChan:      make(chan *domain.JobMessage),
		stopChan:      make(chan struct{}),
	}
}

// Start begins consuming and processing messages. Blocks until ctx is
// canceled or the delivery channel closes.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	deliveries, err := w.setupConsumer(ctx)
	if err != nil {
		return fmt.Errorf("failed to setup consumer: %w", err)
	}

	w.spawnWorkerPool(ctx)

	w.startMessageDispatcher(ctx, deliveries)

	return nil
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
