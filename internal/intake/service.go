package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kyreport/kyreport/internal/domain"
	"github.com/kyreport/kyreport/internal/prompt"
	"github.com/kyreport/kyreport/internal/workflow"
)

// JobCreator writes the initial job row
type JobCreator interface {
	CreateJob(ctx context.Context, job *domain.Job) error
}

// Service accepts generation requests and hands them to the queue. The
// caller gets a job id back before the generation API is ever contacted;
// the multi-minute generation latency stays off the request path.
type Service struct {
	store       JobCreator
	credentials workflow.CredentialResolver
	publisher   workflow.Publisher
	logger      *slog.Logger
}

// NewService creates a new intake Service
func NewService(store JobCreator, credentials workflow.CredentialResolver, publisher workflow.Publisher, logger *slog.Logger) *Service {
	return &Service{
		store:       store,
		credentials: credentials,
		publisher:   publisher,
		logger:      logger,
	}
}

// Submit validates the input, creates a PENDING job, and enqueues the
// dispatch stage. The job row write happens-before the enqueue: a publish
// failure leaves a visible PENDING row rather than silently losing work.
func (s *Service) Submit(ctx context.Context, tenantID, userID string, in *prompt.Input) (string, error) {
	if err := in.Validate(); err != nil {
		return "", err
	}

	// A tenant without credentials can never be dispatched; reject before
	// creating a row.
	if _, err := s.credentials.Resolve(ctx, tenantID); err != nil {
		return "", err
	}

	inputJSON, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	now := time.Now().UTC()
	job := &domain.Job{
		JobID:     uuid.New().String(),
		TenantID:  tenantID,
		UserID:    userID,
		Input:     string(inputJSON),
		Status:    domain.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}

	body, err := json.Marshal(domain.JobMessage{
		JobID:    job.JobID,
		TenantID: tenantID,
		Stage:    domain.StageDispatch,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal job message: %w", err)
	}

	if err := s.publisher.PublishWithRetry(ctx, body, "application/json"); err != nil {
		// The PENDING row stays behind; status polls make the stall visible.
		s.logger.Error("Job created but enqueue failed",
			slog.String("job_id", job.JobID),
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.logger.Info("Job accepted",
		slog.String("job_id", job.JobID),
		slog.String("tenant_id", tenantID),
		slog.String("user_id", userID),
	)

	return job.JobID, nil
}
