package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kyreport/kyreport/internal/credential"
	"github.com/kyreport/kyreport/internal/domain"
	"github.com/kyreport/kyreport/internal/vq"
)

// JobStore is the slice of the job gateway the workflow mutates through
type JobStore interface {
	GetJobByID(ctx context.Context, jobID string) (*domain.Job, error)
	MarkSent(ctx context.Context, jobID string, ids domain.CorrelationIDs) error
	RecordRegeneration(ctx context.Context, jobID, fromThreadID string, ids domain.CorrelationIDs) (int, error)
	Complete(ctx context.Context, jobID, resultJSON string) error
	Fail(ctx context.Context, jobID, errorMessage string) error
	FailValidation(ctx context.Context, jobID, fromThreadID, errorMessage string) error
}

// CredentialResolver resolves per-tenant generation API credentials
type CredentialResolver interface {
	Resolve(ctx context.Context, tenantID string) (*credential.Bundle, error)
}

// Generator is the external generation API surface the workflow needs
type Generator interface {
	Authenticate(ctx context.Context, apiKey, loginID string) (string, error)
	Submit(ctx context.Context, token, prompt, modelID string) (domain.CorrelationIDs, error)
	Poll(ctx context.Context, token string, ids domain.CorrelationIDs) (*vq.PollResult, error)
}

// Publisher enqueues work items
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Config holds workflow dependencies and tuning
type Config struct {
	Store            JobStore
	Credentials      CredentialResolver
	Generator        Generator
	Publisher        Publisher
	MaxRegenerations int
	Logger           *slog.Logger
}

// Workflow drives a job through dispatch, completion, validation, and
// bounded regeneration. Transient failures are wrapped in
// domain.RetryableError and propagate so the queue's redelivery performs the
// retry; the workflow never retries in-process.
type Workflow struct {
	store            JobStore
	credentials      CredentialResolver
	generator        Generator
	publisher        Publisher
	maxRegenerations int
	logger           *slog.Logger
}

// New creates a new Workflow
func New(cfg *Config) *Workflow {
	return &Workflow{
		store:            cfg.Store,
		credentials:      cfg.Credentials,
		generator:        cfg.Generator,
		publisher:        cfg.Publisher,
		maxRegenerations: cfg.MaxRegenerations,
		logger:           cfg.Logger,
	}
}

// enqueue publishes a stage message for the job
func (w *Workflow) enqueue(ctx context.Context, jobID, tenantID, stage string) error {
	body, err := json.Marshal(domain.JobMessage{
		JobID:    jobID,
		TenantID: tenantID,
		Stage:    stage,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal job message: %w", err)
	}

	if err := w.publisher.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("failed to enqueue %s message: %w", stage, err)
	}

	return nil
}

// loadOwnedJob fetches the job and enforces tenant ownership
func (w *Workflow) loadOwnedJob(ctx context.Context, jobID, tenantID string) (*domain.Job, error) {
	job, err := w.store.GetJobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return nil, err
		}
		// Store read failures are transient
		return nil, domain.NewRetryableError(err)
	}

	if job.TenantID != tenantID {
		return nil, domain.ErrForbidden
	}

	return job, nil
}
