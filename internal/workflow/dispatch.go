package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kyreport/kyreport/internal/domain"
	"github.com/kyreport/kyreport/internal/prompt"
)

// Dispatch consumes a dispatch work item: it submits the job's prompt to the
// generation API, records the correlation ids, and enqueues the poll stage.
//
// Re-entry after a crash or redelivery is safe: an already-SENT job skips
// the submission and only repairs the poll message; a duplicate submission
// before MarkSent wastes one external call but only the stored correlation
// ids are ever trusted.
func (w *Workflow) Dispatch(ctx context.Context, jobID, tenantID string) error {
	job, err := w.loadOwnedJob(ctx, jobID, tenantID)
	if err != nil {
		return err
	}

	if domain.IsTerminal(job.Status) {
		w.logger.Warn("Dispatch on terminal job, skipping",
			slog.String("job_id", jobID),
			slog.String("status", job.Status),
		)
		return nil
	}

	if job.Status == domain.JobStatusSent {
		// Redelivered dispatch after the SENT write; make sure the poll
		// stage is queued and move on.
		if err := w.enqueue(ctx, jobID, tenantID, domain.StagePoll); err != nil {
			return domain.NewRetryableError(err)
		}
		return nil
	}

	in, err := prompt.ParseInput(job.Input)
	if err != nil {
		// Input errors never fix themselves; fail terminally without
		// consuming a regeneration.
		w.logger.Error("Invalid job input",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		if failErr := w.store.Fail(ctx, jobID, "invalid input"); failErr != nil && !errors.Is(failErr, domain.ErrAlreadyFinalized) {
			return domain.NewRetryableError(failErr)
		}
		return nil
	}

	ids, err := w.submitGeneration(ctx, tenantID, in)
	if err != nil {
		if errors.Is(err, domain.ErrTenantConfigNotFound) {
			w.logger.Error("Tenant config missing at dispatch",
				slog.String("job_id", jobID),
				slog.String("tenant_id", tenantID),
			)
			if failErr := w.store.Fail(ctx, jobID, "tenant config not found"); failErr != nil && !errors.Is(failErr, domain.ErrAlreadyFinalized) {
				return domain.NewRetryableError(failErr)
			}
			return nil
		}
		// Auth, network, and 5xx failures retry via queue redelivery
		return domain.NewRetryableError(err)
	}

	if err := w.store.MarkSent(ctx, jobID, ids); err != nil {
		if !errors.Is(err, domain.ErrAlreadyDispatched) {
			return domain.NewRetryableError(err)
		}
		w.logger.Warn("Job dispatched concurrently, keeping stored correlation ids",
			slog.String("job_id", jobID),
		)
	}

	if err := w.enqueue(ctx, jobID, tenantID, domain.StagePoll); err != nil {
		return domain.NewRetryableError(err)
	}

	w.logger.Info("Job dispatched",
		slog.String("job_id", jobID),
		slog.String("tenant_id", tenantID),
		slog.String("tid", ids.ThreadID),
	)

	return nil
}

// submitGeneration authenticates and submits the prompt, returning the new
// correlation ids
func (w *Workflow) submitGeneration(ctx context.Context, tenantID string, in *prompt.Input) (domain.CorrelationIDs, error) {
	creds, err := w.credentials.Resolve(ctx, tenantID)
	if err != nil {
		return domain.CorrelationIDs{}, err
	}

	token, err := w.generator.Authenticate(ctx, creds.APIKey, creds.LoginID)
	if err != nil {
		return domain.CorrelationIDs{}, fmt.Errorf("generation auth failed: %w", err)
	}

	ids, err := w.generator.Submit(ctx, token, prompt.Build(in), creds.ModelID)
	if err != nil {
		return domain.CorrelationIDs{}, fmt.Errorf("generation submit failed: %w", err)
	}

	return ids, nil
}
