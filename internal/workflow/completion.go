package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kyreport/kyreport/internal/domain"
	"github.com/kyreport/kyreport/internal/prompt"
	"github.com/kyreport/kyreport/internal/report"
	"github.com/kyreport/kyreport/internal/vq"
)

// CheckCompletion consumes a poll work item: it asks the generation API for
// the submission's status and finalizes the job when the generation is done.
//
// A still-running generation comes back as a RetryableError on purpose: the
// queue's redelivery after the visibility timeout is the polling backoff.
// There is no sleep loop inside an invocation.
func (w *Workflow) CheckCompletion(ctx context.Context, jobID, tenantID string) error {
	job, err := w.loadOwnedJob(ctx, jobID, tenantID)
	if err != nil {
		return err
	}

	if domain.IsTerminal(job.Status) {
		// The other completion path won; nothing to do.
		return nil
	}

	if job.Status == domain.JobStatusPending {
		// Dispatch has not landed yet; defer rather than guess.
		return domain.NewRetryableError(domain.ErrNotDispatched)
	}

	creds, err := w.credentials.Resolve(ctx, tenantID)
	if err != nil {
		if errors.Is(err, domain.ErrTenantConfigNotFound) {
			if failErr := w.store.Fail(ctx, jobID, "tenant config not found"); failErr != nil && !errors.Is(failErr, domain.ErrAlreadyFinalized) {
				return domain.NewRetryableError(failErr)
			}
			return nil
		}
		return domain.NewRetryableError(err)
	}

	token, err := w.generator.Authenticate(ctx, creds.APIKey, creds.LoginID)
	if err != nil {
		return domain.NewRetryableError(fmt.Errorf("generation auth failed: %w", err))
	}

	ids := domain.CorrelationIDs{ThreadID: job.ThreadID, MessageID: job.MessageID}
	result, err := w.generator.Poll(ctx, token, ids)
	if err != nil {
		return domain.NewRetryableError(fmt.Errorf("generation poll failed: %w", err))
	}

	switch result.Status {
	case vq.PollStatusInProgress:
		return domain.NewRetryableError(domain.ErrGenerationNotFinished)

	case vq.PollStatusFailed:
		// External failure is terminal; no regeneration for API errors.
		msg := result.Error
		if msg == "" {
			msg = "generation failed"
		}
		if failErr := w.store.Fail(ctx, jobID, msg); failErr != nil && !errors.Is(failErr, domain.ErrAlreadyFinalized) {
			return domain.NewRetryableError(failErr)
		}
		return nil

	case vq.PollStatusCompleted:
		return w.Finalize(ctx, job, result.Content)

	default:
		return domain.NewRetryableError(fmt.Errorf("unknown poll status %q", result.Status))
	}
}

// Callback is the payload a signed webhook pushes instead of being polled
type Callback struct {
	ThreadID string `json:"tid"`
	Status   string `json:"status"`
	Content  string `json:"content"`
	Error    string `json:"error"`
}

// HandleCallback is the webhook-path entry: it loads the job (enforcing
// tenant ownership) and finalizes it with the pushed outcome. Signature
// verification has already happened; an already-terminal job is a no-op so
// the poll path and the webhook cannot double-finalize, and a callback
// carrying a thread id other than the stored one belongs to a superseded
// submission and is dropped.
func (w *Workflow) HandleCallback(ctx context.Context, jobID, tenantID string, cb *Callback) error {
	job, err := w.loadOwnedJob(ctx, jobID, tenantID)
	if err != nil {
		return err
	}

	if domain.IsTerminal(job.Status) {
		return nil
	}

	if job.Status == domain.JobStatusPending {
		return domain.ErrNotDispatched
	}

	if cb.ThreadID != job.ThreadID {
		// A regeneration replaced the correlation ids after this callback was
		// signed; only the stored thread id speaks for the job.
		w.logger.Warn("Ignoring callback from a superseded submission",
			slog.String("job_id", jobID),
			slog.String("callback_tid", cb.ThreadID),
			slog.String("stored_tid", job.ThreadID),
		)
		return nil
	}

	switch cb.Status {
	case vq.PollStatusFailed:
		msg := cb.Error
		if msg == "" {
			msg = "generation failed"
		}
		if failErr := w.store.Fail(ctx, jobID, msg); failErr != nil && !errors.Is(failErr, domain.ErrAlreadyFinalized) {
			return failErr
		}
		return nil

	case vq.PollStatusCompleted:
		return w.Finalize(ctx, job, cb.Content)

	default:
		return fmt.Errorf("unknown callback status %q", cb.Status)
	}
}

// Finalize validates the generated content and settles the job: COMPLETED on
// valid content, a regeneration while the bound allows, FAILED once the
// bound is reached. Whichever completion path gets here first wins; the
// loser's conditional update affects zero rows and becomes a no-op.
func (w *Workflow) Finalize(ctx context.Context, job *domain.Job, content string) error {
	validated, ok := report.Validate(content)
	if ok {
		if err := w.store.Complete(ctx, job.JobID, validated.JSON); err != nil {
			if errors.Is(err, domain.ErrAlreadyFinalized) {
				return nil
			}
			return domain.NewRetryableError(err)
		}
		w.logger.Info("Job completed with validated report",
			slog.String("job_id", job.JobID),
			slog.Int("cases", len(validated.Cases)),
		)
		return nil
	}

	if job.RetryCount+1 >= w.maxRegenerations {
		msg := fmt.Sprintf("validation failed after %d regenerations", w.maxRegenerations)
		if err := w.store.FailValidation(ctx, job.JobID, job.ThreadID, msg); err != nil {
			if errors.Is(err, domain.ErrAlreadyFinalized) {
				return nil
			}
			return domain.NewRetryableError(err)
		}
		w.logger.Warn("Job failed after exhausting regenerations",
			slog.String("job_id", job.JobID),
			slog.Int("max_regenerations", w.maxRegenerations),
		)
		return nil
	}

	return w.regenerate(ctx, job)
}

// regenerate resubmits the original input under the same job id, replaces
// the correlation ids, and bumps retry_count
func (w *Workflow) regenerate(ctx context.Context, job *domain.Job) error {
	in, err := prompt.ParseInput(job.Input)
	if err != nil {
		// The input validated at intake; if it no longer parses, the row is
		// corrupt and regeneration cannot help.
		if failErr := w.store.Fail(ctx, job.JobID, "invalid input"); failErr != nil && !errors.Is(failErr, domain.ErrAlreadyFinalized) {
			return domain.NewRetryableError(failErr)
		}
		return nil
	}

	ids, err := w.submitGeneration(ctx, job.TenantID, in)
	if err != nil {
		if errors.Is(err, domain.ErrTenantConfigNotFound) {
			if failErr := w.store.Fail(ctx, job.JobID, "tenant config not found"); failErr != nil && !errors.Is(failErr, domain.ErrAlreadyFinalized) {
				return domain.NewRetryableError(failErr)
			}
			return nil
		}
		// retry_count is untouched at this point, so a redelivery retries
		// the same regeneration instead of consuming an extra one.
		return domain.NewRetryableError(err)
	}

	retryCount, err := w.store.RecordRegeneration(ctx, job.JobID, job.ThreadID, ids)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyFinalized) {
			return nil
		}
		return domain.NewRetryableError(err)
	}

	if err := w.enqueue(ctx, job.JobID, job.TenantID, domain.StagePoll); err != nil {
		return domain.NewRetryableError(err)
	}

	w.logger.Info("Job regenerated after invalid content",
		slog.String("job_id", job.JobID),
		slog.Int("retry_count", retryCount),
		slog.String("tid", ids.ThreadID),
	)

	return nil
}
