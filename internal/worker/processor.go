package worker

import (
	"context"
	"fmt"

	"github.com/kyreport/kyreport/internal/domain"
)

// processJob routes a work item to its stage handler under the configured
// per-job timeout
func (w *Worker) processJob(ctx context.Context, msg *domain.JobMessage) error {
	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	switch msg.Stage {
	case domain.StageDispatch:
		return w.workflow.Dispatch(jobCtx, msg.JobID, msg.TenantID)

	case domain.StagePoll:
		return w.workflow.CheckCompletion(jobCtx, msg.JobID, msg.TenantID)

	default:
		// validateMessage should have caught this; do not requeue
		return fmt.Errorf("unknown stage %q", msg.Stage)
	}
}
