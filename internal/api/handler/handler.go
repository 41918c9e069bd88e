package handler

import (
	"context"
	"log/slog"

	"github.com/kyreport/kyreport/internal/domain"
	"github.com/kyreport/kyreport/internal/jobstore"
	"github.com/kyreport/kyreport/internal/prompt"
	"github.com/kyreport/kyreport/internal/workflow"
)

// IntakeService accepts a generation request and returns the new job id
type IntakeService interface {
	Submit(ctx context.Context, tenantID, userID string, in *prompt.Input) (string, error)
}

// JobReader serves status and history queries
type JobReader interface {
	GetJobByID(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter jobstore.JobFilter) ([]domain.Job, error)
}

// CallbackHandler finalizes a job from a verified webhook payload
type CallbackHandler interface {
	HandleCallback(ctx context.Context, jobID, tenantID string, cb *workflow.Callback) error
}

// HealthChecker reports backing-store health for the health endpoint
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Intake      IntakeService
	Jobs        JobReader
	Credentials workflow.CredentialResolver
	Callbacks   CallbackHandler
	Health      HealthChecker
}

// ReportHandler handles report-workflow HTTP requests
type ReportHandler struct {
	logger      *slog.Logger
	intake      IntakeService
	jobs        JobReader
	credentials workflow.CredentialResolver
	callbacks   CallbackHandler
}

// NewReportHandler creates a new ReportHandler instance
func NewReportHandler(deps *Dependencies) *ReportHandler {
	return &ReportHandler{
		logger:      deps.Logger,
		intake:      deps.Intake,
		jobs:        deps.Jobs,
		credentials: deps.Credentials,
		callbacks:   deps.Callbacks,
	}
}
