package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kyreport/kyreport/internal/domain"
)

// Storage is the typed gateway over the jobs table. Every transition is a
// conditional update keyed on the current status so racing dispatch and
// completion invocations cannot clobber each other.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// CreateJob inserts a new PENDING job row
func (s *Storage) CreateJob(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (
			job_id, tenant_id, user_id, input,
			thread_id, message_id, status, retry_count,
			result, error_message, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			'', '', $5, 0,
			'', '', $6, $7
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.JobID,
		job.TenantID,
		job.UserID,
		job.Input,
		domain.JobStatusPending,
		job.CreatedAt,
		job.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJobByID retrieves a job by its ID
func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		SELECT job_id, tenant_id, user_id, input,
		       thread_id, message_id, status, retry_count,
		       result, error_message, created_at, updated_at
		FROM jobs
		WHERE job_id = $1
	`

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// MarkSent transitions PENDING -> SENT, storing the first correlation ids.
// A redelivered dispatch message lands on an already-SENT job; that comes
// back as ErrAlreadyDispatched so the caller can treat it as a no-op.
func (s *Storage) MarkSent(ctx context.Context, jobID string, ids domain.CorrelationIDs) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    thread_id = $2,
		    message_id = $3,
		    updated_at = NOW()
		WHERE job_id = $4
		  AND status = $5
	`

	result, err := s.db.ExecContext(ctx, query, domain.JobStatusSent, ids.ThreadID, ids.MessageID, jobID, domain.JobStatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark job sent: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return domain.ErrAlreadyDispatched
	}

	s.logger.Info("Job marked sent",
		slog.String("job_id", jobID),
		slog.String("tid", ids.ThreadID),
	)

	return nil
}

// RecordRegeneration replaces the correlation ids and bumps retry_count,
// conditional on the job still being SENT under fromThreadID — the thread id
// the caller observed. A duplicate delivery that raced a finished
// regeneration sees a changed thread_id, affects zero rows, and cannot
// double-count the same generation.
func (s *Storage) RecordRegeneration(ctx context.Context, jobID, fromThreadID string, ids domain.CorrelationIDs) (int, error) {
	query := `
		UPDATE jobs
		SET thread_id = $1,
		    message_id = $2,
		    retry_count = retry_count + 1,
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status = $4
		  AND thread_id = $5
		RETURNING retry_count
	`

	var retryCount int
	err := s.db.QueryRowContext(ctx, query, ids.ThreadID, ids.MessageID, jobID, domain.JobStatusSent, fromThreadID).Scan(&retryCount)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, domain.ErrAlreadyFinalized
		}
		return 0, fmt.Errorf("failed to record regeneration: %w", err)
	}

	s.logger.Info("Job regeneration recorded",
		slog.String("job_id", jobID),
		slog.Int("retry_count", retryCount),
	)

	return retryCount, nil
}

// Complete transitions SENT -> COMPLETED with the validated result.
// An already-terminal job yields ErrAlreadyFinalized and is left untouched.
func (s *Storage) Complete(ctx context.Context, jobID, resultJSON string) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    result = $2,
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status = $4
	`

	result, err := s.db.ExecContext(ctx, query, domain.JobStatusCompleted, resultJSON, jobID, domain.JobStatusSent)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return domain.ErrAlreadyFinalized
	}

	s.logger.Info("Job completed",
		slog.String("job_id", jobID),
	)

	return nil
}

// FailValidation transitions SENT -> FAILED after the final invalid
// generation, counting that generation in retry_count. Conditional on
// fromThreadID the same way RecordRegeneration is, so only the invocation
// that read the current generation can exhaust the job.
func (s *Storage) FailValidation(ctx context.Context, jobID, fromThreadID, errorMessage string) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    error_message = $2,
		    retry_count = retry_count + 1,
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status = $4
		  AND thread_id = $5
	`

	result, err := s.db.ExecContext(ctx, query, domain.JobStatusFailed, errorMessage, jobID, domain.JobStatusSent, fromThreadID)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return domain.ErrAlreadyFinalized
	}

	s.logger.Info("Job failed validation permanently",
		slog.String("job_id", jobID),
		slog.String("error_message", errorMessage),
	)

	return nil
}

// Fail transitions a non-terminal job to FAILED with a diagnostic message
func (s *Storage) Fail(ctx context.Context, jobID, errorMessage string) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    error_message = $2,
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status IN ($4, $5)
	`

	result, err := s.db.ExecContext(ctx, query, domain.JobStatusFailed, errorMessage, jobID, domain.JobStatusPending, domain.JobStatusSent)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return domain.ErrAlreadyFinalized
	}

	s.logger.Info("Job failed",
		slog.String("job_id", jobID),
		slog.String("error_message", errorMessage),
	)

	return nil
}

// JobFilter narrows ListJobs results. TenantID is mandatory; listing is
// always tenant-scoped.
type JobFilter struct {
	TenantID string
	Status   string
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is an opaque keyset-pagination position
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListJobs returns the tenant's jobs newest first. Fetches one row beyond
// PageSize so the caller can detect whether more results exist.
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	if filter.TenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}

	query := `
		SELECT job_id, tenant_id, user_id, input,
		       thread_id, message_id, status, retry_count,
		       result, error_message, created_at, updated_at
		FROM jobs
		WHERE tenant_id = $1
	`
	args := []interface{}{filter.TenantID}
	argIdx := 2

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	// Order by created_at DESC, job_id DESC for consistent pagination
	query += " ORDER BY created_at DESC, job_id DESC"

	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []domain.Job
	err := s.db.SelectContext(ctx, &jobs, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}
