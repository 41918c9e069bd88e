package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kyreport/kyreport/internal/api/dto"
	"github.com/kyreport/kyreport/internal/api/identity"
	"github.com/kyreport/kyreport/internal/domain"
	"github.com/kyreport/kyreport/internal/jobstore"
	"github.com/kyreport/kyreport/internal/prompt"
)

// CreateReport handles POST /api/v1/reports
// Accepts a generation request and returns the job id immediately; the
// generation itself runs asynchronously.
func (h *ReportHandler) CreateReport(c *gin.Context) {
	tenantID := identity.TenantID(c)
	userID := identity.UserID(c)

	var req dto.CreateReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	in := &prompt.Input{
		Message:      req.Message,
		Date:         req.Date,
		WorkTypes:    req.WorkTypes,
		Processes:    req.Processes,
		Environments: req.Environments,
	}

	jobID, err := h.intake.Submit(c.Request.Context(), tenantID, userID, in)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid input",
			})
		case errors.Is(err, domain.ErrTenantConfigNotFound):
			h.logger.Error("Tenant config not found",
				slog.String("tenant_id", tenantID),
			)
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Tenant is not configured for report generation",
			})
		default:
			h.logger.Error("Failed to accept report job", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to accept report job",
			})
		}
		return
	}

	c.JSON(http.StatusAccepted, dto.CreateReportResponse{JobID: jobID})
}

// GetReport handles GET /api/v1/reports/:job_id
// Returns the job's status and, once completed, the validated report.
func (h *ReportHandler) GetReport(c *gin.Context) {
	tenantID := identity.TenantID(c)
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.jobs.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Report not found",
			})
			return
		}
		h.logger.Error("Failed to get report", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get report",
		})
		return
	}

	// Another tenant's job must never be readable, whatever its status
	if job.TenantID != tenantID {
		h.logger.Warn("Cross-tenant report access rejected",
			slog.String("job_id", jobID),
			slog.String("tenant_id", tenantID),
		)
		c.JSON(http.StatusForbidden, gin.H{
			"error": "Forbidden",
		})
		return
	}

	c.JSON(http.StatusOK, toReportView(job))
}

// ListReports handles GET /api/v1/reports
// Lists the tenant's jobs newest first with cursor pagination
func (h *ReportHandler) ListReports(c *gin.Context) {
	tenantID := identity.TenantID(c)

	var req dto.ListReportsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}

	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := jobstore.JobFilter{
		TenantID: tenantID,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	}

	jobs, err := h.jobs.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list reports", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list reports",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	views := make([]dto.ReportView, len(jobs))
	for i := range jobs {
		views[i] = toReportView(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		lastJob := jobs[len(jobs)-1]
		cursorObj := jobstore.JobCursor{
			CreatedAt: lastJob.CreatedAt,
			JobID:     lastJob.JobID,
		}
		nextCursor, err = EncodeJobCursor(&cursorObj)
		if err != nil {
			h.logger.Error("Failed to encode next cursor", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to encode next cursor",
			})
			return
		}
	}

	c.JSON(http.StatusOK, dto.ListReportsResponse{
		Reports:    views,
		NextCursor: nextCursor,
	})
}

// toReportView reduces a job to its caller-facing projection
func toReportView(job *domain.Job) dto.ReportView {
	view := dto.ReportView{
		JobID:     job.JobID,
		Status:    job.Status,
		Error:     job.ErrorMessage,
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
		UpdatedAt: job.UpdatedAt.Format(time.RFC3339),
	}

	if job.Status == domain.JobStatusCompleted && job.Result != "" {
		view.Result = json.RawMessage(job.Result)
	}

	return view
}
