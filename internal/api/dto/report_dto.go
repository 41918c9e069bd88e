package dto

import "encoding/json"

type CreateReportRequest struct {
	Message      string   `json:"message" binding:"required"`
	Date         string   `json:"date"`
	WorkTypes    []string `json:"work_types"`
	Processes    []string `json:"processes"`
	Environments []string `json:"environments"`
}

type CreateReportResponse struct {
	JobID string `json:"job_id"`
}

type ListReportsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListReportsResponse struct {
	Reports    []ReportView `json:"reports"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// ReportView is the caller-facing job projection. Correlation ids and
// credentials never appear here.
type ReportView struct {
	JobID     string          `json:"job_id"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}
