package domain

import "time"

// Job represents one report-generation request and its lifecycle.
type Job struct {
	JobID        string    `db:"job_id"`
	TenantID     string    `db:"tenant_id"`
	UserID       string    `db:"user_id"`
	Input        string    `db:"input"` // JSON string, used to rebuild the prompt on regeneration
	ThreadID     string    `db:"thread_id"`
	MessageID    string    `db:"message_id"`
	Status       string    `db:"status"`
	RetryCount   int       `db:"retry_count"`
	Result       string    `db:"result"` // JSON string, set when COMPLETED
	ErrorMessage string    `db:"error_message"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// CorrelationIDs are the generation API's identifiers for one submission.
// Replaced wholesale on every regeneration; only the stored pair is trusted.
type CorrelationIDs struct {
	ThreadID  string `json:"tid"`
	MessageID string `json:"mid"`
}

// JobMessage represents a work item from RabbitMQ
type JobMessage struct {
	JobID       string `json:"job_id"`
	TenantID    string `json:"tenant_id"`
	Stage       string `json:"stage"`
	DeliveryTag uint64 `json:"-"`
}
