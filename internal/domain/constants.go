package domain

// Job status constants
const (
	JobStatusPending   = "PENDING"
	JobStatusSent      = "SENT"
	JobStatusCompleted = "COMPLETED"
	JobStatusFailed    = "FAILED"
)

// Queue message stages
const (
	StageDispatch = "dispatch"
	StagePoll     = "poll"
)

// IsTerminal reports whether status is absorbing (COMPLETED or FAILED).
func IsTerminal(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}
