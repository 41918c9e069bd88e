package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrForbidden is returned when a job exists but belongs to another tenant
	ErrForbidden = errors.New("job belongs to another tenant")

	// ErrInvalidInput is returned when the submitted input cannot build a prompt
	ErrInvalidInput = errors.New("invalid input")

	// ErrTenantConfigNotFound is returned when no credential bundle matches the tenant.
	// A missing tenant is a configuration error, never retried.
	ErrTenantConfigNotFound = errors.New("tenant config not found")

	// ErrSignatureMismatch is returned when a webhook signature does not verify
	ErrSignatureMismatch = errors.New("webhook signature mismatch")

	// ErrAlreadyFinalized is returned when a transition targets a job that is
	// already in a terminal status
	ErrAlreadyFinalized = errors.New("job already finalized")

	// ErrAlreadyDispatched is returned when marking a job SENT that is no
	// longer PENDING (duplicate dispatch delivery)
	ErrAlreadyDispatched = errors.New("job already dispatched")

	// ErrNotDispatched is returned when the completion path observes a job
	// still PENDING (dispatch may not have run yet)
	ErrNotDispatched = errors.New("job not dispatched yet")

	// ErrGenerationNotFinished signals that the external job is still running
	// and the message should come back later via queue redelivery
	ErrGenerationNotFinished = errors.New("generation not finished")
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
