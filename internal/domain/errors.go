package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every ValidationError via errors.Is
	ErrValidation = errors.New("validation failed")

	// ErrNoValidRows is returned when a batch has nothing admissible after parsing and cap
	ErrNoValidRows = errors.New("no valid rows found")

	// ErrInsufficientCredit is returned when available credit cannot cover an operation
	ErrInsufficientCredit = errors.New("insufficient credit")

	// ErrAccountNotFound is returned when no ledger account or identity exists for a submitter
	ErrAccountNotFound = errors.New("account not found")

	// ErrBatchNotFound is returned when admission targets an unknown batch
	ErrBatchNotFound = errors.New("batch not found")

	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when attempting to claim a job that is not queued
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in queued status")

	// ErrInvalidTransition is returned when a status change violates the job state machine
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrInvalidPayload is returned when a job payload cannot be decoded
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrMaxRetriesExceeded is returned when a job has exhausted its retry budget
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrRejected is returned when a collaborator refuses a request; repeating it will not help
	ErrRejected = errors.New("request rejected by collaborator")

	// ErrInvalidSignature is returned when a webhook body does not match its signature
	ErrInvalidSignature = errors.New("invalid signature")
)

// ValidationError reports a missing or malformed caller-supplied field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError creates a ValidationError for field
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// UpstreamError wraps store or collaborator unavailability. Callers may retry.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string {
	return "upstream failure: " + e.Err.Error()
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// NewUpstreamError wraps err as a transient failure
func NewUpstreamError(err error) error {
	if err == nil {
		return nil
	}
	return &UpstreamError{Err: err}
}

// IsUpstream reports whether err is a transient failure
func IsUpstream(err error) bool {
	var upstreamErr *UpstreamError
	return errors.As(err, &upstreamErr)
}
