package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for the repository contract.
var (
	// ErrNotFound is returned when a job or batch does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned for a disallowed status change.
	// Callers treat it as a bug, not a transient condition.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError reports malformed caller input at the enqueue boundary.
// No job is created when one is returned.
type ValidationError struct {
	Reason string
}

func NewValidationError(reason string) *ValidationError {
	return &ValidationError{Reason: reason}
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Reason
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// BatchCreateError reports a partially created batch. CreatedJobIDs lists
// the jobs that were persisted before the failure so the caller can clean
// up anything compensation could not remove.
type BatchCreateError struct {
	BatchID       string
	CreatedJobIDs []string
	Cause         error
}

func (e *BatchCreateError) Error() string {
	return fmt.Sprintf("batch %s partially created (%d jobs persisted): %v",
		e.BatchID, len(e.CreatedJobIDs), e.Cause)
}

func (e *BatchCreateError) Unwrap() error {
	return e.Cause
}

// RepositoryError wraps a transient store failure. The core never retries
// these; stall reset recovers affected jobs eventually.
type RepositoryError struct {
	Op    string
	Cause error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("repository %s: %v", e.Op, e.Cause)
}

func (e *RepositoryError) Unwrap() error {
	return e.Cause
}
