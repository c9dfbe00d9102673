package services

import (
	"errors"
	"fmt"
)

// Sentinel errors for the task execution engine. Submission-time errors are
// returned synchronously and leave no trace in the queue; query-time errors
// change no state.
var (
	ErrQuotaExceeded  = errors.New("quota exceeded")
	ErrNotFound       = errors.New("task not found")
	ErrNotCancellable = errors.New("task not cancellable")
	ErrNotDeletable   = errors.New("task not deletable")
	ErrNotDeleted     = errors.New("task is not soft-deleted")
	ErrWorkerCrashed  = errors.New("worker process crashed")
)

// ValidationError rejects a submission before any side effect
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a parameter field. The
// reason is taken verbatim, not as a format string.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// InferenceError is a failure the worker process reported itself, as opposed
// to a crash.
type InferenceError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference error [%s]: %s", e.Code, e.Message)
}
