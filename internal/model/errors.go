package model

import (
	"errors"
	"fmt"
)

// Domain errors shared across the engine.
var (
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation failed")
	ErrInvalidSessionState = errors.New("invalid session state")
	ErrPauseNotAllowed     = errors.New("pausing is not allowed for this exam")
	ErrSnapshotUnsupported = errors.New("unsupported snapshot schema version")
	ErrRubricNotConfigured = fmt.Errorf("rubric not configured: %w", ErrNotFound)
	ErrServiceBusy         = errors.New("service busy")
	ErrActiveSessionExists = errors.New("candidate already has an active session for this exam")
)

// ValidationError describes bad input on a single field.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InvalidSessionStateError is returned when an operation is not legal in the current state.
type InvalidSessionStateError struct {
	Op        string
	Current   SessionState
	Requested SessionState
}

func (e *InvalidSessionStateError) Error() string {
	if e.Requested == "" {
		return fmt.Sprintf("invalid session state: %s not allowed in %q", e.Op, e.Current)
	}
	return fmt.Sprintf("invalid session state: %s not allowed from %q to %q", e.Op, e.Current, e.Requested)
}

func (e *InvalidSessionStateError) Unwrap() error { return ErrInvalidSessionState }
