package response

import (
	"errors"
	"net/http"

	"github.com/stemsi/exstem-certify/internal/model"
)

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"
	ErrTenantRequired ErrCode = "TENANT_REQUIRED"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"

	// ─── Session lifecycle ─────────────────────────────────────────────
	ErrSessionActive       ErrCode = "SESSION_ALREADY_ACTIVE"
	ErrInvalidSessionState ErrCode = "INVALID_SESSION_STATE"
	ErrPauseNotAllowed     ErrCode = "PAUSE_NOT_ALLOWED"
	ErrSnapshotUnsupported ErrCode = "SNAPSHOT_UNSUPPORTED"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrServiceBusy        ErrCode = "SERVICE_BUSY"
	ErrServiceUnavailable ErrCode = "SERVICE_UNAVAILABLE"
	ErrInternal           ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidID:
		return "Invalid ID format."
	case ErrInvalidPayload:
		return "Invalid request payload."
	case ErrTenantRequired:
		return "A tenant must be given in the X-Tenant-ID header."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Resource not found."

	// ─── Session lifecycle ─────────────────────────────────────────────
	case ErrSessionActive:
		return "The candidate already has an active session for this exam."
	case ErrInvalidSessionState:
		return "The operation is not allowed in the session's current state."
	case ErrPauseNotAllowed:
		return "This exam does not allow pausing."
	case ErrSnapshotUnsupported:
		return "The snapshot was written by a newer version and cannot be imported."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrServiceBusy:
		return "The service is busy. Please retry shortly."
	case ErrServiceUnavailable:
		return "A backing store is unreachable."
	case ErrInternal:
		return "Internal server error."
	default:
		return "An unexpected error occurred."
	}
}

// Classify maps a domain error onto its HTTP status and error code.
func Classify(err error) (int, ErrCode) {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest, ErrValidation
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, ErrNotFound
	case errors.Is(err, model.ErrActiveSessionExists):
		return http.StatusConflict, ErrSessionActive
	case errors.Is(err, model.ErrInvalidSessionState):
		return http.StatusConflict, ErrInvalidSessionState
	case errors.Is(err, model.ErrPauseNotAllowed):
		return http.StatusConflict, ErrPauseNotAllowed
	case errors.Is(err, model.ErrSnapshotUnsupported):
		return http.StatusUnprocessableEntity, ErrSnapshotUnsupported
	case errors.Is(err, model.ErrServiceBusy):
		return http.StatusServiceUnavailable, ErrServiceBusy
	default:
		return http.StatusInternalServerError, ErrInternal
	}
}
