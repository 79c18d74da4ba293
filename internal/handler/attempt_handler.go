package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stemsi/exstem-certify/internal/middleware"
	"github.com/stemsi/exstem-certify/internal/model"
	"github.com/stemsi/exstem-certify/internal/response"
)

// AttemptAPI reads scoring attempts. *service.AttemptService implements it.
type AttemptAPI interface {
	Get(ctx context.Context, id uuid.UUID) (*model.ScoringAttempt, error)
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.ScoringAttempt, error)
}

// AttemptHandler serves scoring results.
type AttemptHandler struct {
	attempts AttemptAPI
	sessions SessionAPI
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(attempts AttemptAPI, sessions SessionAPI) *AttemptHandler {
	return &AttemptHandler{attempts: attempts, sessions: sessions}
}

// ListSessionAttempts godoc
// GET /api/v1/sessions/:id/attempts
// Attempts of a session that has not completed are marked unofficial.
func (h *AttemptHandler) ListSessionAttempts(c *gin.Context) {
	view, ok := loadOwnedSession(c, h.sessions)
	if !ok {
		return
	}

	attempts, err := h.attempts.ListBySession(c.Request.Context(), view.ID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if attempts == nil {
		attempts = []model.ScoringAttempt{}
	}

	response.Success(c, http.StatusOK, gin.H{"attempts": attempts})
}

// GetAttempt godoc
// GET /api/v1/attempts/:id
func (h *AttemptHandler) GetAttempt(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	attempt, err := h.attempts.Get(c.Request.Context(), id)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if attempt.TenantID != middleware.GetTenantID(c) {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"attempt": attempt})
}
