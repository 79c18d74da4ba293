package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stemsi/exstem-certify/internal/middleware"
	"github.com/stemsi/exstem-certify/internal/model"
	"github.com/stemsi/exstem-certify/internal/progress"
	"github.com/stemsi/exstem-certify/internal/response"
	"github.com/stemsi/exstem-certify/internal/service"
	"github.com/stemsi/exstem-certify/internal/session"
	"github.com/stemsi/exstem-certify/internal/validator"
)

// maxSnapshotBytes bounds the body of a snapshot import.
const maxSnapshotBytes = 1 << 20

// SessionAPI is the session surface the HTTP and WebSocket handlers drive.
// *service.SessionService implements it.
type SessionAPI interface {
	Start(ctx context.Context, req model.StartSessionRequest) (*service.SessionView, error)
	Get(ctx context.Context, id uuid.UUID) (*service.SessionView, error)
	SubmitAnswer(ctx context.Context, id uuid.UUID, req model.SubmitAnswerRequest) (progress.Update, error)
	Pause(ctx context.Context, id uuid.UUID) (*service.SessionView, error)
	Resume(ctx context.Context, id uuid.UUID) (*service.SessionView, error)
	Abandon(ctx context.Context, id uuid.UUID) (*service.SessionView, error)
	Finish(ctx context.Context, id uuid.UUID) (*model.SessionResult, error)
	Export(ctx context.Context, id uuid.UUID) (*session.Snapshot, error)
	Import(ctx context.Context, tenantID string, data []byte) (*service.SessionView, error)
	Subscribe(ctx context.Context, id uuid.UUID, buffer int) (<-chan session.Event, func(), error)
}

// SessionHandler handles the exam session lifecycle endpoints.
type SessionHandler struct {
	sessions SessionAPI
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessions SessionAPI) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// StartSession godoc
// POST /api/v1/sessions
// Starts the candidate's session for an exam, or returns the live one.
func (h *SessionHandler) StartSession(c *gin.Context) {
	var req model.StartSessionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	tenantID := middleware.GetTenantID(c)
	if req.TenantID != "" && req.TenantID != tenantID {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation,
			map[string]string{"tenant_id": "does not match the X-Tenant-ID header"})
		return
	}
	req.TenantID = tenantID

	view, err := h.sessions.Start(c.Request.Context(), req)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"session": view})
}

// GetSession godoc
// GET /api/v1/sessions/:id
func (h *SessionHandler) GetSession(c *gin.Context) {
	view, ok := h.ownSession(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, gin.H{"session": view})
}

// SubmitAnswer godoc
// POST /api/v1/sessions/:id/answers
// Records one answer and returns the updated progress.
func (h *SessionHandler) SubmitAnswer(c *gin.Context) {
	view, ok := h.ownSession(c)
	if !ok {
		return
	}

	var req model.SubmitAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	update, err := h.sessions.SubmitAnswer(c.Request.Context(), view.ID, req)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"progress": update})
}

// PauseSession godoc
// POST /api/v1/sessions/:id/pause
func (h *SessionHandler) PauseSession(c *gin.Context) {
	h.transition(c, h.sessions.Pause)
}

// ResumeSession godoc
// POST /api/v1/sessions/:id/resume
func (h *SessionHandler) ResumeSession(c *gin.Context) {
	h.transition(c, h.sessions.Resume)
}

// AbandonSession godoc
// POST /api/v1/sessions/:id/abandon
func (h *SessionHandler) AbandonSession(c *gin.Context) {
	h.transition(c, h.sessions.Abandon)
}

// FinishSession godoc
// POST /api/v1/sessions/:id/finish
// Submits the session. Objective questions are scored immediately; the
// others are handed to the scoring pipeline and reported as pending.
func (h *SessionHandler) FinishSession(c *gin.Context) {
	view, ok := h.ownSession(c)
	if !ok {
		return
	}

	result, err := h.sessions.Finish(c.Request.Context(), view.ID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"result": result})
}

// ExportSession godoc
// GET /api/v1/sessions/:id/export
// Downloads the portable snapshot. The body is the bare snapshot so it can
// be posted back to the import endpoint unchanged.
func (h *SessionHandler) ExportSession(c *gin.Context) {
	view, ok := h.ownSession(c)
	if !ok {
		return
	}

	snap, err := h.sessions.Export(c.Request.Context(), view.ID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="session-%s.json"`, view.ID))
	c.JSON(http.StatusOK, snap)
}

// ImportSession godoc
// POST /api/v1/sessions/import
// Resumes a session from a snapshot. A session that is already stored is
// returned as stored.
func (h *SessionHandler) ImportSession(c *gin.Context) {
	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxSnapshotBytes))
	if err != nil || len(data) == 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidPayload)
		return
	}

	view, err := h.sessions.Import(c.Request.Context(), middleware.GetTenantID(c), data)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"session": view})
}

// ─── Helpers ────────────────────────────────────────────────────────

func (h *SessionHandler) transition(c *gin.Context, op func(context.Context, uuid.UUID) (*service.SessionView, error)) {
	view, ok := h.ownSession(c)
	if !ok {
		return
	}

	view, err := op(c.Request.Context(), view.ID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"session": view})
}

// ownSession loads the :id session and hides sessions of other tenants.
func (h *SessionHandler) ownSession(c *gin.Context) (*service.SessionView, bool) {
	return loadOwnedSession(c, h.sessions)
}

func loadOwnedSession(c *gin.Context, sessions SessionAPI) (*service.SessionView, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return nil, false
	}

	view, err := sessions.Get(c.Request.Context(), id)
	if err != nil {
		response.FromError(c, err)
		return nil, false
	}
	if view.TenantID != middleware.GetTenantID(c) {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return nil, false
	}
	return view, true
}
