package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-certify/internal/model"
	"github.com/stemsi/exstem-certify/internal/response"
	"github.com/stemsi/exstem-certify/internal/service"
	ws "github.com/stemsi/exstem-certify/internal/websocket"
)

// eventBuffer is the per-connection backlog of session events. A client
// that falls further behind misses events rather than stalling the session.
const eventBuffer = 32

// AnswerGate decides whether another answer may be recorded for a session.
type AnswerGate interface {
	Allow(ctx context.Context, sessionID string) bool
}

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler handles the live session stream.
type WSHandler struct {
	sessions SessionAPI
	gate     AnswerGate
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler. gate may be nil.
func NewWSHandler(sessions SessionAPI, gate AnswerGate, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		sessions: sessions,
		gate:     gate,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// SessionStream godoc
// WS /ws/v1/sessions/:id/stream
// Pushes session events (state changes, timer warnings, progress) and
// accepts autosave and submit actions.
func (h *WSHandler) SessionStream(c *gin.Context) {
	view, ok := loadOwnedSession(c, h.sessions)
	if !ok {
		return
	}
	if view.State.IsTerminal() {
		response.FromError(c, &model.InvalidSessionStateError{Op: "stream", Current: view.State})
		return
	}

	// Subscribe before upgrading so failures still get an HTTP response.
	events, unsubscribe, err := h.sessions.Subscribe(c.Request.Context(), view.ID, eventBuffer)
	if err != nil {
		response.FromError(c, err)
		return
	}
	defer unsubscribe()

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.NewConn(raw)
	defer conn.Close()

	wsLog := h.log.With().
		Str("session_id", view.ID.String()).
		Str("user_id", view.UserID).
		Logger()
	wsLog.Info().Msg("Candidate connected")

	// Session events are pushed from their own goroutine; the read loop
	// below owns client actions.
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for ev := range events {
			if err := conn.WriteTyped(ws.SessionEventResponse{Event: ws.EventSession, Data: ev}); err != nil {
				wsLog.Debug().Err(err).Msg("Event push failed")
				return
			}
		}
	}()

	for {
		var msg ws.Request
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			break
		}

		switch msg.Action {
		case ws.ActionAutosave:
			h.handleAutosave(conn, wsLog, view, &msg)
		case ws.ActionSubmit:
			h.handleSubmit(conn, wsLog, view)
		case ws.ActionPing:
			_ = conn.WriteTyped(ws.PongResponse{Event: ws.EventPong})
		default:
			wsLog.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
			_ = conn.WriteError(string(response.ErrInvalidPayload), "unknown action: "+string(msg.Action))
		}
	}

	unsubscribe()
	<-pumpDone
}

// handleAutosave records a single answer.
func (h *WSHandler) handleAutosave(conn *ws.Conn, wsLog zerolog.Logger, view *service.SessionView, msg *ws.Request) {
	if msg.QID == "" || msg.Answer == "" {
		_ = conn.WriteError(string(response.ErrValidation), "q_id and ans are required")
		return
	}
	ctx := context.Background()
	if h.gate != nil && !h.gate.Allow(ctx, view.ID.String()) {
		_ = conn.WriteError(string(response.ErrRateLimitExceeded), response.GetMessage(response.ErrRateLimitExceeded))
		return
	}

	update, err := h.sessions.SubmitAnswer(ctx, view.ID, model.SubmitAnswerRequest{
		QuestionID:  msg.QID,
		Answer:      msg.Answer,
		SubmittedAt: msg.SubmittedAt,
	})
	if err != nil {
		h.writeError(conn, wsLog, err)
		return
	}

	_ = conn.WriteTyped(ws.SavedResponse{Event: ws.EventSaved, Progress: update})
}

// handleSubmit finishes the session and sends back its result.
func (h *WSHandler) handleSubmit(conn *ws.Conn, wsLog zerolog.Logger, view *service.SessionView) {
	result, err := h.sessions.Finish(context.Background(), view.ID)
	if err != nil {
		h.writeError(conn, wsLog, err)
		return
	}

	wsLog.Info().
		Int("correct", result.Partial.Correct).
		Int("pending", result.PendingComponents).
		Msg("Session submitted")
	_ = conn.WriteTyped(ws.ResultResponse{Event: ws.EventResult, Result: result})
}

func (h *WSHandler) writeError(conn *ws.Conn, wsLog zerolog.Logger, err error) {
	status, code := response.Classify(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		wsLog.Error().Err(err).Msg("Session action failed")
		msg = response.GetMessage(code)
	}
	_ = conn.WriteError(string(code), msg)
}
