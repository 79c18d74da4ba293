package websocket

import (
	"time"

	"github.com/stemsi/exstem-certify/internal/model"
	"github.com/stemsi/exstem-certify/internal/progress"
	"github.com/stemsi/exstem-certify/internal/session"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAutosave Action = "autosave"
	ActionSubmit   Action = "submit"
	ActionPing     Action = "ping"
)

// Request is any client message. Only autosave uses the answer fields.
type Request struct {
	Action      Action     `json:"action"`
	QID         string     `json:"q_id,omitempty"`
	Answer      string     `json:"ans,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError   Event = "error"
	EventSaved   Event = "saved"
	EventResult  Event = "result"
	EventSession Event = "session"
	EventPong    Event = "pong"
)

// SavedResponse acknowledges an autosaved answer.
type SavedResponse struct {
	Event    Event           `json:"event"`
	Progress progress.Update `json:"progress"`
}

// ResultResponse carries the result of a submitted session.
type ResultResponse struct {
	Event  Event                `json:"event"`
	Result *model.SessionResult `json:"result"`
}

// SessionEventResponse forwards a session notification: state changes,
// timer warnings and progress milestones.
type SessionEventResponse struct {
	Event Event         `json:"event"`
	Data  session.Event `json:"data"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
