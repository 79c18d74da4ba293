package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionState enumerates exam session lifecycle states.
type SessionState string

const (
	SessionStateCreated    SessionState = "created"
	SessionStateInProgress SessionState = "in_progress"
	SessionStatePaused     SessionState = "paused"
	SessionStateCompleted  SessionState = "completed"
	SessionStateAbandoned  SessionState = "abandoned"
	SessionStateExpired    SessionState = "expired"
)

// IsTerminal reports whether no further transition can leave the state.
func (s SessionState) IsTerminal() bool {
	switch s {
	case SessionStateCompleted, SessionStateAbandoned, SessionStateExpired:
		return true
	}
	return false
}

// IsLive reports whether the session timer may be running.
func (s SessionState) IsLive() bool {
	return s == SessionStateInProgress || s == SessionStatePaused
}

// Valid reports whether s is a known state.
func (s SessionState) Valid() bool {
	switch s {
	case SessionStateCreated, SessionStateInProgress, SessionStatePaused,
		SessionStateCompleted, SessionStateAbandoned, SessionStateExpired:
		return true
	}
	return false
}

// FinishReason records why a session reached the completed state.
type FinishReason string

const (
	FinishReasonSubmitted   FinishReason = "submitted"
	FinishReasonTimeExpired FinishReason = "time_expired"
)

// AnswerRecord is the latest accepted answer for a single question.
type AnswerRecord struct {
	Answer      string    `json:"answer"`
	Score       *float64  `json:"score,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// TimerWarning is a one-shot threshold warning owned by a session timer.
type TimerWarning struct {
	ThresholdSeconds int    `json:"threshold_seconds"`
	Message          string `json:"message"`
	Triggered        bool   `json:"triggered"`
}

// TimerState is the persisted form of a session timer.
type TimerState struct {
	IsRunning            bool           `json:"is_running"`
	IsPaused             bool           `json:"is_paused"`
	TimeRemainingSeconds int            `json:"time_remaining_seconds"`
	DurationSeconds      int            `json:"duration_seconds"`
	ElapsedSeconds       int            `json:"elapsed_seconds"`
	// Millisecond fields keep sub-second precision across restarts; the
	// second fields are kept for readers of older records.
	TimeRemainingMillis int64          `json:"time_remaining_ms,omitempty"`
	ElapsedMillis       int64          `json:"elapsed_ms,omitempty"`
	Warnings            []TimerWarning `json:"warnings"`
}

// ObjectiveScore is the deterministic part of a session score.
type ObjectiveScore struct {
	Correct    int     `json:"correct"`
	Total      int     `json:"total"`
	Points     float64 `json:"points"`
	MaxPoints  float64 `json:"max_points"`
	Percentage float64 `json:"percentage"`
}

// SessionResult is produced once, when a session completes.
type SessionResult struct {
	ResultID          uuid.UUID      `json:"result_id"`
	Partial           ObjectiveScore `json:"partial_score"`
	PendingComponents int            `json:"pending_components"`
	Reason            FinishReason   `json:"reason"`
	FinishedAt        time.Time      `json:"finished_at"`
}

// Session represents one exam attempt by a candidate.
type Session struct {
	ID                uuid.UUID               `json:"id"`
	TenantID          string                  `json:"tenant_id"`
	UserID            string                  `json:"user_id"`
	ExamID            string                  `json:"exam_id"`
	CourseID          string                  `json:"course_id"`
	State             SessionState            `json:"state"`
	StartedAt         *time.Time              `json:"started_at,omitempty"`
	LastActivity      time.Time               `json:"last_activity"`
	DurationSeconds   int                     `json:"duration_seconds"`
	PausedSeconds     int                     `json:"paused_seconds"`
	CurrentSectionID  string                  `json:"current_section_id,omitempty"`
	CurrentQuestionID string                  `json:"current_question_id,omitempty"`
	Answers           map[string]AnswerRecord `json:"answers"`
	Timer             TimerState              `json:"timer"`
	FinishedAt        *time.Time              `json:"finished_at,omitempty"`
	Result            *SessionResult          `json:"result,omitempty"`
	CreatedAt         time.Time               `json:"created_at"`
	UpdatedAt         time.Time               `json:"updated_at"`
}

// Clone returns a deep copy so callers never alias the owner's maps or slices.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		c.FinishedAt = &t
	}
	if s.Result != nil {
		r := *s.Result
		c.Result = &r
	}
	c.Answers = make(map[string]AnswerRecord, len(s.Answers))
	for k, v := range s.Answers {
		if v.Score != nil {
			sc := *v.Score
			v.Score = &sc
		}
		c.Answers[k] = v
	}
	c.Timer.Warnings = append([]TimerWarning(nil), s.Timer.Warnings...)
	return &c
}

// SessionStatusFields carries the optional columns written together with a state change.
type SessionStatusFields struct {
	FinishedAt   *time.Time
	Result       *SessionResult
	LastActivity *time.Time
}

// StartSessionRequest is the payload for starting an exam session.
type StartSessionRequest struct {
	TenantID string `json:"tenant_id" binding:"omitempty,max=64"`
	UserID   string `json:"user_id" binding:"required,max=64"`
	ExamID   string `json:"exam_id" binding:"required,max=64"`
	CourseID string `json:"course_id" binding:"omitempty,max=64"`
}

// SubmitAnswerRequest is the payload for saving one answer.
type SubmitAnswerRequest struct {
	QuestionID  string     `json:"question_id" binding:"required,max=64"`
	Answer      string     `json:"answer" binding:"required,max=20000"`
	SubmittedAt *time.Time `json:"submitted_at" binding:"omitempty"`
}
