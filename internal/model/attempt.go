package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates scoring attempt states.
type AttemptStatus string

const (
	AttemptStatusQueued     AttemptStatus = "queued"
	AttemptStatusProcessing AttemptStatus = "processing"
	AttemptStatusScored     AttemptStatus = "scored"
	AttemptStatusFailed     AttemptStatus = "failed"
)

// TaskType is the fixed set of skills an attempt can evaluate.
type TaskType string

const (
	TaskReading      TaskType = "reading"
	TaskListening    TaskType = "listening"
	TaskUseOfEnglish TaskType = "use_of_english"
	TaskWriting      TaskType = "writing"
	TaskSpeaking     TaskType = "speaking"
	TaskMediation    TaskType = "mediation"
)

// Valid reports whether t is one of the known task types.
func (t TaskType) Valid() bool {
	switch t {
	case TaskReading, TaskListening, TaskUseOfEnglish, TaskWriting, TaskSpeaking, TaskMediation:
		return true
	}
	return false
}

// CEFRLevel is a language proficiency tier.
type CEFRLevel string

const (
	LevelA1 CEFRLevel = "A1"
	LevelA2 CEFRLevel = "A2"
	LevelB1 CEFRLevel = "B1"
	LevelB2 CEFRLevel = "B2"
	LevelC1 CEFRLevel = "C1"
	LevelC2 CEFRLevel = "C2"
)

// CommitteeMember configures one scorer of a committee.
type CommitteeMember struct {
	Provider    string  `json:"provider" validate:"required"`
	Model       string  `json:"model" validate:"required"`
	Temperature float64 `json:"temperature" validate:"gte=0,lte=2"`
	Seed        *int64  `json:"seed,omitempty"`
	Weight      float64 `json:"weight" validate:"gte=0"`
}

// Rubric is a versioned set of scoring criteria.
type Rubric struct {
	ID        uuid.UUID       `json:"id"`
	Version   int             `json:"version"`
	Provider  string          `json:"provider"`
	Level     CEFRLevel       `json:"level"`
	Task      TaskType        `json:"task"`
	MaxScore  float64         `json:"max_score"`
	Criteria  json.RawMessage `json:"criteria"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
}

// MemberScore is one committee member's contribution to a score.
type MemberScore struct {
	Provider   string  `json:"provider"`
	Model      string  `json:"model"`
	Weight     float64 `json:"weight"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// AttemptScore is the aggregated committee score of an attempt.
type AttemptScore struct {
	Percentage float64       `json:"percentage"`
	RawScore   float64       `json:"raw_score"`
	MaxScore   float64       `json:"max_score"`
	Confidence float64       `json:"confidence"`
	Rationale  string        `json:"rationale,omitempty"`
	Members    []MemberScore `json:"members"`
}

// CommitteeSource records which tier supplied the committee.
type CommitteeSource string

const (
	CommitteeFromCorrector CommitteeSource = "corrector"
	CommitteeFromAttempt   CommitteeSource = "attempt"
	CommitteeFromFallback  CommitteeSource = "fallback"
)

// QualityControl carries inter-scorer agreement signals.
type QualityControl struct {
	DisagreementScore float64         `json:"disagreement_score"`
	MemberCount       int             `json:"member_count"`
	FailedMembers     int             `json:"failed_members"`
	CommitteeSource   CommitteeSource `json:"committee_source"`
	RequiresReview    bool            `json:"requires_review"`
}

// ScoringAttempt is one unit of work submitted for committee scoring.
type ScoringAttempt struct {
	ID            uuid.UUID         `json:"id"`
	TenantID      string            `json:"tenant_id"`
	SessionID     uuid.UUID         `json:"exam_session_id"`
	UserID        string            `json:"user_id"`
	ExamID        string            `json:"exam_id"`
	QuestionID    string            `json:"question_id"`
	Provider      string            `json:"provider"`
	Level         CEFRLevel         `json:"level"`
	Task          TaskType          `json:"task"`
	Payload       string            `json:"payload"`
	Status        AttemptStatus     `json:"status"`
	RubricID      uuid.UUID         `json:"rubric_id"`
	RubricVersion int               `json:"rubric_version"`
	Committee     []CommitteeMember `json:"committee"`
	Score         *AttemptScore     `json:"score"`
	QC            *QualityControl   `json:"qc"`
	RetryCount    int               `json:"retry_count"`
	LastError     *string           `json:"last_error,omitempty"`
	NextRetryAt   *time.Time        `json:"next_retry_at,omitempty"`
	WebhookURL    string            `json:"webhook_url,omitempty"`
	Priority      int               `json:"priority"`
	Official      bool              `json:"official"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	ScoredAt      *time.Time        `json:"scored_at,omitempty"`
}

// ScoringJob is the ephemeral queue item that drives one attempt.
type ScoringJob struct {
	AttemptID   uuid.UUID  `json:"attempt_id"`
	Priority    int        `json:"priority"`
	TenantID    string     `json:"tenant_id"`
	WebhookURL  string     `json:"webhook_url,omitempty"`
	RetryCount  int        `json:"retry_count"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// JobForAttempt reconstructs the job that drives an attempt.
func JobForAttempt(a *ScoringAttempt) ScoringJob {
	return ScoringJob{
		AttemptID:  a.ID,
		Priority:   a.Priority,
		TenantID:   a.TenantID,
		WebhookURL: a.WebhookURL,
		RetryCount: a.RetryCount,
	}
}

// ProcessingResult reports the outcome of processing one job.
type ProcessingResult struct {
	Success          bool       `json:"success"`
	AttemptID        uuid.UUID  `json:"attempt_id"`
	ProcessingTimeMs int64      `json:"processing_time_ms"`
	Error            string     `json:"error,omitempty"`
	Skipped          bool       `json:"skipped,omitempty"`
	RetryScheduled   bool       `json:"retry_scheduled,omitempty"`
	NextRetryAt      *time.Time `json:"next_retry_at,omitempty"`
}

// AttemptScoredEvent is the webhook body sent after a successful score.
type AttemptScoredEvent struct {
	Event         string        `json:"event"`
	AttemptID     uuid.UUID     `json:"attempt_id"`
	TenantID      string        `json:"tenant_id"`
	UserID        string        `json:"user_id"`
	ExamSessionID uuid.UUID     `json:"exam_session_id"`
	Provider      string        `json:"provider"`
	Level         CEFRLevel     `json:"level"`
	Task          TaskType      `json:"task"`
	Score         *AttemptScore `json:"score"`
	Timestamp     time.Time     `json:"timestamp"`
}

// EventAttemptScored is the webhook event name for scored attempts.
const EventAttemptScored = "attempt.scored"
