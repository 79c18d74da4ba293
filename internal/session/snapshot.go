package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-certify/internal/model"
	"github.com/stemsi/exstem-certify/internal/progress"
)

// SnapshotSchemaVersion is the export format written by this release.
// Snapshots without a version are from before versioning and are migrated.
const SnapshotSchemaVersion = 1

// Snapshot is the portable resumption format of a session. It is a hint for
// resuming; the repository record stays canonical.
type Snapshot struct {
	SchemaVersion     int                           `json:"schemaVersion"`
	SessionID         uuid.UUID                     `json:"sessionId"`
	TenantID          string                        `json:"tenantId,omitempty"`
	UserID            string                        `json:"userId"`
	ExamID            string                        `json:"examId"`
	CourseID          string                        `json:"courseId,omitempty"`
	StartTime         *time.Time                    `json:"startTime,omitempty"`
	LastActivity      time.Time                     `json:"lastActivity"`
	Answers           map[string]model.AnswerRecord `json:"answers"`
	Progress          progress.Progress             `json:"progress"`
	State             model.SessionState            `json:"state"`
	Timer             *model.TimerState             `json:"timer,omitempty"`
	CurrentSectionID  string                        `json:"currentSectionId,omitempty"`
	CurrentQuestionID string                        `json:"currentQuestionId,omitempty"`
	PausedSeconds     int                           `json:"pausedSeconds"`
}

// NewSnapshot builds the current-version snapshot of a session.
func NewSnapshot(s *model.Session, p progress.Progress) Snapshot {
	c := s.Clone()
	timer := c.Timer
	return Snapshot{
		SchemaVersion:     SnapshotSchemaVersion,
		SessionID:         c.ID,
		TenantID:          c.TenantID,
		UserID:            c.UserID,
		ExamID:            c.ExamID,
		CourseID:          c.CourseID,
		StartTime:         c.StartedAt,
		LastActivity:      c.LastActivity,
		Answers:           c.Answers,
		Progress:          p,
		State:             c.State,
		Timer:             &timer,
		CurrentSectionID:  c.CurrentSectionID,
		CurrentQuestionID: c.CurrentQuestionID,
		PausedSeconds:     c.PausedSeconds,
	}
}

// legacySnapshot is the unversioned format. Answers were either plain strings
// or answer objects.
type legacySnapshot struct {
	SessionID    uuid.UUID                  `json:"sessionId"`
	UserID       string                     `json:"userId"`
	ExamID       string                     `json:"examId"`
	CourseID     string                     `json:"courseId"`
	StartTime    *time.Time                 `json:"startTime"`
	LastActivity time.Time                  `json:"lastActivity"`
	Answers      map[string]json.RawMessage `json:"answers"`
	Progress     progress.Progress          `json:"progress"`
	State        model.SessionState         `json:"state"`
}

// DecodeSnapshot parses an exported snapshot of any known schema version.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var probe struct {
		SchemaVersion *int `json:"schemaVersion"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, model.NewValidationError("snapshot", err.Error())
	}

	var snap *Snapshot
	switch {
	case probe.SchemaVersion == nil || *probe.SchemaVersion == 0:
		legacy, err := migrateLegacy(data)
		if err != nil {
			return nil, err
		}
		snap = legacy
	case *probe.SchemaVersion > SnapshotSchemaVersion:
		return nil, fmt.Errorf("schema version %d, newest supported %d: %w",
			*probe.SchemaVersion, SnapshotSchemaVersion, model.ErrSnapshotUnsupported)
	case *probe.SchemaVersion < 0:
		return nil, model.NewValidationError("schemaVersion", "must not be negative")
	default:
		snap = &Snapshot{}
		if err := json.Unmarshal(data, snap); err != nil {
			return nil, model.NewValidationError("snapshot", err.Error())
		}
	}

	if err := snap.validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

func migrateLegacy(data []byte) (*Snapshot, error) {
	var old legacySnapshot
	if err := json.Unmarshal(data, &old); err != nil {
		return nil, model.NewValidationError("snapshot", err.Error())
	}

	answers := make(map[string]model.AnswerRecord, len(old.Answers))
	for qid, raw := range old.Answers {
		var text string
		if err := json.Unmarshal(raw, &text); err == nil {
			answers[qid] = model.AnswerRecord{Answer: text, SubmittedAt: old.LastActivity}
			continue
		}
		var rec model.AnswerRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			// Unreadable entries are dropped; the rest of the snapshot survives.
			continue
		}
		if rec.SubmittedAt.IsZero() {
			rec.SubmittedAt = old.LastActivity
		}
		answers[qid] = rec
	}

	state := old.State
	if state == "" {
		state = model.SessionStateInProgress
	}
	return &Snapshot{
		SchemaVersion: SnapshotSchemaVersion,
		SessionID:     old.SessionID,
		UserID:        old.UserID,
		ExamID:        old.ExamID,
		CourseID:      old.CourseID,
		StartTime:     old.StartTime,
		LastActivity:  old.LastActivity,
		Answers:       answers,
		Progress:      old.Progress,
		State:         state,
	}, nil
}

func (s *Snapshot) validate() error {
	switch {
	case s.SessionID == uuid.Nil:
		return model.NewValidationError("sessionId", "is required")
	case s.UserID == "":
		return model.NewValidationError("userId", "is required")
	case s.ExamID == "":
		return model.NewValidationError("examId", "is required")
	case !s.State.Valid():
		return model.NewValidationError("state", fmt.Sprintf("unknown state %q", s.State))
	}
	if s.Answers == nil {
		s.Answers = make(map[string]model.AnswerRecord)
	}
	return nil
}

// ValidateFor checks the snapshot's timer against the exam it resumes. The
// clock may only carry time the exam grants.
func (s *Snapshot) ValidateFor(exam *model.ExamConfig) error {
	if s.Timer == nil {
		return nil
	}
	t := s.Timer
	limitMillis := int64(exam.DurationSeconds) * 1000
	switch {
	case t.DurationSeconds < 0 || t.TimeRemainingSeconds < 0 || t.ElapsedSeconds < 0 ||
		t.TimeRemainingMillis < 0 || t.ElapsedMillis < 0:
		return model.NewValidationError("timer", "must not be negative")
	case t.DurationSeconds != 0 && t.DurationSeconds != exam.DurationSeconds:
		return model.NewValidationError("timer.duration_seconds",
			fmt.Sprintf("is %d, exam %s allows %d", t.DurationSeconds, exam.ID, exam.DurationSeconds))
	case t.TimeRemainingSeconds > exam.DurationSeconds || t.TimeRemainingMillis > limitMillis:
		return model.NewValidationError("timer.time_remaining_seconds", "exceeds the exam duration")
	case t.ElapsedSeconds > exam.DurationSeconds || t.ElapsedMillis > limitMillis:
		return model.NewValidationError("timer.elapsed_seconds", "exceeds the exam duration")
	}
	return nil
}

// Session converts the snapshot into a session record for the given exam.
// Answers to questions the exam does not contain are dropped.
func (s *Snapshot) Session(exam *model.ExamConfig) *model.Session {
	rec := &model.Session{
		ID:                s.SessionID,
		TenantID:          s.TenantID,
		UserID:            s.UserID,
		ExamID:            s.ExamID,
		CourseID:          s.CourseID,
		State:             s.State,
		LastActivity:      s.LastActivity,
		DurationSeconds:   exam.DurationSeconds,
		PausedSeconds:     s.PausedSeconds,
		CurrentSectionID:  s.CurrentSectionID,
		CurrentQuestionID: s.CurrentQuestionID,
		Answers:           make(map[string]model.AnswerRecord, len(s.Answers)),
	}
	if s.StartTime != nil {
		t := *s.StartTime
		rec.StartedAt = &t
	}
	for qid, a := range s.Answers {
		if _, ok := exam.FindQuestion(qid); ok {
			rec.Answers[qid] = a
		}
	}
	if s.Timer != nil {
		rec.Timer = *s.Timer
		rec.Timer.Warnings = append([]model.TimerWarning(nil), s.Timer.Warnings...)
	}
	return rec
}
