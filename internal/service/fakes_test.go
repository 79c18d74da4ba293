package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-certify/internal/model"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type memSessions struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*model.Session
	puts     int
}

func newMemSessions() *memSessions {
	return &memSessions{sessions: make(map[uuid.UUID]*model.Session)}
}

func (r *memSessions) Get(_ context.Context, id uuid.UUID) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return s.Clone(), nil
}

func (r *memSessions) Put(_ context.Context, s *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !s.State.IsTerminal() {
		for id, other := range r.sessions {
			if id != s.ID && !other.State.IsTerminal() &&
				other.TenantID == s.TenantID && other.UserID == s.UserID && other.ExamID == s.ExamID {
				return model.ErrActiveSessionExists
			}
		}
	}
	r.puts++
	r.sessions[s.ID] = s.Clone()
	return nil
}

func (r *memSessions) UpdateStatus(_ context.Context, id uuid.UUID, state model.SessionState, f model.SessionStatusFields) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return model.ErrNotFound
	}
	s.State = state
	if f.FinishedAt != nil {
		s.FinishedAt = f.FinishedAt
	}
	if f.Result != nil {
		s.Result = f.Result
	}
	if f.LastActivity != nil {
		s.LastActivity = *f.LastActivity
	}
	return nil
}

func (r *memSessions) FindActive(_ context.Context, tenantID, userID, examID string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if !s.State.IsTerminal() && s.TenantID == tenantID && s.UserID == userID && s.ExamID == examID {
			return s.Clone(), nil
		}
	}
	return nil, model.ErrNotFound
}

func (r *memSessions) ListLive(context.Context) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []uuid.UUID
	for id, s := range r.sessions {
		if s.State.IsLive() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *memSessions) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

type memAttempts struct {
	mu       sync.Mutex
	attempts []*model.ScoringAttempt
}

func (r *memAttempts) Create(_ context.Context, a *model.ScoringAttempt) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, other := range r.attempts {
		if other.SessionID == a.SessionID && other.QuestionID == a.QuestionID {
			return false, nil
		}
	}
	a.Status = model.AttemptStatusQueued
	c := *a
	r.attempts = append(r.attempts, &c)
	return true, nil
}

func (r *memAttempts) GetByID(_ context.Context, id uuid.UUID) (*model.ScoringAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.attempts {
		if a.ID == id {
			c := *a
			return &c, nil
		}
	}
	return nil, model.ErrNotFound
}

func (r *memAttempts) ListBySession(_ context.Context, sessionID uuid.UUID) ([]model.ScoringAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.ScoringAttempt
	for _, a := range r.attempts {
		if a.SessionID == sessionID {
			out = append(out, *a)
		}
	}
	return out, nil
}

type memQueue struct {
	mu   sync.Mutex
	jobs []model.ScoringJob
}

func (q *memQueue) Enqueue(_ context.Context, job model.ScoringJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *memQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

type rubricTable map[model.TaskType]*model.Rubric

func (t rubricTable) GetActive(_ context.Context, _ string, _ model.CEFRLevel, task model.TaskType) (*model.Rubric, error) {
	if r, ok := t[task]; ok {
		return r, nil
	}
	return nil, model.ErrNotFound
}

func (t rubricTable) GetVersion(_ context.Context, id uuid.UUID, version int) (*model.Rubric, error) {
	for _, r := range t {
		if r.ID == id && r.Version == version {
			return r, nil
		}
	}
	return nil, model.ErrNotFound
}

// testExam is a valid 60 minute exam: two multiple choice questions and one essay.
func testExam() *model.ExamConfig {
	return &model.ExamConfig{
		ID:              "b2-first",
		Title:           "B2 First",
		Provider:        "cambridge",
		Level:           model.LevelB2,
		DurationSeconds: 3600,
		AllowPause:      true,
		MaxPauseSeconds: 600,
		WebhookURL:      "https://tenant.example/hooks/scored",
		Warnings: []model.WarningConfig{
			{ThresholdSeconds: 600, Message: "10 minutes left"},
			{ThresholdSeconds: 300, Message: "5 minutes left"},
		},
		Sections: []model.Section{
			{ID: "reading", Title: "Reading", Parts: []model.Part{{ID: "r1", Task: model.TaskReading, Questions: []model.Question{
				{ID: "q1", Type: model.QuestionTypeMultipleChoice, CorrectAnswer: "A", Points: 1},
				{ID: "q2", Type: model.QuestionTypeMultipleChoice, CorrectAnswer: "B", Points: 1},
			}}}},
			{ID: "writing", Title: "Writing", Parts: []model.Part{{ID: "w1", Task: model.TaskWriting, Questions: []model.Question{
				{ID: "q3", Type: model.QuestionTypeEssay, Points: 10},
			}}}},
		},
	}
}
