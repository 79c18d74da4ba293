package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-certify/internal/model"
	"github.com/stemsi/exstem-certify/internal/scoring"
)

type memAttempts struct {
	mu       sync.Mutex
	attempts map[uuid.UUID]*model.ScoringAttempt
}

func newMemAttempts(as ...*model.ScoringAttempt) *memAttempts {
	m := &memAttempts{attempts: make(map[uuid.UUID]*model.ScoringAttempt)}
	for _, a := range as {
		m.attempts[a.ID] = a
	}
	return m
}

func (m *memAttempts) GetByID(_ context.Context, id uuid.UUID) (*model.ScoringAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	c := *a
	return &c, nil
}

func (m *memAttempts) TransitionStatus(_ context.Context, id uuid.UUID, from, to model.AttemptStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok || a.Status != from {
		return false, nil
	}
	a.Status = to
	return true, nil
}

func (m *memAttempts) MarkScored(_ context.Context, id uuid.UUID, rubric model.Rubric, score model.AttemptScore, qc model.QualityControl, scoredAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.attempts[id]
	a.Status = model.AttemptStatusScored
	a.RubricID, a.RubricVersion = rubric.ID, rubric.Version
	a.Score, a.QC = &score, &qc
	a.ScoredAt = &scoredAt
	a.LastError = nil
	return nil
}

func (m *memAttempts) MarkFailed(_ context.Context, id uuid.UUID, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.attempts[id]
	a.Status = model.AttemptStatusFailed
	a.LastError = &lastErr
	return nil
}

func (m *memAttempts) Requeue(_ context.Context, id uuid.UUID, retryCount int, nextAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.attempts[id]
	if a.Status != model.AttemptStatusFailed {
		return false, nil
	}
	a.Status = model.AttemptStatusQueued
	a.RetryCount = retryCount
	a.NextRetryAt = &nextAt
	return true, nil
}

func (m *memAttempts) ReclaimStale(_ context.Context, staleBefore time.Time, limit int) ([]model.ScoringAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ScoringAttempt
	for _, a := range m.attempts {
		if len(out) >= limit || !a.UpdatedAt.Before(staleBefore) {
			continue
		}
		lost := a.Status == model.AttemptStatusProcessing ||
			(a.Status == model.AttemptStatusQueued && (a.NextRetryAt == nil || a.NextRetryAt.Before(staleBefore)))
		if !lost {
			continue
		}
		a.Status = model.AttemptStatusQueued
		a.UpdatedAt = staleBefore
		out = append(out, *a)
	}
	return out, nil
}

func (m *memAttempts) get(id uuid.UUID) model.ScoringAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.attempts[id]
}

type scheduled struct {
	job model.ScoringJob
	at  time.Time
}

type memScheduler struct {
	mu   sync.Mutex
	jobs []scheduled
}

func (s *memScheduler) Schedule(_ context.Context, job model.ScoringJob, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, scheduled{job: job, at: at})
	return nil
}

type memNotifier struct {
	mu     sync.Mutex
	events []model.AttemptScoredEvent
	err    error
}

func (n *memNotifier) Notify(_ context.Context, _ string, ev model.AttemptScoredEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func (n *memNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type attemptScorerFunc func(ctx context.Context, a *model.ScoringAttempt) (*scoring.Outcome, error)

func (f attemptScorerFunc) Score(ctx context.Context, a *model.ScoringAttempt) (*scoring.Outcome, error) {
	return f(ctx, a)
}

func failingScorer(msg string, calls *int) AttemptScorer {
	var mu sync.Mutex
	return attemptScorerFunc(func(context.Context, *model.ScoringAttempt) (*scoring.Outcome, error) {
		mu.Lock()
		*calls++
		mu.Unlock()
		return nil, errors.New(msg)
	})
}

type oneRubric struct{ r *model.Rubric }

func (o oneRubric) GetActive(context.Context, string, model.CEFRLevel, model.TaskType) (*model.Rubric, error) {
	return o.r, nil
}

func (o oneRubric) GetVersion(_ context.Context, id uuid.UUID, version int) (*model.Rubric, error) {
	if id == o.r.ID && version == o.r.Version {
		return o.r, nil
	}
	return nil, model.ErrNotFound
}

func queuedAttempt() *model.ScoringAttempt {
	return &model.ScoringAttempt{
		ID:         uuid.New(),
		TenantID:   "acme",
		SessionID:  uuid.New(),
		UserID:     "u-1",
		Provider:   "cambridge",
		Level:      model.LevelB2,
		Task:       model.TaskWriting,
		Payload:    "Dear Sir or Madam",
		Status:     model.AttemptStatusQueued,
		WebhookURL: "https://tenant.example/hooks/scored",
	}
}
