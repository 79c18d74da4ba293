package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-certify/internal/clock"
	"github.com/stemsi/exstem-certify/internal/model"
	"github.com/stemsi/exstem-certify/internal/scoring"
)

var errStoreDown = errors.New("store down")

type memRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*model.Session
	puts     int
	statuses int
	fail     bool
}

func newMemRepo() *memRepo {
	return &memRepo{sessions: make(map[uuid.UUID]*model.Session)}
}

func (r *memRepo) Get(_ context.Context, id uuid.UUID) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return s.Clone(), nil
}

func (r *memRepo) Put(_ context.Context, s *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errStoreDown
	}
	r.puts++
	r.sessions[s.ID] = s.Clone()
	return nil
}

func (r *memRepo) UpdateStatus(_ context.Context, id uuid.UUID, state model.SessionState, f model.SessionStatusFields) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errStoreDown
	}
	s, ok := r.sessions[id]
	if !ok {
		return model.ErrNotFound
	}
	r.statuses++
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

func (r *memRepo) setFail(v bool) {
	r.mu.Lock()
	r.fail = v
	r.mu.Unlock()
}

func (r *memRepo) stored(id uuid.UUID) *model.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id].Clone()
}

type recordingEnqueuer struct {
	mu    sync.Mutex
	calls [][]scoring.Submission
}

func (e *recordingEnqueuer) EnqueueSession(_ context.Context, _ *model.Session, _ *model.ExamConfig, subs []scoring.Submission) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, subs)
	return nil
}

func (e *recordingEnqueuer) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// testExam is a 60 minute exam with warnings at 10 and 5 minutes.
func testExam(allowPause bool) *model.ExamConfig {
	return &model.ExamConfig{
		ID:              "b2-first",
		Title:           "B2 First",
		Provider:        "cambridge",
		Level:           model.LevelB2,
		DurationSeconds: 3600,
		AllowPause:      allowPause,
		MaxPauseSeconds: 600,
		Warnings: []model.WarningConfig{
			{ThresholdSeconds: 300, Message: "5 minutes left"},
			{ThresholdSeconds: 600, Message: "10 minutes left"},
		},
		Sections: []model.Section{
			{ID: "reading", Parts: []model.Part{{ID: "r1", Task: model.TaskReading, Questions: []model.Question{
				{ID: "q1", Type: model.QuestionTypeMultipleChoice, CorrectAnswer: "A"},
				{ID: "q2", Type: model.QuestionTypeMultipleChoice, CorrectAnswer: "B"},
			}}}},
			{ID: "writing", Parts: []model.Part{{ID: "w1", Task: model.TaskWriting, Questions: []model.Question{
				{ID: "q3", Type: model.QuestionTypeEssay},
			}}}},
		},
	}
}

type fixture struct {
	clk     *clock.Manual
	repo    *memRepo
	store   *Store
	machine *Machine
	enq     *recordingEnqueuer
}

func newFixture(exam *model.ExamConfig) *fixture {
	clk := clock.NewManual(t0)
	repo := newMemRepo()
	rec := &model.Session{
		ID:        uuid.New(),
		TenantID:  "acme",
		UserID:    "u-1",
		ExamID:    exam.ID,
		State:     model.SessionStateCreated,
		CreatedAt: t0,
	}
	_ = repo.Put(context.Background(), rec)

	store := NewStore(repo, nil, rec, clk, zerolog.Nop())
	enq := &recordingEnqueuer{}
	m := New(Config{Exam: exam, Store: store, Clock: clk, Enqueuer: enq, Logger: zerolog.Nop()})
	return &fixture{clk: clk, repo: repo, store: store, machine: m, enq: enq}
}
