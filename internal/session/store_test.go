package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-certify/internal/clock"
	"github.com/stemsi/exstem-certify/internal/model"
)

func newTestStore(t *testing.T) (*Store, *memRepo, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(t0)
	repo := newMemRepo()
	rec := &model.Session{ID: uuid.New(), UserID: "u-1", ExamID: "b2-first", State: model.SessionStateInProgress}
	if err := repo.Put(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	return NewStore(repo, nil, rec, clk, zerolog.Nop()), repo, clk
}

func TestMutateRollsBackOnWriteFailure(t *testing.T) {
	s, repo, _ := newTestStore(t)
	repo.setFail(true)

	err := s.Mutate(context.Background(), func(rec *model.Session) error {
		rec.State = model.SessionStatePaused
		return nil
	})
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("err = %v", err)
	}
	if s.State() != model.SessionStateInProgress {
		t.Fatalf("state = %s, want unchanged", s.State())
	}
}

func TestAutosaveSkipsCleanRecord(t *testing.T) {
	ctx := context.Background()
	s, repo, _ := newTestStore(t)
	puts := repo.puts

	saved, err := s.Autosave(ctx)
	if err != nil || saved {
		t.Fatalf("clean autosave saved=%v err=%v", saved, err)
	}

	s.Stage(func(rec *model.Session) { rec.CurrentQuestionID = "q2" })
	if !s.Dirty() {
		t.Fatal("staged change not dirty")
	}
	if saved, err := s.Autosave(ctx); err != nil || !saved {
		t.Fatalf("dirty autosave saved=%v err=%v", saved, err)
	}
	if saved, _ := s.Autosave(ctx); saved {
		t.Fatal("second autosave wrote again")
	}
	if repo.puts != puts+1 {
		t.Fatalf("puts = %d, want %d", repo.puts, puts+1)
	}
}

func TestRecordAnswerSurvivesWriteFailure(t *testing.T) {
	ctx := context.Background()
	s, repo, _ := newTestStore(t)
	repo.setFail(true)

	s.RecordAnswer(ctx, "q1", model.AnswerRecord{Answer: "A", SubmittedAt: t0}, nil)
	if got := s.Snapshot().Answers["q1"].Answer; got != "A" {
		t.Fatalf("in-memory answer = %q", got)
	}
	if !s.Dirty() {
		t.Fatal("failed write must leave the record dirty")
	}

	repo.setFail(false)
	if saved, err := s.Autosave(ctx); err != nil || !saved {
		t.Fatalf("autosave saved=%v err=%v", saved, err)
	}
	if got := repo.stored(s.Snapshot().ID).Answers["q1"].Answer; got != "A" {
		t.Fatalf("persisted answer = %q", got)
	}
}

type memJournal struct {
	mu      sync.Mutex
	entries []string
}

func (j *memJournal) Append(_ context.Context, _ uuid.UUID, questionID string, _ model.AnswerRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, questionID)
	return nil
}

func TestRecordAnswerUsesJournal(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	repo := newMemRepo()
	rec := &model.Session{ID: uuid.New(), State: model.SessionStateInProgress}
	_ = repo.Put(ctx, rec)
	puts := repo.puts

	j := &memJournal{}
	s := NewStore(repo, j, rec, clk, zerolog.Nop())
	s.RecordAnswer(ctx, "q1", model.AnswerRecord{Answer: "A", SubmittedAt: t0}, nil)

	if len(j.entries) != 1 || j.entries[0] != "q1" {
		t.Fatalf("journal = %v", j.entries)
	}
	if repo.puts != puts {
		t.Fatal("journaled answer also wrote the full record")
	}
	if !s.Dirty() {
		t.Fatal("record must stay dirty for autosave")
	}
}

func TestRunAutosaveOnInterval(t *testing.T) {
	s, repo, clk := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.RunAutosave(ctx, 45*time.Second)
	s.Stage(func(rec *model.Session) { rec.CurrentQuestionID = "q3" })

	deadline := time.Now().Add(2 * time.Second)
	for s.Dirty() {
		if time.Now().After(deadline) {
			t.Fatal("autosave never ran")
		}
		clk.Advance(45 * time.Second)
		time.Sleep(5 * time.Millisecond)
	}
	if got := repo.stored(s.Snapshot().ID).CurrentQuestionID; got != "q3" {
		t.Fatalf("persisted current question = %q", got)
	}
}
