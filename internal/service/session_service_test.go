package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-certify/internal/clock"
	"github.com/stemsi/exstem-certify/internal/model"
	"github.com/stemsi/exstem-certify/internal/session"
)

type harness struct {
	clk      *clock.Manual
	sessions *memSessions
	attempts *memAttempts
	queue    *memQueue
	rubric   *model.Rubric
	svc      *SessionService
	scoring  *AttemptService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	catalog, err := NewExamCatalog(testExam())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}

	h := &harness{
		clk:      clock.NewManual(t0),
		sessions: newMemSessions(),
		attempts: &memAttempts{},
		queue:    &memQueue{},
		rubric:   &model.Rubric{ID: uuid.New(), Version: 4, MaxScore: 10, Active: true},
	}
	h.scoring = NewAttemptService(h.attempts, rubricTable{model.TaskWriting: h.rubric}, h.queue, h.sessions, zerolog.Nop())
	h.svc = NewSessionService(h.sessions, nil, catalog, h.scoring, h.clk,
		SessionServiceConfig{TickInterval: time.Second}, zerolog.Nop())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.svc.Shutdown(ctx)
	})
	return h
}

func startReq(user string) model.StartSessionRequest {
	return model.StartSessionRequest{TenantID: "acme", UserID: user, ExamID: "b2-first"}
}

func TestStartIsIdempotentPerCandidate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const callers = 8
	ids := make([]uuid.UUID, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := h.svc.Start(ctx, startReq("u-1"))
			if err != nil {
				t.Errorf("Start: %v", err)
				return
			}
			ids[i] = v.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("Start returned different sessions: %v", ids)
		}
	}
	if h.sessions.count() != 1 {
		t.Fatalf("stored %d sessions, want 1", h.sessions.count())
	}

	v, err := h.svc.Get(ctx, ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if v.State != model.SessionStateInProgress || v.RemainingSeconds != 3600 || v.Remaining != "1:00:00" {
		t.Fatalf("view = %s %d %q", v.State, v.RemainingSeconds, v.Remaining)
	}

	other, err := h.svc.Start(ctx, startReq("u-2"))
	if err != nil || other.ID == ids[0] {
		t.Fatalf("second candidate got %v, %v", other, err)
	}
}

func TestStartReturnsSessionAlreadyRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.Start(ctx, startReq("u-1"))
	if err != nil {
		t.Fatal(err)
	}
	again, err := h.svc.Start(ctx, startReq("u-1"))
	if err != nil || again.ID != first.ID || again.State != model.SessionStateInProgress {
		t.Fatalf("second start: %+v, %v", again, err)
	}

	if _, err := h.svc.Pause(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	paused, err := h.svc.Start(ctx, startReq("u-1"))
	if err != nil || paused.ID != first.ID || paused.State != model.SessionStatePaused {
		t.Fatalf("start while paused: %+v, %v", paused, err)
	}
}

func TestStartUnknownExam(t *testing.T) {
	h := newHarness(t)
	req := startReq("u-1")
	req.ExamID = "c2-proficiency"
	if _, err := h.svc.Start(context.Background(), req); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestFinishHandsEssayToScoring(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	v, err := h.svc.Start(ctx, startReq("u-1"))
	if err != nil {
		t.Fatal(err)
	}
	for qid, ans := range map[string]string{"q1": " a ", "q2": "C", "q3": "Dear Sir or Madam, ..."} {
		if _, err := h.svc.SubmitAnswer(ctx, v.ID, model.SubmitAnswerRequest{QuestionID: qid, Answer: ans}); err != nil {
			t.Fatalf("SubmitAnswer %s: %v", qid, err)
		}
	}

	res, err := h.svc.Finish(ctx, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Partial.Correct != 1 || res.Partial.Total != 2 || res.PendingComponents != 1 || res.Reason != model.FinishReasonSubmitted {
		t.Fatalf("result = %+v", res)
	}
	again, err := h.svc.Finish(ctx, v.ID)
	if err != nil || again.ResultID != res.ResultID {
		t.Fatalf("second Finish = %+v, %v", again, err)
	}

	// Wait for the background hand-off.
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.svc.Shutdown(shutdownCtx); err != nil {
		t.Fatal(err)
	}

	attempts, err := h.scoring.ListBySession(ctx, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 1 || h.queue.count() != 1 {
		t.Fatalf("attempts = %d, jobs = %d", len(attempts), h.queue.count())
	}
	a := attempts[0]
	if a.QuestionID != "q3" || a.Task != model.TaskWriting || a.Status != model.AttemptStatusQueued {
		t.Fatalf("attempt = %+v", a)
	}
	if a.RubricID != h.rubric.ID || a.RubricVersion != 4 {
		t.Fatal("rubric not pinned at enqueue")
	}
	if !a.Official || a.WebhookURL == "" {
		t.Fatalf("official = %v webhook = %q", a.Official, a.WebhookURL)
	}
}

func TestStartAfterCompletionCreatesNewSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.Start(ctx, startReq("u-1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.Abandon(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	second, err := h.svc.Start(ctx, startReq("u-1"))
	if err != nil {
		t.Fatal(err)
	}
	if second.ID == first.ID {
		t.Fatal("abandoned session was resumed")
	}
}

func TestImportStoredSessionWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	v, _ := h.svc.Start(ctx, startReq("u-1"))
	if _, err := h.svc.SubmitAnswer(ctx, v.ID, model.SubmitAnswerRequest{QuestionID: "q1", Answer: "A"}); err != nil {
		t.Fatal(err)
	}
	snap, err := h.svc.Export(ctx, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	snap.Answers["q1"] = model.AnswerRecord{Answer: "D", SubmittedAt: t0.Add(time.Hour)}
	data, _ := json.Marshal(snap)

	got, err := h.svc.Import(ctx, "acme", data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Answers["q1"].Answer != "A" {
		t.Fatalf("snapshot overrode the stored record: %q", got.Answers["q1"].Answer)
	}

	if _, err := h.svc.Import(ctx, "globex", data); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("cross-tenant import: err = %v", err)
	}
}

func TestImportNewSnapshotCountsDowntime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	snap := session.Snapshot{
		SchemaVersion: session.SnapshotSchemaVersion,
		SessionID:     uuid.New(),
		TenantID:      "acme",
		UserID:        "u-7",
		ExamID:        "b2-first",
		LastActivity:  t0.Add(-10 * time.Minute),
		Answers:       map[string]model.AnswerRecord{"q1": {Answer: "A", SubmittedAt: t0.Add(-15 * time.Minute)}},
		State:         model.SessionStateInProgress,
		Timer: &model.TimerState{
			IsRunning:            true,
			DurationSeconds:      3600,
			TimeRemainingSeconds: 1800,
			ElapsedSeconds:       1800,
			Warnings: []model.TimerWarning{
				{ThresholdSeconds: 600, Message: "10 minutes left"},
				{ThresholdSeconds: 300, Message: "5 minutes left"},
			},
		},
	}
	data, _ := json.Marshal(snap)

	v, err := h.svc.Import(ctx, "acme", data)
	if err != nil {
		t.Fatal(err)
	}
	if v.RemainingSeconds != 1800 || len(v.Answers) != 1 || h.svc.Live() != 1 {
		t.Fatalf("imported view: remaining %d answers %d live %d", v.RemainingSeconds, len(v.Answers), h.svc.Live())
	}

	// The first tick catches up the ten minutes since the snapshot.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.clk.Advance(time.Second)
		time.Sleep(5 * time.Millisecond)
		v, _ = h.svc.Get(ctx, snap.SessionID)
		if v.RemainingSeconds <= 1800-601 {
			return
		}
	}
	t.Fatalf("remaining = %d, downtime was not counted", v.RemainingSeconds)
}

func TestImportLegacySnapshot(t *testing.T) {
	h := newHarness(t)
	id := uuid.New()
	legacy := `{
		"sessionId": "` + id.String() + `",
		"userId": "u-3",
		"examId": "b2-first",
		"startTime": "2026-03-02T08:30:00Z",
		"lastActivity": "2026-03-02T08:50:00Z",
		"answers": {"q1": "A", "retired-question": "x"}
	}`

	v, err := h.svc.Import(context.Background(), "acme", []byte(legacy))
	if err != nil {
		t.Fatal(err)
	}
	if v.State != model.SessionStateInProgress || v.TenantID != "acme" {
		t.Fatalf("state %s tenant %q", v.State, v.TenantID)
	}
	if _, ok := v.Answers["retired-question"]; ok || v.Answers["q1"].Answer != "A" {
		t.Fatalf("answers = %+v", v.Answers)
	}
	if v.RemainingSeconds != 3600-20*60 {
		t.Fatalf("rebuilt timer remaining = %d", v.RemainingSeconds)
	}
}

func TestImportRejectsNewerSchema(t *testing.T) {
	h := newHarness(t)
	data := []byte(`{"schemaVersion": 9, "sessionId": "` + uuid.NewString() + `", "userId": "u", "examId": "b2-first"}`)
	if _, err := h.svc.Import(context.Background(), "acme", data); !errors.Is(err, model.ErrSnapshotUnsupported) {
		t.Fatalf("err = %v", err)
	}
}

func TestImportRejectsOutOfRangeTimer(t *testing.T) {
	tests := []struct {
		name  string
		timer model.TimerState
	}{
		{"remaining beyond duration", model.TimerState{IsRunning: true, DurationSeconds: 3600, TimeRemainingSeconds: 999999}},
		{"duration not the exam's", model.TimerState{IsRunning: true, DurationSeconds: 7200, TimeRemainingSeconds: 7000}},
		{"negative elapsed", model.TimerState{IsRunning: true, DurationSeconds: 3600, TimeRemainingSeconds: 3600, ElapsedSeconds: -60}},
		{"millis beyond duration", model.TimerState{IsRunning: true, DurationSeconds: 3600, TimeRemainingSeconds: 3600, TimeRemainingMillis: 3_600_001}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			timer := tt.timer
			snap := session.Snapshot{
				SchemaVersion: session.SnapshotSchemaVersion,
				SessionID:     uuid.New(),
				TenantID:      "acme",
				UserID:        "u-9",
				ExamID:        "b2-first",
				LastActivity:  t0,
				State:         model.SessionStateInProgress,
				Timer:         &timer,
			}
			data, _ := json.Marshal(snap)

			if _, err := h.svc.Import(context.Background(), "acme", data); !errors.Is(err, model.ErrValidation) {
				t.Fatalf("err = %v, want validation error", err)
			}
			if h.svc.Live() != 0 {
				t.Fatal("rejected snapshot became a live session")
			}
			if _, err := h.sessions.Get(context.Background(), snap.SessionID); !errors.Is(err, model.ErrNotFound) {
				t.Fatalf("rejected snapshot stored: %v", err)
			}
		})
	}
}

func TestRehydrateOwnsLiveSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i, state := range []model.SessionState{model.SessionStateInProgress, model.SessionStatePaused, model.SessionStateCompleted} {
		started := t0.Add(-5 * time.Minute)
		_ = h.sessions.Put(ctx, &model.Session{
			ID:              uuid.New(),
			TenantID:        "acme",
			UserID:          "u-" + string(rune('a'+i)),
			ExamID:          "b2-first",
			State:           state,
			StartedAt:       &started,
			LastActivity:    t0,
			DurationSeconds: 3600,
			Timer:           model.TimerState{IsRunning: true, IsPaused: state == model.SessionStatePaused, DurationSeconds: 3600, TimeRemainingSeconds: 3300, ElapsedSeconds: 300},
			Answers:         map[string]model.AnswerRecord{},
			UpdatedAt:       t0,
		})
	}

	n, err := h.svc.Rehydrate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || h.svc.Live() != 2 {
		t.Fatalf("rehydrated %d, live %d; want 2", n, h.svc.Live())
	}
}

func TestUnknownSession(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.Pause(context.Background(), uuid.New()); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}
