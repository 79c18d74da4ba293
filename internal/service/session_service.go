package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-certify/internal/clock"
	"github.com/stemsi/exstem-certify/internal/config"
	"github.com/stemsi/exstem-certify/internal/model"
	"github.com/stemsi/exstem-certify/internal/progress"
	"github.com/stemsi/exstem-certify/internal/session"
	"github.com/stemsi/exstem-certify/internal/timer"
	"golang.org/x/sync/singleflight"
)

// ExamSource resolves exam configurations by id.
type ExamSource interface {
	Get(id string) (*model.ExamConfig, error)
}

// SessionView is a session as returned to clients.
type SessionView struct {
	*model.Session
	Progress         progress.Progress `json:"progress"`
	RemainingSeconds int               `json:"remaining_seconds"`
	Remaining        string            `json:"remaining"`
}

// SessionServiceConfig tunes the live sessions a SessionService runs.
type SessionServiceConfig struct {
	TickInterval     time.Duration
	AutosaveInterval time.Duration
}

// SessionService is the entry point for everything a candidate does with a
// session. It owns one state machine per live session and runs its clock.
type SessionService struct {
	store    SessionStore
	journal  session.AnswerJournal
	exams    ExamSource
	enqueuer session.Enqueuer
	clk      clock.Clock
	cfg      SessionServiceConfig
	log      zerolog.Logger

	mu     sync.Mutex
	live   map[uuid.UUID]*session.Machine
	starts singleflight.Group
	loads  singleflight.Group

	runCtx  context.Context
	stopRun context.CancelFunc
	wg      sync.WaitGroup
}

// NewSessionService creates a new SessionService. journal and enqueuer may be nil.
func NewSessionService(
	store SessionStore,
	journal session.AnswerJournal,
	exams ExamSource,
	enqueuer session.Enqueuer,
	clk clock.Clock,
	cfg SessionServiceConfig,
	log zerolog.Logger,
) *SessionService {
	if clk == nil {
		clk = clock.Real()
	}
	runCtx, stop := context.WithCancel(context.Background())
	return &SessionService{
		store:    store,
		journal:  journal,
		exams:    exams,
		enqueuer: enqueuer,
		clk:      clk,
		cfg:      cfg,
		log:      log.With().Str("component", "session_service").Logger(),
		live:     make(map[uuid.UUID]*session.Machine),
		runCtx:   runCtx,
		stopRun:  stop,
	}
}

// Start begins the candidate's session for an exam. A candidate with a live
// session for the exam gets that session back instead of a new one.
func (s *SessionService) Start(ctx context.Context, req model.StartSessionRequest) (*SessionView, error) {
	exam, err := s.exams.Get(req.ExamID)
	if err != nil {
		return nil, err
	}

	key := config.CacheKey.ActiveSessionKey(req.TenantID, req.UserID, req.ExamID)
	v, err, _ := s.starts.Do(key, func() (any, error) {
		// 1. Resume the live session, if any.
		existing, err := s.store.FindActive(ctx, req.TenantID, req.UserID, req.ExamID)
		switch {
		case err == nil:
			return s.machine(ctx, existing.ID)
		case !errors.Is(err, model.ErrNotFound):
			return nil, fmt.Errorf("find active session: %w", err)
		}

		// 2. Create a fresh record.
		now := s.clk.Now()
		rec := &model.Session{
			ID:              uuid.New(),
			TenantID:        req.TenantID,
			UserID:          req.UserID,
			ExamID:          exam.ID,
			CourseID:        req.CourseID,
			State:           model.SessionStateCreated,
			LastActivity:    now,
			DurationSeconds: exam.DurationSeconds,
			Answers:         make(map[string]model.AnswerRecord),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if rec.CourseID == "" {
			rec.CourseID = exam.CourseID
		}
		if err := s.store.Put(ctx, rec); err != nil {
			if errors.Is(err, model.ErrActiveSessionExists) {
				// Lost a race with another instance; use the winner.
				winner, findErr := s.store.FindActive(ctx, req.TenantID, req.UserID, req.ExamID)
				if findErr != nil {
					return nil, fmt.Errorf("concurrent start detected, but fetch failed: %w", findErr)
				}
				return s.machine(ctx, winner.ID)
			}
			return nil, fmt.Errorf("create session: %w", err)
		}
		return s.register(rec, exam), nil
	})
	if err != nil {
		return nil, err
	}

	// 3. Start the clock. Only a created session starts; callers that lost
	// the race resume the live one.
	m := v.(*session.Machine)
	err = m.Start(ctx)
	var stateErr *model.InvalidSessionStateError
	switch {
	case errors.As(err, &stateErr) && stateErr.Current.IsLive():
		return view(m), nil
	case err != nil:
		return nil, err
	}
	s.log.Info().
		Str("session_id", m.ID().String()).
		Str("user_id", req.UserID).
		Str("exam_id", req.ExamID).
		Msg("Session started")
	return view(m), nil
}

// Get returns the current view of a session.
func (s *SessionService) Get(ctx context.Context, id uuid.UUID) (*SessionView, error) {
	m, err := s.machine(ctx, id)
	if err != nil {
		return nil, err
	}
	return view(m), nil
}

// SubmitAnswer records an answer. A zero submittedAt means now.
func (s *SessionService) SubmitAnswer(ctx context.Context, id uuid.UUID, req model.SubmitAnswerRequest) (progress.Update, error) {
	m, err := s.machine(ctx, id)
	if err != nil {
		return progress.Update{}, err
	}
	at := s.clk.Now()
	if req.SubmittedAt != nil && !req.SubmittedAt.IsZero() {
		at = *req.SubmittedAt
	}
	return m.SubmitAnswer(ctx, req.QuestionID, req.Answer, at)
}

// Pause suspends the session timer.
func (s *SessionService) Pause(ctx context.Context, id uuid.UUID) (*SessionView, error) {
	return s.apply(ctx, id, (*session.Machine).Pause)
}

// Resume continues a paused session.
func (s *SessionService) Resume(ctx context.Context, id uuid.UUID) (*SessionView, error) {
	return s.apply(ctx, id, (*session.Machine).Resume)
}

// Abandon ends the session without a result.
func (s *SessionService) Abandon(ctx context.Context, id uuid.UUID) (*SessionView, error) {
	return s.apply(ctx, id, (*session.Machine).Abandon)
}

// Finish submits the session and returns its result.
func (s *SessionService) Finish(ctx context.Context, id uuid.UUID) (*model.SessionResult, error) {
	m, err := s.machine(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.Finish(ctx)
}

// Export returns the portable snapshot of a session.
func (s *SessionService) Export(ctx context.Context, id uuid.UUID) (*session.Snapshot, error) {
	m, err := s.machine(ctx, id)
	if err != nil {
		return nil, err
	}
	snap := m.Export()
	return &snap, nil
}

// Import resumes a session from an exported snapshot on behalf of tenantID.
// When the session is already stored, the stored record wins and the
// snapshot is ignored.
func (s *SessionService) Import(ctx context.Context, tenantID string, data []byte) (*SessionView, error) {
	snap, err := session.DecodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	switch {
	case tenantID == "":
		return nil, model.NewValidationError("tenant_id", "is required")
	case snap.TenantID == "":
		// Unversioned snapshots predate tenants.
		snap.TenantID = tenantID
	case snap.TenantID != tenantID:
		return nil, model.NewValidationError("tenantId", "does not match the importing tenant")
	}

	if stored, err := s.store.Get(ctx, snap.SessionID); err == nil {
		if stored.TenantID != tenantID {
			return nil, fmt.Errorf("session %s: %w", snap.SessionID, model.ErrNotFound)
		}
		s.log.Info().Str("session_id", snap.SessionID.String()).Msg("Snapshot ignored, session already stored")
		return s.Get(ctx, snap.SessionID)
	} else if !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("check stored session: %w", err)
	}

	exam, err := s.exams.Get(snap.ExamID)
	if err != nil {
		return nil, err
	}
	if err := snap.ValidateFor(exam); err != nil {
		return nil, err
	}

	rec := snap.Session(exam)
	now := s.clk.Now()
	if rec.Timer.DurationSeconds == 0 && rec.State.IsLive() {
		rec.Timer = rebuildTimer(exam, rec)
	}
	if rec.LastActivity.IsZero() {
		rec.LastActivity = now
	}
	rec.CreatedAt = now
	// Downtime since the snapshot was taken counts against the timer.
	rec.UpdatedAt = rec.LastActivity

	if err := s.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("store imported session: %w", err)
	}
	s.log.Info().
		Str("session_id", rec.ID.String()).
		Str("state", string(rec.State)).
		Int("answers", len(rec.Answers)).
		Msg("Session imported")

	if rec.State.IsTerminal() {
		return s.Get(ctx, rec.ID)
	}
	return view(s.register(rec, exam)), nil
}

// Subscribe streams the events of a live session.
func (s *SessionService) Subscribe(ctx context.Context, id uuid.UUID, buffer int) (<-chan session.Event, func(), error) {
	m, err := s.machine(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := m.Subscribe(buffer)
	return ch, cancel, nil
}

// Autosave writes the session record now if it has unsaved changes.
func (s *SessionService) Autosave(ctx context.Context, id uuid.UUID) (bool, error) {
	m, err := s.machine(ctx, id)
	if err != nil {
		return false, err
	}
	return m.Autosave(ctx)
}

// Rehydrate takes ownership of every live session in the store, for use
// after a restart. Sessions whose time ran out meanwhile end on their first tick.
func (s *SessionService) Rehydrate(ctx context.Context) (int, error) {
	ids, err := s.store.ListLive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list live sessions: %w", err)
	}
	n := 0
	for _, id := range ids {
		if _, err := s.machine(ctx, id); err != nil {
			s.log.Error().Err(err).Str("session_id", id.String()).Msg("Failed to rehydrate session")
			continue
		}
		n++
	}
	s.log.Info().Int("sessions", n).Msg("Live sessions rehydrated")
	return n, nil
}

// Shutdown stops every session clock, saves what is unsaved and waits for
// pending scoring hand-offs.
func (s *SessionService) Shutdown(ctx context.Context) error {
	s.stopRun()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info().Msg("Session service stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session service shutdown: %w", ctx.Err())
	}
}

// ─── Live session registry ──────────────────────────────────────────────

func (s *SessionService) apply(ctx context.Context, id uuid.UUID, op func(*session.Machine, context.Context) error) (*SessionView, error) {
	m, err := s.machine(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := op(m, ctx); err != nil {
		return nil, err
	}
	return view(m), nil
}

// machine returns the live machine of a session, loading it from the store
// when this instance does not own it yet.
func (s *SessionService) machine(ctx context.Context, id uuid.UUID) (*session.Machine, error) {
	s.mu.Lock()
	m, ok := s.live[id]
	s.mu.Unlock()
	if ok {
		return m, nil
	}

	v, err, _ := s.loads.Do(id.String(), func() (any, error) {
		s.mu.Lock()
		m, ok := s.live[id]
		s.mu.Unlock()
		if ok {
			return m, nil
		}

		rec, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		exam, err := s.exams.Get(rec.ExamID)
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", id, err)
		}
		return s.register(rec, exam), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*session.Machine), nil
}

// register builds a machine for rec. Sessions that can still change are
// kept in the registry and their clock runs until they end or the service stops.
func (s *SessionService) register(rec *model.Session, exam *model.ExamConfig) *session.Machine {
	store := session.NewStore(s.store, s.journal, rec, s.clk, s.log)
	m := session.New(session.Config{
		Exam:             exam,
		Store:            store,
		Clock:            s.clk,
		Enqueuer:         s.enqueuer,
		Logger:           s.log,
		TickInterval:     s.cfg.TickInterval,
		AutosaveInterval: s.cfg.AutosaveInterval,
	})
	if rec.State.IsTerminal() {
		return m
	}

	s.mu.Lock()
	if existing, ok := s.live[rec.ID]; ok {
		s.mu.Unlock()
		return existing
	}
	s.live[rec.ID] = m
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		m.Run(s.runCtx)
		m.Wait()

		s.mu.Lock()
		delete(s.live, rec.ID)
		s.mu.Unlock()
	}()
	return m
}

// Live reports how many sessions this instance currently drives.
func (s *SessionService) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

func view(m *session.Machine) *SessionView {
	remaining := m.Remaining()
	return &SessionView{
		Session:          m.Session(),
		Progress:         m.Progress(),
		RemainingSeconds: int(remaining / time.Second),
		Remaining:        timer.Format(remaining),
	}
}

// rebuildTimer reconstructs the timer of a live session whose snapshot did
// not carry one, from its start time and last activity. At least one second
// is left so the session ends through its own clock.
func rebuildTimer(exam *model.ExamConfig, rec *model.Session) model.TimerState {
	t := timer.New(exam.Warnings)
	duration := time.Duration(exam.DurationSeconds) * time.Second
	t.Start(duration)

	if rec.StartedAt != nil && rec.LastActivity.After(*rec.StartedAt) {
		used := rec.LastActivity.Sub(*rec.StartedAt) - time.Duration(rec.PausedSeconds)*time.Second
		used = min(used, duration-time.Second)
		t.Advance(used)
	}
	if rec.State == model.SessionStatePaused {
		t.Pause()
	}
	return t.State()
}
