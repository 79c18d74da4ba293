package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-certify/internal/clock"
	"github.com/stemsi/exstem-certify/internal/model"
	"github.com/stemsi/exstem-certify/internal/progress"
	"github.com/stemsi/exstem-certify/internal/scoring"
	"github.com/stemsi/exstem-certify/internal/timer"
)

// Enqueuer hands AI-scored components of a finished session to the scoring pipeline.
type Enqueuer interface {
	EnqueueSession(ctx context.Context, s *model.Session, exam *model.ExamConfig, subs []scoring.Submission) error
}

// transitions lists every legal state change. Anything else is rejected.
var transitions = map[model.SessionState][]model.SessionState{
	model.SessionStateCreated:    {model.SessionStateInProgress, model.SessionStateAbandoned},
	model.SessionStateInProgress: {model.SessionStatePaused, model.SessionStateCompleted, model.SessionStateAbandoned, model.SessionStateExpired},
	model.SessionStatePaused:     {model.SessionStateInProgress, model.SessionStateAbandoned, model.SessionStateExpired},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to model.SessionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

const enqueueTimeout = 30 * time.Second

// Config wires a Machine.
type Config struct {
	Exam     *model.ExamConfig
	Store    *Store
	Clock    clock.Clock
	Enqueuer Enqueuer
	Logger   zerolog.Logger

	TickInterval     time.Duration
	AutosaveInterval time.Duration
}

// Machine is the state machine of one exam session. All operations are
// serialized; a state change is a compare-and-swap on the current state.
type Machine struct {
	mu       sync.Mutex
	id       uuid.UUID
	exam     *model.ExamConfig
	store    *Store
	clk      clock.Clock
	enqueuer Enqueuer
	log      zerolog.Logger
	events   *broadcaster

	timer    *timer.Timer
	tracker  *progress.Tracker
	lastTick time.Time
	pausedAt time.Time

	tickInterval     time.Duration
	autosaveInterval time.Duration

	done     chan struct{}
	doneOnce sync.Once
	bg       sync.WaitGroup
}

// New creates a Machine for the record held by cfg.Store. A record that is
// already in progress resumes where its persisted timer left off.
func New(cfg Config) *Machine {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}

	rec := cfg.Store.Snapshot()
	log := cfg.Logger.With().
		Str("component", "session_machine").
		Str("session_id", rec.ID.String()).
		Logger()

	m := &Machine{
		id:               rec.ID,
		exam:             cfg.Exam,
		store:            cfg.Store,
		clk:              clk,
		enqueuer:         cfg.Enqueuer,
		log:              log,
		events:           newBroadcaster(log),
		tracker:          progress.NewTracker(cfg.Exam, clk),
		tickInterval:     cfg.TickInterval,
		autosaveInterval: cfg.AutosaveInterval,
		done:             make(chan struct{}),
	}

	if rec.Timer.DurationSeconds > 0 {
		m.timer = timer.Restore(rec.Timer)
	} else {
		m.timer = timer.New(cfg.Exam.Warnings)
	}

	answered := make([]string, 0, len(rec.Answers))
	for qid := range rec.Answers {
		answered = append(answered, qid)
	}
	m.tracker.Restore(answered)

	now := clk.Now()
	m.lastTick = now
	switch rec.State {
	case model.SessionStateInProgress:
		// Time that passed while nobody owned the session still counts.
		if !rec.UpdatedAt.IsZero() && rec.UpdatedAt.Before(now) {
			m.lastTick = rec.UpdatedAt
		}
		if rec.CurrentQuestionID != "" {
			_ = m.tracker.StartQuestionTimer(rec.CurrentQuestionID)
		}
	case model.SessionStatePaused:
		m.pausedAt = rec.LastActivity
	}
	if rec.State.IsTerminal() {
		m.closeDone()
	}
	return m
}

// ID returns the session id.
func (m *Machine) ID() uuid.UUID { return m.id }

// Exam returns the exam configuration the session runs.
func (m *Machine) Exam() *model.ExamConfig { return m.exam }

// Session returns a copy of the current record.
func (m *Machine) Session() *model.Session {
	return m.store.Snapshot()
}

// Progress returns overall answer progress.
func (m *Machine) Progress() progress.Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracker.OverallProgress()
}

// SectionProgress returns answer progress for one section.
func (m *Machine) SectionProgress(sectionID string) (progress.Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracker.SectionProgress(sectionID)
}

// Remaining returns the time left on the session timer.
func (m *Machine) Remaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer.Remaining()
}

// Export returns the resumption snapshot of the session.
func (m *Machine) Export() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return NewSnapshot(m.store.Snapshot(), m.tracker.OverallProgress())
}

// Subscribe registers for session events. Events arrive in the order they
// happened; the channel is closed on cancel or when the session ends.
func (m *Machine) Subscribe(buffer int) (<-chan Event, func()) {
	return m.events.subscribe(buffer)
}

// Done is closed once the session reaches a terminal state.
func (m *Machine) Done() <-chan struct{} { return m.done }

// Wait blocks until background scoring hand-offs have finished.
func (m *Machine) Wait() { m.bg.Wait() }

// Autosave writes unsaved changes now instead of at the next interval.
func (m *Machine) Autosave(ctx context.Context) (bool, error) { return m.store.Autosave(ctx) }

// ─── Transitions ────────────────────────────────────────────────────────

// Start moves a created session to in_progress and starts its timer.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.store.State()
	if from != model.SessionStateCreated {
		return &model.InvalidSessionStateError{Op: "start", Current: from, Requested: model.SessionStateInProgress}
	}

	now := m.clk.Now()
	t := timer.New(m.exam.Warnings)
	t.Start(time.Duration(m.exam.DurationSeconds) * time.Second)

	first := m.firstQuestion()
	err := m.store.Mutate(ctx, func(s *model.Session) error {
		if s.State != from {
			return &model.InvalidSessionStateError{Op: "start", Current: s.State, Requested: model.SessionStateInProgress}
		}
		s.State = model.SessionStateInProgress
		s.StartedAt = &now
		s.LastActivity = now
		s.DurationSeconds = m.exam.DurationSeconds
		s.Answers = make(map[string]model.AnswerRecord)
		s.Timer = t.State()
		if first != nil {
			s.CurrentSectionID = first.Section.ID
			s.CurrentQuestionID = first.Question.ID
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.timer = t
	m.lastTick = now
	if first != nil {
		_ = m.tracker.StartQuestionTimer(first.Question.ID)
	}
	m.publishState(from, model.SessionStateInProgress, "")
	m.log.Info().Int("duration_seconds", m.exam.DurationSeconds).Msg("Session started")
	return nil
}

// SubmitAnswer records an answer while the session is in progress. Answers
// are ordered by submission time: an older submission than the stored one
// is acknowledged without changing anything.
func (m *Machine) SubmitAnswer(ctx context.Context, questionID, answer string, submittedAt time.Time) (progress.Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur := m.store.State(); cur != model.SessionStateInProgress {
		return progress.Update{}, &model.InvalidSessionStateError{Op: "submit_answer", Current: cur}
	}
	if submittedAt.IsZero() {
		submittedAt = m.clk.Now()
	}

	wasComplete := m.tracker.IsComplete()
	update, err := m.tracker.RecordAnswer(questionID, answer)
	if err != nil {
		return progress.Update{}, err
	}

	if prev, ok := m.store.Snapshot().Answers[questionID]; ok && prev.SubmittedAt.After(submittedAt) {
		m.log.Debug().Str("question_id", questionID).Msg("Stale answer ignored")
		return update, nil
	}

	now := m.clk.Now()
	_, _ = m.tracker.StopQuestionTimer(questionID)
	if update.NextQuestionID != "" {
		_ = m.tracker.StartQuestionTimer(update.NextQuestionID)
	}

	rec := model.AnswerRecord{Answer: answer, SubmittedAt: submittedAt}
	m.store.RecordAnswer(ctx, questionID, rec, func(s *model.Session) {
		s.LastActivity = now
		s.CurrentSectionID = update.SectionID
		s.CurrentQuestionID = questionID
		if update.NextQuestionID != "" {
			s.CurrentQuestionID = update.NextQuestionID
		}
	})

	m.events.publish(Event{
		Type:             EventAnswerSaved,
		SessionID:        m.sessionID(),
		At:               now,
		Progress:         &update,
		RemainingSeconds: m.remainingSeconds(),
	})
	if !wasComplete && m.tracker.IsComplete() {
		m.events.publish(Event{
			Type:             EventProgressComplete,
			SessionID:        m.sessionID(),
			At:               now,
			Progress:         &update,
			RemainingSeconds: m.remainingSeconds(),
		})
	}
	return update, nil
}

// Pause suspends the timer. Exams that disallow pausing reject it.
func (m *Machine) Pause(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.store.State()
	if !m.exam.AllowPause {
		return fmt.Errorf("pause exam %s: %w", m.exam.ID, model.ErrPauseNotAllowed)
	}
	if from != model.SessionStateInProgress {
		return &model.InvalidSessionStateError{Op: "pause", Current: from, Requested: model.SessionStatePaused}
	}

	now := m.clk.Now()
	if err := m.advanceLocked(ctx, now); err != nil {
		return err
	}
	if m.store.State() != model.SessionStateInProgress {
		// The catch-up tick finished the session.
		return &model.InvalidSessionStateError{Op: "pause", Current: m.store.State(), Requested: model.SessionStatePaused}
	}

	t := m.timer.Clone()
	t.Pause()
	err := m.transition(ctx, "pause", from, model.SessionStatePaused, func(s *model.Session) {
		s.LastActivity = now
		s.Timer = t.State()
	})
	if err != nil {
		return err
	}
	m.timer = t
	m.pausedAt = now
	m.tracker.StopAllQuestionTimers()
	return nil
}

// Resume continues a paused session. A pause longer than the exam allows
// expires the session instead.
func (m *Machine) Resume(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.store.State()
	if from != model.SessionStatePaused {
		return &model.InvalidSessionStateError{Op: "resume", Current: from, Requested: model.SessionStateInProgress}
	}

	now := m.clk.Now()
	if m.pauseExceeded(now) {
		if err := m.terminateLocked(ctx, "resume", model.SessionStateExpired, "pause_limit_exceeded"); err != nil {
			return err
		}
		return &model.InvalidSessionStateError{Op: "resume", Current: model.SessionStateExpired, Requested: model.SessionStateInProgress}
	}

	paused := int(now.Sub(m.pausedAt).Seconds())
	t := m.timer.Clone()
	t.Resume()
	err := m.transition(ctx, "resume", from, model.SessionStateInProgress, func(s *model.Session) {
		s.LastActivity = now
		s.PausedSeconds += paused
		s.Timer = t.State()
	})
	if err != nil {
		return err
	}
	m.timer = t
	m.lastTick = now
	m.pausedAt = time.Time{}
	if q := m.store.Snapshot().CurrentQuestionID; q != "" {
		_ = m.tracker.StartQuestionTimer(q)
	}
	return nil
}

// Finish completes the session. Deterministic questions are graded right
// away; AI-scored answers are handed to the scoring pipeline in the
// background. Finishing a completed session returns the stored result.
func (m *Machine) Finish(ctx context.Context) (*model.SessionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec := m.store.Snapshot(); rec.State == model.SessionStateCompleted && rec.Result != nil {
		return rec.Result, nil
	}
	return m.finishLocked(ctx, model.FinishReasonSubmitted)
}

// Abandon ends the session without a result.
func (m *Machine) Abandon(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminateLocked(ctx, "abandon", model.SessionStateAbandoned, "abandoned")
}

// Expire ends a session whose allowed window has passed.
func (m *Machine) Expire(ctx context.Context, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminateLocked(ctx, "expire", model.SessionStateExpired, reason)
}

// ─── Clock ──────────────────────────────────────────────────────────────

// Tick pushes the clock time elapsed since the previous tick into the timer.
// Pausing only stops the countdown; ticks keep their cadence.
func (m *Machine) Tick(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	switch m.store.State() {
	case model.SessionStateInProgress:
		return m.advanceLocked(ctx, now)
	case model.SessionStatePaused:
		m.lastTick = now
		if m.pauseExceeded(now) {
			return m.terminateLocked(ctx, "expire", model.SessionStateExpired, "pause_limit_exceeded")
		}
	}
	return nil
}

// Run ticks the session and autosaves it until ctx is done or the session
// ends. A final save is attempted on the way out.
func (m *Machine) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.store.RunAutosave(runCtx, m.autosaveInterval)
	}()

	ticker := m.clk.NewTicker(m.tickInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-m.done:
			break loop
		case <-ticker.C():
			if err := m.Tick(ctx); err != nil {
				m.log.Error().Err(err).Msg("Tick failed")
			}
		}
	}

	cancel()
	wg.Wait()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if _, err := m.store.Autosave(flushCtx); err != nil {
		m.log.Error().Err(err).Msg("Final save failed")
	}
}

// ─── Internals (m.mu held) ──────────────────────────────────────────────

func (m *Machine) advanceLocked(ctx context.Context, now time.Time) error {
	elapsed := now.Sub(m.lastTick)
	m.lastTick = now
	if elapsed <= 0 {
		return nil
	}

	events := m.timer.Advance(elapsed)
	state := m.timer.State()
	m.store.Stage(func(s *model.Session) { s.Timer = state })

	for i := range events {
		ev := events[i]
		switch ev.Kind {
		case timer.EventWarning:
			m.log.Info().Int("minutes_remaining", ev.MinutesRemaining).Msg("Timer warning")
			m.events.publish(Event{
				Type:             EventTimerWarning,
				SessionID:        m.sessionID(),
				At:               now,
				Timer:            &ev,
				RemainingSeconds: m.remainingSeconds(),
			})
		case timer.EventExpired:
			m.events.publish(Event{
				Type:      EventTimerExpired,
				SessionID: m.sessionID(),
				At:        now,
				Timer:     &ev,
			})
			if _, err := m.finishLocked(ctx, model.FinishReasonTimeExpired); err != nil {
				return fmt.Errorf("finish on expiry: %w", err)
			}
		}
	}
	return nil
}

func (m *Machine) finishLocked(ctx context.Context, reason model.FinishReason) (*model.SessionResult, error) {
	from := m.store.State()
	if !CanTransition(from, model.SessionStateCompleted) {
		return nil, &model.InvalidSessionStateError{Op: "finish", Current: from, Requested: model.SessionStateCompleted}
	}

	now := m.clk.Now()
	t := m.timer.Clone()
	t.Stop()

	rec := m.store.Snapshot()
	partial, awarded := scoring.GradeObjective(m.exam, rec.Answers)
	subs := scoring.AISubmissions(m.exam, rec.Answers)
	result := &model.SessionResult{
		ResultID:          uuid.New(),
		Partial:           partial,
		PendingComponents: len(subs),
		Reason:            reason,
		FinishedAt:        now,
	}

	err := m.transition(ctx, "finish", from, model.SessionStateCompleted, func(s *model.Session) {
		for qid, pts := range awarded {
			a := s.Answers[qid]
			p := pts
			a.Score = &p
			s.Answers[qid] = a
		}
		s.Timer = t.State()
		s.FinishedAt = &now
		s.Result = result
		s.LastActivity = now
	})
	if err != nil {
		return nil, err
	}
	m.timer = t
	m.tracker.StopAllQuestionTimers()
	m.flush(ctx)

	m.log.Info().
		Str("reason", string(reason)).
		Float64("partial_percentage", partial.Percentage).
		Int("pending_components", len(subs)).
		Msg("Session finished")

	if len(subs) > 0 && m.enqueuer != nil {
		final := m.store.Snapshot()
		m.bg.Add(1)
		go func() {
			defer m.bg.Done()
			ectx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
			defer cancel()
			if err := m.enqueuer.EnqueueSession(ectx, final, m.exam, subs); err != nil {
				m.log.Error().Err(err).Int("components", len(subs)).Msg("Failed to enqueue scoring")
			}
		}()
	}

	m.closeDone()
	return result, nil
}

func (m *Machine) terminateLocked(ctx context.Context, op string, to model.SessionState, reason string) error {
	from := m.store.State()
	if !CanTransition(from, to) {
		return &model.InvalidSessionStateError{Op: op, Current: from, Requested: to}
	}

	now := m.clk.Now()
	t := m.timer.Clone()
	t.Stop()
	paused := 0
	if from == model.SessionStatePaused && !m.pausedAt.IsZero() {
		paused = int(now.Sub(m.pausedAt).Seconds())
	}

	err := m.transitionReason(ctx, op, from, to, reason, func(s *model.Session) {
		s.Timer = t.State()
		s.FinishedAt = &now
		s.LastActivity = now
		s.PausedSeconds += paused
	})
	if err != nil {
		return err
	}
	m.timer = t
	m.tracker.StopAllQuestionTimers()
	m.flush(ctx)
	m.log.Info().Str("state", string(to)).Str("reason", reason).Msg("Session ended")
	m.closeDone()
	return nil
}

func (m *Machine) transition(ctx context.Context, op string, from, to model.SessionState, fn func(*model.Session)) error {
	return m.transitionReason(ctx, op, from, to, "", fn)
}

func (m *Machine) transitionReason(ctx context.Context, op string, from, to model.SessionState, reason string, fn func(*model.Session)) error {
	if cur := m.store.State(); cur != from || !CanTransition(from, to) {
		return &model.InvalidSessionStateError{Op: op, Current: cur, Requested: to}
	}
	if err := m.store.Transition(ctx, to, fn); err != nil {
		m.log.Error().Err(err).Str("from", string(from)).Str("to", string(to)).Msg("Transition not persisted")
		return fmt.Errorf("%s session: %w", op, err)
	}
	if reason == "" && to == model.SessionStateCompleted {
		if res := m.store.Snapshot().Result; res != nil {
			reason = string(res.Reason)
		}
	}
	m.publishState(from, to, reason)
	return nil
}

func (m *Machine) publishState(from, to model.SessionState, reason string) {
	m.events.publish(Event{
		Type:             EventStateChanged,
		SessionID:        m.sessionID(),
		At:               m.clk.Now(),
		From:             from,
		To:               to,
		Reason:           reason,
		RemainingSeconds: m.remainingSeconds(),
	})
}

// flush writes fields a status-only transition left behind. Failure is
// logged; autosave or the final save retries it.
func (m *Machine) flush(ctx context.Context) {
	if _, err := m.store.Autosave(ctx); err != nil {
		m.log.Warn().Err(err).Msg("Post-transition save failed")
	}
}

func (m *Machine) pauseExceeded(now time.Time) bool {
	if m.exam.MaxPauseSeconds <= 0 || m.pausedAt.IsZero() {
		return false
	}
	return now.Sub(m.pausedAt) > time.Duration(m.exam.MaxPauseSeconds)*time.Second
}

func (m *Machine) firstQuestion() *model.QuestionRef {
	for _, s := range m.exam.Sections {
		for _, p := range s.Parts {
			if len(p.Questions) > 0 {
				ref, ok := m.exam.FindQuestion(p.Questions[0].ID)
				if ok {
					return &ref
				}
			}
		}
	}
	return nil
}

func (m *Machine) sessionID() uuid.UUID { return m.id }

func (m *Machine) remainingSeconds() int { return int(m.timer.Remaining() / time.Second) }

func (m *Machine) closeDone() {
	m.doneOnce.Do(func() {
		close(m.done)
		m.events.close()
	})
}
