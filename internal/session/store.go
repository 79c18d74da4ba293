// Package session drives a single exam session: its persisted record, its
// snapshot format and the state machine that coordinates timer and progress.
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
)

// Repository is the canonical session storage.
type Repository interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Session, error)
	Put(ctx context.Context, s *model.Session) error
	UpdateStatus(ctx context.Context, id uuid.UUID, state model.SessionState, fields model.SessionStatusFields) error
}

// AnswerJournal receives every accepted answer for incremental persistence.
type AnswerJournal interface {
	Append(ctx context.Context, sessionID uuid.UUID, questionID string, rec model.AnswerRecord) error
}

// Store owns the authoritative in-memory record of one session and keeps the
// repository in step with it.
type Store struct {
	mu      sync.Mutex
	writeMu sync.Mutex // orders repository writes
	repo    Repository
	journal AnswerJournal
	clk     clock.Clock
	log     zerolog.Logger

	rec       *model.Session
	version   uint64
	saved     uint64
	lastSaved time.Time
}

// NewStore creates a new Store around an already persisted record.
// journal may be nil, in which case answers are written with Put.
func NewStore(repo Repository, journal AnswerJournal, rec *model.Session, clk clock.Clock, log zerolog.Logger) *Store {
	if rec.Answers == nil {
		rec.Answers = make(map[string]model.AnswerRecord)
	}
	return &Store{
		repo:    repo,
		journal: journal,
		clk:     clk,
		log:     log.With().Str("component", "session_store").Str("session_id", rec.ID.String()).Logger(),
		rec:     rec.Clone(),
	}
}

// Snapshot returns a deep copy of the current record.
func (s *Store) Snapshot() *model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Clone()
}

// State returns the current session state.
func (s *Store) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.State
}

// Dirty reports whether the record has changes not yet written.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version != s.saved
}

// LastSaved returns when the record was last written in full.
func (s *Store) LastSaved() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSaved
}

// Mutate applies fn to a copy of the record and writes it in full. The
// in-memory record only changes when the write succeeds.
func (s *Store) Mutate(ctx context.Context, fn func(*model.Session) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.rec.Clone()
	if err := fn(next); err != nil {
		return err
	}
	next.UpdatedAt = s.clk.Now()
	if err := s.repo.Put(ctx, next); err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	s.rec = next
	s.version++
	s.saved = s.version
	s.lastSaved = next.UpdatedAt
	return nil
}

// Transition moves the record to state with a single status write. Fields
// the status write does not carry are left dirty for the next autosave.
func (s *Store) Transition(ctx context.Context, state model.SessionState, fn func(*model.Session)) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.rec.Clone()
	if fn != nil {
		fn(next)
	}
	next.State = state
	next.UpdatedAt = s.clk.Now()

	fields := model.SessionStatusFields{
		FinishedAt:   next.FinishedAt,
		Result:       next.Result,
		LastActivity: &next.LastActivity,
	}
	if err := s.repo.UpdateStatus(ctx, next.ID, state, fields); err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	s.rec = next
	s.version++
	return nil
}

// RecordAnswer stores an accepted answer in memory and writes it right away.
// A failed write is logged and left for autosave; the answer is kept.
func (s *Store) RecordAnswer(ctx context.Context, questionID string, rec model.AnswerRecord, fn func(*model.Session)) {
	s.mu.Lock()
	s.rec.Answers[questionID] = rec
	if fn != nil {
		fn(s.rec)
	}
	s.rec.UpdatedAt = s.clk.Now()
	s.version++
	id := s.rec.ID
	s.mu.Unlock()

	if s.journal != nil {
		if err := s.journal.Append(ctx, id, questionID, rec); err != nil {
			s.log.Warn().Err(err).Str("question_id", questionID).Msg("Answer journal append failed, deferring to autosave")
		}
		return
	}
	if _, err := s.Autosave(ctx); err != nil {
		s.log.Warn().Err(err).Str("question_id", questionID).Msg("Immediate answer write failed, deferring to autosave")
	}
}

// Stage applies fn in memory only and marks the record dirty.
func (s *Store) Stage(fn func(*model.Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.rec)
	s.rec.UpdatedAt = s.clk.Now()
	s.version++
}

// Autosave writes the record when it changed since the last write. Answers
// and staged changes can still be applied while the write is in flight.
func (s *Store) Autosave(ctx context.Context) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.version == s.saved {
		s.mu.Unlock()
		return false, nil
	}
	snap := s.rec.Clone()
	version := s.version
	s.mu.Unlock()

	if err := s.repo.Put(ctx, snap); err != nil {
		return false, fmt.Errorf("autosave session: %w", err)
	}

	s.mu.Lock()
	if version > s.saved {
		s.saved = version
		s.lastSaved = s.clk.Now()
	}
	s.mu.Unlock()
	return true, nil
}

// RunAutosave saves on every interval until ctx is done. Failures are logged.
func (s *Store) RunAutosave(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := s.clk.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			saved, err := s.Autosave(ctx)
			if err != nil {
				s.log.Error().Err(err).Msg("Autosave failed")
				continue
			}
			if saved {
				s.log.Debug().Msg("Autosaved")
			}
		}
	}
}
