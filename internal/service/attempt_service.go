package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-certify/internal/model"
	"github.com/stemsi/exstem-certify/internal/scoring"
)

// AttemptRepo persists scoring attempts.
type AttemptRepo interface {
	Create(ctx context.Context, a *model.ScoringAttempt) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.ScoringAttempt, error)
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.ScoringAttempt, error)
}

// JobEnqueuer pushes scoring jobs onto the work queue.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, job model.ScoringJob) error
}

// SessionReader reads session records.
type SessionReader interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Session, error)
}

// AttemptService turns finished sessions into scoring attempts and serves
// their results.
type AttemptService struct {
	attempts AttemptRepo
	rubrics  scoring.RubricSource
	queue    JobEnqueuer
	sessions SessionReader
	log      zerolog.Logger
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(attempts AttemptRepo, rubrics scoring.RubricSource, queue JobEnqueuer, sessions SessionReader, log zerolog.Logger) *AttemptService {
	return &AttemptService{
		attempts: attempts,
		rubrics:  rubrics,
		queue:    queue,
		sessions: sessions,
		log:      log.With().Str("component", "attempt_service").Logger(),
	}
}

// EnqueueSession creates one queued attempt per AI-scored answer and pushes
// its job. The active rubric is pinned now so later rubric changes do not
// affect this session. Questions that already have an attempt are skipped.
func (s *AttemptService) EnqueueSession(ctx context.Context, sess *model.Session, exam *model.ExamConfig, subs []scoring.Submission) error {
	var errs []error
	queued := 0
	for _, sub := range subs {
		a := &model.ScoringAttempt{
			ID:         uuid.New(),
			TenantID:   sess.TenantID,
			SessionID:  sess.ID,
			UserID:     sess.UserID,
			ExamID:     sess.ExamID,
			QuestionID: sub.QuestionID,
			Provider:   exam.Provider,
			Level:      exam.Level,
			Task:       sub.Task,
			Payload:    sub.Answer,
			Committee:  sub.Committee,
			WebhookURL: exam.WebhookURL,
		}

		// Without an active rubric the attempt still gets created; the
		// worker records the configuration error on it.
		rubric, err := s.rubrics.GetActive(ctx, exam.Provider, exam.Level, sub.Task)
		switch {
		case err == nil:
			a.RubricID, a.RubricVersion = rubric.ID, rubric.Version
		case errors.Is(err, model.ErrNotFound):
			s.log.Warn().
				Str("session_id", sess.ID.String()).
				Str("task", string(sub.Task)).
				Msg("No active rubric at enqueue time")
		default:
			errs = append(errs, fmt.Errorf("question %s: resolve rubric: %w", sub.QuestionID, err))
			continue
		}

		created, err := s.attempts.Create(ctx, a)
		if err != nil {
			errs = append(errs, fmt.Errorf("question %s: %w", sub.QuestionID, err))
			continue
		}
		if !created {
			continue
		}
		if err := s.queue.Enqueue(ctx, model.JobForAttempt(a)); err != nil {
			errs = append(errs, fmt.Errorf("question %s: enqueue job: %w", sub.QuestionID, err))
			continue
		}
		queued++
	}

	s.log.Info().
		Str("session_id", sess.ID.String()).
		Int("submissions", len(subs)).
		Int("queued", queued).
		Int("errors", len(errs)).
		Msg("Scoring attempts enqueued")
	return errors.Join(errs...)
}

// Get returns one attempt.
func (s *AttemptService) Get(ctx context.Context, id uuid.UUID) (*model.ScoringAttempt, error) {
	a, err := s.attempts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	official, err := s.official(ctx, a.SessionID)
	if err != nil {
		return nil, err
	}
	a.Official = official
	return a, nil
}

// ListBySession returns the attempts of a session. They are only official
// once the session itself has completed.
func (s *AttemptService) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.ScoringAttempt, error) {
	official, err := s.official(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	attempts, err := s.attempts.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for i := range attempts {
		attempts[i].Official = official
	}
	return attempts, nil
}

func (s *AttemptService) official(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("get session: %w", err)
	}
	return sess.State == model.SessionStateCompleted, nil
}
