package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-certify/internal/model"
)

const attemptColumns = `id, tenant_id, session_id, user_id, exam_id, question_id, provider, level, task,
	payload, status, rubric_id, rubric_version, committee, score, qc, retry_count, last_error,
	next_retry_at, webhook_url, priority, created_at, updated_at, scored_at`

// AttemptRepository handles scoring attempt data access. Status changes are
// conditional on the current status so concurrent workers cannot both win.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

// Create inserts a queued attempt. It reports false when the session question
// already has an attempt, leaving the existing one untouched.
func (r *AttemptRepository) Create(ctx context.Context, a *model.ScoringAttempt) (bool, error) {
	committee, err := json.Marshal(a.Committee)
	if err != nil {
		return false, fmt.Errorf("marshal committee: %w", err)
	}
	var rubricID *uuid.UUID
	var rubricVersion *int
	if a.RubricID != uuid.Nil {
		rubricID, rubricVersion = &a.RubricID, &a.RubricVersion
	}

	err = r.pool.QueryRow(ctx,
		`INSERT INTO scoring_attempts (id, tenant_id, session_id, user_id, exam_id, question_id,
			provider, level, task, payload, status, rubric_id, rubric_version, committee, webhook_url, priority)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (session_id, question_id) DO NOTHING
		 RETURNING created_at, updated_at`,
		a.ID, a.TenantID, a.SessionID, a.UserID, a.ExamID, a.QuestionID,
		a.Provider, a.Level, a.Task, a.Payload, model.AttemptStatusQueued, rubricID, rubricVersion,
		committee, a.WebhookURL, a.Priority,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert attempt: %w", err)
	}
	a.Status = model.AttemptStatusQueued
	return true, nil
}

// GetByID retrieves one attempt.
func (r *AttemptRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ScoringAttempt, error) {
	a, err := scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM scoring_attempts WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "attempt "+id.String())
	}
	return a, nil
}

// ListBySession retrieves the attempts of a session in question order of creation.
func (r *AttemptRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.ScoringAttempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+attemptColumns+`
		 FROM scoring_attempts
		 WHERE session_id = $1
		 ORDER BY created_at, question_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []model.ScoringAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}

// TransitionStatus moves an attempt from one status to another.
func (r *AttemptRepository) TransitionStatus(ctx context.Context, id uuid.UUID, from, to model.AttemptStatus) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE scoring_attempts SET status = $3, updated_at = NOW()
		 WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("transition attempt: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkScored stores the committee result and pins the rubric version used.
func (r *AttemptRepository) MarkScored(ctx context.Context, id uuid.UUID, rubric model.Rubric, score model.AttemptScore, qc model.QualityControl, scoredAt time.Time) error {
	scoreJSON, err := json.Marshal(score)
	if err != nil {
		return fmt.Errorf("marshal score: %w", err)
	}
	qcJSON, err := json.Marshal(qc)
	if err != nil {
		return fmt.Errorf("marshal qc: %w", err)
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE scoring_attempts
		 SET status = $2, rubric_id = $3, rubric_version = $4, score = $5, qc = $6,
		     last_error = NULL, next_retry_at = NULL, scored_at = $7, updated_at = NOW()
		 WHERE id = $1 AND status = $8`,
		id, model.AttemptStatusScored, rubric.ID, rubric.Version, scoreJSON, qcJSON, scoredAt,
		model.AttemptStatusProcessing)
	if err != nil {
		return fmt.Errorf("mark attempt scored: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("attempt %s not processing: %w", id, model.ErrNotFound)
	}
	return nil
}

// MarkFailed records a failed run.
func (r *AttemptRepository) MarkFailed(ctx context.Context, id uuid.UUID, lastErr string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE scoring_attempts
		 SET status = $2, last_error = $3, updated_at = NOW()
		 WHERE id = $1`,
		id, model.AttemptStatusFailed, lastErr)
	if err != nil {
		return fmt.Errorf("mark attempt failed: %w", err)
	}
	return nil
}

// Requeue puts a failed attempt back in line for a scheduled retry.
func (r *AttemptRepository) Requeue(ctx context.Context, id uuid.UUID, retryCount int, nextRetryAt time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE scoring_attempts
		 SET status = $2, retry_count = $3, next_retry_at = $4, updated_at = NOW()
		 WHERE id = $1 AND status = $5`,
		id, model.AttemptStatusQueued, retryCount, nextRetryAt, model.AttemptStatusFailed)
	if err != nil {
		return false, fmt.Errorf("requeue attempt: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReclaimStale moves attempts untouched since staleBefore back to queued and
// returns them: processing rows whose worker died, and queued rows whose job
// never reached the queue. Rows locked by another sweep are skipped.
func (r *AttemptRepository) ReclaimStale(ctx context.Context, staleBefore time.Time, limit int) ([]model.ScoringAttempt, error) {
	rows, err := r.pool.Query(ctx,
		`UPDATE scoring_attempts
		 SET status = $1, updated_at = NOW()
		 WHERE id IN (
			SELECT id FROM scoring_attempts
			WHERE updated_at < $3
			  AND (status = $2 OR (status = $1 AND (next_retry_at IS NULL OR next_retry_at < $3)))
			ORDER BY updated_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED)
		 RETURNING `+attemptColumns,
		model.AttemptStatusQueued, model.AttemptStatusProcessing, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("reclaim stale attempts: %w", err)
	}
	defer rows.Close()

	var attempts []model.ScoringAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}

func scanAttempt(row pgx.Row) (*model.ScoringAttempt, error) {
	var (
		a             model.ScoringAttempt
		rubricID      *uuid.UUID
		rubricVersion *int
		committee     []byte
		score         []byte
		qc            []byte
	)
	err := row.Scan(&a.ID, &a.TenantID, &a.SessionID, &a.UserID, &a.ExamID, &a.QuestionID,
		&a.Provider, &a.Level, &a.Task, &a.Payload, &a.Status, &rubricID, &rubricVersion,
		&committee, &score, &qc, &a.RetryCount, &a.LastError, &a.NextRetryAt,
		&a.WebhookURL, &a.Priority, &a.CreatedAt, &a.UpdatedAt, &a.ScoredAt)
	if err != nil {
		return nil, err
	}
	if rubricID != nil {
		a.RubricID = *rubricID
	}
	if rubricVersion != nil {
		a.RubricVersion = *rubricVersion
	}
	if len(committee) > 0 {
		if err := json.Unmarshal(committee, &a.Committee); err != nil {
			return nil, fmt.Errorf("decode committee: %w", err)
		}
	}
	if len(score) > 0 {
		a.Score = &model.AttemptScore{}
		if err := json.Unmarshal(score, a.Score); err != nil {
			return nil, fmt.Errorf("decode score: %w", err)
		}
	}
	if len(qc) > 0 {
		a.QC = &model.QualityControl{}
		if err := json.Unmarshal(qc, a.QC); err != nil {
			return nil, fmt.Errorf("decode qc: %w", err)
		}
	}
	return &a, nil
}
