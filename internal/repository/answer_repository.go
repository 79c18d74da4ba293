package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-certify/internal/model"
)

// upsertAnswerSQL keeps the newest submission per question.
const upsertAnswerSQL = `INSERT INTO session_answers (session_id, question_id, answer, score, submitted_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (session_id, question_id) DO UPDATE SET
		answer = EXCLUDED.answer,
		score = COALESCE(EXCLUDED.score, session_answers.score),
		submitted_at = EXCLUDED.submitted_at
	WHERE session_answers.submitted_at <= EXCLUDED.submitted_at`

// AnswerRepository writes single answers drained from the answer journal.
type AnswerRepository struct {
	pool *pgxpool.Pool
}

// NewAnswerRepository creates a new AnswerRepository.
func NewAnswerRepository(pool *pgxpool.Pool) *AnswerRepository {
	return &AnswerRepository{pool: pool}
}

// UpsertAnswer stores rec unless a newer answer for the question is already stored.
func (r *AnswerRepository) UpsertAnswer(ctx context.Context, sessionID uuid.UUID, questionID string, rec model.AnswerRecord) error {
	_, err := r.pool.Exec(ctx, upsertAnswerSQL, sessionID, questionID, rec.Answer, rec.Score, rec.SubmittedAt)
	if err != nil {
		return fmt.Errorf("upsert answer: %w", err)
	}
	return nil
}
