package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-certify/internal/model"
)

const sessionColumns = `id, tenant_id, user_id, exam_id, course_id, state, started_at, last_activity,
	duration_seconds, paused_seconds, current_section_id, current_question_id, timer,
	finished_at, result, created_at, updated_at`

// SessionRepository handles exam session data access. Answers live in
// session_answers and are loaded together with the session row.
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// Get retrieves a session with all of its answers.
func (r *SessionRepository) Get(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	s, err := scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "session "+id.String())
	}
	if err := r.loadAnswers(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// FindActive returns the live session of a candidate for an exam, if any.
func (r *SessionRepository) FindActive(ctx context.Context, tenantID, userID, examID string) (*model.Session, error) {
	s, err := scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+`
		 FROM exam_sessions
		 WHERE tenant_id = $1 AND user_id = $2 AND exam_id = $3
		   AND state IN ('created', 'in_progress', 'paused')`,
		tenantID, userID, examID))
	if err != nil {
		return nil, notFound(err, "active session")
	}
	if err := r.loadAnswers(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// ListLive returns the ids of sessions whose timer may still be running.
func (r *SessionRepository) ListLive(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM exam_sessions
		 WHERE state IN ('in_progress', 'paused')
		 ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("list live sessions: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Put writes the whole record: the session row and every answer, in one
// transaction. Answers older than the stored ones are left alone.
func (r *SessionRepository) Put(ctx context.Context, s *model.Session) error {
	timer, err := json.Marshal(s.Timer)
	if err != nil {
		return fmt.Errorf("marshal timer: %w", err)
	}
	result, err := marshalNullable(s.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO exam_sessions (`+sessionColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			 ON CONFLICT (id) DO UPDATE SET
				state = EXCLUDED.state,
				started_at = EXCLUDED.started_at,
				last_activity = EXCLUDED.last_activity,
				paused_seconds = EXCLUDED.paused_seconds,
				current_section_id = EXCLUDED.current_section_id,
				current_question_id = EXCLUDED.current_question_id,
				timer = EXCLUDED.timer,
				finished_at = EXCLUDED.finished_at,
				result = EXCLUDED.result,
				updated_at = EXCLUDED.updated_at`,
			s.ID, s.TenantID, s.UserID, s.ExamID, s.CourseID, s.State, s.StartedAt, s.LastActivity,
			s.DurationSeconds, s.PausedSeconds, s.CurrentSectionID, s.CurrentQuestionID, timer,
			s.FinishedAt, result, createdAt(s), s.UpdatedAt,
		)
		if isUniqueViolation(err, "uq_exam_sessions_active") {
			return model.ErrActiveSessionExists
		}
		if err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}

		if len(s.Answers) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for qid, a := range s.Answers {
			batch.Queue(upsertAnswerSQL, s.ID, qid, a.Answer, a.Score, a.SubmittedAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("upsert answers: %w", err)
		}
		return nil
	})
}

// UpdateStatus writes a state change and the columns that travel with it.
// Nil fields keep their stored value.
func (r *SessionRepository) UpdateStatus(ctx context.Context, id uuid.UUID, state model.SessionState, f model.SessionStatusFields) error {
	result, err := marshalNullable(f.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions
		 SET state = $2,
		     finished_at = COALESCE($3, finished_at),
		     result = COALESCE($4, result),
		     last_activity = COALESCE($5, last_activity),
		     updated_at = NOW()
		 WHERE id = $1`,
		id, state, f.FinishedAt, result, f.LastActivity)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (r *SessionRepository) loadAnswers(ctx context.Context, s *model.Session) error {
	rows, err := r.pool.Query(ctx,
		`SELECT question_id, answer, score, submitted_at
		 FROM session_answers
		 WHERE session_id = $1`, s.ID)
	if err != nil {
		return fmt.Errorf("load answers: %w", err)
	}
	defer rows.Close()

	s.Answers = make(map[string]model.AnswerRecord)
	for rows.Next() {
		var (
			qid string
			a   model.AnswerRecord
		)
		if err := rows.Scan(&qid, &a.Answer, &a.Score, &a.SubmittedAt); err != nil {
			return err
		}
		s.Answers[qid] = a
	}
	return rows.Err()
}

func scanSession(row pgx.Row) (*model.Session, error) {
	var (
		s      model.Session
		timer  []byte
		result []byte
	)
	err := row.Scan(&s.ID, &s.TenantID, &s.UserID, &s.ExamID, &s.CourseID, &s.State, &s.StartedAt,
		&s.LastActivity, &s.DurationSeconds, &s.PausedSeconds, &s.CurrentSectionID, &s.CurrentQuestionID,
		&timer, &s.FinishedAt, &result, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(timer) > 0 {
		if err := json.Unmarshal(timer, &s.Timer); err != nil {
			return nil, fmt.Errorf("decode timer: %w", err)
		}
	}
	if len(result) > 0 {
		s.Result = &model.SessionResult{}
		if err := json.Unmarshal(result, s.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	return &s, nil
}

func createdAt(s *model.Session) any {
	if s.CreatedAt.IsZero() {
		return s.UpdatedAt
	}
	return s.CreatedAt
}

// marshalNullable encodes v as JSON, or SQL NULL when v is a nil pointer.
func marshalNullable[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
