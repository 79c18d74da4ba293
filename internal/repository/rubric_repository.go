package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-certify/internal/model"
)

// RubricRepository reads versioned rubrics and corrector committees.
type RubricRepository struct {
	pool *pgxpool.Pool
}

// NewRubricRepository creates a new RubricRepository.
func NewRubricRepository(pool *pgxpool.Pool) *RubricRepository {
	return &RubricRepository{pool: pool}
}

// GetActive returns the active rubric for a provider, level and task.
func (r *RubricRepository) GetActive(ctx context.Context, provider string, level model.CEFRLevel, task model.TaskType) (*model.Rubric, error) {
	rb := &model.Rubric{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, version, provider, level, task, max_score, criteria, active, created_at
		 FROM rubrics
		 WHERE provider = $1 AND level = $2 AND task = $3 AND active`,
		provider, level, task,
	).Scan(&rb.ID, &rb.Version, &rb.Provider, &rb.Level, &rb.Task, &rb.MaxScore, &rb.Criteria, &rb.Active, &rb.CreatedAt)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("rubric %s/%s/%s", provider, level, task))
	}
	return rb, nil
}

// GetVersion returns one specific rubric version, active or not.
func (r *RubricRepository) GetVersion(ctx context.Context, id uuid.UUID, version int) (*model.Rubric, error) {
	rb := &model.Rubric{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, version, provider, level, task, max_score, criteria, active, created_at
		 FROM rubrics
		 WHERE id = $1 AND version = $2`,
		id, version,
	).Scan(&rb.ID, &rb.Version, &rb.Provider, &rb.Level, &rb.Task, &rb.MaxScore, &rb.Criteria, &rb.Active, &rb.CreatedAt)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("rubric %s v%d", id, version))
	}
	return rb, nil
}

// FindCommittee returns the active corrector committee for a provider, level and task.
func (r *RubricRepository) FindCommittee(ctx context.Context, provider string, level model.CEFRLevel, task model.TaskType) ([]model.CommitteeMember, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx,
		`SELECT committee FROM correctors
		 WHERE provider = $1 AND level = $2 AND task = $3 AND active`,
		provider, level, task,
	).Scan(&raw)
	if err != nil {
		return nil, notFound(err, "corrector")
	}
	var committee []model.CommitteeMember
	if err := json.Unmarshal(raw, &committee); err != nil {
		return nil, fmt.Errorf("decode committee: %w", err)
	}
	return committee, nil
}
