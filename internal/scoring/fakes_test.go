package scoring

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-certify/internal/model"
)

type fakeRubrics struct {
	active   map[string]*model.Rubric
	versions map[string]*model.Rubric
}

func rubricKey(provider string, level model.CEFRLevel, task model.TaskType) string {
	return fmt.Sprintf("%s|%s|%s", provider, level, task)
}

func (f *fakeRubrics) GetActive(_ context.Context, provider string, level model.CEFRLevel, task model.TaskType) (*model.Rubric, error) {
	if r, ok := f.active[rubricKey(provider, level, task)]; ok {
		return r, nil
	}
	return nil, model.ErrNotFound
}

func (f *fakeRubrics) GetVersion(_ context.Context, id uuid.UUID, version int) (*model.Rubric, error) {
	if r, ok := f.versions[fmt.Sprintf("%s@%d", id, version)]; ok {
		return r, nil
	}
	return nil, model.ErrNotFound
}

type fakeCorrectors map[string][]model.CommitteeMember

func (f fakeCorrectors) FindCommittee(_ context.Context, provider string, level model.CEFRLevel, task model.TaskType) ([]model.CommitteeMember, error) {
	if c, ok := f[rubricKey(provider, level, task)]; ok {
		return c, nil
	}
	return nil, model.ErrNotFound
}

func fixedScorer(score float64) Scorer {
	return ScorerFunc(func(context.Context, string, model.Rubric, model.CommitteeMember) (MemberResult, error) {
		return MemberResult{Score: score, Confidence: 0.9, Rationale: fmt.Sprintf("scored %.1f", score)}, nil
	})
}
