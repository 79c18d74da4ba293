// Package scoring resolves rubrics and scorer committees and aggregates
// committee scores for scoring attempts.
package scoring

import (
	"context"
	"fmt"
	"sync"

	"github.com/stemsi/exstem-certify/internal/model"
)

// MemberResult is what a single scorer returns for one payload.
type MemberResult struct {
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// Scorer evaluates a candidate response against a rubric with one model configuration.
type Scorer interface {
	Score(ctx context.Context, payload string, rubric model.Rubric, member model.CommitteeMember) (MemberResult, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, payload string, rubric model.Rubric, member model.CommitteeMember) (MemberResult, error)

// Score calls f.
func (f ScorerFunc) Score(ctx context.Context, payload string, rubric model.Rubric, member model.CommitteeMember) (MemberResult, error) {
	return f(ctx, payload, rubric, member)
}

// Registry maps committee member providers to scorer backends.
type Registry struct {
	mu       sync.RWMutex
	scorers  map[string]Scorer
	fallback Scorer
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{scorers: make(map[string]Scorer)}
}

// Register binds a provider name to a scorer.
func (r *Registry) Register(provider string, s Scorer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scorers[provider] = s
}

// SetDefault sets the scorer used for providers with no explicit binding.
func (r *Registry) SetDefault(s Scorer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = s
}

// Lookup returns the scorer for a provider.
func (r *Registry) Lookup(provider string) (Scorer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.scorers[provider]; ok {
		return s, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("scorer provider %q: %w", provider, model.ErrNotFound)
}
