package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-certify/internal/model"
	"golang.org/x/sync/errgroup"
)

// RubricSource looks up rubrics.
type RubricSource interface {
	GetActive(ctx context.Context, provider string, level model.CEFRLevel, task model.TaskType) (*model.Rubric, error)
	GetVersion(ctx context.Context, id uuid.UUID, version int) (*model.Rubric, error)
}

// CorrectorSource looks up configured scorer committees.
type CorrectorSource interface {
	FindCommittee(ctx context.Context, provider string, level model.CEFRLevel, task model.TaskType) ([]model.CommitteeMember, error)
}

// Outcome is the aggregated result of scoring one attempt.
type Outcome struct {
	Rubric model.Rubric
	Score  model.AttemptScore
	QC     model.QualityControl
}

// Dispatcher resolves the rubric and committee for an attempt and fans the
// payload out to every committee member.
type Dispatcher struct {
	rubrics    RubricSource
	correctors CorrectorSource
	registry   *Registry
	fallback   model.CommitteeMember
	log        zerolog.Logger
}

// NewDispatcher creates a new Dispatcher. fallback is the single-model
// committee used when neither a corrector nor the attempt supplies one.
func NewDispatcher(rubrics RubricSource, correctors CorrectorSource, registry *Registry, fallback model.CommitteeMember, log zerolog.Logger) *Dispatcher {
	if fallback.Weight <= 0 {
		fallback.Weight = 1
	}
	return &Dispatcher{
		rubrics:    rubrics,
		correctors: correctors,
		registry:   registry,
		fallback:   fallback,
		log:        log.With().Str("component", "scoring_dispatcher").Logger(),
	}
}

// ResolveRubric returns the rubric pinned on the attempt, or the active rubric
// for its provider, level and task when nothing is pinned yet.
func (d *Dispatcher) ResolveRubric(ctx context.Context, a *model.ScoringAttempt) (*model.Rubric, error) {
	var (
		r   *model.Rubric
		err error
	)
	if a.RubricID != uuid.Nil {
		r, err = d.rubrics.GetVersion(ctx, a.RubricID, a.RubricVersion)
	} else {
		r, err = d.rubrics.GetActive(ctx, a.Provider, a.Level, a.Task)
	}
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%s/%s/%s: %w", a.Provider, a.Level, a.Task, model.ErrRubricNotConfigured)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve rubric: %w", err)
	}
	if r.MaxScore <= 0 {
		return nil, fmt.Errorf("rubric %s v%d has non-positive max score: %w", r.ID, r.Version, model.ErrRubricNotConfigured)
	}
	return r, nil
}

// ResolveCommittee picks the committee: configured corrector first, then the
// attempt's own committee, then the single-model fallback.
func (d *Dispatcher) ResolveCommittee(ctx context.Context, a *model.ScoringAttempt) ([]model.CommitteeMember, model.CommitteeSource) {
	if d.correctors != nil {
		committee, err := d.correctors.FindCommittee(ctx, a.Provider, a.Level, a.Task)
		switch {
		case err == nil && len(committee) > 0:
			return committee, model.CommitteeFromCorrector
		case err != nil && !errors.Is(err, model.ErrNotFound):
			d.log.Warn().Err(err).
				Str("attempt_id", a.ID.String()).
				Msg("Corrector lookup failed, falling back")
		}
	}
	if len(a.Committee) > 0 {
		return a.Committee, model.CommitteeFromAttempt
	}
	return []model.CommitteeMember{d.fallback}, model.CommitteeFromFallback
}

// Score runs the committee on the attempt payload and aggregates the result.
func (d *Dispatcher) Score(ctx context.Context, a *model.ScoringAttempt) (*Outcome, error) {
	rubric, err := d.ResolveRubric(ctx, a)
	if err != nil {
		return nil, err
	}
	committee, source := d.ResolveCommittee(ctx, a)

	results := make([]MemberResult, len(committee))
	errs := make([]error, len(committee))

	// Member failures land in errs; siblings keep running.
	var g errgroup.Group
	for i, m := range committee {
		scorer, err := d.registry.Lookup(m.Provider)
		if err != nil {
			errs[i] = err
			continue
		}
		g.Go(func() error {
			results[i], errs[i] = scorer.Score(ctx, a.Payload, *rubric, m)
			return nil
		})
	}
	_ = g.Wait()

	score, qc, err := Aggregate(*rubric, committee, results, errs)
	if err != nil {
		return nil, err
	}
	qc.CommitteeSource = source

	d.log.Debug().
		Str("attempt_id", a.ID.String()).
		Str("committee_source", string(source)).
		Float64("percentage", score.Percentage).
		Float64("disagreement", qc.DisagreementScore).
		Msg("Attempt scored")

	return &Outcome{Rubric: *rubric, Score: score, QC: qc}, nil
}

// Aggregate combines committee results with weights normalized over the
// members that succeeded. Weights summing to zero count equally. The rationale
// comes from the heaviest member; ties go to the first listed.
func Aggregate(rubric model.Rubric, committee []model.CommitteeMember, results []MemberResult, errs []error) (model.AttemptScore, model.QualityControl, error) {
	qc := model.QualityControl{MemberCount: len(committee)}
	if len(committee) == 0 {
		return model.AttemptScore{}, qc, errors.New("empty scoring committee")
	}

	var (
		weightSum float64
		ok        []int
		failures  []error
	)
	for i, m := range committee {
		if errs[i] != nil {
			failures = append(failures, fmt.Errorf("%s/%s: %w", m.Provider, m.Model, errs[i]))
			continue
		}
		ok = append(ok, i)
		weightSum += math.Max(0, m.Weight)
	}
	qc.FailedMembers = len(failures)
	if len(ok) == 0 {
		return model.AttemptScore{}, qc, fmt.Errorf("all committee members failed: %w", errors.Join(failures...))
	}

	weights := make([]float64, len(committee))
	for _, i := range ok {
		if weightSum > 0 {
			weights[i] = math.Max(0, committee[i].Weight) / weightSum
		} else {
			weights[i] = 1 / float64(len(ok))
		}
	}

	fractions := make([]float64, len(committee))
	score := model.AttemptScore{MaxScore: rubric.MaxScore, Members: make([]model.MemberScore, len(committee))}
	var mean, heaviest float64
	rationaleFrom := -1
	for i, m := range committee {
		ms := model.MemberScore{Provider: m.Provider, Model: m.Model, Weight: weights[i]}
		if errs[i] != nil {
			ms.Error = errs[i].Error()
			score.Members[i] = ms
			continue
		}
		r := results[i]
		fractions[i] = math.Min(1, math.Max(0, r.Score/rubric.MaxScore))
		ms.Score = r.Score
		ms.Confidence = r.Confidence
		ms.Rationale = r.Rationale
		score.Members[i] = ms

		mean += weights[i] * fractions[i]
		score.Confidence += weights[i] * r.Confidence
		if weights[i] > heaviest || rationaleFrom < 0 {
			heaviest = weights[i]
			rationaleFrom = i
		}
	}

	var variance float64
	for _, i := range ok {
		diff := fractions[i] - mean
		variance += weights[i] * diff * diff
	}

	score.Percentage = round2(mean * 100)
	score.RawScore = round2(mean * rubric.MaxScore)
	score.Confidence = round2(score.Confidence)
	score.Rationale = results[rationaleFrom].Rationale
	qc.DisagreementScore = math.Round(math.Sqrt(variance)*10000) / 10000
	return score, qc, nil
}
