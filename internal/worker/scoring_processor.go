package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-certify/internal/clock"
	"github.com/stemsi/exstem-certify/internal/model"
	"github.com/stemsi/exstem-certify/internal/scoring"
	"golang.org/x/sync/errgroup"
)

// BatchConcurrency caps jobs in flight within one batch.
const BatchConcurrency = 3

// AttemptStore persists scoring attempts. Status changes are compare-and-swap:
// they report false when the attempt was not in the expected status.
type AttemptStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.ScoringAttempt, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to model.AttemptStatus) (bool, error)
	MarkScored(ctx context.Context, id uuid.UUID, rubric model.Rubric, score model.AttemptScore, qc model.QualityControl, scoredAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, lastErr string) error
	Requeue(ctx context.Context, id uuid.UUID, retryCount int, nextRetryAt time.Time) (bool, error)
}

// AttemptScorer scores one attempt. *scoring.Dispatcher implements it.
type AttemptScorer interface {
	Score(ctx context.Context, a *model.ScoringAttempt) (*scoring.Outcome, error)
}

// RetryScheduler parks a job until it is due again.
type RetryScheduler interface {
	Schedule(ctx context.Context, job model.ScoringJob, at time.Time) error
}

// Notifier delivers the scored-attempt webhook.
type Notifier interface {
	Notify(ctx context.Context, url string, ev model.AttemptScoredEvent) error
}

// ProcessorConfig tunes a ScoringProcessor.
type ProcessorConfig struct {
	DisagreementThreshold float64
	WebhookTimeout        time.Duration
}

// ScoringProcessor runs scoring jobs against their attempts.
type ScoringProcessor struct {
	attempts  AttemptStore
	scorer    AttemptScorer
	scheduler RetryScheduler
	notifier  Notifier
	clk       clock.Clock
	cfg       ProcessorConfig
	log       zerolog.Logger

	webhooks sync.WaitGroup
}

// NewScoringProcessor creates a new ScoringProcessor. notifier may be nil.
func NewScoringProcessor(
	attempts AttemptStore,
	scorer AttemptScorer,
	scheduler RetryScheduler,
	notifier Notifier,
	clk clock.Clock,
	cfg ProcessorConfig,
	log zerolog.Logger,
) *ScoringProcessor {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = DefaultWebhookTimeout
	}
	return &ScoringProcessor{
		attempts:  attempts,
		scorer:    scorer,
		scheduler: scheduler,
		notifier:  notifier,
		clk:       clk,
		cfg:       cfg,
		log:       log.With().Str("component", "scoring_processor").Logger(),
	}
}

// ProcessJob scores the attempt behind job. Redelivered jobs whose attempt
// has left queued are acknowledged without scoring again.
func (p *ScoringProcessor) ProcessJob(ctx context.Context, job model.ScoringJob) model.ProcessingResult {
	start := p.clk.Now()
	res := model.ProcessingResult{AttemptID: job.AttemptID}
	done := func() model.ProcessingResult {
		res.ProcessingTimeMs = p.clk.Now().Sub(start).Milliseconds()
		return res
	}
	log := p.log.With().
		Str("attempt_id", job.AttemptID.String()).
		Int("retry_count", job.RetryCount).
		Logger()

	// 1. Load and skip anything already handled.
	a, err := p.attempts.GetByID(ctx, job.AttemptID)
	if err != nil {
		res.Error = fmt.Sprintf("get attempt: %v", err)
		log.Error().Err(err).Msg("Attempt lookup failed")
		return done()
	}
	if a.Status != model.AttemptStatusQueued {
		res.Success, res.Skipped = true, true
		log.Debug().Str("status", string(a.Status)).Msg("Attempt already handled")
		return done()
	}

	// 2. Claim it.
	claimed, err := p.attempts.TransitionStatus(ctx, a.ID, model.AttemptStatusQueued, model.AttemptStatusProcessing)
	if err != nil {
		res.Error = fmt.Sprintf("claim attempt: %v", err)
		log.Error().Err(err).Msg("Claim failed")
		return done()
	}
	if !claimed {
		res.Success, res.Skipped = true, true
		log.Debug().Msg("Attempt claimed elsewhere")
		return done()
	}

	// 3. Resolve rubric and committee, then score.
	outcome, err := p.scorer.Score(ctx, a)
	if err == nil {
		outcome.QC.RequiresReview = p.cfg.DisagreementThreshold > 0 &&
			outcome.QC.DisagreementScore > p.cfg.DisagreementThreshold
		err = p.attempts.MarkScored(ctx, a.ID, outcome.Rubric, outcome.Score, outcome.QC, p.clk.Now())
		if err != nil {
			err = fmt.Errorf("persist score: %w", err)
		}
	}
	if err != nil {
		p.fail(ctx, a, job, err, &res, log)
		return done()
	}

	res.Success = true
	log.Info().
		Float64("percentage", outcome.Score.Percentage).
		Float64("disagreement", outcome.QC.DisagreementScore).
		Bool("requires_review", outcome.QC.RequiresReview).
		Msg("Attempt scored")

	// 4. Tell the tenant, without holding up the result.
	if url := webhookURL(job, a); url != "" && p.notifier != nil {
		score := outcome.Score
		p.notify(url, model.AttemptScoredEvent{
			Event:         model.EventAttemptScored,
			AttemptID:     a.ID,
			TenantID:      a.TenantID,
			UserID:        a.UserID,
			ExamSessionID: a.SessionID,
			Provider:      a.Provider,
			Level:         a.Level,
			Task:          a.Task,
			Score:         &score,
			Timestamp:     p.clk.Now().UTC(),
		})
	}
	return done()
}

// ProcessBatch runs jobs BatchConcurrency at a time, finishing each chunk
// before the next starts. Results are in job order.
func (p *ScoringProcessor) ProcessBatch(ctx context.Context, jobs []model.ScoringJob) []model.ProcessingResult {
	results := make([]model.ProcessingResult, len(jobs))
	for lo := 0; lo < len(jobs); lo += BatchConcurrency {
		hi := min(lo+BatchConcurrency, len(jobs))

		var g errgroup.Group
		for i := lo; i < hi; i++ {
			g.Go(func() error {
				results[i] = p.ProcessJob(ctx, jobs[i])
				return nil
			})
		}
		_ = g.Wait()
	}
	return results
}

// Wait blocks until in-flight webhook deliveries finish.
func (p *ScoringProcessor) Wait() { p.webhooks.Wait() }

func (p *ScoringProcessor) fail(ctx context.Context, a *model.ScoringAttempt, job model.ScoringJob, cause error, res *model.ProcessingResult, log zerolog.Logger) {
	res.Error = cause.Error()

	if err := p.attempts.MarkFailed(ctx, a.ID, cause.Error()); err != nil {
		log.Error().Err(err).Msg("Failed to record attempt failure")
	}

	retryCount := max(job.RetryCount, a.RetryCount)
	if !scoring.ShouldRetry(cause, retryCount) {
		ev := log.Error().Err(cause)
		if errors.Is(cause, model.ErrRubricNotConfigured) {
			ev = ev.Bool("configuration", true)
		}
		ev.Bool("retryable", scoring.IsRetryable(cause)).Msg("Attempt failed")
		return
	}

	nextAt := p.clk.Now().Add(scoring.RetryDelay(retryCount))
	next := job
	next.RetryCount = retryCount + 1
	next.ScheduledAt = &nextAt

	requeued, err := p.attempts.Requeue(ctx, a.ID, next.RetryCount, nextAt)
	if err != nil || !requeued {
		log.Error().Err(err).Bool("requeued", requeued).Msg("Failed to mark attempt for retry")
		return
	}
	if err := p.scheduler.Schedule(ctx, next, nextAt); err != nil {
		log.Error().Err(err).Msg("Failed to schedule retry")
		return
	}

	res.RetryScheduled = true
	res.NextRetryAt = &nextAt
	log.Warn().Err(cause).Time("next_retry_at", nextAt).Msg("Attempt failed, retry scheduled")
}

func (p *ScoringProcessor) notify(url string, ev model.AttemptScoredEvent) {
	p.webhooks.Add(1)
	go func() {
		defer p.webhooks.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WebhookTimeout)
		defer cancel()
		if err := p.notifier.Notify(ctx, url, ev); err != nil {
			p.log.Warn().Err(err).
				Str("attempt_id", ev.AttemptID.String()).
				Str("url", url).
				Msg("Webhook delivery failed")
		}
	}()
}

func webhookURL(job model.ScoringJob, a *model.ScoringAttempt) string {
	if job.WebhookURL != "" {
		return job.WebhookURL
	}
	return a.WebhookURL
}
