package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-certify/internal/clock"
	"github.com/stemsi/exstem-certify/internal/model"
)

const (
	ScoreBatchSize    = 9
	ScoreBatchTimeout = 2 * time.Second
	ScorePollTimeout  = 1 * time.Second
	PromoteInterval   = 1 * time.Second
	ReclaimInterval   = 30 * time.Second
	ReclaimBatchSize  = 100
)

// AttemptReclaimer hands back attempts whose job was lost: rows left in
// processing by a dead worker, or queued rows nobody picked up. Each returned
// attempt is already back in queued.
type AttemptReclaimer interface {
	ReclaimStale(ctx context.Context, staleBefore time.Time, limit int) ([]model.ScoringAttempt, error)
}

// BatchProcessor processes a batch of scoring jobs.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, jobs []model.ScoringJob) []model.ProcessingResult
	Wait()
}

// ScoringWorker pulls scoring jobs off the queue and hands them to the
// processor in batches. Any number of workers may share one queue.
type ScoringWorker struct {
	queue     JobQueue
	processor BatchProcessor
	clk       clock.Clock
	log       zerolog.Logger

	reclaimer  AttemptReclaimer
	staleAfter time.Duration
}

// NewScoringWorker creates a new ScoringWorker.
func NewScoringWorker(queue JobQueue, processor BatchProcessor, clk clock.Clock, log zerolog.Logger) *ScoringWorker {
	if clk == nil {
		clk = clock.Real()
	}
	return &ScoringWorker{
		queue:     queue,
		processor: processor,
		clk:       clk,
		log:       log.With().Str("component", "scoring_worker").Logger(),
	}
}

// WithReclaimer enables the sweep that re-enqueues attempts untouched for
// staleAfter.
func (w *ScoringWorker) WithReclaimer(r AttemptReclaimer, staleAfter time.Duration) *ScoringWorker {
	if r != nil && staleAfter > 0 {
		w.reclaimer = r
		w.staleAfter = staleAfter
	}
	return w
}

// ----------------------------------------------------------------
// Worker loop with batching
// ----------------------------------------------------------------

// Start runs the worker loop until ctx is done. Call in a goroutine.
func (w *ScoringWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ScoringWorker started")

	batch := make([]model.ScoringJob, 0, ScoreBatchSize)
	lastFlush := w.clk.Now()
	var lastPromote, lastReclaim time.Time

	for {
		// Should flush?
		if len(batch) > 0 &&
			(len(batch) >= ScoreBatchSize || w.clk.Now().Sub(lastFlush) >= ScoreBatchTimeout) {

			w.flush(ctx, batch)
			batch = batch[:0]
			lastFlush = w.clk.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("Shutdown requested. Flushing remaining batch...")
			w.flush(context.Background(), batch)
			w.processor.Wait()
			w.log.Info().Msg("ScoringWorker stopped")
			return

		default:
			if now := w.clk.Now(); now.Sub(lastPromote) >= PromoteInterval {
				if n, err := w.queue.PromoteDue(ctx, now); err != nil {
					if ctx.Err() == nil {
						w.log.Error().Err(err).Msg("Promote due retries failed")
					}
				} else if n > 0 {
					w.log.Debug().Int("count", n).Msg("Promoted due retries")
				}
				lastPromote = now
			}
			if now := w.clk.Now(); w.reclaimer != nil && now.Sub(lastReclaim) >= ReclaimInterval {
				if _, err := w.ReclaimStale(ctx, now); err != nil && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("Reclaim stale attempts failed")
				}
				lastReclaim = now
			}

			job, err := w.queue.Pop(ctx, ScorePollTimeout)
			if err != nil {
				if ctx.Err() == nil {
					w.log.Error().Err(err).Msg("Pop error")
				}
				continue
			}
			if job == nil {
				continue
			}
			batch = append(batch, *job)
		}
	}
}

// ReclaimStale re-enqueues attempts untouched since now-staleAfter and
// reports how many went back on the queue. A reclaimed attempt may still have
// a job queued; the processor's queued→processing claim admits only one.
func (w *ScoringWorker) ReclaimStale(ctx context.Context, now time.Time) (int, error) {
	if w.reclaimer == nil {
		return 0, nil
	}
	stale, err := w.reclaimer.ReclaimStale(ctx, now.Add(-w.staleAfter), ReclaimBatchSize)
	if err != nil {
		return 0, err
	}

	n := 0
	for i := range stale {
		a := &stale[i]
		if err := w.queue.Enqueue(ctx, model.JobForAttempt(a)); err != nil {
			// The row stays queued and the next sweep picks it up again.
			w.log.Error().Err(err).Str("attempt_id", a.ID.String()).Msg("Re-enqueue reclaimed attempt failed")
			continue
		}
		n++
	}
	if len(stale) > 0 {
		w.log.Warn().Int("reclaimed", len(stale)).Int("enqueued", n).Msg("Stale attempts reclaimed")
	}
	return n, nil
}

func (w *ScoringWorker) flush(ctx context.Context, batch []model.ScoringJob) {
	if len(batch) == 0 {
		return
	}

	results := w.processor.ProcessBatch(ctx, batch)

	var scored, skipped, retried, failed int
	for _, r := range results {
		switch {
		case r.Skipped:
			skipped++
		case r.Success:
			scored++
		case r.RetryScheduled:
			retried++
		default:
			failed++
		}
	}
	w.log.Info().
		Int("jobs", len(batch)).
		Int("scored", scored).
		Int("skipped", skipped).
		Int("retry_scheduled", retried).
		Int("failed", failed).
		Msg("Batch processed")
}
