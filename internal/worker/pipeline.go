package worker

import (
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-certify/internal/config"
	"github.com/stemsi/exstem-certify/internal/model"
	"github.com/stemsi/exstem-certify/internal/scoring"
)

// PipelineDeps are the stores a scoring pipeline reads and writes.
type PipelineDeps struct {
	Attempts   AttemptStore
	Rubrics    scoring.RubricSource
	Correctors scoring.CorrectorSource
	Queue      JobQueue
	// Reclaimer enables the stale-attempt sweep when set.
	Reclaimer AttemptReclaimer
}

// NewScoringPipeline assembles the scoring worker: committee dispatch through
// the scorer gateway, retry scheduling on the Redis queue and signed webhook
// delivery. Providers without a dedicated scorer go through the gateway.
func NewScoringPipeline(deps PipelineDeps, cfg *config.Config, log zerolog.Logger) *ScoringWorker {
	registry := scoring.NewRegistry()
	registry.SetDefault(scoring.NewGatewayScorer(cfg.ScorerGatewayURL, cfg.ScorerTimeout))

	fallback := model.CommitteeMember{
		Provider: cfg.FallbackScorerProvider,
		Model:    cfg.FallbackScorerModel,
		Weight:   1,
	}
	dispatcher := scoring.NewDispatcher(deps.Rubrics, deps.Correctors, registry, fallback, log)

	processor := NewScoringProcessor(
		deps.Attempts,
		dispatcher,
		deps.Queue,
		NewWebhookNotifier(cfg.WebhookSigningSecret, cfg.WebhookTimeout),
		nil,
		ProcessorConfig{
			DisagreementThreshold: cfg.DisagreementThreshold,
			WebhookTimeout:        cfg.WebhookTimeout,
		},
		log,
	)
	return NewScoringWorker(deps.Queue, processor, nil, log).
		WithReclaimer(deps.Reclaimer, cfg.ScoringStaleAfter)
}
