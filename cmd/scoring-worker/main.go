package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-certify/internal/config"
	"github.com/stemsi/exstem-certify/internal/database"
	"github.com/stemsi/exstem-certify/internal/logger"
	"github.com/stemsi/exstem-certify/internal/repository"
	"github.com/stemsi/exstem-certify/internal/worker"
)

// The standalone scoring worker consumes the same Redis queue as the workers
// embedded in the API servers. Run as many as the scoring backlog needs.
func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("gateway", cfg.ScorerGatewayURL).
		Float64("disagreement_threshold", cfg.DisagreementThreshold).
		Msg("Starting ExStem Certify scoring worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Start Worker ──────────────────────────────────────────────────
	rubricRepo := repository.NewRubricRepository(pool)
	attemptRepo := repository.NewAttemptRepository(pool)
	scoringWorker := worker.NewScoringPipeline(worker.PipelineDeps{
		Attempts:   attemptRepo,
		Rubrics:    rubricRepo,
		Correctors: rubricRepo,
		Queue:      worker.NewRedisJobQueue(rdb),
		Reclaimer:  attemptRepo,
	}, cfg, log)

	done := make(chan struct{})
	go func() {
		defer close(done)
		scoringWorker.Start(ctx)
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")
	cancel()
	<-done
	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
