package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-certify/internal/clock"
	"github.com/stemsi/exstem-certify/internal/config"
	"github.com/stemsi/exstem-certify/internal/database"
	"github.com/stemsi/exstem-certify/internal/handler"
	"github.com/stemsi/exstem-certify/internal/logger"
	"github.com/stemsi/exstem-certify/internal/middleware"
	"github.com/stemsi/exstem-certify/internal/repository"
	"github.com/stemsi/exstem-certify/internal/router"
	"github.com/stemsi/exstem-certify/internal/service"
	"github.com/stemsi/exstem-certify/internal/validator"
	"github.com/stemsi/exstem-certify/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Bool("scoring_worker", cfg.RunScoringWorker).
		Msg("Starting ExStem Certify")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Load Exam Catalog ─────────────────────────────────────────────
	catalog, err := service.LoadExamCatalog(cfg.ExamConfigDir, log)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.ExamConfigDir).Msg("Failed to load exam catalog")
	}

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

	// ─── Initialize Repositories ───────────────────────────────────────
	sessionRepo := repository.NewSessionRepository(pool)
	answerRepo := repository.NewAnswerRepository(pool)
	attemptRepo := repository.NewAttemptRepository(pool)
	rubricRepo := repository.NewRubricRepository(pool)

	sessionStore := service.NewCachedSessionRepository(sessionRepo, rdb, cfg.SessionCacheTTL, cfg.MaxConcurrentSessionWrites, log)
	jobQueue := worker.NewRedisJobQueue(rdb)

	// ─── Initialize Services ──────────────────────────────────────────
	attemptService := service.NewAttemptService(attemptRepo, rubricRepo, jobQueue, sessionStore, log)
	sessionService := service.NewSessionService(
		sessionStore,
		worker.NewRedisAnswerJournal(rdb),
		catalog,
		attemptService,
		clock.Real(),
		service.SessionServiceConfig{
			TickInterval:     cfg.TimerTickInterval,
			AutosaveInterval: cfg.AutosaveInterval,
		},
		log,
	)

	// ─── Rehydrate Live Sessions ──────────────────────────────────────
	// Take over sessions left running by a previous process BEFORE accepting
	// traffic so their timers keep counting.
	if n, err := sessionService.Rehydrate(ctx); err != nil {
		log.Warn().Err(err).Msg("Session rehydration failed")
	} else {
		log.Info().Int("sessions", n).Msg("Live sessions rehydrated")
	}

	// ─── Initialize Handlers ──────────────────────────────────────────
	answerLimiter := middleware.NewAnswerLimiter(rdb, cfg.AnswerRateLimit, log)
	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(sessionService),
		Attempt: handler.NewAttemptHandler(attemptService, sessionService),
		WS:      handler.NewWSHandler(sessionService, answerLimiter, log, cfg.AllowedOrigins),
		Health:  database.NewStoreChecker(pool, rdb, 2*time.Second),
	}
	limiters := &router.Limiters{
		Answers: answerLimiter,
		Import:  middleware.NewRateLimiter(30, time.Minute),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	answerWorker := worker.NewAnswerWorker(answerRepo, rdb, log)
	workers.Add(1)
	go func() {
		defer workers.Done()
		answerWorker.Start(workerCtx)
	}()

	if cfg.RunScoringWorker {
		scoringWorker := worker.NewScoringPipeline(worker.PipelineDeps{
			Attempts:   attemptRepo,
			Rubrics:    rubricRepo,
			Correctors: rubricRepo,
			Queue:      jobQueue,
			Reclaimer:  attemptRepo,
		}, cfg, log)
		workers.Add(1)
		go func() {
			defer workers.Done()
			scoringWorker.Start(workerCtx)
		}()
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(handlers, limiters, cfg, log)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop session clocks and flush every live session.
	sessionCtx, sessionCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer sessionCancel()

	if err := sessionService.Shutdown(sessionCtx); err != nil {
		log.Error().Err(err).Msg("Session shutdown incomplete")
	}

	// 3. Stop background workers and wait for queues to drain.
	workerCancel()
	workers.Wait()

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
