package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-certify/internal/config"
	"github.com/stemsi/exstem-certify/internal/database"
	"github.com/stemsi/exstem-certify/internal/handler"
	"github.com/stemsi/exstem-certify/internal/logger"
	"github.com/stemsi/exstem-certify/internal/middleware"
	"github.com/stemsi/exstem-certify/internal/response"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session *handler.SessionHandler
	Attempt *handler.AttemptHandler
	WS      *handler.WSHandler
	// Health backs /ready; nil reports ready unconditionally.
	Health *database.Checker
}

// Limiters groups the rate limiters applied to routes.
type Limiters struct {
	// Answers caps answer submissions per session across instances.
	Answers *middleware.AnswerLimiter
	// Import caps snapshot imports per client IP.
	Import *middleware.RateLimiter
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(handlers *Handlers, limiters *Limiters, cfg *config.Config, log zerolog.Logger) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", response.HeaderRequestID, middleware.HeaderTenantID}
	corsConfig.ExposeHeaders = []string{response.HeaderRequestID, "Content-Disposition"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())
	router.Use(logger.RequestLogger(log))

	// Liveness and readiness.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/ready", readiness(handlers.Health))

	// ─── 1. Session API (tenant scoped) ────────────────────────────────
	api := router.Group("/api/v1")
	api.Use(middleware.RequireTenant())
	{
		api.POST("/sessions", handlers.Session.StartSession)
		api.POST("/sessions/import", limiters.Import.Middleware(middleware.ByClientIP), handlers.Session.ImportSession)
		api.GET("/sessions/:id", handlers.Session.GetSession)
		api.POST("/sessions/:id/answers", limiters.Answers.Middleware(), handlers.Session.SubmitAnswer)
		api.POST("/sessions/:id/pause", handlers.Session.PauseSession)
		api.POST("/sessions/:id/resume", handlers.Session.ResumeSession)
		api.POST("/sessions/:id/finish", handlers.Session.FinishSession)
		api.POST("/sessions/:id/abandon", handlers.Session.AbandonSession)
		api.GET("/sessions/:id/export", handlers.Session.ExportSession)

		// Scoring results
		api.GET("/sessions/:id/attempts", handlers.Attempt.ListSessionAttempts)
		api.GET("/attempts/:id", handlers.Attempt.GetAttempt)
	}

	// ─── 2. WebSocket Group ────────────────────────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireTenant())
	{
		ws.GET("/sessions/:id/stream", handlers.WS.SessionStream)
	}

	return router
}

func readiness(checker *database.Checker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if checker == nil {
			response.Success(c, http.StatusOK, gin.H{"status": "ready"})
			return
		}
		status, healthy := checker.Check(c.Request.Context())
		if !healthy {
			response.FailWithFields(c, http.StatusServiceUnavailable, response.ErrServiceUnavailable, status)
			return
		}
		response.Success(c, http.StatusOK, gin.H{"status": "ready", "checks": status})
	}
}
