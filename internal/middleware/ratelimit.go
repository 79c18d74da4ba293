package middleware

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-certify/internal/config"
	"github.com/stemsi/exstem-certify/internal/response"
)

// KeyFunc picks the bucket a request is counted against.
type KeyFunc func(c *gin.Context) string

// ByClientIP counts requests per client IP.
func ByClientIP(c *gin.Context) string { return c.ClientIP() }

// RateLimiter implements a simple in-memory token bucket rate limiter.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int           // Tokens per interval
	interval time.Duration // Refill interval
	now      func() time.Time
}

type visitor struct {
	tokens   int
	lastSeen time.Time
}

// NewRateLimiter creates a RateLimiter (e.g., 10 requests per minute).
func NewRateLimiter(rate int, interval time.Duration) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		interval: interval,
		now:      time.Now,
	}

	// Cleanup stale visitors every minute.
	go func() {
		for range time.Tick(time.Minute) {
			rl.cleanup()
		}
	}()

	return rl
}

// Allow takes one token from key's bucket.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	v, exists := rl.visitors[key]
	if !exists {
		v = &visitor{tokens: rl.rate, lastSeen: now}
		rl.visitors[key] = v
	}

	// Refill tokens based on elapsed time.
	refill := int(now.Sub(v.lastSeen)/rl.interval) * rl.rate
	if refill > 0 {
		v.tokens = min(v.tokens+refill, rl.rate)
		v.lastSeen = now
	}

	if v.tokens <= 0 {
		return false
	}
	v.tokens--
	return true
}

// Middleware returns a Gin middleware that rate-limits requests by key.
func (rl *RateLimiter) Middleware(key KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(key(c)) {
			response.AbortFail(c, http.StatusTooManyRequests, response.ErrRateLimitExceeded)
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, v := range rl.visitors {
		if rl.now().Sub(v.lastSeen) > 3*rl.interval+3*time.Minute {
			delete(rl.visitors, key)
		}
	}
}

// ─── Per-session answer limiter ─────────────────────────────────────

// AnswerLimiter caps answer submissions per session per minute across all
// server instances with a Redis fixed-window counter.
type AnswerLimiter struct {
	rdb   *redis.Client
	limit int
	log   zerolog.Logger
}

// NewAnswerLimiter creates a new AnswerLimiter. A limit of 0 disables it.
func NewAnswerLimiter(rdb *redis.Client, limit int, log zerolog.Logger) *AnswerLimiter {
	return &AnswerLimiter{
		rdb:   rdb,
		limit: limit,
		log:   log.With().Str("component", "answer_limiter").Logger(),
	}
}

// Allow counts one submission for the session. Redis failures let the
// submission through.
func (l *AnswerLimiter) Allow(ctx context.Context, sessionID string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	n, err := l.incr(ctx, config.CacheKey.AnswerRateKey(sessionID))
	if err != nil {
		l.log.Warn().Err(err).Str("session_id", sessionID).Msg("Answer rate check failed, allowing")
		return true
	}
	return n <= int64(l.limit)
}

func (l *AnswerLimiter) incr(ctx context.Context, key string) (int64, error) {
	var incr *redis.IntCmd
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, time.Minute)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return incr.Val(), nil
}

// Middleware limits the route by its :id session parameter.
func (l *AnswerLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.Request.Context(), c.Param("id")) {
			response.AbortFail(c, http.StatusTooManyRequests, response.ErrRateLimitExceeded)
			return
		}
		c.Next()
	}
}
