package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRateLimiterRefill(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     2,
		interval: time.Minute,
		now:      func() time.Time { return now },
	}

	for i, want := range []bool{true, true, false} {
		if got := rl.Allow("s1"); got != want {
			t.Fatalf("call %d: Allow = %v, want %v", i, got, want)
		}
	}
	if !rl.Allow("s2") {
		t.Fatal("buckets are not independent per key")
	}

	now = now.Add(time.Minute)
	if !rl.Allow("s1") {
		t.Fatal("bucket did not refill after one interval")
	}
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     1,
		interval: time.Hour,
		now:      time.Now,
	}
	r := gin.New()
	r.GET("/sessions/:id", rl.Middleware(func(c *gin.Context) string { return c.Param("id") }), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	codes := make([]int, 0, 3)
	for _, path := range []string{"/sessions/a", "/sessions/a", "/sessions/b"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		codes = append(codes, w.Code)
	}
	want := []int{http.StatusNoContent, http.StatusTooManyRequests, http.StatusNoContent}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("codes = %v, want %v", codes, want)
		}
	}
}

func TestAnswerLimiterFailsOpen(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()
	l := NewAnswerLimiter(rdb, 1, zerolog.Nop())

	for i := 0; i < 3; i++ {
		if !l.Allow(context.Background(), "s1") {
			t.Fatalf("call %d rejected while Redis is down", i)
		}
	}

	var disabled *AnswerLimiter
	if !disabled.Allow(context.Background(), "s1") {
		t.Fatal("nil limiter must allow")
	}
}

func TestRequireTenant(t *testing.T) {
	r := gin.New()
	r.Use(RequireTenant())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, GetTenantID(c)) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing tenant: status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderTenantID, " acme ")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "acme" {
		t.Fatalf("got %d %q", w.Code, w.Body.String())
	}
}
