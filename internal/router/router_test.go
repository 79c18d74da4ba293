package router

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-certify/internal/config"
	"github.com/stemsi/exstem-certify/internal/database"
	"github.com/stemsi/exstem-certify/internal/handler"
	"github.com/stemsi/exstem-certify/internal/middleware"
)

func testRouter() http.Handler {
	return testRouterWithHealth(nil)
}

func testRouterWithHealth(health *database.Checker) http.Handler {
	cfg := &config.Config{GinMode: "test"}
	handlers := &Handlers{
		Session: handler.NewSessionHandler(nil),
		Attempt: handler.NewAttemptHandler(nil, nil),
		WS:      handler.NewWSHandler(nil, nil, zerolog.Nop(), nil),
		Health:  health,
	}
	limiters := &Limiters{Import: middleware.NewRateLimiter(30, time.Minute)}
	return SetupRouter(handlers, limiters, cfg, zerolog.Nop())
}

func TestHealth(t *testing.T) {
	w := httptest.NewRecorder()
	testRouter().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
}

func TestSessionRoutesRequireTenant(t *testing.T) {
	r := testRouter()
	paths := []struct{ method, path string }{
		{http.MethodPost, "/api/v1/sessions"},
		{http.MethodGet, "/api/v1/sessions/6f1c7a52-8f3e-4a51-9d7e-3f0f4d0b9a10"},
		{http.MethodPost, "/api/v1/sessions/import"},
		{http.MethodGet, "/api/v1/attempts/6f1c7a52-8f3e-4a51-9d7e-3f0f4d0b9a10"},
		{http.MethodGet, "/ws/v1/sessions/6f1c7a52-8f3e-4a51-9d7e-3f0f4d0b9a10/stream"},
	}
	for _, p := range paths {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(p.method, p.path, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s %s: status = %d, want 400", p.method, p.path, w.Code)
		}
	}
}

func TestReady(t *testing.T) {
	tests := []struct {
		name   string
		health *database.Checker
		status int
	}{
		{"no checker", nil, http.StatusOK},
		{"stores up", database.NewChecker(time.Second).Add("redis", func(context.Context) error { return nil }), http.StatusOK},
		{"store down", database.NewChecker(time.Second).Add("postgres", func(context.Context) error { return errors.New("dial tcp: refused") }), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			testRouterWithHealth(tt.health).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.status, w.Body.String())
			}
		})
	}
}
