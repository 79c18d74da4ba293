package config

import (
	"testing"
	"time"
)

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		raw  string
		want time.Duration
	}{
		{"", 45 * time.Second},
		{"30s", 30 * time.Second},
		{"90", 90 * time.Second},
		{"soon", 45 * time.Second},
	}
	for _, tt := range tests {
		t.Setenv("AUTOSAVE_INTERVAL", tt.raw)
		if got := getEnvDuration("AUTOSAVE_INTERVAL", 45*time.Second); got != tt.want {
			t.Errorf("getEnvDuration(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DISAGREEMENT_THRESHOLD", "")
	t.Setenv("RUN_SCORING_WORKER", "false")
	cfg := Load()
	if cfg.DisagreementThreshold != 0.15 {
		t.Errorf("DisagreementThreshold = %v", cfg.DisagreementThreshold)
	}
	if cfg.RunScoringWorker {
		t.Error("RUN_SCORING_WORKER=false ignored")
	}
	if cfg.WebhookTimeout != 30*time.Second {
		t.Errorf("WebhookTimeout = %v", cfg.WebhookTimeout)
	}
}

func TestParseOrigins(t *testing.T) {
	got := parseOrigins(" https://a.example , ,https://b.example")
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Fatalf("parseOrigins = %v", got)
	}
	if parseOrigins("") != nil {
		t.Fatal("empty origins must allow all")
	}
}
