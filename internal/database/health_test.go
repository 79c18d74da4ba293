package database

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCheckerReportsEveryProbe(t *testing.T) {
	c := NewChecker(time.Second).
		Add("postgres", func(context.Context) error { return nil }).
		Add("redis", func(context.Context) error { return errors.New("connection refused") })

	status, healthy := c.Check(context.Background())
	if healthy {
		t.Fatal("healthy with a failing probe")
	}
	if status["postgres"] != "ok" || status["redis"] != "connection refused" {
		t.Fatalf("status = %v", status)
	}
}

func TestCheckerTimesOutSlowProbes(t *testing.T) {
	c := NewChecker(20 * time.Millisecond).Add("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	_, healthy := c.Check(context.Background())
	if healthy {
		t.Fatal("slow probe reported healthy")
	}
	if time.Since(start) > time.Second {
		t.Fatal("check did not honour its timeout")
	}
}

func TestCheckerEmptyIsHealthy(t *testing.T) {
	status, healthy := NewChecker(time.Second).Check(context.Background())
	if !healthy || len(status) != 0 {
		t.Fatalf("status = %v healthy = %v", status, healthy)
	}
}
