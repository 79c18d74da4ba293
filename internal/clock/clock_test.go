package clock

import (
	"testing"
	"time"
)

func TestManualAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	c := NewManual(start)

	c.Advance(90 * time.Second)
	if got := c.Now().Sub(start); got != 90*time.Second {
		t.Fatalf("elapsed = %v, want 90s", got)
	}
}

func TestManualTicker(t *testing.T) {
	c := NewManual(time.Unix(0, 0))
	tk := c.NewTicker(time.Second)
	defer tk.Stop()

	c.Advance(500 * time.Millisecond)
	select {
	case <-tk.C():
		t.Fatal("ticker fired before its period")
	default:
	}

	c.Advance(time.Second)
	select {
	case <-tk.C():
	default:
		t.Fatal("ticker did not fire after its period")
	}

	tk.Stop()
	c.Advance(5 * time.Second)
	select {
	case <-tk.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}
