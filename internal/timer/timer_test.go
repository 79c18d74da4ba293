package timer

import (
	"testing"
	"time"

	"github.com/stemsi/exstem-certify/internal/model"
)

func sixtyMinuteTimer() *Timer {
	t := New([]model.WarningConfig{
		{ThresholdSeconds: 300, Message: "5 minutes left"},
		{ThresholdSeconds: 600, Message: "10 minutes left"},
	})
	t.Start(60 * time.Minute)
	return t
}

func TestWarningsFireOnceInOrder(t *testing.T) {
	tests := []struct {
		name  string
		steps []time.Duration
	}{
		{name: "one second ticks", steps: repeat(time.Second, 3600)},
		{name: "minute ticks", steps: repeat(time.Minute, 60)},
		{name: "single jump", steps: []time.Duration{60 * time.Minute}},
		{name: "uneven", steps: []time.Duration{49 * time.Minute, 7 * time.Minute, 3 * time.Minute, time.Hour}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tm := sixtyMinuteTimer()
			var got []Event
			for _, d := range tt.steps {
				got = append(got, tm.Advance(d)...)
			}
			if len(got) != 3 {
				t.Fatalf("got %d events, want 3: %+v", len(got), got)
			}
			if got[0].Kind != EventWarning || got[0].ThresholdSeconds != 600 || got[0].MinutesRemaining != 10 {
				t.Errorf("first event = %+v, want 10 minute warning", got[0])
			}
			if got[1].Kind != EventWarning || got[1].ThresholdSeconds != 300 || got[1].MinutesRemaining != 5 {
				t.Errorf("second event = %+v, want 5 minute warning", got[1])
			}
			if got[2].Kind != EventExpired {
				t.Errorf("third event = %+v, want expiry", got[2])
			}
			if tm.IsRunning() {
				t.Error("timer still running after expiry")
			}
		})
	}
}

func TestWarningsDoNotRetriggerAfterAddTime(t *testing.T) {
	tm := sixtyMinuteTimer()
	if ev := tm.Advance(51 * time.Minute); len(ev) != 1 {
		t.Fatalf("expected the 10 minute warning, got %+v", ev)
	}
	tm.AddTime(15 * time.Minute)
	ev := tm.Advance(10 * time.Minute)
	for _, e := range ev {
		if e.ThresholdSeconds == 600 {
			t.Fatalf("10 minute warning fired twice")
		}
	}
}

func TestPauseStopsDecrement(t *testing.T) {
	tm := sixtyMinuteTimer()
	tm.Advance(time.Minute)
	if !tm.Pause() {
		t.Fatal("Pause on running timer returned false")
	}
	if tm.Pause() {
		t.Fatal("second Pause should be a no-op")
	}
	tm.Advance(30 * time.Minute)
	if got := tm.Remaining(); got != 59*time.Minute {
		t.Fatalf("remaining = %v, want 59m", got)
	}
	if !tm.Resume() {
		t.Fatal("Resume on paused timer returned false")
	}
	if tm.Resume() {
		t.Fatal("second Resume should be a no-op")
	}
	tm.Advance(time.Minute)
	if got := tm.Elapsed(); got != 2*time.Minute {
		t.Fatalf("elapsed = %v, want 2m", got)
	}
}

func TestExpiryEmittedOnce(t *testing.T) {
	tm := New(nil)
	tm.Start(2 * time.Second)
	var expired int
	for i := 0; i < 10; i++ {
		for _, e := range tm.Advance(time.Second) {
			if e.Kind == EventExpired {
				expired++
			}
		}
	}
	if expired != 1 {
		t.Fatalf("expired %d times, want 1", expired)
	}
	if tm.ProgressFraction() != 1 {
		t.Fatalf("progress = %v, want 1", tm.ProgressFraction())
	}
}

func TestWarningAboveDurationIsSuppressed(t *testing.T) {
	tm := New([]model.WarningConfig{{ThresholdSeconds: 600}})
	tm.Start(5 * time.Minute)
	for _, e := range tm.Advance(time.Minute) {
		if e.Kind == EventWarning {
			t.Fatalf("unexpected warning %+v", e)
		}
	}
}

func TestStateRoundTrip(t *testing.T) {
	tm := sixtyMinuteTimer()
	tm.Advance(52 * time.Minute)
	tm.Pause()

	restored := Restore(tm.State())
	if restored.Remaining() != 8*time.Minute || !restored.IsPaused() {
		t.Fatalf("restored remaining=%v paused=%v", restored.Remaining(), restored.IsPaused())
	}
	restored.Resume()
	ev := restored.Advance(4 * time.Minute)
	if len(ev) != 1 || ev[0].ThresholdSeconds != 300 {
		t.Fatalf("after restore got %+v, want only the 5 minute warning", ev)
	}
}

func TestStateKeepsMilliseconds(t *testing.T) {
	tm := sixtyMinuteTimer()
	tm.Advance(1500 * time.Millisecond)

	restored := Restore(tm.State())
	if restored.Remaining() != 60*time.Minute-1500*time.Millisecond || restored.Elapsed() != 1500*time.Millisecond {
		t.Fatalf("restored remaining=%v elapsed=%v", restored.Remaining(), restored.Elapsed())
	}

	// Records written before millisecond fields fall back to seconds.
	legacy := tm.State()
	legacy.TimeRemainingMillis, legacy.ElapsedMillis = 0, 0
	if got := Restore(legacy).Remaining(); got != 3599*time.Second {
		t.Fatalf("legacy remaining = %v, want 59m59s", got)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	tm := sixtyMinuteTimer()
	tm.Advance(900 * time.Millisecond)

	c := tm.Clone()
	c.Pause()
	c.Advance(time.Minute)
	if tm.IsPaused() || c.Remaining() != tm.Remaining() {
		t.Fatalf("clone shares state: paused=%v remaining=%v/%v", tm.IsPaused(), tm.Remaining(), c.Remaining())
	}
	c.Resume()
	if ev := c.Advance(52 * time.Minute); len(ev) != 1 {
		t.Fatalf("clone events = %+v", ev)
	}
	if ev := tm.Advance(52 * time.Minute); len(ev) != 1 || ev[0].ThresholdSeconds != 600 {
		t.Fatalf("original events = %+v, want the 10 minute warning", ev)
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "00:00"},
		{59 * time.Second, "00:59"},
		{10*time.Minute + 5*time.Second, "10:05"},
		{59*time.Minute + 59*time.Second, "59:59"},
		{time.Hour, "1:00:00"},
		{2*time.Hour + 3*time.Minute + 4*time.Second, "2:03:04"},
		{-time.Second, "00:00"},
	}
	for _, tt := range tests {
		if got := Format(tt.in); got != tt.want {
			t.Errorf("Format(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func repeat(d time.Duration, n int) []time.Duration {
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = d
	}
	return out
}
