// Package timer implements the exam countdown. The timer never reads a clock
// itself: its owner pushes elapsed time in through Advance.
package timer

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/stemsi/exstem-certify/internal/model"
)

// EventKind identifies a timer event.
type EventKind string

const (
	EventWarning EventKind = "timer.warning"
	EventExpired EventKind = "timer.expired"
)

// Event is emitted by Advance when a threshold is crossed or time runs out.
type Event struct {
	Kind             EventKind `json:"kind"`
	ThresholdSeconds int       `json:"threshold_seconds,omitempty"`
	MinutesRemaining int       `json:"minutes_remaining"`
	Message          string    `json:"message,omitempty"`
}

// Timer tracks remaining exam time and one-shot threshold warnings.
// It is not safe for concurrent use; the owning session serializes access.
type Timer struct {
	duration  time.Duration
	remaining time.Duration
	elapsed   time.Duration
	running   bool
	paused    bool
	expired   bool
	warnings  []model.TimerWarning
}

// New creates a stopped timer with the given warnings.
func New(cfg []model.WarningConfig) *Timer {
	warnings := make([]model.TimerWarning, 0, len(cfg))
	for _, w := range cfg {
		if w.ThresholdSeconds <= 0 {
			continue
		}
		warnings = append(warnings, model.TimerWarning{
			ThresholdSeconds: w.ThresholdSeconds,
			Message:          w.Message,
		})
	}
	// Nearest threshold to expiry is checked last so firing follows real time.
	sort.SliceStable(warnings, func(i, j int) bool {
		return warnings[i].ThresholdSeconds > warnings[j].ThresholdSeconds
	})
	return &Timer{warnings: warnings}
}

// Restore rebuilds a timer from persisted state.
func Restore(st model.TimerState) *Timer {
	t := &Timer{
		duration:  time.Duration(st.DurationSeconds) * time.Second,
		remaining: time.Duration(st.TimeRemainingSeconds) * time.Second,
		elapsed:   time.Duration(st.ElapsedSeconds) * time.Second,
		running:   st.IsRunning,
		paused:    st.IsPaused,
		warnings:  append([]model.TimerWarning(nil), st.Warnings...),
	}
	if st.TimeRemainingMillis > 0 || st.ElapsedMillis > 0 {
		t.remaining = time.Duration(st.TimeRemainingMillis) * time.Millisecond
		t.elapsed = time.Duration(st.ElapsedMillis) * time.Millisecond
	}
	sort.SliceStable(t.warnings, func(i, j int) bool {
		return t.warnings[i].ThresholdSeconds > t.warnings[j].ThresholdSeconds
	})
	t.expired = !t.running && t.duration > 0 && t.remaining == 0
	return t
}

// Clone returns an independent copy at full precision.
func (t *Timer) Clone() *Timer {
	c := *t
	c.warnings = append([]model.TimerWarning(nil), t.warnings...)
	return &c
}

// Start binds the timer to a duration and starts counting down.
// Warnings at or above the duration can never be crossed and are suppressed.
func (t *Timer) Start(d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.duration = d
	t.remaining = d
	t.elapsed = 0
	t.running = true
	t.paused = false
	t.expired = false
	for i := range t.warnings {
		t.warnings[i].Triggered = time.Duration(t.warnings[i].ThresholdSeconds)*time.Second >= d
	}
}

// Pause stops decrementing. It is a no-op unless running and unpaused.
func (t *Timer) Pause() bool {
	if !t.running || t.paused {
		return false
	}
	t.paused = true
	return true
}

// Resume continues decrementing. It is a no-op unless running and paused.
func (t *Timer) Resume() bool {
	if !t.running || !t.paused {
		return false
	}
	t.paused = false
	return true
}

// Stop halts the timer permanently.
func (t *Timer) Stop() {
	t.running = false
	t.paused = false
}

// AddTime extends a running timer. Warnings already fired stay fired.
func (t *Timer) AddTime(d time.Duration) bool {
	if !t.running || d <= 0 {
		return false
	}
	t.remaining += d
	t.duration += d
	return true
}

// Advance consumes d of elapsed time and returns the events it caused, in the
// order they happened. Time is ignored while stopped or paused.
func (t *Timer) Advance(d time.Duration) []Event {
	if !t.running || t.paused || d <= 0 {
		return nil
	}
	step := d
	if step > t.remaining {
		step = t.remaining
	}
	t.remaining -= step
	t.elapsed += step

	var events []Event
	for i := range t.warnings {
		w := &t.warnings[i]
		if w.Triggered || t.remaining > time.Duration(w.ThresholdSeconds)*time.Second {
			continue
		}
		w.Triggered = true
		events = append(events, Event{
			Kind:             EventWarning,
			ThresholdSeconds: w.ThresholdSeconds,
			MinutesRemaining: (w.ThresholdSeconds + 59) / 60,
			Message:          w.Message,
		})
	}

	if t.remaining == 0 && !t.expired {
		t.expired = true
		t.running = false
		t.paused = false
		events = append(events, Event{Kind: EventExpired})
	}
	return events
}

// Remaining returns the time left.
func (t *Timer) Remaining() time.Duration { return t.remaining }

// Elapsed returns the time consumed while running and unpaused.
func (t *Timer) Elapsed() time.Duration { return t.elapsed }

// Duration returns the total allotted time including added time.
func (t *Timer) Duration() time.Duration { return t.duration }

// IsRunning reports whether the timer has been started and not stopped.
func (t *Timer) IsRunning() bool { return t.running }

// IsPaused reports whether the timer is paused.
func (t *Timer) IsPaused() bool { return t.paused }

// Expired reports whether the timer ran out.
func (t *Timer) Expired() bool { return t.expired }

// ProgressFraction returns elapsed/(elapsed+remaining) in [0, 1].
func (t *Timer) ProgressFraction() float64 {
	total := t.elapsed + t.remaining
	if total <= 0 {
		if t.expired {
			return 1
		}
		return 0
	}
	f := float64(t.elapsed) / float64(total)
	return math.Min(1, math.Max(0, f))
}

// State returns the persisted form of the timer.
func (t *Timer) State() model.TimerState {
	return model.TimerState{
		IsRunning:            t.running,
		IsPaused:             t.paused,
		TimeRemainingSeconds: int(math.Ceil(t.remaining.Seconds())),
		DurationSeconds:      int(t.duration / time.Second),
		ElapsedSeconds:       int(t.elapsed / time.Second),
		TimeRemainingMillis:  t.remaining.Milliseconds(),
		ElapsedMillis:        t.elapsed.Milliseconds(),
		Warnings:             append([]model.TimerWarning(nil), t.warnings...),
	}
}

// Format renders d as MM:SS, or H:MM:SS from one hour up.
func Format(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
