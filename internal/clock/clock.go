// Package clock abstracts the time source so session timers can be driven
// deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time and periodic tickers.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers ticks on C until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// Manual is a clock that only moves when Advance is called.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
}

// NewManual creates a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// NewTicker creates a ticker that fires as Advance crosses its period.
func (m *Manual) NewTicker(d time.Duration) Ticker {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTicker{
		clock:  m,
		period: d,
		next:   m.now.Add(d),
		ch:     make(chan time.Time, 1),
	}
	m.tickers = append(m.tickers, t)
	return t
}

// Advance moves the clock forward and fires due tickers. Like time.Ticker, a
// tick is dropped when the previous one has not been received yet.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	tickers := append([]*manualTicker(nil), m.tickers...)
	m.mu.Unlock()

	for _, t := range tickers {
		t.fire(now)
	}
}

func (m *Manual) remove(t *manualTicker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, x := range m.tickers {
		if x == t {
			m.tickers = append(m.tickers[:i], m.tickers[i+1:]...)
			return
		}
	}
}

type manualTicker struct {
	clock  *Manual
	mu     sync.Mutex
	period time.Duration
	next   time.Time
	ch     chan time.Time
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() { t.clock.remove(t) }

func (t *manualTicker) fire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if now.Before(t.next) {
		return
	}
	for !now.Before(t.next) {
		t.next = t.next.Add(t.period)
	}
	select {
	case t.ch <- now:
	default:
	}
}
