package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-certify/internal/model"
	"github.com/stemsi/exstem-certify/internal/progress"
	"github.com/stemsi/exstem-certify/internal/timer"
)

// EventType names a session notification.
type EventType string

const (
	EventStateChanged     EventType = "state.changed"
	EventAnswerSaved      EventType = "answer.saved"
	EventProgressComplete EventType = "progress.complete"
	EventTimerWarning     EventType = "timer.warning"
	EventTimerExpired     EventType = "timer.expired"
)

// Event is one notification delivered to session subscribers.
type Event struct {
	Type             EventType          `json:"type"`
	SessionID        uuid.UUID          `json:"session_id"`
	At               time.Time          `json:"at"`
	From             model.SessionState `json:"from,omitempty"`
	To               model.SessionState `json:"to,omitempty"`
	Reason           string             `json:"reason,omitempty"`
	Progress         *progress.Update   `json:"progress,omitempty"`
	Timer            *timer.Event       `json:"timer,omitempty"`
	RemainingSeconds int                `json:"remaining_seconds"`
}

// broadcaster fans events out to subscriber channels. A subscriber whose
// buffer is full misses the event; the publisher never blocks.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	closed bool
	log    zerolog.Logger
}

func newBroadcaster(log zerolog.Logger) *broadcaster {
	return &broadcaster{subs: make(map[int]chan Event), log: log}
}

func (b *broadcaster) subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn().
				Int("subscriber", id).
				Str("event", string(ev.Type)).
				Msg("Subscriber buffer full, event dropped")
		}
	}
}

// close ends every subscription. Later subscribers get a closed channel.
func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
