// Package inspect fans transaction lifecycle events out to attached inspector
// sessions. The wire format spoken to a DevTools-style frontend lives with the
// frontend; this package only carries the event contract.
package inspect

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/useful-bytes/netsleuth/internal/transaction"
)

// Event kinds emitted over a transaction's lifetime.
const (
	EventRequestCreated = "request-created"
	EventRequest        = "request"
	EventResponse       = "response"
	EventReqData        = "req-data"
	EventResData        = "res-data"
	EventReqError       = "req-error"
	EventReqBlocked     = "req-blocked"
	EventResEnd         = "res-end"
	EventResClose       = "res-close"
	EventWSOpen         = "ws-open"
	EventWSMessage      = "ws-message"
	EventWSClose        = "ws-close"
	EventWSError        = "ws-error"
)

// Event is one lifecycle notification. Txn may be nil for connection-scoped
// events.
type Event struct {
	Kind  string
	Host  string
	Txn   *transaction.Transaction
	Bytes int
	Rule  string
	Err   error
}

// Session is one attached inspector consumer.
type Session struct {
	ID string
	C  <-chan Event

	c chan Event
}

// Broadcaster delivers events to zero or more sessions. Delivery is
// non-blocking: a slow consumer loses events rather than stalling traffic.
type Broadcaster struct {
	mu       sync.Mutex
	sessions map[string]*Session
	log      zerolog.Logger
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		sessions: make(map[string]*Session),
		log:      log.With().Str("component", "inspect").Logger(),
	}
}

// Subscribe attaches a session with a buffered event channel.
func (b *Broadcaster) Subscribe(buffer int) *Session {
	if buffer <= 0 {
		buffer = 256
	}
	c := make(chan Event, buffer)
	s := &Session{ID: uuid.NewString(), C: c, c: c}
	b.mu.Lock()
	b.sessions[s.ID] = s
	b.mu.Unlock()
	b.log.Debug().Str("session", s.ID).Msg("inspector attached")
	return s
}

// Unsubscribe detaches a session and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	s, ok := b.sessions[id]
	if ok {
		delete(b.sessions, id)
	}
	b.mu.Unlock()
	if ok {
		close(s.c)
		b.log.Debug().Str("session", id).Msg("inspector detached")
	}
}

// SessionCount reports attached inspectors.
func (b *Broadcaster) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Emit delivers an event to every session without blocking.
func (b *Broadcaster) Emit(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.sessions {
		select {
		case s.c <- ev:
		default:
			b.log.Warn().Str("session", id).Str("kind", ev.Kind).Msg("inspector too slow, event dropped")
		}
	}
}
