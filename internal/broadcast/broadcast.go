// Package broadcast fans persisted messages out to the live subscribers of a
// session. Delivery is best-effort: a subscriber that is gone or too slow is
// pruned without affecting the others, and events are never queued for absent
// subscribers. Durable history is the store's job, not this package's.
package broadcast

import (
	"sync"
	"time"

	"github.com/comigor/sessiond/internal/logger"
	"github.com/comigor/sessiond/internal/store"
)

// Envelope is the JSON shape published to subscribers (and written to the
// WebSocket as-is).
type Envelope struct {
	Type      string    `json:"type"` // message | tool_result | error
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	ToolName  *string   `json:"tool_name,omitempty"`
	Error     *string   `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEnvelope maps a persisted message onto its wire shape.
func NewEnvelope(m *store.Message) Envelope {
	env := Envelope{
		Type:      "message",
		Role:      string(m.Role),
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	switch m.Kind {
	case store.KindToolResult:
		env.Type = "tool_result"
		env.ToolName = m.ToolName
		env.Error = m.Error
	case store.KindError:
		env.Type = "error"
	}
	return env
}

// Subscriber is a live delivery channel bound to one session.
type Subscriber struct {
	sessionID string
	ch        chan Envelope
	once      sync.Once
}

// C is the channel events arrive on. It is closed when the subscriber is
// unsubscribed or pruned.
func (s *Subscriber) C() <-chan Envelope {
	return s.ch
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// sendBuffer is the per-subscriber channel depth. A subscriber that falls
// this far behind is considered dead and pruned.
const sendBuffer = 64

type group struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

// Broadcaster is the per-session subscriber registry. Unrelated sessions
// never contend: the global lock guards only registry membership, delivery
// holds the per-session lock.
type Broadcaster struct {
	mu     sync.RWMutex
	groups map[string]*group
}

// New creates an empty broadcaster.
func New() *Broadcaster {
	return &Broadcaster{groups: make(map[string]*group)}
}

// Subscribe registers a new delivery channel for the session.
func (b *Broadcaster) Subscribe(sessionID string) *Subscriber {
	sub := &Subscriber{sessionID: sessionID, ch: make(chan Envelope, sendBuffer)}
	b.mu.Lock()
	g, ok := b.groups[sessionID]
	if !ok {
		g = &group{subs: make(map[*Subscriber]struct{})}
		b.groups[sessionID] = g
	}
	b.mu.Unlock()

	g.mu.Lock()
	g.subs[sub] = struct{}{}
	g.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscriber and closes its channel. Unsubscribing a
// subscriber that was already pruned is a no-op.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	g, ok := b.groups[sub.sessionID]
	b.mu.Unlock()
	if ok {
		g.mu.Lock()
		delete(g.subs, sub)
		g.mu.Unlock()
	}
	sub.close()
}

// Publish delivers env to every current subscriber of the session, in FIFO
// order per session. A subscriber whose buffer is full is pruned; publishing
// to a session with no subscribers is a no-op.
func (b *Broadcaster) Publish(sessionID string, env Envelope) {
	b.mu.RLock()
	g, ok := b.groups[sessionID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for sub := range g.subs {
		select {
		case sub.ch <- env:
		default:
			logger.L.Debug("pruning slow subscriber", "session_id", sessionID)
			delete(g.subs, sub)
			sub.close()
		}
	}
}

// SubscriberCount reports how many subscribers a session currently has.
func (b *Broadcaster) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	g, ok := b.groups[sessionID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}
