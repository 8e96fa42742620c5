// Package session owns the session lifecycle: it composes the store, the
// broadcaster and the invoker behind the operations clients see, and drives
// at most one agent invocation per session at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/comigor/sessiond/internal/broadcast"
	"github.com/comigor/sessiond/internal/invoke"
	"github.com/comigor/sessiond/internal/store"
)

var (
	// ErrValidation rejects bad input synchronously; nothing is persisted.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is the store's sentinel, re-exported for callers of the
	// facade.
	ErrNotFound = store.ErrNotFound
)

// Orchestrator is the facade over session state, message persistence,
// broadcast and invocation.
type Orchestrator struct {
	store       *store.Store
	broadcaster *broadcast.Broadcaster
	invoker     invoke.Invoker

	mu       sync.Mutex
	runLocks map[string]*sync.Mutex

	wg sync.WaitGroup
}

// New creates an orchestrator over the given collaborators.
func New(st *store.Store, b *broadcast.Broadcaster, inv invoke.Invoker) *Orchestrator {
	return &Orchestrator{
		store:       st,
		broadcaster: b,
		invoker:     inv,
		runLocks:    make(map[string]*sync.Mutex),
	}
}

// CreateSession persists a new idle session, optionally seeded with an
// initial user message.
func (o *Orchestrator) CreateSession(ctx context.Context, name, initialMessage string) (*store.Summary, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("session name must not be empty: %w", ErrValidation)
	}

	now := time.Now().UTC()
	sess := &store.Session{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    store.StatusIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	count := 0
	updatedAt := sess.UpdatedAt
	if initialMessage != "" {
		msg, err := o.store.AppendMessage(ctx, sess.ID, store.MessageFields{
			Role:    store.RoleUser,
			Kind:    store.KindText,
			Content: initialMessage,
		})
		if err != nil {
			return nil, err
		}
		count = 1
		// The append bumped the row's updated_at; report what the store holds.
		if msg.Timestamp.After(updatedAt) {
			updatedAt = msg.Timestamp
		}
	}

	return &store.Summary{
		ID:           sess.ID,
		Name:         sess.Name,
		Status:       sess.Status,
		MessageCount: count,
		CreatedAt:    sess.CreatedAt,
		UpdatedAt:    updatedAt,
	}, nil
}

// ListSessions returns all session summaries, most recently created first.
func (o *Orchestrator) ListSessions(ctx context.Context) ([]store.Summary, error) {
	return o.store.ListSessions(ctx)
}

// GetSession returns the session and its full ordered history.
func (o *Orchestrator) GetSession(ctx context.Context, id string) (*store.Session, error) {
	return o.store.GetSession(ctx, id)
}

// DeleteSession removes the session and all its messages.
func (o *Orchestrator) DeleteSession(ctx context.Context, id string) error {
	if err := o.store.DeleteSession(ctx, id); err != nil {
		return err
	}
	o.mu.Lock()
	delete(o.runLocks, id)
	o.mu.Unlock()
	return nil
}

// PostMessage accepts a user message: it is persisted and broadcast
// immediately, and an agent invocation is triggered asynchronously. The
// invocation queues behind any in-flight invocation for the same session;
// acceptance never blocks on it. Invocation failures are recorded in the
// session, not returned here.
func (o *Orchestrator) PostMessage(ctx context.Context, id, text string) (*store.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("message must not be empty: %w", ErrValidation)
	}

	msg, err := o.store.AppendMessage(ctx, id, store.MessageFields{
		Role:    store.RoleUser,
		Kind:    store.KindText,
		Content: text,
	})
	if err != nil {
		return nil, err
	}
	o.broadcaster.Publish(id, broadcast.NewEnvelope(msg))

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runInvocation(context.Background(), id)
	}()

	return msg, nil
}

// Subscribe registers a live subscriber for the session's events.
func (o *Orchestrator) Subscribe(sessionID string) *broadcast.Subscriber {
	return o.broadcaster.Subscribe(sessionID)
}

// Unsubscribe releases a subscriber.
func (o *Orchestrator) Unsubscribe(sub *broadcast.Subscriber) {
	o.broadcaster.Unsubscribe(sub)
}

// Wait blocks until all in-flight invocations have finished. Used on
// shutdown.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// runLock returns the per-session mutex that serializes invocations.
func (o *Orchestrator) runLock(sessionID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.runLocks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		o.runLocks[sessionID] = l
	}
	return l
}
