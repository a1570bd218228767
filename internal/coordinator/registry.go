// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandcastle Contributors

// Package coordinator is the session event coordinator: the per-session
// registry of active agent runs, the sequenced fan-out bus with gap-free
// replay, the turn/queue state machine serialising user input against an
// in-flight turn, and the reconnection protocol that reconciles a
// client's position against the live buffer and durable history.
package coordinator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/andresmarpz/sandcastle/internal/runner"
	"github.com/andresmarpz/sandcastle/internal/store"
	scerr "github.com/andresmarpz/sandcastle/pkg/errors"
)

// Config tunes the coordinator.
type Config struct {
	// BufferCap bounds the per-session sequenced buffer.
	BufferCap int
	// SubscriberBuffer is the channel depth per subscriber; a subscriber
	// that falls this far behind is dropped.
	SubscriberBuffer int
	// IdleGrace is how long a session may stay idle and subscriber-free
	// before the janitor evicts it.
	IdleGrace time.Duration
	// InterruptTimeout bounds how long Interrupt waits for run teardown
	// before forcing the session idle.
	InterruptTimeout time.Duration
	// JanitorInterval is the eviction sweep cadence.
	JanitorInterval time.Duration
	// Model is passed through to the runner on every turn.
	Model string
}

func (c Config) withDefaults() Config {
	if c.BufferCap <= 0 {
		c.BufferCap = 1024
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 256
	}
	if c.IdleGrace <= 0 {
		c.IdleGrace = 10 * time.Minute
	}
	if c.InterruptTimeout <= 0 {
		c.InterruptTimeout = 5 * time.Second
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = time.Minute
	}
	return c
}

// Registry is the concurrent map from session ID to session bundle and
// the single source of truth for which sessions are active. It is the
// only piece of globally shared mutable state in the coordinator.
type Registry struct {
	cfg     Config
	runner  runner.Runner
	history store.HistoryStore
	logger  *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	janitorStop chan struct{}
	janitorDone chan struct{}
	closeOnce   sync.Once
}

// New creates a Registry and starts its eviction janitor.
func New(cfg Config, r runner.Runner, history store.HistoryStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	reg := &Registry{
		cfg:         cfg.withDefaults(),
		runner:      r,
		history:     history,
		logger:      logger,
		sessions:    make(map[string]*Session),
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	go reg.janitor()
	return reg
}

// GetOrCreate returns the session bundle for id, installing a fresh one
// atomically when absent. Racing callers for the same id all receive the
// same bundle.
func (r *Registry) GetOrCreate(id string) *Session {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s
	}
	s = newSession(id, r)
	r.sessions[id] = s
	r.logger.Info("session registered", "session_id", id, "epoch", s.Epoch())
	return s
}

// Get returns the session bundle for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// IsActive reports whether a bundle is registered for id.
func (r *Registry) IsActive(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// List returns the registered session IDs, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Send dispatches user input to the session, creating it on first
// message.
func (r *Registry) Send(ctx context.Context, id, content string, opts SendOptions) (SendResult, error) {
	return r.GetOrCreate(id).Send(ctx, content, opts)
}

// Subscribe runs the reconnection protocol against the session,
// registering it on demand.
func (r *Registry) Subscribe(ctx context.Context, id string, req SubscribeRequest) *Subscription {
	return r.GetOrCreate(id).Subscribe(ctx, req)
}

// Interrupt cancels the session's active run. Idempotent: an idle
// session is a no-op. Referencing an unregistered session is not-found.
func (r *Registry) Interrupt(ctx context.Context, id string) error {
	s, ok := r.Get(id)
	if !ok {
		return scerr.New(scerr.CodeSessionNotFound, "session not registered",
			scerr.FieldSessionID(id))
	}
	return s.Interrupt(ctx)
}

// RespondToApproval forwards a human decision for a pending tool call.
func (r *Registry) RespondToApproval(ctx context.Context, id, toolCallID string, decision runner.Decision, payload []byte) error {
	s, ok := r.Get(id)
	if !ok {
		return scerr.New(scerr.CodeSessionNotFound, "session not registered",
			scerr.FieldSessionID(id))
	}
	return s.RespondToApproval(ctx, toolCallID, decision, payload)
}

// Snapshot returns the request/response view of a registered session.
func (r *Registry) Snapshot(ctx context.Context, id string) (SessionSnapshot, error) {
	s, ok := r.Get(id)
	if !ok {
		return SessionSnapshot{}, scerr.New(scerr.CodeSessionNotFound, "session not registered",
			scerr.FieldSessionID(id))
	}
	return s.Snapshot(ctx), nil
}

// Remove detaches and disposes the session bundle: the active run is
// cancelled, in-flight subscribers receive a terminal session_deleted
// event, and their channels close. Durable history is left untouched.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return scerr.New(scerr.CodeSessionNotFound, "session not registered",
			scerr.FieldSessionID(id))
	}

	if run := s.markRemoved(); run != nil {
		run.Cancel()
	}
	s.hub.Close(&SessionEvent{Type: EventSessionDeleted})
	r.logger.Info("session removed", "session_id", id)
	return nil
}

// Close stops the janitor and disposes every session bundle.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.janitorStop)
		<-r.janitorDone

		r.mu.Lock()
		sessions := r.sessions
		r.sessions = make(map[string]*Session)
		r.mu.Unlock()

		for _, s := range sessions {
			if run := s.markRemoved(); run != nil {
				run.Cancel()
			}
			s.hub.Close(nil)
		}
	})
}

// janitor periodically evicts sessions that have been idle, queue-empty,
// and subscriber-free beyond the grace period. Eviction is best-effort
// resource reclamation; the session can always be re-registered, under a
// new epoch, by the next message or subscribe.
func (r *Registry) janitor() {
	defer close(r.janitorDone)

	ticker := time.NewTicker(r.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.janitorStop:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	cutoff := time.Now().UTC().Add(-r.cfg.IdleGrace)

	r.mu.RLock()
	candidates := make([]*Session, 0)
	for _, s := range r.sessions {
		if s.idleSince(cutoff) {
			candidates = append(candidates, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range candidates {
		r.mu.Lock()
		// Re-check under the write lock: a message or subscriber may have
		// arrived since the scan.
		if !s.idleSince(cutoff) {
			r.mu.Unlock()
			continue
		}
		delete(r.sessions, s.ID)
		r.mu.Unlock()

		s.markRemoved()
		s.hub.Close(nil)
		r.logger.Info("idle session evicted", "session_id", s.ID)
	}
}
