// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandcastle Contributors

package coordinator

import (
	"context"
	"time"
)

// SubscribeRequest carries a (re)connecting subscriber's last known
// position. A nil LastSeenSeq or an unknown epoch means the subscriber
// has no usable local state.
type SubscribeRequest struct {
	LastSeenSeq *uint64
	Epoch       string
}

// Subscription is the result of the reconnection handshake. Exactly one
// of Initial and Replay is meaningful: a fresh or gapped subscriber gets
// an InitialState, a contiguous resume gets the replay slice. Events is
// the live channel, closed when the subscriber is cancelled, dropped for
// falling behind, or the session is deleted. Cancel is idempotent.
type Subscription struct {
	Initial *SessionEvent
	Replay  []SessionEvent
	Events  <-chan SessionEvent
	Cancel  func()
}

type subscribeMode int

const (
	modeInitial subscribeMode = iota
	modeInitialNeedsHistory
	modeReplay
)

// subscribeDecision runs the handshake's buffer-side decision and the
// subscriber registration atomically under the hub lock:
//
//  1. unknown/mismatched epoch, or no last seen seq, or a last seen seq
//     beyond MaxSeq: fresh snapshot;
//  2. last seen within [MinSeq-1, MaxSeq]: exact replay, no gap;
//  3. last seen below MinSeq-1: fresh snapshot flagged NeedsHistory so
//     the client fills the gap from the durable store first.
func (h *hub) subscribeDecision(req SubscribeRequest) (subscribeMode, BufferSnapshot, []SessionEvent, <-chan SessionEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	mode := modeInitial
	if req.Epoch == h.epoch && req.LastSeenSeq != nil {
		// Seqs beyond MaxSeq are unknown to this epoch (stale client or
		// hostile input) and fall through to a fresh snapshot.
		if last := *req.LastSeenSeq; last <= h.buf.MaxSeq() {
			events, hasGap := h.buf.Since(last)
			if !hasGap {
				ch, cancel := h.registerLocked()
				return modeReplay, BufferSnapshot{}, events, ch, cancel
			}
			mode = modeInitialNeedsHistory
		}
	}

	snap := h.buf.Snapshot()
	ch, cancel := h.registerLocked()
	return mode, snap, nil, ch, cancel
}

// Subscribe runs the reconnection protocol for one subscriber. The
// returned subscription never silently loses an event: the replay or
// snapshot joins the live channel at the captured seq, and a gap the
// buffer cannot cover is reported explicitly via NeedsHistory.
func (s *Session) Subscribe(ctx context.Context, req SubscribeRequest) *Subscription {
	sub, initial := s.subscribeLocked(req)
	if initial == nil {
		return sub
	}

	// Cursor lookup is best effort: a zero cursor only means the client
	// falls back to fetching history from the beginning.
	if cursor, err := s.reg.history.Cursor(ctx, s.ID); err == nil {
		initial.HistoryCursor = cursor
	} else {
		s.reg.logger.Warn("history cursor lookup failed",
			"session_id", s.ID, "error", err)
	}

	sub.Initial = &SessionEvent{
		Type:      EventInitialState,
		Epoch:     initial.Epoch,
		Timestamp: time.Now().UTC(),
		Initial:   initial,
	}
	return sub
}

// subscribeLocked captures the handshake result and session state under
// s.mu. The deferred unlock keeps the mutex safe even if the handshake
// panics mid-decision. A non-nil InitialState means the caller still has
// to wrap it into the subscription's initial event.
func (s *Session) subscribeLocked(req SubscribeRequest) (*Subscription, *InitialState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mode, snap, replay, ch, cancel := s.hub.subscribeDecision(req)

	if mode == modeReplay {
		return &Subscription{Replay: replay, Events: ch, Cancel: cancel}, nil
	}

	initial := &InitialState{
		SessionID:        s.ID,
		Epoch:            s.hub.Epoch(),
		Status:           s.status,
		Queue:            append([]QueuedMessage(nil), s.queue...),
		PendingApprovals: s.approvals.list(),
		Events:           snap.Events,
		MinSeq:           snap.MinSeq,
		MaxSeq:           snap.MaxSeq,
		HasGap:           snap.HasGap,
		NeedsHistory:     mode == modeInitialNeedsHistory,
		Usage:            s.usage,
	}
	if s.turn != nil {
		turn := *s.turn
		initial.ActiveTurn = &turn
	}
	return &Subscription{Events: ch, Cancel: cancel}, initial
}
