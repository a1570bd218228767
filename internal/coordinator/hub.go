// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandcastle Contributors

package coordinator

import (
	"log/slog"
	"sync"
	"time"
)

// hub fans one session's event stream out to its subscribers. The buffer
// append and the broadcast happen under one mutex, so a concurrent
// subscribe observes any given event exactly once: either inside its
// snapshot or on its live channel, never neither.
type hub struct {
	mu      sync.Mutex
	buf     *Buffer
	epoch   string
	subs    map[int]*subscriber
	nextID  int
	subBuf  int
	closed  bool
	logger  *slog.Logger
	session string
}

type subscriber struct {
	id int
	ch chan SessionEvent
}

func newHub(sessionID, epoch string, bufferCap, subBuf int, logger *slog.Logger) *hub {
	if subBuf <= 0 {
		subBuf = 256
	}
	return &hub{
		buf:     NewBuffer(bufferCap),
		epoch:   epoch,
		subs:    make(map[int]*subscriber),
		subBuf:  subBuf,
		logger:  logger,
		session: sessionID,
	}
}

// Publish appends ev to the buffer and broadcasts the sequenced event to
// every live subscriber. A subscriber whose channel is full is dropped:
// its channel is closed and it must re-run the reconnection handshake.
// Returns the sequenced event.
func (h *hub) Publish(ev SessionEvent) SessionEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.Epoch = h.epoch

	if h.closed {
		return ev
	}

	ev = h.buf.Append(ev)

	for id, sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			// The subscriber cannot keep up. Dropping it here keeps the
			// publisher non-blocking; the gap is recoverable via replay.
			delete(h.subs, id)
			close(sub.ch)
			h.logger.Warn("dropping slow subscriber",
				"session_id", h.session,
				"subscriber_id", id,
				"seq", ev.Seq)
		}
	}
	return ev
}

// registerLocked installs a new subscriber channel and returns it with
// its idempotent cancel. Caller holds h.mu. A closed hub yields an
// already-closed channel.
func (h *hub) registerLocked() (chan SessionEvent, func()) {
	ch := make(chan SessionEvent, h.subBuf)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	h.nextID++
	id := h.nextID
	h.subs[id] = &subscriber{id: id, ch: ch}

	cancel := func() {
		h.mu.Lock()
		sub, ok := h.subs[id]
		if ok {
			delete(h.subs, id)
		}
		h.mu.Unlock()
		if ok {
			close(sub.ch)
		}
	}
	return ch, cancel
}

// SubscribeSnapshot atomically captures the buffer snapshot and registers
// a live channel. The snapshot's MaxSeq is the join point: every live
// event carries a higher seq.
func (h *hub) SubscribeSnapshot() (BufferSnapshot, <-chan SessionEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	snap := h.buf.Snapshot()
	ch, cancel := h.registerLocked()
	return snap, ch, cancel
}

// SubscriberCount returns the number of live subscribers.
func (h *hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Epoch returns the hub's current epoch token.
func (h *hub) Epoch() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.epoch
}

// Snapshot copies the buffer under the hub lock.
func (h *hub) Snapshot() BufferSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.buf.Snapshot()
}

// Reset installs a new epoch with a fresh buffer. Sequence numbering
// restarts and the gap flag clears; live subscribers keep their channels
// and learn of the restart from the epoch carried on subsequent events.
func (h *hub) Reset(epoch string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.epoch = epoch
	h.buf = NewBuffer(h.buf.cap)
}

// Close publishes an optional terminal event, then closes every
// subscriber channel and refuses further publishes. Idempotent.
func (h *hub) Close(final *SessionEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	if final != nil {
		ev := *final
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now().UTC()
		}
		ev.Epoch = h.epoch
		ev = h.buf.Append(ev)
		for _, sub := range h.subs {
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}

	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
	h.closed = true
}
