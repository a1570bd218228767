// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandcastle Contributors

package coordinator

// Buffer is the bounded, ordered in-memory log of a session's events. It
// assigns sequence numbers on append and retains the most recent cap
// entries. Buffer is not safe for concurrent use; the owning hub
// serialises access.
type Buffer struct {
	cap     int
	events  []SessionEvent
	nextSeq uint64
	hasGap  bool
}

// BufferSnapshot is a point-in-time copy of a Buffer's retained events
// and bounds.
type BufferSnapshot struct {
	Events []SessionEvent
	MinSeq uint64
	MaxSeq uint64
	HasGap bool
}

// NewBuffer creates a Buffer retaining at most cap events. cap must be
// positive.
func NewBuffer(cap int) *Buffer {
	if cap <= 0 {
		cap = 1
	}
	return &Buffer{cap: cap, nextSeq: 1}
}

// Append assigns the next sequence number to ev, stores it, and evicts
// the oldest entry if the cap is exceeded. The first eviction latches the
// gap flag for the remainder of the epoch. Returns the stored event.
func (b *Buffer) Append(ev SessionEvent) SessionEvent {
	ev.Seq = b.nextSeq
	b.nextSeq++

	b.events = append(b.events, ev)
	if len(b.events) > b.cap {
		drop := len(b.events) - b.cap
		b.events = append(b.events[:0:0], b.events[drop:]...)
		b.hasGap = true
	}
	return ev
}

// MinSeq returns the lowest retained sequence number, or 0 when the
// buffer is empty.
func (b *Buffer) MinSeq() uint64 {
	if len(b.events) == 0 {
		return 0
	}
	return b.events[0].Seq
}

// MaxSeq returns the highest assigned sequence number, or 0 before the
// first append. Evicted events still count: MaxSeq never decreases.
func (b *Buffer) MaxSeq() uint64 {
	return b.nextSeq - 1
}

// HasGap reports whether the buffer has ever evicted an event in this
// epoch.
func (b *Buffer) HasGap() bool {
	return b.hasGap
}

// Snapshot copies the retained events and bounds.
func (b *Buffer) Snapshot() BufferSnapshot {
	events := make([]SessionEvent, len(b.events))
	copy(events, b.events)
	return BufferSnapshot{
		Events: events,
		MinSeq: b.MinSeq(),
		MaxSeq: b.MaxSeq(),
		HasGap: b.hasGap,
	}
}

// Since returns the retained events with Seq > seq, and whether a gap
// exists between seq and the oldest retained event. Gap detection is
// relative to the requested seq: a request below MinSeq-1 reports a gap
// even if the global gap flag is clear for other readers.
func (b *Buffer) Since(seq uint64) ([]SessionEvent, bool) {
	min := b.MinSeq()
	if len(b.events) == 0 {
		// Nothing retained. Anything before MaxSeq is unsatisfiable.
		return nil, seq < b.MaxSeq()
	}

	gap := seq < min-1

	// Binary search is unnecessary at the cap sizes in play; retained
	// events are contiguous so index arithmetic finds the start. seq is
	// caller-supplied and may exceed MaxSeq by any amount, so the offset
	// stays in uint64 space and is clamped before the int conversion.
	var start uint64
	if seq >= min {
		start = seq - min + 1
		if start > uint64(len(b.events)) {
			start = uint64(len(b.events))
		}
	}

	out := make([]SessionEvent, uint64(len(b.events))-start)
	copy(out, b.events[start:])
	return out, gap
}
