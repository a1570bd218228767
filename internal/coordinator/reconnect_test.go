// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandcastle Contributors

package coordinator

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func seqPtr(v uint64) *uint64 { return &v }

func TestSubscribeFreshGetsInitialState(t *testing.T) {
	reg, _, _ := newTestRegistry(t, Config{})
	ctx := context.Background()

	s := reg.GetOrCreate("s1")
	s.hub.Publish(SessionEvent{Type: EventStream})
	s.hub.Publish(SessionEvent{Type: EventStream})

	sub := reg.Subscribe(ctx, "s1", SubscribeRequest{})
	defer sub.Cancel()

	require.NotNil(t, sub.Initial)
	require.Nil(t, sub.Replay)
	require.Equal(t, EventInitialState, sub.Initial.Type)

	initial := sub.Initial.Initial
	require.Equal(t, "s1", initial.SessionID)
	require.Equal(t, s.Epoch(), initial.Epoch)
	require.Equal(t, StatusIdle, initial.Status)
	require.Len(t, initial.Events, 2)
	require.Equal(t, uint64(1), initial.MinSeq)
	require.Equal(t, uint64(2), initial.MaxSeq)
	require.False(t, initial.HasGap)
	require.False(t, initial.NeedsHistory)

	// Live events join right after the snapshot.
	s.hub.Publish(SessionEvent{Type: EventStream})
	ev := nextEvent(t, sub.Events)
	require.Equal(t, uint64(3), ev.Seq)
}

func TestSubscribeContiguousResumeGetsReplay(t *testing.T) {
	reg, _, _ := newTestRegistry(t, Config{})
	ctx := context.Background()

	s := reg.GetOrCreate("s1")
	for i := 0; i < 5; i++ {
		s.hub.Publish(SessionEvent{Type: EventStream})
	}

	sub := reg.Subscribe(ctx, "s1", SubscribeRequest{
		LastSeenSeq: seqPtr(3),
		Epoch:       s.Epoch(),
	})
	defer sub.Cancel()

	require.Nil(t, sub.Initial)
	require.Len(t, sub.Replay, 2)
	require.Equal(t, uint64(4), sub.Replay[0].Seq)
	require.Equal(t, uint64(5), sub.Replay[1].Seq)

	s.hub.Publish(SessionEvent{Type: EventStream})
	ev := nextEvent(t, sub.Events)
	require.Equal(t, uint64(6), ev.Seq)
}

func TestSubscribeCaughtUpGetsEmptyReplay(t *testing.T) {
	reg, _, _ := newTestRegistry(t, Config{})
	ctx := context.Background()

	s := reg.GetOrCreate("s1")
	for i := 0; i < 3; i++ {
		s.hub.Publish(SessionEvent{Type: EventStream})
	}

	sub := reg.Subscribe(ctx, "s1", SubscribeRequest{
		LastSeenSeq: seqPtr(3),
		Epoch:       s.Epoch(),
	})
	defer sub.Cancel()

	require.Nil(t, sub.Initial)
	require.Empty(t, sub.Replay)
}

func TestSubscribeBeyondBufferNeedsHistory(t *testing.T) {
	reg, _, _ := newTestRegistry(t, Config{BufferCap: 4})
	ctx := context.Background()

	s := reg.GetOrCreate("s1")
	for i := 0; i < 10; i++ {
		s.hub.Publish(SessionEvent{Type: EventStream})
	}
	// Retained: 7..10.

	sub := reg.Subscribe(ctx, "s1", SubscribeRequest{
		LastSeenSeq: seqPtr(2),
		Epoch:       s.Epoch(),
	})
	defer sub.Cancel()

	require.NotNil(t, sub.Initial)
	initial := sub.Initial.Initial
	require.True(t, initial.NeedsHistory)
	require.True(t, initial.HasGap)
	require.Equal(t, uint64(7), initial.MinSeq)
	require.Equal(t, uint64(10), initial.MaxSeq)
	require.Len(t, initial.Events, 4)
}

func TestSubscribeEpochMismatchGetsFreshSnapshot(t *testing.T) {
	reg, _, _ := newTestRegistry(t, Config{})
	ctx := context.Background()

	s := reg.GetOrCreate("s1")
	s.hub.Publish(SessionEvent{Type: EventStream})

	sub := reg.Subscribe(ctx, "s1", SubscribeRequest{
		LastSeenSeq: seqPtr(1),
		Epoch:       "some-stale-epoch",
	})
	defer sub.Cancel()

	require.NotNil(t, sub.Initial)
	require.False(t, sub.Initial.Initial.NeedsHistory)
	require.Len(t, sub.Initial.Initial.Events, 1)
}

func TestSubscribeFutureSeqGetsFreshSnapshot(t *testing.T) {
	reg, _, _ := newTestRegistry(t, Config{})
	ctx := context.Background()

	s := reg.GetOrCreate("s1")
	s.hub.Publish(SessionEvent{Type: EventStream})

	// A last seen seq beyond MaxSeq cannot be trusted (e.g. state from a
	// forgotten epoch collision): fall back to a fresh snapshot.
	sub := reg.Subscribe(ctx, "s1", SubscribeRequest{
		LastSeenSeq: seqPtr(99),
		Epoch:       s.Epoch(),
	})
	defer sub.Cancel()

	require.NotNil(t, sub.Initial)
	require.False(t, sub.Initial.Initial.NeedsHistory)
}

func TestSubscribeMaxSeqValueGetsFreshSnapshot(t *testing.T) {
	reg, fr, _ := newTestRegistry(t, Config{})
	ctx := context.Background()

	s := reg.GetOrCreate("s1")
	s.hub.Publish(SessionEvent{Type: EventStream})

	// The largest well-formed seq a client can put on the wire. Matching
	// epoch, so the handshake reaches the buffer decision.
	sub := reg.Subscribe(ctx, "s1", SubscribeRequest{
		LastSeenSeq: seqPtr(math.MaxUint64),
		Epoch:       s.Epoch(),
	})
	defer sub.Cancel()

	require.NotNil(t, sub.Initial)
	require.Empty(t, sub.Replay)
	require.False(t, sub.Initial.Initial.NeedsHistory)
	require.Equal(t, uint64(1), sub.Initial.Initial.MaxSeq)

	// The session must stay fully operable afterwards: a wedged mutex
	// here would hang every later operation.
	res, err := reg.Send(ctx, "s1", "still alive", SendOptions{})
	require.NoError(t, err)
	require.False(t, res.Queued)
	fr.nextRun(t).finish()

	snap, err := reg.Snapshot(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "s1", snap.SessionID)
}

func TestSubscribeCarriesTurnContext(t *testing.T) {
	reg, fr, _ := newTestRegistry(t, Config{})
	ctx := context.Background()

	res, err := reg.Send(ctx, "s1", "busy work", SendOptions{})
	require.NoError(t, err)
	run := fr.nextRun(t)
	defer run.finish()

	queued, err := reg.Send(ctx, "s1", "waiting", SendOptions{})
	require.NoError(t, err)
	require.True(t, queued.Queued)

	sub := reg.Subscribe(ctx, "s1", SubscribeRequest{})
	defer sub.Cancel()

	initial := sub.Initial.Initial
	require.Equal(t, StatusStreaming, initial.Status)
	require.NotNil(t, initial.ActiveTurn)
	require.Equal(t, res.TurnID, initial.ActiveTurn.ID)
	require.Len(t, initial.Queue, 1)
	require.Equal(t, queued.MessageID, initial.Queue[0].ID)
}
