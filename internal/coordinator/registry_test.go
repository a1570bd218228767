// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandcastle Contributors

package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andresmarpz/sandcastle/internal/store"
	scerr "github.com/andresmarpz/sandcastle/pkg/errors"
)

func TestGetOrCreateIsAtomic(t *testing.T) {
	reg, _, _ := newTestRegistry(t, Config{})

	const workers = 32
	sessions := make([]*Session, workers)

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			sessions[i] = reg.GetOrCreate("shared")
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		require.Same(t, sessions[0], sessions[i])
	}
	require.Equal(t, []string{"shared"}, reg.List())
}

func TestRegistryListAndIsActive(t *testing.T) {
	reg, _, _ := newTestRegistry(t, Config{})

	require.Empty(t, reg.List())
	require.False(t, reg.IsActive("s1"))

	reg.GetOrCreate("s2")
	reg.GetOrCreate("s1")

	require.Equal(t, []string{"s1", "s2"}, reg.List())
	require.True(t, reg.IsActive("s1"))
}

func TestRegistrySnapshotNotFound(t *testing.T) {
	reg, _, _ := newTestRegistry(t, Config{})

	_, err := reg.Snapshot(context.Background(), "missing")
	require.True(t, scerr.IsNotFound(err))
}

func TestRemoveCancelsRunAndNotifiesSubscribers(t *testing.T) {
	reg, fr, _ := newTestRegistry(t, Config{})
	ctx := context.Background()

	sub := reg.Subscribe(ctx, "s1", SubscribeRequest{})
	defer sub.Cancel()

	_, err := reg.Send(ctx, "s1", "work", SendOptions{})
	require.NoError(t, err)
	run := fr.nextRun(t)

	require.NoError(t, reg.Remove(ctx, "s1"))
	require.False(t, reg.IsActive("s1"))

	select {
	case <-run.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("remove did not cancel the active run")
	}

	deleted := waitForEvent(t, sub.Events, EventSessionDeleted)
	require.Equal(t, EventSessionDeleted, deleted.Type)
	waitClosed(t, sub.Events)

	// The ID itself is reusable after removal.
	require.NotNil(t, reg.GetOrCreate("s1"))
	require.True(t, reg.IsActive("s1"))

	require.True(t, scerr.IsNotFound(reg.Remove(ctx, "s2")))
}

func TestRemovedSessionRejectsSend(t *testing.T) {
	reg, _, _ := newTestRegistry(t, Config{})
	ctx := context.Background()

	s := reg.GetOrCreate("s1")
	require.NoError(t, reg.Remove(ctx, "s1"))

	_, err := s.Send(ctx, "too late", SendOptions{})
	require.True(t, scerr.IsNotFound(err))
}

func TestJanitorEvictsIdleSessions(t *testing.T) {
	reg, _, _ := newTestRegistry(t, Config{
		IdleGrace:       30 * time.Millisecond,
		JanitorInterval: 10 * time.Millisecond,
	})

	reg.GetOrCreate("idle")

	require.Eventually(t, func() bool {
		return !reg.IsActive("idle")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestJanitorSparesSubscribedSessions(t *testing.T) {
	reg, _, _ := newTestRegistry(t, Config{
		IdleGrace:       30 * time.Millisecond,
		JanitorInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	sub := reg.Subscribe(ctx, "watched", SubscribeRequest{})
	defer sub.Cancel()

	time.Sleep(150 * time.Millisecond)
	require.True(t, reg.IsActive("watched"))
}

func TestJanitorSparesStreamingSessions(t *testing.T) {
	reg, fr, _ := newTestRegistry(t, Config{
		IdleGrace:       30 * time.Millisecond,
		JanitorInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	_, err := reg.Send(ctx, "busy", "long job", SendOptions{})
	require.NoError(t, err)
	run := fr.nextRun(t)
	defer run.finish()

	time.Sleep(150 * time.Millisecond)
	require.True(t, reg.IsActive("busy"))
}

func TestRegistryCloseDisposesSessions(t *testing.T) {
	fr := newFakeRunner()
	history, err := store.Open(store.Config{Backend: "memory"})
	require.NoError(t, err)
	reg := New(Config{}, fr, history, testLogger())

	ctx := context.Background()
	sub := reg.Subscribe(ctx, "s1", SubscribeRequest{})

	reg.Close()
	reg.Close() // idempotent

	waitClosed(t, sub.Events)
	require.Empty(t, reg.List())
	require.NoError(t, history.Close())
}
