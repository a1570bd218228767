// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandcastle Contributors

package coordinator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andresmarpz/sandcastle/internal/runner"
	"github.com/andresmarpz/sandcastle/internal/store"
)

// fakeRunner hands every started run back to the test over the runs
// channel so the test can script the event stream.
type fakeRunner struct {
	mu       sync.Mutex
	startErr error
	requests []runner.RunRequest
	runs     chan *fakeRun
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{runs: make(chan *fakeRun, 16)}
}

func (f *fakeRunner) StartRun(_ context.Context, req runner.RunRequest) (runner.Run, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	err := f.startErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	run := newFakeRun()
	f.runs <- run
	return run, nil
}

func (f *fakeRunner) Name() string { return "fake" }

func (f *fakeRunner) setStartErr(err error) {
	f.mu.Lock()
	f.startErr = err
	f.mu.Unlock()
}

func (f *fakeRunner) lastRequest(t *testing.T) runner.RunRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func (f *fakeRunner) nextRun(t *testing.T) *fakeRun {
	t.Helper()
	select {
	case run := <-f.runs:
		return run
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a run to start")
		return nil
	}
}

type respondCall struct {
	ToolCallID string
	Decision   runner.Decision
	Payload    json.RawMessage
}

type fakeRun struct {
	events chan runner.StreamEvent

	mu         sync.Mutex
	responds   []respondCall
	respondErr error

	// holdOnCancel keeps the event channel open after Cancel, modelling a
	// stuck external process.
	holdOnCancel bool

	stopOnce  sync.Once
	cancelled chan struct{}
}

func newFakeRun() *fakeRun {
	return &fakeRun{
		events:    make(chan runner.StreamEvent, 64),
		cancelled: make(chan struct{}),
	}
}

func (r *fakeRun) Events() <-chan runner.StreamEvent { return r.events }

func (r *fakeRun) Respond(_ context.Context, toolCallID string, decision runner.Decision, payload json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responds = append(r.responds, respondCall{ToolCallID: toolCallID, Decision: decision, Payload: payload})
	return r.respondErr
}

func (r *fakeRun) Cancel() {
	r.mu.Lock()
	hold := r.holdOnCancel
	r.mu.Unlock()

	select {
	case <-r.cancelled:
	default:
		close(r.cancelled)
	}
	if !hold {
		r.finish()
	}
}

func (r *fakeRun) emit(ev runner.StreamEvent) { r.events <- ev }

func (r *fakeRun) emitText(text string) {
	r.emit(runner.StreamEvent{Type: runner.EventTextDelta, Text: text})
}

// finish closes the event stream, ending the run.
func (r *fakeRun) finish() {
	r.stopOnce.Do(func() { close(r.events) })
}

func (r *fakeRun) respondCalls() []respondCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]respondCall(nil), r.responds...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *fakeRunner, store.HistoryStore) {
	t.Helper()
	fr := newFakeRunner()
	history, err := store.Open(store.Config{Backend: "memory"})
	require.NoError(t, err)
	reg := New(cfg, fr, history, testLogger())
	t.Cleanup(func() {
		reg.Close()
		_ = history.Close()
	})
	return reg, fr, history
}

// nextEvent pops the next live event, failing the test on timeout or a
// closed channel.
func nextEvent(t *testing.T, ch <-chan SessionEvent) SessionEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return SessionEvent{}
	}
}

// waitForEvent discards events until one of the wanted type arrives.
func waitForEvent(t *testing.T, ch <-chan SessionEvent, typ EventType) SessionEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event channel closed while waiting for %s", typ)
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

// waitClosed asserts the channel closes, draining whatever remains.
func waitClosed(t *testing.T, ch <-chan SessionEvent) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for channel close")
		}
	}
}
