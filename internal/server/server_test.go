// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandcastle Contributors

package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmarpz/sandcastle/internal/coordinator"
	"github.com/andresmarpz/sandcastle/internal/runner"
	"github.com/andresmarpz/sandcastle/internal/store"
)

// scriptedRunner hands each started run back to the test for driving.
type scriptedRunner struct {
	runs chan *scriptedRun
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{runs: make(chan *scriptedRun, 16)}
}

func (f *scriptedRunner) StartRun(_ context.Context, _ runner.RunRequest) (runner.Run, error) {
	run := &scriptedRun{
		events:    make(chan runner.StreamEvent, 64),
		cancelled: make(chan struct{}),
	}
	f.runs <- run
	return run, nil
}

func (f *scriptedRunner) Name() string { return "scripted" }

func (f *scriptedRunner) next(t *testing.T) *scriptedRun {
	t.Helper()
	select {
	case run := <-f.runs:
		return run
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a run")
		return nil
	}
}

type scriptedRun struct {
	events     chan runner.StreamEvent
	cancelled  chan struct{}
	cancelOnce sync.Once

	mu       sync.Mutex
	responds []string
}

func (r *scriptedRun) Events() <-chan runner.StreamEvent { return r.events }

func (r *scriptedRun) Respond(_ context.Context, toolCallID string, _ runner.Decision, _ json.RawMessage) error {
	r.mu.Lock()
	r.responds = append(r.responds, toolCallID)
	r.mu.Unlock()
	return nil
}

func (r *scriptedRun) Cancel() {
	r.cancelOnce.Do(func() {
		close(r.cancelled)
		close(r.events)
	})
}

func (r *scriptedRun) finish() {
	r.cancelOnce.Do(func() {
		close(r.cancelled)
		close(r.events)
	})
}

type testEnv struct {
	srv    *Server
	fr     *scriptedRunner
	coord  *coordinator.Registry
	client *http.Client
	base   string
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}

	fr := newScriptedRunner()
	history, err := store.Open(store.Config{Backend: "memory"})
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord := coordinator.New(coordinator.Config{}, fr, history, logger)

	srv, err := New(cfg, Deps{
		Coordinator: coord,
		History:     history,
		RunnerName:  fr.Name(),
		Version:     "test",
	}, logger)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		coord.Close()
		_ = history.Close()
	})

	return &testEnv{srv: srv, fr: fr, coord: coord, client: ts.Client(), base: ts.URL}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.base+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp := env.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "scripted", body["runner"])
	assert.Equal(t, "test", body["version"])
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, Config{AuthToken: "hunter2"})

	// Health stays open.
	resp := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// API requires the token.
	resp = env.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodGet, env.base+"/api/v1/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = env.client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	req.Header.Set("Authorization", "Bearer hunter2")
	resp, err = env.client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestSendMessageStartsAndQueues(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp := env.do(t, http.MethodPost, "/api/v1/sessions/s1/messages",
		map[string]any{"content": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	first := decodeBody[coordinator.SendResult](t, resp)
	assert.NotEmpty(t, first.TurnID)
	assert.False(t, first.Queued)

	run := env.fr.next(t)
	defer run.finish()

	resp = env.do(t, http.MethodPost, "/api/v1/sessions/s1/messages",
		map[string]any{"content": "next"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decodeBody[coordinator.SendResult](t, resp)
	assert.True(t, second.Queued)

	resp = env.do(t, http.MethodPost, "/api/v1/sessions/s1/messages",
		map[string]any{"content": "now or never", "no_queue": true})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestSendMessageValidation(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp := env.do(t, http.MethodPost, "/api/v1/sessions/s1/messages",
		map[string]any{"content": ""})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()
}

func TestGetSessionSnapshot(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp := env.do(t, http.MethodGet, "/api/v1/sessions/nope", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/api/v1/sessions/s1/messages",
		map[string]any{"content": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	run := env.fr.next(t)
	defer run.finish()

	resp = env.do(t, http.MethodGet, "/api/v1/sessions/s1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decodeBody[coordinator.SessionSnapshot](t, resp)
	assert.Equal(t, "s1", snap.SessionID)
	assert.Equal(t, coordinator.StatusStreaming, snap.Status)
	assert.NotNil(t, snap.ActiveTurn)
	assert.NotEmpty(t, snap.Epoch)
}

func TestInterruptIsIdempotent(t *testing.T) {
	env := newTestEnv(t, Config{})

	// Unknown session still succeeds.
	resp := env.do(t, http.MethodPost, "/api/v1/sessions/ghost/interrupt", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/api/v1/sessions/s1/messages",
		map[string]any{"content": "work"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	run := env.fr.next(t)

	resp = env.do(t, http.MethodPost, "/api/v1/sessions/s1/interrupt", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	select {
	case <-run.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("interrupt did not cancel the run")
	}
}

func TestApprovalEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp := env.do(t, http.MethodPost, "/api/v1/sessions/ghost/approvals/tc-1",
		map[string]any{"decision": "allow"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/api/v1/sessions/s1/messages",
		map[string]any{"content": "use a tool"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	run := env.fr.next(t)
	defer run.finish()

	run.events <- runner.StreamEvent{
		Type:     runner.EventToolApprovalRequest,
		Approval: &runner.ApprovalRequest{ToolCallID: "tc-1", ToolName: "bash"},
	}

	require.Eventually(t, func() bool {
		snap, err := env.coord.Snapshot(context.Background(), "s1")
		return err == nil && len(snap.PendingApprovals) == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp = env.do(t, http.MethodPost, "/api/v1/sessions/s1/approvals/tc-1",
		map[string]any{"decision": "allow"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Already resolved: stale conflict.
	resp = env.do(t, http.MethodPost, "/api/v1/sessions/s1/approvals/tc-1",
		map[string]any{"decision": "deny"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestHistoryEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp := env.do(t, http.MethodPost, "/api/v1/sessions/s1/messages",
		map[string]any{"content": "question"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	run := env.fr.next(t)
	run.events <- runner.StreamEvent{Type: runner.EventTextDelta, Text: "answer"}
	run.finish()

	type historyBody struct {
		Messages []*store.Message    `json:"messages"`
		Cursor   store.HistoryCursor `json:"cursor"`
	}

	require.Eventually(t, func() bool {
		resp := env.do(t, http.MethodGet, "/api/v1/sessions/s1/history", nil)
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return false
		}
		body := decodeBody[historyBody](t, resp)
		return len(body.Messages) == 2
	}, 2*time.Second, 20*time.Millisecond)

	resp = env.do(t, http.MethodGet, "/api/v1/sessions/s1/history?limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[historyBody](t, resp)
	require.Len(t, body.Messages, 1)
	assert.Equal(t, store.RoleUser, body.Messages[0].Role)
	assert.NotEmpty(t, body.Cursor.LastMessageID)

	after := body.Messages[0].ID
	resp = env.do(t, http.MethodGet, "/api/v1/sessions/s1/history?after="+after, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody[historyBody](t, resp)
	require.Len(t, body.Messages, 1)
	assert.Equal(t, store.RoleAssistant, body.Messages[0].Role)
}

func TestDeleteSession(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp := env.do(t, http.MethodPost, "/api/v1/sessions/s1/messages",
		map[string]any{"content": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	run := env.fr.next(t)
	run.finish()

	resp = env.do(t, http.MethodDelete, "/api/v1/sessions/s1", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/api/v1/sessions/s1", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// Deleting again is still 204: the coordinator entry is gone and the
	// history delete is a no-op.
	resp = env.do(t, http.MethodDelete, "/api/v1/sessions/s1", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
}

func TestListSessions(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp := env.do(t, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	type listBody struct {
		Sessions []coordinator.SessionSnapshot `json:"sessions"`
	}
	body := decodeBody[listBody](t, resp)
	assert.Empty(t, body.Sessions)

	resp = env.do(t, http.MethodPost, "/api/v1/sessions/a/messages", map[string]any{"content": "x"})
	resp.Body.Close()
	env.fr.next(t).finish()
	resp = env.do(t, http.MethodPost, "/api/v1/sessions/b/messages", map[string]any{"content": "y"})
	resp.Body.Close()
	env.fr.next(t).finish()

	resp = env.do(t, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody[listBody](t, resp)
	require.Len(t, body.Sessions, 2)
	assert.Equal(t, "a", body.Sessions[0].SessionID)
	assert.Equal(t, "b", body.Sessions[1].SessionID)
}

// sseEvent is one parsed frame from the test reader.
type sseEvent struct {
	name string
	data coordinator.SessionEvent
}

func readSSE(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, ": "):
			// heartbeat
		case strings.HasPrefix(line, "id: "):
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev.data))
		case line == "":
			if ev.name != "" {
				return ev
			}
		}
	}
}

func TestEventsStream(t *testing.T) {
	env := newTestEnv(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.base+"/api/v1/sessions/s1/events", nil)
	require.NoError(t, err)
	resp, err := env.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	// The stream opens with the handshake's initial_state.
	initial := readSSE(t, reader)
	require.Equal(t, string(coordinator.EventInitialState), initial.name)
	require.NotNil(t, initial.data.Initial)
	assert.Equal(t, "s1", initial.data.Initial.SessionID)
	assert.False(t, initial.data.Initial.NeedsHistory)

	// A send shows up live.
	sendResp := env.do(t, http.MethodPost, "/api/v1/sessions/s1/messages",
		map[string]any{"content": "hello"})
	require.Equal(t, http.StatusOK, sendResp.StatusCode)
	sendResp.Body.Close()
	run := env.fr.next(t)

	started := readSSE(t, reader)
	assert.Equal(t, string(coordinator.EventSessionStarted), started.name)
	assert.NotZero(t, started.data.Seq)

	user := readSSE(t, reader)
	assert.Equal(t, string(coordinator.EventUserMessage), user.name)
	assert.Equal(t, "hello", user.data.User.Content)

	run.events <- runner.StreamEvent{Type: runner.EventTextDelta, Text: "hi"}
	stream := readSSE(t, reader)
	assert.Equal(t, string(coordinator.EventStream), stream.name)
	assert.Equal(t, "hi", stream.data.Stream.Text)

	run.finish()
	stopped := readSSE(t, reader)
	assert.Equal(t, string(coordinator.EventSessionStopped), stopped.name)
}

func TestEventsStreamResume(t *testing.T) {
	env := newTestEnv(t, Config{})

	// Build up some events.
	resp := env.do(t, http.MethodPost, "/api/v1/sessions/s1/messages",
		map[string]any{"content": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	env.fr.next(t).finish()

	require.Eventually(t, func() bool {
		snap, err := env.coord.Snapshot(context.Background(), "s1")
		return err == nil && snap.MaxSeq >= 3
	}, 2*time.Second, 10*time.Millisecond)

	snap, err := env.coord.Snapshot(context.Background(), "s1")
	require.NoError(t, err)
	require.GreaterOrEqual(t, snap.MaxSeq, uint64(3))

	// Resume from seq 1 within the same epoch: replayed events only, no
	// initial_state.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	url := fmt.Sprintf("%s/api/v1/sessions/s1/events?last_seen_seq=1&epoch=%s", env.base, snap.Epoch)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	streamResp, err := env.client.Do(req)
	require.NoError(t, err)
	defer streamResp.Body.Close()

	reader := bufio.NewReader(streamResp.Body)
	first := readSSE(t, reader)
	require.NotEqual(t, string(coordinator.EventInitialState), first.name)
	assert.Equal(t, uint64(2), first.data.Seq)
}

func TestEventsStreamHugeSeqGetsFreshSnapshot(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp := env.do(t, http.MethodPost, "/api/v1/sessions/s1/messages",
		map[string]any{"content": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	env.fr.next(t).finish()

	snap, err := env.coord.Snapshot(context.Background(), "s1")
	require.NoError(t, err)

	// The largest uint64 parses fine; the handshake must answer with a
	// fresh snapshot, and the session must stay usable afterwards.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	url := fmt.Sprintf("%s/api/v1/sessions/s1/events?last_seen_seq=18446744073709551615&epoch=%s",
		env.base, snap.Epoch)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	streamResp, err := env.client.Do(req)
	require.NoError(t, err)
	defer streamResp.Body.Close()
	require.Equal(t, http.StatusOK, streamResp.StatusCode)

	reader := bufio.NewReader(streamResp.Body)
	first := readSSE(t, reader)
	require.Equal(t, string(coordinator.EventInitialState), first.name)
	require.False(t, first.data.Initial.NeedsHistory)

	resp = env.do(t, http.MethodPost, "/api/v1/sessions/s1/messages",
		map[string]any{"content": "still alive"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	env.fr.next(t).finish()
}

func TestEventsStreamBadSeq(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp := env.do(t, http.MethodGet, "/api/v1/sessions/s1/events?last_seen_seq=banana", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}
