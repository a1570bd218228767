// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandcastle Contributors

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmarpz/sandcastle/internal/coordinator"
	scerr "github.com/andresmarpz/sandcastle/pkg/errors"
)

func TestStatusDecodes(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/status", r.URL.Path)
		fmt.Fprint(w, `{"status":"ok","runner":"claude-cli","version":"0.1.0","sessions":2}`)
	}))
	defer ts.Close()

	c := New(ts.URL)
	status, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "claude-cli", status.Runner)
	assert.Equal(t, 2, status.Sessions)
}

func TestTokenHeaderSent(t *testing.T) {
	var got string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		fmt.Fprint(w, `{}`)
	}))
	defer ts.Close()

	c := New(ts.URL, WithToken("sekrit"))
	_, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer sekrit", got)
}

func TestProblemBodyBecomesCodedError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"title":"Not Found","status":404,"detail":"session not found"}`)
	}))
	defer ts.Close()

	c := New(ts.URL)
	_, err := c.GetSession(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, scerr.IsNotFound(err))
	assert.Contains(t, err.Error(), "session not found")
}

func TestConflictMapsToBusy(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"title":"Conflict","status":409,"detail":"turn already streaming"}`)
	}))
	defer ts.Close()

	c := New(ts.URL)
	_, err := c.Send(context.Background(), "s1", SendRequest{Content: "x"})
	require.Error(t, err)
	assert.True(t, scerr.IsBusy(err))
}

func TestDaemonUnreachable(t *testing.T) {
	c := New("http://127.0.0.1:1") // nothing listens here
	err := c.Health(context.Background())
	require.Error(t, err)
	assert.True(t, scerr.HasCode(err, scerr.CodeClientNotRunning))
}

func TestSendBody(t *testing.T) {
	var got SendRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/sessions/s1/messages", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"turn_id":"t1","message_id":"m1","queued":false}`)
	}))
	defer ts.Close()

	c := New(ts.URL)
	res, err := c.Send(context.Background(), "s1", SendRequest{Content: "hello", NoQueue: true})
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Content)
	assert.True(t, got.NoQueue)
	assert.Equal(t, "t1", res.TurnID)
}

func TestHistoryQueryParams(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "m5", r.URL.Query().Get("after"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		fmt.Fprint(w, `{"messages":[],"cursor":{}}`)
	}))
	defer ts.Close()

	c := New(ts.URL)
	page, err := c.History(context.Background(), "s1", "m5", 10)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
}

func writeSSE(t *testing.T, w http.ResponseWriter, ev coordinator.SessionEvent) {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	w.(http.Flusher).Flush()
}

func TestSubscribeReconnectsWithCursor(t *testing.T) {
	var conns atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		switch n {
		case 1:
			assert.Empty(t, r.URL.Query().Get("last_seen_seq"))
			writeSSE(t, w, coordinator.SessionEvent{
				Type: coordinator.EventInitialState,
				Initial: &coordinator.InitialState{
					SessionID: "s1", Epoch: "ep-1", MaxSeq: 2,
				},
			})
			writeSSE(t, w, coordinator.SessionEvent{
				Type: coordinator.EventStream, Seq: 3, Epoch: "ep-1",
			})
			// Connection drops here; the client must resume from 3.
		default:
			assert.Equal(t, "3", r.URL.Query().Get("last_seen_seq"))
			assert.Equal(t, "ep-1", r.URL.Query().Get("epoch"))
			writeSSE(t, w, coordinator.SessionEvent{
				Type: coordinator.EventStream, Seq: 4, Epoch: "ep-1",
			})
			writeSSE(t, w, coordinator.SessionEvent{
				Type: coordinator.EventSessionDeleted, Seq: 5, Epoch: "ep-1",
			})
		}
	}))
	defer ts.Close()

	c := New(ts.URL)
	events, cancel, err := c.Subscribe(context.Background(), "s1", StreamOptions{})
	require.NoError(t, err)
	defer cancel()

	var seen []coordinator.EventType
	for ev := range events {
		seen = append(seen, ev.Type)
	}
	assert.Equal(t, []coordinator.EventType{
		coordinator.EventInitialState,
		coordinator.EventStream,
		coordinator.EventStream,
		coordinator.EventSessionDeleted,
	}, seen)
	assert.GreaterOrEqual(t, conns.Load(), int32(2))
}

func TestSubscribeFirstConnectionErrorIsSynchronous(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"title":"Bad Request","status":400,"detail":"invalid last_seen_seq"}`)
	}))
	defer ts.Close()

	c := New(ts.URL)
	_, _, err := c.Subscribe(context.Background(), "s1", StreamOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid last_seen_seq")
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(t, w, coordinator.SessionEvent{
			Type:    coordinator.EventInitialState,
			Initial: &coordinator.InitialState{SessionID: "s1", Epoch: "ep-1"},
		})
		<-r.Context().Done()
	}))
	defer ts.Close()

	c := New(ts.URL)
	events, cancel, err := c.Subscribe(context.Background(), "s1", StreamOptions{})
	require.NoError(t, err)

	select {
	case ev := <-events:
		require.Equal(t, coordinator.EventInitialState, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no initial event")
	}

	cancel()
	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close after cancel")
	}
}
