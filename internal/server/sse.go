// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandcastle Contributors

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/andresmarpz/sandcastle/internal/coordinator"
)

const heartbeatInterval = 15 * time.Second

func (s *Server) registerEventsRoute() {
	s.router.Get("/api/v1/sessions/{id}/events", s.handleEvents)

	// Register the operation in the OpenAPI spec manually. The SSE handler
	// needs raw http.ResponseWriter access, so it cannot use huma's
	// standard handler signature. The chi route above does the actual
	// request handling; this entry documents it.
	s.api.OpenAPI().AddOperation(&huma.Operation{
		OperationID: "session-events",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions/{id}/events",
		Summary:     "Subscribe to a session's event stream via SSE",
		Description: "Runs the reconnection handshake: pass last_seen_seq and epoch to resume. A contiguous resume replays the missed events; otherwise the stream opens with an initial_state event carrying the full snapshot.",
		Tags:        []string{"sessions"},
		Parameters: []*huma.Param{
			{Name: "id", In: "path", Required: true, Schema: &huma.Schema{Type: "string"}},
			{Name: "last_seen_seq", In: "query", Schema: &huma.Schema{Type: "integer", Minimum: ptrFloat(0)}},
			{Name: "epoch", In: "query", Schema: &huma.Schema{Type: "string"}},
		},
		Responses: map[string]*huma.Response{
			"200": {
				Description: "Server-sent event stream of session events",
				Content: map[string]*huma.MediaType{
					"text/event-stream": {
						Schema: &huma.Schema{Type: "string", Description: "SSE stream; each event's data is a SessionEvent JSON object"},
					},
				},
			},
			"400": {Description: "Malformed last_seen_seq"},
		},
	})
}

func ptrFloat(v float64) *float64 { return &v }

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	req := coordinator.SubscribeRequest{Epoch: r.URL.Query().Get("epoch")}
	if raw := r.URL.Query().Get("last_seen_seq"); raw != "" {
		seq, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, `{"error":"last_seen_seq must be an unsigned integer"}`, http.StatusBadRequest)
			return
		}
		req.LastSeenSeq = &seq
	}

	sub := s.coord.Subscribe(r.Context(), sessionID, req)
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	if sub.Initial != nil {
		if !s.writeEvent(w, flusher, *sub.Initial) {
			return
		}
	}
	for _, ev := range sub.Replay {
		if !s.writeEvent(w, flusher, ev) {
			return
		}
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}

		case ev, ok := <-sub.Events:
			if !ok {
				// Session deleted, or this subscriber fell behind and was
				// dropped. The client re-runs the handshake.
				return
			}
			if !s.writeEvent(w, flusher, ev) {
				return
			}
		}
	}
}

// writeEvent emits one SSE frame. The SSE id field carries the sequence
// number so proxies and EventSource clients can forward resume positions.
func (s *Server) writeEvent(w http.ResponseWriter, flusher http.Flusher, ev coordinator.SessionEvent) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("marshalling session event", "error", err)
		return false
	}
	if ev.Seq > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", ev.Seq); err != nil {
			return false
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return false
	}
	if flusher != nil {
		flusher.Flush()
	}
	return true
}
