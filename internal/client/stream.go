// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandcastle Contributors

package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andresmarpz/sandcastle/internal/coordinator"
	scerr "github.com/andresmarpz/sandcastle/pkg/errors"
)

const (
	streamBuffer     = 256
	reconnectMinWait = 500 * time.Millisecond
	reconnectMaxWait = 10 * time.Second
)

// StreamOptions seeds the first handshake. Zero value starts fresh.
type StreamOptions struct {
	// LastSeenSeq resumes from a previous subscription. The daemon
	// replays everything after it when the buffer still covers it.
	LastSeenSeq *uint64
	// Epoch is the sequencing epoch LastSeenSeq belongs to.
	Epoch string
}

// Subscribe opens the session's event stream and keeps it open:
// whenever the connection drops it re-runs the handshake with the last
// seen sequence number and epoch, so the caller observes either a
// gap-free continuation or a fresh initial_state snapshot. The channel
// closes when ctx is cancelled, the returned cancel func is called, or
// the session is deleted.
//
// The first connection attempt is synchronous so bad input (unknown
// daemon, malformed options) surfaces as an error instead of a silent
// retry loop.
func (c *Client) Subscribe(ctx context.Context, id string, opts StreamOptions) (<-chan coordinator.SessionEvent, func(), error) {
	ctx, cancel := context.WithCancel(ctx)

	resp, err := c.openStream(ctx, id, opts.LastSeenSeq, opts.Epoch)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	ch := make(chan coordinator.SessionEvent, streamBuffer)
	go func() {
		defer close(ch)
		defer cancel()

		cursor := streamCursor{lastSeq: opts.LastSeenSeq, epoch: opts.Epoch}
		wait := reconnectMinWait

		for {
			deleted := c.consumeStream(ctx, resp, ch, &cursor)
			resp = nil
			if deleted || ctx.Err() != nil {
				return
			}

			// Reconnect with backoff, resuming from the cursor.
			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
				next, err := c.openStream(ctx, id, cursor.lastSeq, cursor.epoch)
				if err == nil {
					resp = next
					wait = reconnectMinWait
					break
				}
				if wait *= 2; wait > reconnectMaxWait {
					wait = reconnectMaxWait
				}
			}
		}
	}()

	return ch, cancel, nil
}

type streamCursor struct {
	lastSeq *uint64
	epoch   string
}

// observe advances the resume cursor from a delivered event.
func (cur *streamCursor) observe(ev coordinator.SessionEvent) {
	if ev.Type == coordinator.EventInitialState && ev.Initial != nil {
		cur.epoch = ev.Initial.Epoch
		max := ev.Initial.MaxSeq
		cur.lastSeq = &max
		return
	}
	if ev.Seq > 0 {
		seq := ev.Seq
		cur.lastSeq = &seq
		cur.epoch = ev.Epoch
	}
}

func (c *Client) openStream(ctx context.Context, id string, lastSeq *uint64, epoch string) (*http.Response, error) {
	q := url.Values{}
	if lastSeq != nil {
		q.Set("last_seen_seq", fmt.Sprintf("%d", *lastSeq))
	}
	if epoch != "" {
		q.Set("epoch", epoch)
	}
	path := fmt.Sprintf("%s/api/v1/sessions/%s/events", c.baseURL, url.PathEscape(id))
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, scerr.Wrap(err, scerr.CodeClientRequestFailure, "build stream request")
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	// The configured client carries a request timeout that would sever
	// a long-lived stream; use a bare client and rely on ctx.
	resp, err := (&http.Client{Transport: c.http.Transport}).Do(req)
	if err != nil {
		return nil, wrapTransportErr(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp, nil
}

// consumeStream reads SSE frames until the connection drops. Returns
// true when the session was deleted and the subscription should end
// instead of reconnecting.
func (c *Client) consumeStream(ctx context.Context, resp *http.Response, ch chan<- coordinator.SessionEvent, cursor *streamCursor) bool {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var dataLines []string

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if len(dataLines) == 0 {
				continue
			}
			payload := strings.Join(dataLines, "\n")
			dataLines = dataLines[:0]

			var event coordinator.SessionEvent
			if err := json.Unmarshal([]byte(payload), &event); err != nil {
				continue
			}
			cursor.observe(event)
			select {
			case ch <- event:
			case <-ctx.Done():
				return false
			}
			if event.Type == coordinator.EventSessionDeleted {
				return true
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue // heartbeat
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(line[len("data:"):]))
		}
	}
	return false
}
