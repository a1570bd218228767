// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandcastle Contributors

// Package client is the typed HTTP client for a running sandcastle
// daemon. It wraps every REST endpoint and implements the subscriber
// side of the event-stream reconnection handshake.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andresmarpz/sandcastle/internal/coordinator"
	"github.com/andresmarpz/sandcastle/internal/store"
	scerr "github.com/andresmarpz/sandcastle/pkg/errors"
)

const DefaultBaseURL = "http://127.0.0.1:7475"

// Client talks to one daemon. Safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent on API requests.
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// WithHTTPClient replaces the underlying http.Client. Streaming
// requests strip the timeout themselves.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StatusResponse mirrors the daemon's /api/v1/status body.
type StatusResponse struct {
	Status   string `json:"status"`
	Runner   string `json:"runner"`
	Version  string `json:"version"`
	Sessions int    `json:"sessions"`
}

// HistoryPage is one page of durable transcript messages.
type HistoryPage struct {
	Messages []*store.Message    `json:"messages"`
	Cursor   store.HistoryCursor `json:"cursor"`
}

// SendRequest is the body of a send-message call.
type SendRequest struct {
	Content         string `json:"content"`
	ClientMessageID string `json:"client_message_id,omitempty"`
	NoQueue         bool   `json:"no_queue,omitempty"`
}

func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ListSessions(ctx context.Context) ([]coordinator.SessionSnapshot, error) {
	var resp struct {
		Sessions []coordinator.SessionSnapshot `json:"sessions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/sessions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

func (c *Client) GetSession(ctx context.Context, id string) (*coordinator.SessionSnapshot, error) {
	var snap coordinator.SessionSnapshot
	path := "/api/v1/sessions/" + url.PathEscape(id)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) DeleteSession(ctx context.Context, id string) error {
	path := "/api/v1/sessions/" + url.PathEscape(id)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// Send submits user input. The result says whether a turn started or
// the message was queued behind the active one.
func (c *Client) Send(ctx context.Context, id string, req SendRequest) (*coordinator.SendResult, error) {
	var result coordinator.SendResult
	path := fmt.Sprintf("/api/v1/sessions/%s/messages", url.PathEscape(id))
	if err := c.doJSON(ctx, http.MethodPost, path, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Interrupt stops the session's active turn. Succeeds even when the
// session is idle or unknown.
func (c *Client) Interrupt(ctx context.Context, id string) error {
	path := fmt.Sprintf("/api/v1/sessions/%s/interrupt", url.PathEscape(id))
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

// RespondApproval resolves a pending tool approval. decision is
// "allow" or "deny"; payload optionally replaces the tool input.
func (c *Client) RespondApproval(ctx context.Context, id, toolCallID, decision string, payload json.RawMessage) error {
	body := struct {
		Decision string          `json:"decision"`
		Payload  json.RawMessage `json:"payload,omitempty"`
	}{Decision: decision, Payload: payload}
	path := fmt.Sprintf("/api/v1/sessions/%s/approvals/%s",
		url.PathEscape(id), url.PathEscape(toolCallID))
	return c.doJSON(ctx, http.MethodPost, path, body, nil)
}

// History fetches durable transcript messages after the given message
// ID. Empty afterMessageID starts from the beginning; limit 0 uses the
// server default.
func (c *Client) History(ctx context.Context, id, afterMessageID string, limit int) (*HistoryPage, error) {
	q := url.Values{}
	if afterMessageID != "" {
		q.Set("after", afterMessageID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	path := fmt.Sprintf("/api/v1/sessions/%s/history", url.PathEscape(id))
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	var page HistoryPage
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return scerr.Wrap(err, scerr.CodeClientRequestFailure, "encode request body")
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return scerr.Wrap(err, scerr.CodeClientRequestFailure, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return wrapTransportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return scerr.Wrap(err, scerr.CodeClientResponseInvalid, "decode response body")
	}
	return nil
}

// wrapTransportErr distinguishes "daemon not running" from other
// transport failures so callers can suggest starting it.
func wrapTransportErr(err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return scerr.Wrap(err, scerr.CodeClientNotRunning,
			"daemon unreachable; is sandcastle start running?")
	}
	return scerr.Wrap(err, scerr.CodeClientRequestFailure, "request failed")
}

// decodeAPIError maps the daemon's RFC 7807 problem body back into a
// coded error.
func decodeAPIError(resp *http.Response) error {
	var payload struct {
		Title  string `json:"title"`
		Status int    `json:"status"`
		Detail string `json:"detail"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&payload)

	msg := payload.Detail
	if msg == "" {
		msg = payload.Title
	}
	if msg == "" {
		msg = resp.Status
	}

	code := scerr.CodeClientRequestFailure
	switch resp.StatusCode {
	case http.StatusNotFound:
		code = scerr.CodeSessionNotFound
	case http.StatusConflict:
		code = scerr.CodeTurnBusy
	}
	return scerr.New(code, msg, scerr.Field("http_status", resp.StatusCode))
}
