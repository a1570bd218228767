// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandcastle Contributors

package coordinator

import (
	"time"

	"github.com/andresmarpz/sandcastle/internal/runner"
	"github.com/andresmarpz/sandcastle/internal/store"
)

// EventType discriminates the variants of SessionEvent.
type EventType string

const (
	EventInitialState    EventType = "initial_state"
	EventSessionStarted  EventType = "session_started"
	EventSessionStopped  EventType = "session_stopped"
	EventStream          EventType = "stream"
	EventMessageQueued   EventType = "message_queued"
	EventMessageDequeued EventType = "message_dequeued"
	EventUserMessage     EventType = "user_message"
	EventSessionDeleted  EventType = "session_deleted"
)

// SessionEvent is the tagged union delivered to subscribers. Exactly one
// payload field is populated, matching Type. Seq and Epoch are assigned at
// publish time; initial_state events are synthesised per subscriber and
// carry Seq 0.
type SessionEvent struct {
	Type      EventType `json:"type"`
	Seq       uint64    `json:"seq,omitempty"`
	Epoch     string    `json:"epoch,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Initial  *InitialState       `json:"initial,omitempty"`
	Started  *TurnStarted        `json:"started,omitempty"`
	Stopped  *TurnStopped        `json:"stopped,omitempty"`
	Stream   *runner.StreamEvent `json:"stream,omitempty"`
	Queued   *QueuedMessage      `json:"queued,omitempty"`
	Dequeued *QueuedMessage      `json:"dequeued,omitempty"`
	User     *UserMessage        `json:"user,omitempty"`
}

// Status is a session's turn-machine state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusStreaming Status = "streaming"
)

// StopReason classifies why a turn ended.
type StopReason string

const (
	StopCompleted   StopReason = "completed"
	StopInterrupted StopReason = "interrupted"
	StopError       StopReason = "error"
)

// Turn is one in-flight request/response cycle.
type Turn struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	Content   string    `json:"content"`
	StartedAt time.Time `json:"started_at"`
}

// TurnStarted is the payload of a session_started event. It is published
// before any agent output for the turn.
type TurnStarted struct {
	TurnID    string    `json:"turn_id"`
	MessageID string    `json:"message_id"`
	StartedAt time.Time `json:"started_at"`
}

// TurnStopped is the payload of a session_stopped event.
type TurnStopped struct {
	TurnID    string     `json:"turn_id"`
	Reason    StopReason `json:"reason"`
	Error     string     `json:"error,omitempty"`
	StoppedAt time.Time  `json:"stopped_at"`
}

// QueuedMessage is user input accepted while a turn was streaming.
type QueuedMessage struct {
	ID              string    `json:"id"`
	Content         string    `json:"content"`
	ClientMessageID string    `json:"client_message_id,omitempty"`
	QueuedAt        time.Time `json:"queued_at"`
}

// UserMessage echoes the user input that started a turn, so subscribers
// can render it without a separate history fetch.
type UserMessage struct {
	MessageID string `json:"message_id"`
	TurnID    string `json:"turn_id"`
	Content   string `json:"content"`
}

// PendingApproval is a tool call awaiting a human decision.
type PendingApproval struct {
	ToolCallID  string    `json:"tool_call_id"`
	ToolName    string    `json:"tool_name"`
	TurnID      string    `json:"turn_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// Usage accumulates token consumption across a session's turns.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	Turns        int `json:"turns"`
}

// InitialState bootstraps a new or reconnecting subscriber: the retained
// buffer, turn context, queue, and pending approvals as of subscribe time.
// NeedsHistory is set when the buffer cannot cover the subscriber's gap
// and a durable-store fetch is required before trusting the replay.
type InitialState struct {
	SessionID        string              `json:"session_id"`
	Epoch            string              `json:"epoch"`
	Status           Status              `json:"status"`
	ActiveTurn       *Turn               `json:"active_turn,omitempty"`
	Queue            []QueuedMessage     `json:"queue,omitempty"`
	PendingApprovals []PendingApproval   `json:"pending_approvals,omitempty"`
	Events           []SessionEvent      `json:"events,omitempty"`
	MinSeq           uint64              `json:"min_seq"`
	MaxSeq           uint64              `json:"max_seq"`
	HasGap           bool                `json:"has_gap"`
	NeedsHistory     bool                `json:"needs_history"`
	HistoryCursor    store.HistoryCursor `json:"history_cursor"`
	Usage            Usage               `json:"usage"`
}

// SessionSnapshot is the request/response view of a session, served by
// the transport layer without opening a stream.
type SessionSnapshot struct {
	SessionID        string              `json:"session_id"`
	Epoch            string              `json:"epoch"`
	Status           Status              `json:"status"`
	ActiveTurn       *Turn               `json:"active_turn,omitempty"`
	Queue            []QueuedMessage     `json:"queue,omitempty"`
	PendingApprovals []PendingApproval   `json:"pending_approvals,omitempty"`
	MinSeq           uint64              `json:"min_seq"`
	MaxSeq           uint64              `json:"max_seq"`
	HasGap           bool                `json:"has_gap"`
	Subscribers      int                 `json:"subscribers"`
	HistoryCursor    store.HistoryCursor `json:"history_cursor"`
	Usage            Usage               `json:"usage"`
	CreatedAt        time.Time           `json:"created_at"`
	LastActiveAt     time.Time           `json:"last_active_at"`
}
