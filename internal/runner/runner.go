// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandcastle Contributors

// Package runner abstracts the external agent process that produces a
// session's event stream. The coordinator treats a run as an opaque
// sequence of typed events plus a cancellation handle; everything about
// how the agent executes lives behind the Runner interface.
package runner

import (
	"context"
	"encoding/json"
)

// StreamEventType discriminates the variants of StreamEvent.
type StreamEventType string

const (
	EventTextDelta           StreamEventType = "text_delta"
	EventThinkingDelta       StreamEventType = "thinking_delta"
	EventToolCall            StreamEventType = "tool_call"
	EventToolApprovalRequest StreamEventType = "tool_approval_request"
	EventToolResult          StreamEventType = "tool_result"
	EventUsage               StreamEventType = "usage"
	EventAgentSession        StreamEventType = "agent_session"
	EventDone                StreamEventType = "done"
	EventError               StreamEventType = "error"
)

// StreamEvent is one typed event emitted by a running agent. Exactly one
// payload field is populated, matching Type.
type StreamEvent struct {
	Type StreamEventType `json:"type"`

	// Text carries the delta for text_delta and thinking_delta events.
	Text string `json:"text,omitempty"`

	ToolCall *ToolCall        `json:"tool_call,omitempty"`
	Approval *ApprovalRequest `json:"approval,omitempty"`
	Result   *ToolResult      `json:"result,omitempty"`
	Usage    *Usage           `json:"usage,omitempty"`

	// AgentSessionID is the resume token reported by the agent
	// (agent_session events). Passing it back as RunRequest.ResumeToken
	// continues the same underlying conversation.
	AgentSessionID string `json:"agent_session_id,omitempty"`

	// Err holds the failure description for error events.
	Err string `json:"error,omitempty"`
}

// ToolCall describes a tool invocation the agent has decided to make.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ApprovalRequest asks a human to allow or deny a tool call before the
// agent executes it.
type ApprovalRequest struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// ToolResult carries the outcome of an executed tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Usage reports token consumption for a run.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Decision is a human's verdict on an approval request.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// RunRequest describes one turn handed to the agent.
type RunRequest struct {
	SessionID   string
	Prompt      string
	ResumeToken string
	Model       string
}

// Run is a single in-flight agent execution. Events yields the run's
// stream and is closed when the run ends (after a terminal done or error
// event). Cancel tears the run down; it is safe to call more than once.
type Run interface {
	Events() <-chan StreamEvent
	Respond(ctx context.Context, toolCallID string, decision Decision, payload json.RawMessage) error
	Cancel()
}

// Runner starts agent runs. StartRun blocks until the run is accepted by
// the backend, then streams asynchronously.
type Runner interface {
	StartRun(ctx context.Context, req RunRequest) (Run, error)
	Name() string
}
