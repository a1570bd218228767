// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandcastle Contributors

package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/andresmarpz/sandcastle/internal/coordinator"
	"github.com/andresmarpz/sandcastle/internal/runner"
	"github.com/andresmarpz/sandcastle/internal/store"
	scerr "github.com/andresmarpz/sandcastle/pkg/errors"
)

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"system"},
	}, s.handleHealth)

	huma.Register(s.api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/api/v1/status",
		Summary:     "Daemon status",
		Tags:        []string{"system"},
	}, s.handleStatus)

	huma.Register(s.api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions",
		Summary:     "List active sessions",
		Tags:        []string{"sessions"},
	}, s.handleListSessions)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions/{id}",
		Summary:     "Get a session snapshot",
		Tags:        []string{"sessions"},
	}, s.handleGetSession)

	huma.Register(s.api, huma.Operation{
		OperationID:   "delete-session",
		Method:        http.MethodDelete,
		Path:          "/api/v1/sessions/{id}",
		Summary:       "Delete a session and its history",
		Tags:          []string{"sessions"},
		DefaultStatus: http.StatusNoContent,
	}, s.handleDeleteSession)

	huma.Register(s.api, huma.Operation{
		OperationID: "send-message",
		Method:      http.MethodPost,
		Path:        "/api/v1/sessions/{id}/messages",
		Summary:     "Send user input to a session",
		Description: "Starts a turn when the session is idle, otherwise queues the message (or rejects it with 409 when no_queue is set).",
		Tags:        []string{"sessions"},
	}, s.handleSendMessage)

	huma.Register(s.api, huma.Operation{
		OperationID:   "interrupt-session",
		Method:        http.MethodPost,
		Path:          "/api/v1/sessions/{id}/interrupt",
		Summary:       "Interrupt the active turn",
		Description:   "Idempotent: interrupting an idle or unknown session succeeds.",
		Tags:          []string{"sessions"},
		DefaultStatus: http.StatusNoContent,
	}, s.handleInterrupt)

	huma.Register(s.api, huma.Operation{
		OperationID: "respond-approval",
		Method:      http.MethodPost,
		Path:        "/api/v1/sessions/{id}/approvals/{toolCallID}",
		Summary:     "Resolve a pending tool approval",
		Tags:        []string{"sessions"},
	}, s.handleRespondApproval)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-history",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions/{id}/history",
		Summary:     "Read durable session history",
		Tags:        []string{"sessions"},
	}, s.handleHistory)
}

// --- Request/Response types for huma ---

type healthOutput struct {
	Body struct {
		Status string `json:"status" example:"ok" doc:"Health status"`
	}
}

type statusOutput struct {
	Body struct {
		Status   string `json:"status" example:"ok" doc:"Daemon status"`
		Runner   string `json:"runner" doc:"Configured agent backend"`
		Version  string `json:"version" doc:"Daemon version"`
		Sessions int    `json:"sessions" doc:"Registered session count"`
	}
}

type sessionIDInput struct {
	ID string `path:"id" minLength:"1" doc:"Session ID"`
}

type listSessionsOutput struct {
	Body struct {
		Sessions []coordinator.SessionSnapshot `json:"sessions"`
	}
}

type getSessionOutput struct {
	Body coordinator.SessionSnapshot
}

type sendMessageInput struct {
	ID   string `path:"id" minLength:"1" doc:"Session ID"`
	Body struct {
		Content         string `json:"content" minLength:"1" doc:"Message content"`
		ClientMessageID string `json:"client_message_id,omitempty" doc:"Client-chosen ID echoed on queue events"`
		NoQueue         bool   `json:"no_queue,omitempty" doc:"Reject with 409 instead of queueing when a turn is streaming"`
	}
}

type sendMessageOutput struct {
	Body coordinator.SendResult
}

type respondApprovalInput struct {
	ID         string `path:"id" minLength:"1" doc:"Session ID"`
	ToolCallID string `path:"toolCallID" minLength:"1" doc:"Tool call awaiting approval"`
	Body       struct {
		Decision string          `json:"decision" enum:"allow,deny" doc:"Approval decision"`
		Payload  json.RawMessage `json:"payload,omitempty" doc:"Optional updated tool input"`
	}
}

type respondApprovalOutput struct {
	Body struct {
		Status string `json:"status" example:"resolved"`
	}
}

type historyInput struct {
	ID    string `path:"id" minLength:"1" doc:"Session ID"`
	After string `query:"after" doc:"Return messages created after this message ID"`
	Limit int    `query:"limit" minimum:"0" doc:"Maximum messages to return (0 = no limit)"`
}

type historyOutput struct {
	Body struct {
		Messages []*store.Message    `json:"messages"`
		Cursor   store.HistoryCursor `json:"cursor"`
	}
}

// --- Handlers ---

func (s *Server) handleHealth(_ context.Context, _ *struct{}) (*healthOutput, error) {
	out := &healthOutput{}
	out.Body.Status = "ok"
	return out, nil
}

func (s *Server) handleStatus(_ context.Context, _ *struct{}) (*statusOutput, error) {
	out := &statusOutput{}
	out.Body.Status = "ok"
	out.Body.Runner = s.runner
	out.Body.Version = s.version
	out.Body.Sessions = len(s.coord.List())
	return out, nil
}

func (s *Server) handleListSessions(ctx context.Context, _ *struct{}) (*listSessionsOutput, error) {
	out := &listSessionsOutput{}
	out.Body.Sessions = []coordinator.SessionSnapshot{}
	for _, id := range s.coord.List() {
		snap, err := s.coord.Snapshot(ctx, id)
		if err != nil {
			continue // removed concurrently
		}
		out.Body.Sessions = append(out.Body.Sessions, snap)
	}
	return out, nil
}

func (s *Server) handleGetSession(ctx context.Context, input *sessionIDInput) (*getSessionOutput, error) {
	snap, err := s.coord.Snapshot(ctx, input.ID)
	if err != nil {
		return nil, s.apiError(err, "getting session")
	}
	return &getSessionOutput{Body: snap}, nil
}

func (s *Server) handleDeleteSession(ctx context.Context, input *sessionIDInput) (*struct{}, error) {
	if err := s.coord.Remove(ctx, input.ID); err != nil && !scerr.IsNotFound(err) {
		return nil, s.apiError(err, "removing session")
	}
	if err := s.history.DeleteSession(ctx, input.ID); err != nil {
		return nil, s.apiError(err, "deleting session history")
	}
	return nil, nil
}

func (s *Server) handleSendMessage(ctx context.Context, input *sendMessageInput) (*sendMessageOutput, error) {
	res, err := s.coord.Send(ctx, input.ID, input.Body.Content, coordinator.SendOptions{
		ClientMessageID: input.Body.ClientMessageID,
		NoQueue:         input.Body.NoQueue,
	})
	if err != nil {
		return nil, s.apiError(err, "sending message")
	}
	return &sendMessageOutput{Body: res}, nil
}

func (s *Server) handleInterrupt(ctx context.Context, input *sessionIDInput) (*struct{}, error) {
	if err := s.coord.Interrupt(ctx, input.ID); err != nil && !scerr.IsNotFound(err) {
		return nil, s.apiError(err, "interrupting session")
	}
	return nil, nil
}

func (s *Server) handleRespondApproval(ctx context.Context, input *respondApprovalInput) (*respondApprovalOutput, error) {
	decision := runner.DecisionDeny
	if input.Body.Decision == "allow" {
		decision = runner.DecisionAllow
	}

	err := s.coord.RespondToApproval(ctx, input.ID, input.ToolCallID, decision, input.Body.Payload)
	if err != nil {
		return nil, s.apiError(err, "resolving approval")
	}

	out := &respondApprovalOutput{}
	out.Body.Status = "resolved"
	return out, nil
}

func (s *Server) handleHistory(ctx context.Context, input *historyInput) (*historyOutput, error) {
	msgs, err := s.history.History(ctx, input.ID, input.After, input.Limit)
	if err != nil {
		return nil, s.apiError(err, "reading history")
	}
	cursor, err := s.history.Cursor(ctx, input.ID)
	if err != nil {
		return nil, s.apiError(err, "reading history cursor")
	}

	out := &historyOutput{}
	out.Body.Messages = msgs
	if out.Body.Messages == nil {
		out.Body.Messages = []*store.Message{}
	}
	out.Body.Cursor = cursor
	return out, nil
}

// apiError maps a typed error onto the matching HTTP problem response.
func (s *Server) apiError(err error, msg string) error {
	status := scerr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, "error", err)
	}
	return huma.NewError(status, msg, err)
}
