// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandcastle Contributors

// Package claudecli implements a runner that drives the Claude Code CLI
// as a subprocess in streaming JSON mode. Each turn spawns one process
// invocation; continuity across turns uses the CLI's --resume flag with
// the session ID the CLI reports on its init line.
package claudecli

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/andresmarpz/sandcastle/internal/runner"
	scerr "github.com/andresmarpz/sandcastle/pkg/errors"
)

// Config holds Claude CLI runner configuration.
type Config struct {
	// Command is the CLI binary name or path. Defaults to "claude".
	Command string

	// WorkDir is the working directory runs execute in.
	WorkDir string

	// Env is appended to the inherited environment.
	Env []string

	// Model is passed as --model when a run request does not name one.
	Model string

	// ExtraArgs are appended verbatim to every invocation.
	ExtraArgs []string
}

// Runner spawns Claude CLI processes.
type Runner struct {
	cfg    Config
	logger *slog.Logger
}

var _ runner.Runner = (*Runner)(nil)

// New creates a Claude CLI runner.
func New(cfg Config, logger *slog.Logger) *Runner {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg, logger: logger}
}

func (r *Runner) Name() string { return "claude-cli" }

// StartRun spawns one CLI invocation for the turn. It returns once the
// process has started; stream parsing happens asynchronously.
func (r *Runner) StartRun(ctx context.Context, req runner.RunRequest) (runner.Run, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, scerr.New(scerr.CodeRunnerStartInvalid, "empty prompt",
			scerr.FieldSessionID(req.SessionID))
	}

	args := []string{
		"--print",
		"--verbose",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--include-partial-messages",
	}
	model := req.Model
	if model == "" {
		model = r.cfg.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if req.ResumeToken != "" {
		args = append(args, "--resume", req.ResumeToken)
	}
	args = append(args, r.cfg.ExtraArgs...)

	cmd := exec.Command(r.cfg.Command, args...)
	if r.cfg.WorkDir != "" {
		cmd.Dir = r.cfg.WorkDir
	}
	if len(r.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), r.cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, scerr.Wrap(err, scerr.CodeRunnerStartFailure, "opening stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, scerr.Wrap(err, scerr.CodeRunnerStartFailure, "opening stdout pipe")
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, scerr.Wrap(err, scerr.CodeRunnerStartFailure, "starting claude cli",
			scerr.FieldSessionID(req.SessionID), scerr.Field("command", r.cfg.Command))
	}

	run := &cliRun{
		sessionID: req.SessionID,
		cmd:       cmd,
		stdin:     stdin,
		events:    make(chan runner.StreamEvent, 100),
		logger:    r.logger,
	}

	if err := run.writeUserMessage(req.Prompt); err != nil {
		run.Cancel()
		_ = cmd.Wait()
		return nil, scerr.Wrap(err, scerr.CodeRunnerStartFailure, "writing prompt",
			scerr.FieldSessionID(req.SessionID))
	}

	go run.consume(stdout)
	return run, nil
}

// cliRun is one CLI process invocation.
type cliRun struct {
	sessionID string
	cmd       *exec.Cmd
	events    chan runner.StreamEvent
	logger    *slog.Logger

	stdinMu sync.Mutex
	stdin   io.WriteCloser

	cancelOnce sync.Once
}

func (c *cliRun) Events() <-chan runner.StreamEvent { return c.events }

// Respond answers a control_request over the process's stdin.
func (c *cliRun) Respond(_ context.Context, toolCallID string, decision runner.Decision, payload json.RawMessage) error {
	behavior := "allow"
	if decision == runner.DecisionDeny {
		behavior = "deny"
	}

	resp := map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": toolCallID,
			"response": map[string]any{
				"behavior":     behavior,
				"updatedInput": payload,
			},
		},
	}
	return c.writeLine(resp)
}

// Cancel kills the process. The stream parser observes EOF and closes
// the event channel.
func (c *cliRun) Cancel() {
	c.cancelOnce.Do(func() {
		c.stdinMu.Lock()
		_ = c.stdin.Close()
		c.stdinMu.Unlock()
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
	})
}

func (c *cliRun) writeUserMessage(text string) error {
	return c.writeLine(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": text},
			},
		},
	})
}

func (c *cliRun) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.stdinMu.Lock()
	defer c.stdinMu.Unlock()
	_, err = c.stdin.Write(data)
	return err
}

// Wire shapes for the CLI's NDJSON output. Only the fields the
// coordinator consumes are declared.
type cliLine struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	Event     json.RawMessage `json:"event"`
	Request   json.RawMessage `json:"request"`
	RequestID string          `json:"request_id"`
	Result    string          `json:"result"`
	IsError   bool            `json:"is_error"`
	Usage     *cliUsage       `json:"usage"`
}

type cliUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type cliStreamEvent struct {
	Type         string          `json:"type"`
	Index        int64           `json:"index"`
	ContentBlock *cliContent     `json:"content_block"`
	Delta        *cliDelta       `json:"delta"`
	Usage        *cliUsage       `json:"usage"`
	Message      json.RawMessage `json:"message"`
}

type cliContent struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type cliDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	Thinking    string `json:"thinking"`
	PartialJSON string `json:"partial_json"`
}

type cliControlRequest struct {
	Subtype  string          `json:"subtype"`
	ToolName string          `json:"tool_name"`
	Input    json.RawMessage `json:"input"`
}

// toolAccum gathers a tool_use block's streamed input until its
// content_block_stop.
type toolAccum struct {
	id          string
	name        string
	partialJSON strings.Builder
}

// consume parses the process's NDJSON stream into runner events. It is
// the only writer to c.events and closes it when the process exits.
func (c *cliRun) consume(stdout io.Reader) {
	defer close(c.events)

	toolBlocks := make(map[int64]*toolAccum)

	sawResult := false

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var parsed cliLine
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			c.logger.Debug("skipping unparseable cli line",
				"session_id", c.sessionID, "error", err)
			continue
		}

		switch parsed.Type {
		case "system":
			if parsed.Subtype == "init" && parsed.SessionID != "" {
				c.events <- runner.StreamEvent{
					Type:           runner.EventAgentSession,
					AgentSessionID: parsed.SessionID,
				}
			}

		case "stream_event":
			c.handleStreamEvent(parsed.Event, toolBlocks)

		case "control_request":
			var req cliControlRequest
			if err := json.Unmarshal(parsed.Request, &req); err != nil || parsed.RequestID == "" {
				continue
			}
			if req.Subtype != "can_use_tool" {
				continue
			}
			c.events <- runner.StreamEvent{
				Type: runner.EventToolApprovalRequest,
				Approval: &runner.ApprovalRequest{
					ToolCallID: parsed.RequestID,
					ToolName:   req.ToolName,
					Input:      req.Input,
				},
			}

		case "result":
			sawResult = true
			if parsed.Usage != nil {
				c.events <- runner.StreamEvent{
					Type: runner.EventUsage,
					Usage: &runner.Usage{
						InputTokens:  parsed.Usage.InputTokens,
						OutputTokens: parsed.Usage.OutputTokens,
					},
				}
			}
			if parsed.SessionID != "" {
				c.events <- runner.StreamEvent{
					Type:           runner.EventAgentSession,
					AgentSessionID: parsed.SessionID,
				}
			}
			if parsed.IsError {
				msg := parsed.Result
				if msg == "" {
					msg = "claude cli reported an error"
				}
				c.events <- runner.StreamEvent{Type: runner.EventError, Err: msg}
			} else {
				c.events <- runner.StreamEvent{Type: runner.EventDone}
			}
		}
	}

	err := c.cmd.Wait()
	if err != nil && !sawResult {
		c.events <- runner.StreamEvent{Type: runner.EventError, Err: err.Error()}
		return
	}
	if err := scanner.Err(); err != nil && !sawResult {
		c.events <- runner.StreamEvent{Type: runner.EventError, Err: err.Error()}
	}
}

func (c *cliRun) handleStreamEvent(raw json.RawMessage, toolBlocks map[int64]*toolAccum) {
	var ev cliStreamEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return
	}

	switch ev.Type {
	case "content_block_start":
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			toolBlocks[ev.Index] = &toolAccum{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
		}

	case "content_block_delta":
		if ev.Delta == nil {
			return
		}
		switch ev.Delta.Type {
		case "text_delta":
			if ev.Delta.Text != "" {
				c.events <- runner.StreamEvent{Type: runner.EventTextDelta, Text: ev.Delta.Text}
			}
		case "thinking_delta":
			if ev.Delta.Thinking != "" {
				c.events <- runner.StreamEvent{Type: runner.EventThinkingDelta, Text: ev.Delta.Thinking}
			}
		case "input_json_delta":
			if acc, ok := toolBlocks[ev.Index]; ok {
				acc.partialJSON.WriteString(ev.Delta.PartialJSON)
			}
		}

	case "content_block_stop":
		if acc, ok := toolBlocks[ev.Index]; ok {
			args := acc.partialJSON.String()
			if args == "" {
				args = "{}"
			}
			c.events <- runner.StreamEvent{
				Type: runner.EventToolCall,
				ToolCall: &runner.ToolCall{
					ID:        acc.id,
					Name:      acc.name,
					Arguments: json.RawMessage(args),
				},
			}
			delete(toolBlocks, ev.Index)
		}
	}
}
