// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandcastle Contributors

// Package anthropic implements a runner backed directly by the Anthropic
// Messages API. Turn continuity is kept as an in-process transcript per
// session; there is no external agent process and tool calls are
// surfaced as informational events only.
package anthropic

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/andresmarpz/sandcastle/internal/runner"
	scerr "github.com/andresmarpz/sandcastle/pkg/errors"
)

// Config holds Anthropic runner configuration.
type Config struct {
	APIKey  string
	BaseURL string // optional, useful for testing against a mock server

	// Model is used when a run request does not name one.
	Model string

	MaxTokens    int
	SystemPrompt string
}

// Runner implements runner.Runner using the Anthropic Messages API.
type Runner struct {
	client anthropicsdk.Client
	config Config

	mu          sync.Mutex
	transcripts map[string][]anthropicsdk.MessageParam
}

var _ runner.Runner = (*Runner)(nil)

// New creates an Anthropic runner. Returns an error if the API key is
// missing.
func New(cfg Config) (*Runner, error) {
	if cfg.APIKey == "" {
		return nil, scerr.New(scerr.CodeRunnerConfigInvalid, "missing anthropic api key")
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Runner{
		client:      anthropicsdk.NewClient(opts...),
		config:      cfg,
		transcripts: make(map[string][]anthropicsdk.MessageParam),
	}, nil
}

func (r *Runner) Name() string { return "anthropic" }

// StartRun appends the prompt to the session transcript and opens a
// streaming Messages request.
func (r *Runner) StartRun(ctx context.Context, req runner.RunRequest) (runner.Run, error) {
	if req.Prompt == "" {
		return nil, scerr.New(scerr.CodeRunnerStartInvalid, "empty prompt",
			scerr.FieldSessionID(req.SessionID))
	}

	r.mu.Lock()
	history := append([]anthropicsdk.MessageParam(nil), r.transcripts[req.SessionID]...)
	r.mu.Unlock()

	msgs := append(history, anthropicsdk.NewUserMessage(
		anthropicsdk.NewTextBlock(req.Prompt),
	))

	model := req.Model
	if model == "" {
		model = r.config.Model
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(model),
		Messages:  msgs,
		MaxTokens: int64(r.config.MaxTokens),
	}
	if r.config.SystemPrompt != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: r.config.SystemPrompt}}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &apiRun{
		runner:    r,
		sessionID: req.SessionID,
		prompt:    req.Prompt,
		events:    make(chan runner.StreamEvent, 100),
		cancel:    cancel,
	}
	go run.stream(runCtx, params)
	return run, nil
}

// apiRun is one streaming Messages request.
type apiRun struct {
	runner    *Runner
	sessionID string
	prompt    string
	events    chan runner.StreamEvent
	cancel    context.CancelFunc
}

func (a *apiRun) Events() <-chan runner.StreamEvent { return a.events }

// Respond always fails: the Messages API has no control channel, so
// approval decisions have nowhere to go.
func (a *apiRun) Respond(_ context.Context, toolCallID string, _ runner.Decision, _ json.RawMessage) error {
	return scerr.New(scerr.CodeRunnerRespondInvalid,
		"anthropic api runs do not accept approval responses",
		scerr.FieldSessionID(a.sessionID), scerr.FieldToolCallID(toolCallID))
}

func (a *apiRun) Cancel() { a.cancel() }

// stream runs the streaming loop, converting SDK events into runner
// stream events. On clean completion the assistant reply is folded back
// into the session transcript.
func (a *apiRun) stream(ctx context.Context, params anthropicsdk.MessageNewParams) {
	defer close(a.events)
	defer a.cancel()

	stream := a.runner.client.Messages.NewStreaming(ctx, params)

	// Track tool use blocks by index for accumulation.
	type toolAccum struct {
		id          string
		name        string
		partialJSON string
	}
	toolBlocks := make(map[int64]*toolAccum)

	var (
		reply     strings.Builder
		completed bool
	)

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "content_block_start":
			cb := event.ContentBlock
			if cb.Type == "tool_use" {
				toolBlocks[event.Index] = &toolAccum{id: cb.ID, name: cb.Name}
			}

		case "content_block_delta":
			delta := event.Delta
			switch delta.Type {
			case "text_delta":
				reply.WriteString(delta.Text)
				a.events <- runner.StreamEvent{
					Type: runner.EventTextDelta,
					Text: delta.Text,
				}
			case "thinking_delta":
				a.events <- runner.StreamEvent{
					Type: runner.EventThinkingDelta,
					Text: delta.Thinking,
				}
			case "input_json_delta":
				if acc, ok := toolBlocks[event.Index]; ok {
					acc.partialJSON += delta.PartialJSON
				}
			}

		case "content_block_stop":
			if acc, ok := toolBlocks[event.Index]; ok {
				a.events <- runner.StreamEvent{
					Type: runner.EventToolCall,
					ToolCall: &runner.ToolCall{
						ID:        acc.id,
						Name:      acc.name,
						Arguments: json.RawMessage(acc.partialJSON),
					},
				}
				delete(toolBlocks, event.Index)
			}

		case "message_start":
			if event.Message.Usage.InputTokens > 0 || event.Message.Usage.OutputTokens > 0 {
				a.events <- runner.StreamEvent{
					Type: runner.EventUsage,
					Usage: &runner.Usage{
						InputTokens:  int(event.Message.Usage.InputTokens),
						OutputTokens: int(event.Message.Usage.OutputTokens),
					},
				}
			}

		case "message_delta":
			// message_delta carries final usage info.
			a.events <- runner.StreamEvent{
				Type: runner.EventUsage,
				Usage: &runner.Usage{
					InputTokens:  int(event.Usage.InputTokens),
					OutputTokens: int(event.Usage.OutputTokens),
				},
			}

		case "message_stop":
			completed = true
		}

		if completed {
			break
		}
	}

	if err := stream.Err(); err != nil && !completed {
		a.events <- runner.StreamEvent{Type: runner.EventError, Err: err.Error()}
		return
	}

	a.commitTranscript(reply.String())
	a.events <- runner.StreamEvent{Type: runner.EventDone}
}

// commitTranscript records the finished turn in the session transcript so
// the next run carries the full conversation.
func (a *apiRun) commitTranscript(reply string) {
	a.runner.mu.Lock()
	defer a.runner.mu.Unlock()

	transcript := a.runner.transcripts[a.sessionID]
	transcript = append(transcript, anthropicsdk.NewUserMessage(
		anthropicsdk.NewTextBlock(a.prompt),
	))
	if reply != "" {
		transcript = append(transcript, anthropicsdk.NewAssistantMessage(
			anthropicsdk.NewTextBlock(reply),
		))
	}
	a.runner.transcripts[a.sessionID] = transcript
}
