// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandcastle Contributors

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/andresmarpz/sandcastle/internal/client"
	"github.com/andresmarpz/sandcastle/internal/coordinator"
	"github.com/andresmarpz/sandcastle/internal/runner"
)

func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat <session-id>",
		Short: "Attach to a session",
		Long:  "Open an interactive chat attached to the session's live event stream. The session keeps running when you detach; reattaching replays what you missed.",
		Args:  cobra.ExactArgs(1),
		RunE:  runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	sessionID := args[0]
	c := apiClient(cmd)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	events, stop, err := c.Subscribe(ctx, sessionID, client.StreamOptions{})
	if err != nil {
		return err
	}
	defer stop()

	model := newChatModel(ctx, c, sessionID, events)
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = program.Run()
	return err
}

// --- lipgloss styles ---

var (
	chatUserStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	chatAgentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	chatDimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	chatErrorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	chatToolStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	chatPromptStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	chatBarStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("62"))
)

// --- bubbletea messages ---

type (
	streamEventMsg  coordinator.SessionEvent
	streamClosedMsg struct{}
	historyMsg      struct {
		page *client.HistoryPage
		err  error
	}
	actionDoneMsg struct {
		label string
		err   error
	}
)

type chatModel struct {
	ctx       context.Context
	api       *client.Client
	sessionID string
	events    <-chan coordinator.SessionEvent

	viewport viewport.Model
	input    textinput.Model
	ready    bool

	lines    []string
	partial  strings.Builder
	thinking bool

	status    coordinator.Status
	usage     coordinator.Usage
	queueLen  int
	approval  *coordinator.PendingApproval
	statusMsg string
}

func newChatModel(ctx context.Context, api *client.Client, sessionID string, events <-chan coordinator.SessionEvent) chatModel {
	input := textinput.New()
	input.Placeholder = "type a message (enter to send, esc to interrupt, ctrl+c to detach)"
	input.Focus()

	return chatModel{
		ctx:       ctx,
		api:       api,
		sessionID: sessionID,
		events:    events,
		input:     input,
		status:    coordinator.StatusIdle,
	}
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.waitForEvent())
}

// waitForEvent bridges the subscription channel into the tea loop.
func (m chatModel) waitForEvent() tea.Cmd {
	events := m.events
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		return streamEventMsg(ev)
	}
}

func (m chatModel) fetchHistory() tea.Cmd {
	ctx, api, id := m.ctx, m.api, m.sessionID
	return func() tea.Msg {
		page, err := api.History(ctx, id, "", 0)
		return historyMsg{page: page, err: err}
	}
}

func (m chatModel) sendMessage(content string) tea.Cmd {
	ctx, api, id := m.ctx, m.api, m.sessionID
	return func() tea.Msg {
		_, err := api.Send(ctx, id, client.SendRequest{Content: content})
		return actionDoneMsg{label: "send", err: err}
	}
}

func (m chatModel) interrupt() tea.Cmd {
	ctx, api, id := m.ctx, m.api, m.sessionID
	return func() tea.Msg {
		err := api.Interrupt(ctx, id)
		return actionDoneMsg{label: "interrupt", err: err}
	}
}

func (m chatModel) respondApproval(toolCallID, decision string) tea.Cmd {
	ctx, api, id := m.ctx, m.api, m.sessionID
	return func() tea.Msg {
		err := api.RespondApproval(ctx, id, toolCallID, decision, nil)
		return actionDoneMsg{label: decision, err: err}
	}
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		headerAndFooter := 4
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerAndFooter)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerAndFooter
		}
		m.input.Width = msg.Width - 4
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "esc":
			if m.status == coordinator.StatusStreaming {
				return m, m.interrupt()
			}
			return m, nil
		case "enter":
			content := strings.TrimSpace(m.input.Value())
			if content == "" {
				return m, nil
			}
			m.input.Reset()
			return m, m.sendMessage(content)
		case "y", "n":
			// Bare y/n resolves a pending approval; anything typed into
			// the compose line is just text.
			if m.approval != nil && strings.TrimSpace(m.input.Value()) == "" {
				decision := "allow"
				if msg.String() == "n" {
					decision = "deny"
				}
				toolCallID := m.approval.ToolCallID
				m.approval = nil
				return m, m.respondApproval(toolCallID, decision)
			}
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd

	case streamEventMsg:
		cmd := m.applyEvent(coordinator.SessionEvent(msg))
		m.refresh()
		return m, tea.Batch(m.waitForEvent(), cmd)

	case streamClosedMsg:
		return m, tea.Quit

	case historyMsg:
		if msg.err != nil {
			m.statusMsg = "history fetch failed: " + msg.err.Error()
			return m, nil
		}
		restored := make([]string, 0, len(msg.page.Messages))
		for _, stored := range msg.page.Messages {
			restored = append(restored, m.renderStored(string(stored.Role), stored.Content))
		}
		m.lines = append(restored, m.lines...)
		m.refresh()
		return m, nil

	case actionDoneMsg:
		if msg.err != nil {
			m.statusMsg = msg.label + " failed: " + msg.err.Error()
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// applyEvent folds one session event into the transcript state. It is
// also used to replay the initial snapshot's buffered events.
func (m *chatModel) applyEvent(ev coordinator.SessionEvent) tea.Cmd {
	switch ev.Type {
	case coordinator.EventInitialState:
		if ev.Initial == nil {
			return nil
		}
		m.status = ev.Initial.Status
		m.usage = ev.Initial.Usage
		m.queueLen = len(ev.Initial.Queue)
		if len(ev.Initial.PendingApprovals) > 0 {
			approval := ev.Initial.PendingApprovals[0]
			m.approval = &approval
		}
		for _, buffered := range ev.Initial.Events {
			m.applyEvent(buffered)
		}
		if ev.Initial.NeedsHistory {
			m.statusMsg = "restoring transcript..."
			return m.fetchHistory()
		}

	case coordinator.EventSessionStarted:
		m.flushPartial()
		m.status = coordinator.StatusStreaming

	case coordinator.EventUserMessage:
		if ev.User != nil {
			m.lines = append(m.lines, chatUserStyle.Render("You: ")+ev.User.Content)
		}

	case coordinator.EventStream:
		if ev.Stream != nil {
			m.applyStream(ev.Stream)
		}

	case coordinator.EventSessionStopped:
		m.flushPartial()
		m.status = coordinator.StatusIdle
		m.approval = nil
		if ev.Stopped != nil {
			switch ev.Stopped.Reason {
			case coordinator.StopInterrupted:
				m.lines = append(m.lines, chatDimStyle.Render("[interrupted]"))
			case coordinator.StopError:
				m.lines = append(m.lines, chatErrorStyle.Render("[turn failed: "+ev.Stopped.Error+"]"))
			}
		}

	case coordinator.EventMessageQueued:
		m.queueLen++
		if ev.Queued != nil {
			m.lines = append(m.lines, chatDimStyle.Render("[queued] ")+ev.Queued.Content)
		}

	case coordinator.EventMessageDequeued:
		if m.queueLen > 0 {
			m.queueLen--
		}

	case coordinator.EventSessionDeleted:
		m.lines = append(m.lines, chatDimStyle.Render("[session deleted]"))
	}
	return nil
}

func (m *chatModel) applyStream(ev *runner.StreamEvent) {
	switch ev.Type {
	case runner.EventTextDelta:
		if m.thinking {
			m.partial.WriteString("\n")
			m.thinking = false
		}
		m.partial.WriteString(ev.Text)
	case runner.EventThinkingDelta:
		m.thinking = true
	case runner.EventToolCall:
		m.flushPartial()
		if ev.ToolCall != nil {
			m.lines = append(m.lines, chatToolStyle.Render("⚙ "+ev.ToolCall.Name))
		}
	case runner.EventToolApprovalRequest:
		if ev.Approval != nil {
			m.approval = &coordinator.PendingApproval{
				ToolCallID: ev.Approval.ToolCallID,
				ToolName:   ev.Approval.ToolName,
			}
		}
	case runner.EventToolResult:
		if ev.Result != nil && ev.Result.IsError {
			m.lines = append(m.lines, chatErrorStyle.Render("tool error: "+ev.Result.Content))
		}
	case runner.EventUsage:
		if ev.Usage != nil {
			m.usage.InputTokens += ev.Usage.InputTokens
			m.usage.OutputTokens += ev.Usage.OutputTokens
		}
	case runner.EventError:
		m.flushPartial()
		m.lines = append(m.lines, chatErrorStyle.Render("error: "+ev.Err))
	}
}

func (m *chatModel) flushPartial() {
	if m.partial.Len() == 0 {
		return
	}
	m.lines = append(m.lines, chatAgentStyle.Render(m.partial.String()))
	m.partial.Reset()
	m.thinking = false
}

func (m *chatModel) renderStored(role, content string) string {
	if role == "user" {
		return chatUserStyle.Render("You: ") + content
	}
	return chatAgentStyle.Render(content)
}

func (m *chatModel) refresh() {
	if !m.ready {
		return
	}
	content := strings.Join(m.lines, "\n")
	if m.partial.Len() > 0 {
		if content != "" {
			content += "\n"
		}
		content += chatAgentStyle.Render(m.partial.String())
	}
	m.viewport.SetContent(content)
	m.viewport.GotoBottom()
}

func (m chatModel) View() string {
	if !m.ready {
		return "connecting..."
	}

	var b strings.Builder
	b.WriteString(chatBarStyle.Render(m.statusLine()))
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")

	if m.approval != nil {
		b.WriteString(chatPromptStyle.Render(
			fmt.Sprintf("Allow tool %q? [y/n] ", m.approval.ToolName)))
		b.WriteString("\n")
	} else if m.statusMsg != "" {
		b.WriteString(chatDimStyle.Render(m.statusMsg))
		b.WriteString("\n")
	} else {
		b.WriteString("\n")
	}

	b.WriteString(m.input.View())
	return b.String()
}

func (m chatModel) statusLine() string {
	state := string(m.status)
	if m.status == coordinator.StatusStreaming {
		state = "streaming..."
	}
	line := fmt.Sprintf(" %s · %s · %d in / %d out", m.sessionID, state,
		m.usage.InputTokens, m.usage.OutputTokens)
	if m.queueLen > 0 {
		line += fmt.Sprintf(" · %d queued", m.queueLen)
	}
	return line
}
