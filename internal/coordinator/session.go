// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandcastle Contributors

package coordinator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andresmarpz/sandcastle/internal/runner"
	"github.com/andresmarpz/sandcastle/internal/store"
	scerr "github.com/andresmarpz/sandcastle/pkg/errors"
)

// Session is the per-session bundle: sequenced buffer, event hub, turn
// state machine, input queue, approval correlator, and the cancellation
// handle of the active run. All mutation goes through methods owning
// s.mu; the hub has its own lock and is always acquired after s.mu.
type Session struct {
	ID        string
	createdAt time.Time

	reg *Registry
	hub *hub

	mu             sync.Mutex
	status         Status
	turn           *Turn
	run            runner.Run
	runDone        chan struct{}
	interrupting   bool
	runFailed      bool
	queue          []QueuedMessage
	approvals      *approvalSet
	agentSessionID string
	usage          Usage
	lastActiveAt   time.Time
	removed        bool
}

// SendOptions tunes a Send call.
type SendOptions struct {
	// ClientMessageID is an optional client-chosen identifier echoed back
	// on queue events so optimistic UIs can reconcile.
	ClientMessageID string

	// NoQueue rejects the send with a busy error instead of queueing when
	// a turn is already streaming.
	NoQueue bool
}

// SendResult reports how user input was accepted.
type SendResult struct {
	TurnID    string `json:"turn_id,omitempty"`
	MessageID string `json:"message_id"`
	Queued    bool   `json:"queued"`
}

func newSession(id string, reg *Registry) *Session {
	now := time.Now().UTC()
	epoch := uuid.New().String()
	return &Session{
		ID:           id,
		createdAt:    now,
		reg:          reg,
		hub:          newHub(id, epoch, reg.cfg.BufferCap, reg.cfg.SubscriberBuffer, reg.logger),
		status:       StatusIdle,
		approvals:    newApprovalSet(),
		lastActiveAt: now,
	}
}

// Send dispatches user input: it starts a turn when the session is idle,
// otherwise appends to the queue (or rejects, with NoQueue). Starting a
// turn blocks until the runner acknowledges the run.
func (s *Session) Send(ctx context.Context, content string, opts SendOptions) (SendResult, error) {
	s.mu.Lock()

	if s.removed {
		s.mu.Unlock()
		return SendResult{}, scerr.New(scerr.CodeSessionNotFound, "session deleted",
			scerr.FieldSessionID(s.ID))
	}

	s.lastActiveAt = time.Now().UTC()

	if s.status == StatusStreaming {
		if opts.NoQueue {
			turnID := s.turn.ID
			s.mu.Unlock()
			return SendResult{}, scerr.New(scerr.CodeTurnBusy, "turn already streaming",
				scerr.FieldSessionID(s.ID), scerr.FieldTurnID(turnID))
		}

		qm := QueuedMessage{
			ID:              uuid.New().String(),
			Content:         content,
			ClientMessageID: opts.ClientMessageID,
			QueuedAt:        time.Now().UTC(),
		}
		s.queue = append(s.queue, qm)
		queueLen := len(s.queue)
		s.hub.Publish(SessionEvent{Type: EventMessageQueued, Queued: &qm})
		s.mu.Unlock()

		s.reg.logger.Debug("message queued",
			"session_id", s.ID, "message_id", qm.ID, "queue_len", queueLen)
		return SendResult{MessageID: qm.ID, Queued: true}, nil
	}

	turn := s.beginTurnLocked(content)
	s.mu.Unlock()

	if err := s.launch(ctx, turn); err != nil {
		return SendResult{TurnID: turn.ID, MessageID: turn.MessageID}, err
	}
	return SendResult{TurnID: turn.ID, MessageID: turn.MessageID}, nil
}

// beginTurnLocked transitions idle -> streaming: creates the turn,
// publishes session_started and the user_message echo, and arms the
// per-turn done channel. Caller holds s.mu and has verified status idle.
func (s *Session) beginTurnLocked(content string) *Turn {
	// A run-level failure invalidates seq continuity for reconnecting
	// clients: the next run starts a fresh epoch with a clean buffer.
	if s.runFailed {
		s.runFailed = false
		s.hub.Reset(uuid.New().String())
		s.reg.logger.Info("session epoch restarted after run failure", "session_id", s.ID)
	}

	now := time.Now().UTC()
	turn := &Turn{
		ID:        uuid.New().String(),
		MessageID: uuid.New().String(),
		Content:   content,
		StartedAt: now,
	}
	s.turn = turn
	s.status = StatusStreaming
	s.interrupting = false
	s.runDone = make(chan struct{})
	s.usage.Turns++

	s.hub.Publish(SessionEvent{Type: EventSessionStarted, Started: &TurnStarted{
		TurnID:    turn.ID,
		MessageID: turn.MessageID,
		StartedAt: now,
	}})
	s.hub.Publish(SessionEvent{Type: EventUserMessage, User: &UserMessage{
		MessageID: turn.MessageID,
		TurnID:    turn.ID,
		Content:   content,
	}})
	return turn
}

// launch persists the user message, starts the run, and hands the event
// stream to the pump goroutine. Called without s.mu.
func (s *Session) launch(ctx context.Context, turn *Turn) error {
	s.persistMessage(&store.Message{
		ID:        turn.MessageID,
		SessionID: s.ID,
		TurnID:    turn.ID,
		Role:      store.RoleUser,
		Content:   turn.Content,
		CreatedAt: turn.StartedAt,
	})

	s.mu.Lock()
	resume := s.agentSessionID
	done := s.runDone
	s.mu.Unlock()

	run, err := s.reg.runner.StartRun(ctx, runner.RunRequest{
		SessionID:   s.ID,
		Prompt:      turn.Content,
		ResumeToken: resume,
		Model:       s.reg.cfg.Model,
	})
	if err != nil {
		s.reg.logger.Error("runner start failed",
			"session_id", s.ID, "turn_id", turn.ID, "error", err)
		s.mu.Lock()
		next := s.stopLocked(turn.ID, StopError, err.Error())
		s.mu.Unlock()
		close(done)
		if next != nil {
			go s.launchBackground(next)
		}
		return scerr.Wrap(err, scerr.CodeTurnStartFailure, "starting agent run",
			scerr.FieldSessionID(s.ID), scerr.FieldTurnID(turn.ID))
	}

	s.mu.Lock()
	s.run = run
	cancelNow := s.interrupting
	s.mu.Unlock()
	if cancelNow {
		// Interrupt arrived while the run was still starting.
		run.Cancel()
	}

	go s.pump(turn, run, done)
	return nil
}

func (s *Session) launchBackground(turn *Turn) {
	if err := s.launch(context.Background(), turn); err != nil {
		s.reg.logger.Error("dequeued turn failed to start",
			"session_id", s.ID, "turn_id", turn.ID, "error", err)
	}
}

// pump is the single writer for a turn: it drains the run's event stream
// into the hub, maintains approvals and usage, and drives the terminal
// stop transition. Runs on its own goroutine per turn.
func (s *Session) pump(turn *Turn, run runner.Run, done chan struct{}) {
	defer close(done)

	var (
		text   strings.Builder
		reason = StopCompleted
		errMsg string
	)

	for ev := range run.Events() {
		switch ev.Type {
		case runner.EventTextDelta:
			text.WriteString(ev.Text)
			s.hub.Publish(SessionEvent{Type: EventStream, Stream: cloneStreamEvent(ev)})

		case runner.EventToolApprovalRequest:
			if ev.Approval != nil {
				s.mu.Lock()
				s.approvals.register(ev.Approval.ToolCallID, ev.Approval.ToolName, turn.ID)
				s.hub.Publish(SessionEvent{Type: EventStream, Stream: cloneStreamEvent(ev)})
				s.mu.Unlock()
			}

		case runner.EventAgentSession:
			s.mu.Lock()
			s.agentSessionID = ev.AgentSessionID
			s.mu.Unlock()
			s.hub.Publish(SessionEvent{Type: EventStream, Stream: cloneStreamEvent(ev)})

		case runner.EventUsage:
			if ev.Usage != nil {
				s.mu.Lock()
				s.usage.InputTokens += ev.Usage.InputTokens
				s.usage.OutputTokens += ev.Usage.OutputTokens
				s.mu.Unlock()
			}
			s.hub.Publish(SessionEvent{Type: EventStream, Stream: cloneStreamEvent(ev)})

		case runner.EventDone:
			// Terminal; the runner closes the channel right after.

		case runner.EventError:
			reason = StopError
			errMsg = ev.Err

		default:
			s.hub.Publish(SessionEvent{Type: EventStream, Stream: cloneStreamEvent(ev)})
		}
	}

	s.mu.Lock()
	if s.interrupting && reason != StopError {
		reason = StopInterrupted
	}
	s.mu.Unlock()

	if text.Len() > 0 {
		s.persistMessage(&store.Message{
			ID:        uuid.New().String(),
			SessionID: s.ID,
			TurnID:    turn.ID,
			Role:      store.RoleAssistant,
			Content:   text.String(),
			CreatedAt: time.Now().UTC(),
			Metadata:  map[string]string{"stop_reason": string(reason)},
		})
	}

	s.mu.Lock()
	next := s.stopLocked(turn.ID, reason, errMsg)
	s.mu.Unlock()

	if next != nil {
		s.launchBackground(next)
	}
}

// stopLocked transitions streaming -> idle for the given turn: clears
// pending approvals, publishes session_stopped, and dequeues the next
// queued message if any, re-entering streaming for it. Returns the next
// turn to launch, or nil. No-op when the turn is no longer active (a
// forced interrupt already stopped it). Caller holds s.mu.
func (s *Session) stopLocked(turnID string, reason StopReason, errMsg string) *Turn {
	if s.turn == nil || s.turn.ID != turnID {
		return nil
	}

	cleared := s.approvals.clear()
	if len(cleared) > 0 {
		s.reg.logger.Debug("clearing pending approvals at turn stop",
			"session_id", s.ID, "turn_id", turnID, "count", len(cleared))
	}

	s.hub.Publish(SessionEvent{Type: EventSessionStopped, Stopped: &TurnStopped{
		TurnID:    turnID,
		Reason:    reason,
		Error:     errMsg,
		StoppedAt: time.Now().UTC(),
	}})

	s.status = StatusIdle
	s.turn = nil
	s.run = nil
	s.interrupting = false
	s.lastActiveAt = time.Now().UTC()
	if reason == StopError {
		s.runFailed = true
	}

	s.reg.logger.Info("turn stopped",
		"session_id", s.ID, "turn_id", turnID, "reason", string(reason))

	if len(s.queue) == 0 {
		return nil
	}

	qm := s.queue[0]
	s.queue = append(s.queue[:0:0], s.queue[1:]...)
	s.hub.Publish(SessionEvent{Type: EventMessageDequeued, Dequeued: &qm})
	return s.beginTurnLocked(qm.Content)
}

// Interrupt cancels the active run and waits, bounded by the configured
// timeout, for the turn to stop. Interrupting an idle session is a no-op.
// After the timeout the session is forced idle regardless: a stuck
// external process must not wedge the coordinator.
func (s *Session) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusStreaming {
		s.mu.Unlock()
		return nil
	}
	s.interrupting = true
	run := s.run
	turnID := s.turn.ID
	done := s.runDone
	s.mu.Unlock()

	if run != nil {
		run.Cancel()
	}

	timeout := s.reg.cfg.InterruptTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		s.reg.logger.Warn("interrupt timed out, forcing session idle",
			"session_id", s.ID, "turn_id", turnID, "timeout", timeout)
		s.mu.Lock()
		next := s.stopLocked(turnID, StopInterrupted, "interrupt timed out")
		s.mu.Unlock()
		if next != nil {
			go s.launchBackground(next)
		}
		return nil
	}
}

// RespondToApproval resolves a pending approval and forwards the decision
// to the run. Unknown IDs (already resolved, or from a finished turn)
// surface a stale-approval error; the session is unaffected.
func (s *Session) RespondToApproval(ctx context.Context, toolCallID string, decision runner.Decision, payload []byte) error {
	s.mu.Lock()
	pending, ok := s.approvals.resolve(toolCallID)
	run := s.run
	s.mu.Unlock()

	if !ok {
		return scerr.New(scerr.CodeApprovalStale, "approval not pending",
			scerr.FieldSessionID(s.ID), scerr.FieldToolCallID(toolCallID))
	}
	if run == nil {
		return scerr.New(scerr.CodeApprovalStale, "turn no longer running",
			scerr.FieldSessionID(s.ID), scerr.FieldToolCallID(toolCallID))
	}

	if err := run.Respond(ctx, toolCallID, decision, payload); err != nil {
		return scerr.Wrap(err, scerr.CodeRunnerRespondInvalid, "forwarding approval decision",
			scerr.FieldSessionID(s.ID), scerr.FieldToolCallID(pending.ToolCallID))
	}

	s.reg.logger.Info("approval resolved",
		"session_id", s.ID, "tool_call_id", toolCallID, "decision", string(decision))
	return nil
}

// Snapshot returns the request/response view of the session.
func (s *Session) Snapshot(ctx context.Context) SessionSnapshot {
	s.mu.Lock()
	snap := SessionSnapshot{
		SessionID:        s.ID,
		Status:           s.status,
		Queue:            append([]QueuedMessage(nil), s.queue...),
		PendingApprovals: s.approvals.list(),
		Usage:            s.usage,
		CreatedAt:        s.createdAt,
		LastActiveAt:     s.lastActiveAt,
	}
	if s.turn != nil {
		turn := *s.turn
		snap.ActiveTurn = &turn
	}
	s.mu.Unlock()

	buf := s.hub.Snapshot()
	snap.Epoch = s.hub.Epoch()
	snap.MinSeq = buf.MinSeq
	snap.MaxSeq = buf.MaxSeq
	snap.HasGap = buf.HasGap
	snap.Subscribers = s.hub.SubscriberCount()

	if cursor, err := s.reg.history.Cursor(ctx, s.ID); err == nil {
		snap.HistoryCursor = cursor
	} else {
		s.reg.logger.Warn("history cursor lookup failed", "session_id", s.ID, "error", err)
	}
	return snap
}

// SubscriberCount reports the hub's live subscriber count.
func (s *Session) SubscriberCount() int {
	return s.hub.SubscriberCount()
}

// Epoch returns the session's current epoch token.
func (s *Session) Epoch() string {
	return s.hub.Epoch()
}

// idleSince reports whether the session has been idle, queue-empty, and
// subscriber-free since before the cutoff. Used by the registry janitor.
func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	idle := s.status == StatusIdle && len(s.queue) == 0 && s.lastActiveAt.Before(cutoff)
	s.mu.Unlock()
	return idle && s.hub.SubscriberCount() == 0
}

// markRemoved flags the session as deleted and returns the active run,
// if any, for the caller to cancel.
func (s *Session) markRemoved() runner.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = true
	return s.run
}

func (s *Session) persistMessage(msg *store.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.reg.history.AppendMessage(ctx, msg); err != nil {
		s.reg.logger.Error("history append failed",
			"session_id", s.ID, "message_id", msg.ID, "error", err)
	}
}

func cloneStreamEvent(ev runner.StreamEvent) *runner.StreamEvent {
	copied := ev
	return &copied
}
