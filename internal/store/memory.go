// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandcastle Contributors

package store

import (
	"context"
	"sync"

	scerr "github.com/andresmarpz/sandcastle/pkg/errors"
)

// MemoryStore is an in-memory HistoryStore for tests and ephemeral
// deployments. Messages are kept per session in append order.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]*Message
	byID     map[string]struct{}
}

var _ HistoryStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string][]*Message),
		byID:     make(map[string]struct{}),
	}
}

func (m *MemoryStore) AppendMessage(_ context.Context, msg *Message) error {
	if msg == nil || msg.ID == "" || msg.SessionID == "" {
		return scerr.New(scerr.CodeStoreMessageAppendInvalid,
			"message requires id and session_id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Retried appends of the same message are a no-op success.
	if _, dup := m.byID[msg.ID]; dup {
		return nil
	}

	copied := *msg
	m.sessions[msg.SessionID] = append(m.sessions[msg.SessionID], &copied)
	m.byID[msg.ID] = struct{}{}
	return nil
}

func (m *MemoryStore) History(_ context.Context, sessionID, afterMessageID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.sessions[sessionID]
	start := 0
	if afterMessageID != "" {
		found := false
		for i, msg := range msgs {
			if msg.ID == afterMessageID {
				start = i + 1
				found = true
				break
			}
		}
		if !found {
			return nil, scerr.New(scerr.CodeStoreMessageNotFound,
				"cursor message not found",
				scerr.FieldSessionID(sessionID),
				scerr.Field("after_message_id", afterMessageID))
		}
	}

	out := make([]*Message, 0, len(msgs)-start)
	for _, msg := range msgs[start:] {
		if limit > 0 && len(out) >= limit {
			break
		}
		copied := *msg
		out = append(out, &copied)
	}
	return out, nil
}

func (m *MemoryStore) Cursor(_ context.Context, sessionID string) (HistoryCursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.sessions[sessionID]
	if len(msgs) == 0 {
		return HistoryCursor{}, nil
	}
	last := msgs[len(msgs)-1]
	return HistoryCursor{LastMessageID: last.ID, LastMessageAt: last.CreatedAt}, nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.sessions[sessionID] {
		delete(m.byID, msg.ID)
	}
	delete(m.sessions, sessionID)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
