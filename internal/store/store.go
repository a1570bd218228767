// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandcastle Contributors

// Package store defines the durable message history consumed by the
// coordinator. The coordinator only ever appends finished turns and reads
// by cursor; it never rewrites history.
package store

import (
	"context"
	"time"
)

// Role identifies the author of a persisted message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one durable conversation message.
type Message struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	TurnID    string            `json:"turn_id,omitempty"`
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// HistoryCursor is the store-side watermark for a session. Clients compare
// it against their locally known position to decide whether a gap fetch
// is required.
type HistoryCursor struct {
	LastMessageID string    `json:"last_message_id"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// HistoryStore is an append-only, cursor-queryable message log. Both
// AppendMessage and History are safe to retry: appending a message whose
// ID already exists is a no-op success.
type HistoryStore interface {
	AppendMessage(ctx context.Context, msg *Message) error

	// History returns up to limit messages for the session created after
	// the message identified by afterMessageID, oldest first. An empty
	// afterMessageID reads from the beginning; limit <= 0 means no limit.
	History(ctx context.Context, sessionID, afterMessageID string, limit int) ([]*Message, error)

	Cursor(ctx context.Context, sessionID string) (HistoryCursor, error)

	DeleteSession(ctx context.Context, sessionID string) error

	Close() error
}
