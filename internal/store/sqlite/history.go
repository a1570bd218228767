// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandcastle Contributors

// Package sqlite provides the SQLite-backed HistoryStore.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/andresmarpz/sandcastle/internal/store"
	scerr "github.com/andresmarpz/sandcastle/pkg/errors"
)

// Compile-time interface check.
var _ store.HistoryStore = (*HistoryStore)(nil)

// HistoryStore implements store.HistoryStore backed by SQLite. The rowid
// column provides the monotonic cursor ordering; created_at is stored as
// RFC3339Nano text for readability.
type HistoryStore struct {
	db *sql.DB
}

// NewHistoryStore opens (or creates) a SQLite database at dbPath and
// initialises the messages table.
func NewHistoryStore(dbPath string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, scerr.Wrap(err, scerr.CodeStoreDatabaseFailure, "opening sqlite db")
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, scerr.Wrap(err, scerr.CodeStoreDatabaseFailure, "pinging sqlite db")
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, scerr.Wrap(err, scerr.CodeStoreDatabaseFailure, "migrating history tables")
	}

	return &HistoryStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS messages (
	rowid      INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT UNIQUE NOT NULL,
	session_id TEXT NOT NULL,
	turn_id    TEXT NOT NULL DEFAULT '',
	role       TEXT NOT NULL,
	content    TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	metadata   TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, rowid);
`
	_, err := db.Exec(ddl)
	return err
}

// Close closes the underlying database connection.
func (h *HistoryStore) Close() error {
	return h.db.Close()
}

// AppendMessage inserts a message. Re-inserting an existing message ID is
// a no-op success so callers can retry safely.
func (h *HistoryStore) AppendMessage(ctx context.Context, msg *store.Message) error {
	if msg == nil || msg.ID == "" || msg.SessionID == "" {
		return scerr.New(scerr.CodeStoreMessageAppendInvalid,
			"message requires id and session_id")
	}

	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return scerr.Wrap(err, scerr.CodeStoreMessageAppendInvalid, "marshalling message metadata")
	}

	const q = `INSERT OR IGNORE INTO messages (id, session_id, turn_id, role, content, created_at, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err = h.db.ExecContext(ctx, q,
		msg.ID,
		msg.SessionID,
		msg.TurnID,
		string(msg.Role),
		msg.Content,
		formatTime(msg.CreatedAt),
		string(metadata),
	)
	if err != nil {
		return scerr.Wrap(err, scerr.CodeStoreDatabaseFailure, "appending message",
			scerr.FieldSessionID(msg.SessionID), scerr.Field("message_id", msg.ID))
	}
	return nil
}

// History returns messages for the session created after afterMessageID,
// oldest first.
func (h *HistoryStore) History(ctx context.Context, sessionID, afterMessageID string, limit int) ([]*store.Message, error) {
	afterRowid := int64(0)
	if afterMessageID != "" {
		row := h.db.QueryRowContext(ctx,
			`SELECT rowid FROM messages WHERE id = ? AND session_id = ?`,
			afterMessageID, sessionID)
		if err := row.Scan(&afterRowid); err != nil {
			if err == sql.ErrNoRows {
				return nil, scerr.New(scerr.CodeStoreMessageNotFound,
					"cursor message not found",
					scerr.FieldSessionID(sessionID),
					scerr.Field("after_message_id", afterMessageID))
			}
			return nil, scerr.Wrap(err, scerr.CodeStoreDatabaseFailure, "resolving history cursor")
		}
	}

	q := `SELECT id, session_id, turn_id, role, content, created_at, metadata
FROM messages WHERE session_id = ? AND rowid > ? ORDER BY rowid ASC`
	args := []any{sessionID, afterRowid}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := h.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, scerr.Wrap(err, scerr.CodeStoreDatabaseFailure, "querying history",
			scerr.FieldSessionID(sessionID))
	}
	defer rows.Close()

	var out []*store.Message
	for rows.Next() {
		var (
			msg      store.Message
			role     string
			created  string
			metadata string
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.TurnID, &role, &msg.Content, &created, &metadata); err != nil {
			return nil, scerr.Wrap(err, scerr.CodeStoreDatabaseFailure, "scanning message row")
		}
		msg.Role = store.Role(role)
		msg.CreatedAt = parseTime(created)
		if metadata != "" && metadata != "{}" && metadata != "null" {
			_ = json.Unmarshal([]byte(metadata), &msg.Metadata)
		}
		out = append(out, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, scerr.Wrap(err, scerr.CodeStoreDatabaseFailure, "iterating history rows")
	}
	return out, nil
}

// Cursor returns the session's latest message watermark.
func (h *HistoryStore) Cursor(ctx context.Context, sessionID string) (store.HistoryCursor, error) {
	row := h.db.QueryRowContext(ctx,
		`SELECT id, created_at FROM messages WHERE session_id = ? ORDER BY rowid DESC LIMIT 1`,
		sessionID)

	var id, created string
	if err := row.Scan(&id, &created); err != nil {
		if err == sql.ErrNoRows {
			return store.HistoryCursor{}, nil
		}
		return store.HistoryCursor{}, scerr.Wrap(err, scerr.CodeStoreDatabaseFailure,
			"querying history cursor", scerr.FieldSessionID(sessionID))
	}

	return store.HistoryCursor{LastMessageID: id, LastMessageAt: parseTime(created)}, nil
}

// DeleteSession removes all messages for a session.
func (h *HistoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := h.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return scerr.Wrap(err, scerr.CodeStoreDatabaseFailure, "deleting session messages",
			scerr.FieldSessionID(sessionID))
	}
	return nil
}

// formatTime serialises a time for storage in a TEXT column.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime deserialises a time string stored in the database.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
