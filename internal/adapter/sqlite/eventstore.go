// Package sqlite provides a file-backed audit event log on the pure-Go
// SQLite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Register the "sqlite" driver.

	"github.com/Strob0t/auditrt/internal/domain/event"
	"github.com/Strob0t/auditrt/internal/port/eventstore"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	session_id TEXT    NOT NULL,
	sequence   INTEGER NOT NULL,
	id         TEXT    NOT NULL,
	event_type TEXT    NOT NULL,
	source     TEXT    NOT NULL DEFAULT '',
	message    TEXT    NOT NULL DEFAULT '',
	payload    TEXT    NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_audit_events_session_type ON audit_events(session_id, event_type, sequence);
`

// EventStore implements eventstore.Store on a SQLite database file.
type EventStore struct {
	db *sql.DB
}

var _ eventstore.Store = (*EventStore)(nil)

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*EventStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single connection serialises writers and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL", schema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite %s: %w", path, err)
		}
	}
	return &EventStore{db: db}, nil
}

// Close closes the underlying database.
func (s *EventStore) Close() error {
	return s.db.Close()
}

// Save inserts ev; an existing (session, sequence) row wins.
func (s *EventStore) Save(ctx context.Context, ev *event.AuditEvent) error {
	payload := []byte("{}")
	if ev.Payload != nil {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		payload = b
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO audit_events (session_id, sequence, id, event_type, source, message, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.SessionID, ev.Sequence, ev.ID, string(ev.Type), ev.Source, ev.Message, string(payload), ev.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("save event %s/%d: %w", ev.SessionID, ev.Sequence, err)
	}
	return nil
}

// Query returns events of sessionID after the given sequence in ascending order.
func (s *EventStore) Query(ctx context.Context, sessionID string, after int64, limit int, types ...event.Type) ([]event.AuditEvent, error) {
	var b strings.Builder
	b.WriteString(`SELECT session_id, sequence, id, event_type, source, message, payload, created_at
		FROM audit_events WHERE session_id = ? AND sequence > ?`)
	args := []any{sessionID, after}
	if len(types) > 0 {
		b.WriteString(" AND event_type IN (")
		for i, t := range types {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			args = append(args, string(t))
		}
		b.WriteString(")")
	}
	b.WriteString(" ORDER BY sequence ASC")
	if limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query events %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	var events []event.AuditEvent
	for rows.Next() {
		var (
			ev      event.AuditEvent
			typ     string
			payload string
			nanos   int64
		)
		if err := rows.Scan(&ev.SessionID, &ev.Sequence, &ev.ID, &typ, &ev.Source, &ev.Message, &payload, &nanos); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = event.Type(typ)
		ev.Timestamp = time.Unix(0, nanos).UTC()
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LatestSequence returns the highest stored sequence for sessionID.
func (s *EventStore) LatestSequence(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM audit_events WHERE session_id = ?`, sessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest sequence %s: %w", sessionID, err)
	}
	return seq, nil
}

// DeleteSession removes every event of sessionID.
func (s *EventStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}
