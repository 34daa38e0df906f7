package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/auditrt/internal/domain/event"
	"github.com/Strob0t/auditrt/internal/port/eventstore"
)

// EventStore implements eventstore.Store using PostgreSQL (append-only).
type EventStore struct {
	pool *pgxpool.Pool
}

var _ eventstore.Store = (*EventStore)(nil)

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Save inserts ev into audit_events. A row with the same (session, sequence)
// is left untouched.
func (s *EventStore) Save(ctx context.Context, ev *event.AuditEvent) error {
	payload, err := marshalPayload(ev.Payload)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_events (session_id, sequence, id, event_type, source, message, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (session_id, sequence) DO NOTHING`,
		ev.SessionID, ev.Sequence, ev.ID, string(ev.Type), ev.Source, ev.Message, payload, ev.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("save event %s/%d: %w", ev.SessionID, ev.Sequence, err)
	}
	return nil
}

// eventColumns is the SELECT column list for audit_events queries.
const eventColumns = `session_id, sequence, id, event_type, source, message, payload, created_at`

func scanEvent(row scannable, ev *event.AuditEvent) error {
	var (
		typ     string
		payload []byte
	)
	if err := row.Scan(&ev.SessionID, &ev.Sequence, &ev.ID, &typ, &ev.Source, &ev.Message, &payload, &ev.Timestamp); err != nil {
		return err
	}
	ev.Type = event.Type(typ)
	if len(payload) > 0 && string(payload) != "{}" {
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return nil
}

// Query returns events of sessionID after the given sequence in ascending order.
func (s *EventStore) Query(ctx context.Context, sessionID string, after int64, limit int, types ...event.Type) ([]event.AuditEvent, error) {
	q := fmt.Sprintf(`SELECT %s FROM audit_events WHERE session_id = $1 AND sequence > $2`, eventColumns)
	args := []any{sessionID, after}
	if len(types) > 0 {
		args = append(args, typeStrings(types))
		q += fmt.Sprintf(" AND event_type = ANY($%d)", len(args))
	}
	q += " ORDER BY sequence ASC"
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events %s: %w", sessionID, err)
	}
	defer rows.Close()

	var events []event.AuditEvent
	for rows.Next() {
		var ev event.AuditEvent
		if err := scanEvent(rows, &ev); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LatestSequence returns the highest stored sequence for sessionID.
func (s *EventStore) LatestSequence(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM audit_events WHERE session_id = $1`, sessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest sequence %s: %w", sessionID, err)
	}
	return seq, nil
}

// DeleteSession removes every event of sessionID.
func (s *EventStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM audit_events WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}
