// Package eventstore defines the port interface for the append-only audit
// event log.
package eventstore

import (
	"context"

	"github.com/Strob0t/auditrt/internal/domain/event"
)

// Store persists sequenced audit events. Implementations must tolerate
// concurrent callers; the event pipeline never blocks an emit on them.
type Store interface {
	// Save persists ev. Saving an event whose (session, sequence) already
	// exists is a no-op.
	Save(ctx context.Context, ev *event.AuditEvent) error

	// Query returns up to limit events of sessionID with sequence > after in
	// increasing sequence order. limit <= 0 means no limit. When types is
	// non-empty only those types are returned.
	Query(ctx context.Context, sessionID string, after int64, limit int, types ...event.Type) ([]event.AuditEvent, error)

	// LatestSequence returns the highest stored sequence of sessionID, 0 if none.
	LatestSequence(ctx context.Context, sessionID string) (int64, error)

	// DeleteSession removes all events of sessionID.
	DeleteSession(ctx context.Context, sessionID string) error
}
