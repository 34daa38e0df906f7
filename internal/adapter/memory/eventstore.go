// Package memory provides an in-process event log for tests and
// single-run deployments.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/Strob0t/auditrt/internal/domain/event"
	"github.com/Strob0t/auditrt/internal/port/eventstore"
)

// EventStore keeps events per session ordered by sequence.
type EventStore struct {
	mu       sync.RWMutex
	sessions map[string][]event.AuditEvent
}

var _ eventstore.Store = (*EventStore)(nil)

// NewEventStore returns an empty EventStore.
func NewEventStore() *EventStore {
	return &EventStore{sessions: make(map[string][]event.AuditEvent)}
}

// Save inserts ev at its sequence position. Duplicate sequences are ignored.
func (s *EventStore) Save(_ context.Context, ev *event.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	evs := s.sessions[ev.SessionID]
	i, found := slices.BinarySearchFunc(evs, ev.Sequence, func(e event.AuditEvent, seq int64) int {
		switch {
		case e.Sequence < seq:
			return -1
		case e.Sequence > seq:
			return 1
		}
		return 0
	})
	if found {
		return nil
	}
	s.sessions[ev.SessionID] = slices.Insert(evs, i, *ev)
	return nil
}

// Query returns events of sessionID after the given sequence.
func (s *EventStore) Query(_ context.Context, sessionID string, after int64, limit int, types ...event.Type) ([]event.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []event.AuditEvent
	for _, ev := range s.sessions[sessionID] {
		if ev.Sequence <= after {
			continue
		}
		if len(types) > 0 && !slices.Contains(types, ev.Type) {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// LatestSequence returns the last stored sequence of sessionID.
func (s *EventStore) LatestSequence(_ context.Context, sessionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs := s.sessions[sessionID]
	if len(evs) == 0 {
		return 0, nil
	}
	return evs[len(evs)-1].Sequence, nil
}

// DeleteSession drops all events of sessionID.
func (s *EventStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored events across all sessions.
func (s *EventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, evs := range s.sessions {
		n += len(evs)
	}
	return n
}
