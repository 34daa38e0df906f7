package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Strob0t/auditrt/internal/domain/event"
	"github.com/Strob0t/auditrt/internal/port/eventstore"
	"github.com/Strob0t/auditrt/internal/port/eventstore/eventstoretest"
)

func openTemp(t *testing.T) *EventStore {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEventStoreCompliance(t *testing.T) {
	eventstoretest.RunComplianceTests(t, func(t *testing.T) eventstore.Store {
		return openTemp(t)
	})
}

func TestEventStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.db")

	s, err := Open(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC)
	if err := s.Save(ctx, &event.AuditEvent{ID: "e1", SessionID: "s1", Sequence: 7, Type: event.TypeFindingNew, Timestamp: ts}); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	s, err = Open(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()

	got, err := s.Query(ctx, "s1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Sequence != 7 || !got[0].Timestamp.Equal(ts) || got[0].Payload != nil {
		t.Fatalf("unexpected events after reopen: %+v", got)
	}
}

func TestOpenInMemory(t *testing.T) {
	s, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()
	if seq, err := s.LatestSequence(context.Background(), "x"); err != nil || seq != 0 {
		t.Fatalf("LatestSequence = %d, %v", seq, err)
	}
}
