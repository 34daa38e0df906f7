// Package eventstoretest provides a compliance suite for eventstore.Store
// implementations.
package eventstoretest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/auditrt/internal/domain/event"
	"github.com/Strob0t/auditrt/internal/port/eventstore"
)

// RunComplianceTests runs the standard compliance test suite against a
// Store. newStore must return an empty store for every call.
func RunComplianceTests(t *testing.T, newStore func(t *testing.T) eventstore.Store) {
	t.Helper()
	ctx := context.Background()

	mk := func(session string, seq int64, typ event.Type) *event.AuditEvent {
		return &event.AuditEvent{
			ID:        fmt.Sprintf("%s-%d", session, seq),
			SessionID: session,
			Sequence:  seq,
			Type:      typ,
			Source:    "test",
			Message:   fmt.Sprintf("event %d", seq),
			Payload:   map[string]any{"n": float64(seq)},
			Timestamp: time.Unix(1_700_000_000+seq, 0).UTC(),
		}
	}

	t.Run("SaveAndQuery", func(t *testing.T) {
		s := newStore(t)
		for i := int64(1); i <= 5; i++ {
			if err := s.Save(ctx, mk("s1", i, event.TypeInfo)); err != nil {
				t.Fatal(err)
			}
		}
		got, err := s.Query(ctx, "s1", 2, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 3 || got[0].Sequence != 3 || got[2].Sequence != 5 {
			t.Fatalf("expected sequences 3..5, got %v", sequences(got))
		}
		if got[0].Message != "event 3" || got[0].Payload["n"] != float64(3) || got[0].Type != event.TypeInfo {
			t.Fatalf("fields not preserved: %+v", got[0])
		}
		if !got[0].Timestamp.Equal(time.Unix(1_700_000_003, 0)) {
			t.Fatalf("timestamp not preserved: %v", got[0].Timestamp)
		}
	})

	t.Run("QueryOrderedRegardlessOfSaveOrder", func(t *testing.T) {
		s := newStore(t)
		for _, seq := range []int64{3, 1, 2} {
			if err := s.Save(ctx, mk("s1", seq, event.TypeInfo)); err != nil {
				t.Fatal(err)
			}
		}
		got, _ := s.Query(ctx, "s1", 0, 0)
		if fmt.Sprint(sequences(got)) != "[1 2 3]" {
			t.Fatalf("expected ordered sequences, got %v", sequences(got))
		}
	})

	t.Run("QueryLimit", func(t *testing.T) {
		s := newStore(t)
		for i := int64(1); i <= 10; i++ {
			_ = s.Save(ctx, mk("s1", i, event.TypeInfo))
		}
		got, _ := s.Query(ctx, "s1", 4, 3)
		if fmt.Sprint(sequences(got)) != "[5 6 7]" {
			t.Fatalf("expected first 3 after 4, got %v", sequences(got))
		}
	})

	t.Run("QueryTypes", func(t *testing.T) {
		s := newStore(t)
		_ = s.Save(ctx, mk("s1", 1, event.TypeInfo))
		_ = s.Save(ctx, mk("s1", 2, event.TypeToolCall))
		_ = s.Save(ctx, mk("s1", 3, event.TypeError))
		got, _ := s.Query(ctx, "s1", 0, 0, event.TypeToolCall, event.TypeError)
		if fmt.Sprint(sequences(got)) != "[2 3]" {
			t.Fatalf("expected filtered sequences, got %v", sequences(got))
		}
	})

	t.Run("SessionsIsolated", func(t *testing.T) {
		s := newStore(t)
		_ = s.Save(ctx, mk("a", 1, event.TypeInfo))
		_ = s.Save(ctx, mk("b", 1, event.TypeInfo))
		_ = s.Save(ctx, mk("b", 2, event.TypeInfo))
		got, _ := s.Query(ctx, "a", 0, 0)
		if len(got) != 1 {
			t.Fatalf("expected 1 event for a, got %d", len(got))
		}
		seq, err := s.LatestSequence(ctx, "b")
		if err != nil || seq != 2 {
			t.Fatalf("LatestSequence(b) = %d, %v", seq, err)
		}
	})

	t.Run("LatestSequenceEmpty", func(t *testing.T) {
		s := newStore(t)
		seq, err := s.LatestSequence(ctx, "missing")
		if err != nil || seq != 0 {
			t.Fatalf("LatestSequence(missing) = %d, %v", seq, err)
		}
		got, err := s.Query(ctx, "missing", 0, 10)
		if err != nil || len(got) != 0 {
			t.Fatalf("Query(missing) = %v, %v", got, err)
		}
	})

	t.Run("DuplicateSequenceIgnored", func(t *testing.T) {
		s := newStore(t)
		_ = s.Save(ctx, mk("s1", 1, event.TypeInfo))
		dup := mk("s1", 1, event.TypeError)
		if err := s.Save(ctx, dup); err != nil {
			t.Fatalf("duplicate save should not error: %v", err)
		}
		got, _ := s.Query(ctx, "s1", 0, 0)
		if len(got) != 1 || got[0].Type != event.TypeInfo {
			t.Fatalf("expected the first write to win, got %+v", got)
		}
	})

	t.Run("DeleteSession", func(t *testing.T) {
		s := newStore(t)
		_ = s.Save(ctx, mk("s1", 1, event.TypeInfo))
		_ = s.Save(ctx, mk("s2", 1, event.TypeInfo))
		if err := s.DeleteSession(ctx, "s1"); err != nil {
			t.Fatal(err)
		}
		if seq, _ := s.LatestSequence(ctx, "s1"); seq != 0 {
			t.Fatalf("expected s1 emptied, latest=%d", seq)
		}
		if seq, _ := s.LatestSequence(ctx, "s2"); seq != 1 {
			t.Fatalf("expected s2 untouched, latest=%d", seq)
		}
	})

	t.Run("ConcurrentSaves", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		for i := int64(1); i <= 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.Save(ctx, mk("s1", i, event.TypeInfo)); err != nil {
					t.Error(err)
				}
			}()
		}
		wg.Wait()
		if seq, _ := s.LatestSequence(ctx, "s1"); seq != 50 {
			t.Fatalf("expected latest 50, got %d", seq)
		}
	})
}

func sequences(evs []event.AuditEvent) []int64 {
	out := make([]int64, len(evs))
	for i, e := range evs {
		out[i] = e.Sequence
	}
	return out
}
