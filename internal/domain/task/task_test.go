package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/auditrt/internal/domain"
)

func noopFactory() Worker {
	return WorkerFunc(func(context.Context, Input) (any, error) { return nil, nil })
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		task    Task
		wantErr bool
	}{
		{"valid", Task{ID: "a", Factory: noopFactory}, false},
		{"missing id", Task{Factory: noopFactory}, true},
		{"missing factory", Task{ID: "a"}, true},
		{"bad priority", Task{ID: "a", Factory: noopFactory, Priority: "urgent"}, true},
		{"self dependency", Task{ID: "a", Factory: noopFactory, Dependencies: []string{"a"}}, true},
		{"negative timeout", Task{ID: "a", Factory: noopFactory, Timeout: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestPriorityRank(t *testing.T) {
	order := []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Fatalf("%s should rank before %s", order[i-1], order[i])
		}
	}
	if Priority("").Rank() != PriorityNormal.Rank() {
		t.Fatal("empty priority should rank as normal")
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestDuration(t *testing.T) {
	start := time.Unix(100, 0)
	tk := Task{StartedAt: start}
	if got := tk.Duration(start.Add(3 * time.Second)); got != 3*time.Second {
		t.Fatalf("running duration = %v", got)
	}
	tk.CompletedAt = start.Add(time.Second)
	if got := tk.Duration(start.Add(time.Hour)); got != time.Second {
		t.Fatalf("completed duration = %v", got)
	}
	if got := (&Task{}).Duration(start); got != 0 {
		t.Fatalf("unstarted duration = %v", got)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("recon", noopFactory); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("recon", noopFactory); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := r.Register("analysis", noopFactory); err != nil {
		t.Fatal(err)
	}

	tk, err := r.New("t1", "recon", map[string]any{"path": "/src"}, "t0")
	if err != nil {
		t.Fatal(err)
	}
	if tk.Kind != "recon" || tk.Factory == nil || tk.Status != StatusPending || len(tk.Dependencies) != 1 {
		t.Fatalf("unexpected task %+v", tk)
	}

	_, err = r.New("t2", "exploit", nil)
	if !errors.Is(err, ErrUnknownKind) || !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrUnknownKind wrapping ErrNotFound, got %v", err)
	}

	kinds := r.Kinds()
	if len(kinds) != 2 || kinds[0] != "analysis" || kinds[1] != "recon" {
		t.Fatalf("unexpected kinds %v", kinds)
	}
}

func TestCreatesCycle(t *testing.T) {
	graph := map[string][]string{
		"a": {"b"},
		"b": {"c"},
		"c": nil,
		"x": {"missing"},
	}
	edges := func(id string) []string { return graph[id] }

	tests := []struct {
		name string
		id   string
		deps []string
		want bool
	}{
		{"new leaf", "d", []string{"a"}, false},
		{"closes loop through pending unknown dep", "missing", []string{"x"}, true},
		{"closes long loop", "c", []string{"a"}, true},
		{"no deps", "e", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CreatesCycle(tt.id, tt.deps, edges); got != tt.want {
				t.Fatalf("CreatesCycle(%s, %v) = %v, want %v", tt.id, tt.deps, got, tt.want)
			}
		})
	}
}
