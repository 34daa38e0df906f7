// Package task defines the schedulable unit of work run by the executor.
package task

import (
	"context"
	"fmt"
	"time"

	"github.com/Strob0t/auditrt/internal/domain"
)

// Status represents the current state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority orders ready tasks. Higher priority tasks are dispatched first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Rank returns a sort key; lower runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal, "":
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Valid reports whether p is a known priority. Empty means normal.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, "":
		return true
	default:
		return false
	}
}

// Input is handed to a worker when its task runs.
type Input struct {
	TaskID    string         `json:"task_id"`
	SessionID string         `json:"session_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	// Upstream holds the results of completed dependencies keyed by task id.
	Upstream map[string]any `json:"upstream,omitempty"`
}

// Worker performs the work of one task. It must observe ctx at its own
// suspension points; cancellation is cooperative.
type Worker interface {
	Run(ctx context.Context, in Input) (any, error)
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, in Input) (any, error)

// Run calls f.
func (f WorkerFunc) Run(ctx context.Context, in Input) (any, error) { return f(ctx, in) }

// Factory constructs a fresh worker for one run.
type Factory func() Worker

// Task is a unit of schedulable work. The executor owns the mutable fields
// after submission.
type Task struct {
	ID           string         `json:"id"`
	Kind         string         `json:"kind"`
	Factory      Factory        `json:"-"`
	Payload      map[string]any `json:"payload,omitempty"`
	Priority     Priority       `json:"priority"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Timeout      time.Duration  `json:"timeout"`
	ParentID     string         `json:"parent_id,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`

	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Result      any       `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Validate checks the fields a caller must set before submission.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required: %w", domain.ErrValidation)
	}
	if t.Factory == nil {
		return fmt.Errorf("task %s: factory is required: %w", t.ID, domain.ErrValidation)
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("task %s: unknown priority %q: %w", t.ID, t.Priority, domain.ErrValidation)
	}
	if t.Timeout < 0 {
		return fmt.Errorf("task %s: negative timeout: %w", t.ID, domain.ErrValidation)
	}
	for _, dep := range t.Dependencies {
		if dep == t.ID {
			return fmt.Errorf("task %s depends on itself: %w", t.ID, domain.ErrValidation)
		}
	}
	return nil
}

// Duration returns the run time of a started task. A running task reports the
// time since start.
func (t *Task) Duration(now time.Time) time.Duration {
	switch {
	case t.StartedAt.IsZero():
		return 0
	case t.CompletedAt.IsZero():
		return now.Sub(t.StartedAt)
	default:
		return t.CompletedAt.Sub(t.StartedAt)
	}
}
