// Package workflow defines staged task workflows. A Definition is loaded
// from YAML or taken from the built-in set and built into concrete tasks
// through a task.Registry.
package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/Strob0t/auditrt/internal/domain/task"
)

var (
	ErrIDRequired       = errors.New("workflow id is required")
	ErrNoStages         = errors.New("workflow must have at least one stage")
	ErrStageMissingName = errors.New("stage name is required")
	ErrStageNoTasks     = errors.New("stage must have at least one task")
	ErrTaskMissingKind  = errors.New("task kind is required")
	ErrDuplicateTaskID  = errors.New("duplicate task id")
)

// Definition is a reusable sequence of stages.
type Definition struct {
	ID          string  `json:"id" yaml:"id"`
	Name        string  `json:"name" yaml:"name"`
	Description string  `json:"description,omitempty" yaml:"description"`
	Builtin     bool    `json:"builtin" yaml:"-"`
	Stages      []Stage `json:"stages" yaml:"stages"`
}

// Stage groups tasks that start once the previous stage is done. Parallel
// stages submit all tasks at once; sequential stages run them in order and
// stop at the first failure.
type Stage struct {
	Name     string     `json:"name" yaml:"name"`
	Parallel bool       `json:"parallel" yaml:"parallel"`
	Tasks    []TaskSpec `json:"tasks" yaml:"tasks"`
}

// TaskSpec describes one task of a stage by worker kind.
type TaskSpec struct {
	ID       string         `json:"id,omitempty" yaml:"id"`
	Kind     string         `json:"kind" yaml:"kind"`
	Priority task.Priority  `json:"priority,omitempty" yaml:"priority"`
	Timeout  time.Duration  `json:"timeout,omitempty" yaml:"timeout"`
	Payload  map[string]any `json:"payload,omitempty" yaml:"payload"`
}

// Validate checks the definition for structural correctness.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return ErrIDRequired
	}
	if len(d.Stages) == 0 {
		return ErrNoStages
	}
	seen := make(map[string]bool)
	for i, s := range d.Stages {
		if s.Name == "" {
			return fmt.Errorf("stage %d: %w", i, ErrStageMissingName)
		}
		if len(s.Tasks) == 0 {
			return fmt.Errorf("stage %q: %w", s.Name, ErrStageNoTasks)
		}
		for j, ts := range s.Tasks {
			if ts.Kind == "" {
				return fmt.Errorf("stage %q task %d: %w", s.Name, j, ErrTaskMissingKind)
			}
			if !ts.Priority.Valid() {
				return fmt.Errorf("stage %q task %d: unknown priority %q", s.Name, j, ts.Priority)
			}
			if ts.ID == "" {
				continue
			}
			if seen[ts.ID] {
				return fmt.Errorf("stage %q: %w: %s", s.Name, ErrDuplicateTaskID, ts.ID)
			}
			seen[ts.ID] = true
		}
	}
	return nil
}

// PlannedStage is a stage whose tasks have factories attached.
type PlannedStage struct {
	Name     string
	Parallel bool
	Tasks    []*task.Task
}

// Build resolves every task kind through reg. Tasks without an id get
// "<session>/<stage>/<index>" so reruns in another session do not collide.
// Unknown kinds fail with task.ErrUnknownKind.
func (d *Definition) Build(reg *task.Registry, sessionID string) ([]PlannedStage, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	out := make([]PlannedStage, 0, len(d.Stages))
	for _, s := range d.Stages {
		ps := PlannedStage{Name: s.Name, Parallel: s.Parallel}
		for j, ts := range s.Tasks {
			id := ts.ID
			if id == "" {
				id = fmt.Sprintf("%s/%s/%d", sessionID, s.Name, j)
			}
			t, err := reg.New(id, ts.Kind, ts.Payload)
			if err != nil {
				return nil, fmt.Errorf("stage %q: %w", s.Name, err)
			}
			if ts.Priority != "" {
				t.Priority = ts.Priority
			}
			t.Timeout = ts.Timeout
			t.SessionID = sessionID
			ps.Tasks = append(ps.Tasks, t)
		}
		out = append(out, ps)
	}
	return out, nil
}
