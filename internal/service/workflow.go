package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/Strob0t/auditrt/internal/domain/task"
	"github.com/Strob0t/auditrt/internal/domain/workflow"
)

// ErrWorkflowFailed is returned by RunWorkflow when a stage ends with a
// task that did not complete.
var ErrWorkflowFailed = errors.New("workflow failed")

// StageResult is the outcome of one workflow stage.
type StageResult struct {
	Name    string                `json:"name"`
	Results map[string]TaskResult `json:"results"`
}

// WorkflowResult collects the stages that ran.
type WorkflowResult struct {
	Stages    []StageResult `json:"stages"`
	Completed bool          `json:"completed"`
}

// Tasks merges the per-stage results.
func (r WorkflowResult) Tasks() map[string]TaskResult {
	out := make(map[string]TaskResult)
	for _, s := range r.Stages {
		maps.Copy(out, s.Results)
	}
	return out
}

// StageHook observes workflow progress. It is called with done=false before
// a stage submits its tasks and with done=true once the stage has finished.
type StageHook func(ctx context.Context, stage string, done bool)

// RunWorkflow runs stages in order. Every task of a stage depends on all
// tasks of the previous stage. A sequential stage runs its tasks one after
// another and stops at the first one that does not complete; the workflow
// stops after any stage with such a task.
func (e *Executor) RunWorkflow(ctx context.Context, stages []workflow.PlannedStage, hooks ...StageHook) (WorkflowResult, error) {
	var res WorkflowResult
	var prev []string
	for _, st := range stages {
		for _, h := range hooks {
			h(ctx, st.Name, false)
		}
		sr := StageResult{Name: st.Name, Results: make(map[string]TaskResult)}
		ids, err := e.runStage(ctx, st, prev, sr.Results)
		res.Stages = append(res.Stages, sr)
		for _, h := range hooks {
			h(ctx, st.Name, true)
		}
		if err != nil {
			return res, fmt.Errorf("stage %s: %w", st.Name, err)
		}
		for id, r := range sr.Results {
			if r.Status != task.StatusCompleted {
				e.log.Warn("workflow stopped", "stage", st.Name, "task_id", id, "status", r.Status)
				return res, fmt.Errorf("%w: stage %s: task %s %s", ErrWorkflowFailed, st.Name, id, r.Status)
			}
		}
		prev = ids
	}
	res.Completed = true
	return res, nil
}

func (e *Executor) runStage(ctx context.Context, st workflow.PlannedStage, prev []string, into map[string]TaskResult) ([]string, error) {
	if st.Parallel {
		ids := make([]string, 0, len(st.Tasks))
		for _, t := range st.Tasks {
			id, err := e.submitStageTask(t, prev)
			if err != nil {
				return ids, err
			}
			ids = append(ids, id)
		}
		results, err := e.wait(ctx, 0, ids)
		maps.Copy(into, results)
		return ids, err
	}

	var ids []string
	deps := prev
	for _, t := range st.Tasks {
		id, err := e.submitStageTask(t, deps)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
		results, err := e.wait(ctx, 0, []string{id})
		maps.Copy(into, results)
		if err != nil {
			return ids, err
		}
		if results[id].Status != task.StatusCompleted {
			break
		}
		deps = []string{id}
	}
	return ids, nil
}

func (e *Executor) submitStageTask(t *task.Task, deps []string) (string, error) {
	cp := *t
	cp.Dependencies = append(slices.Clone(t.Dependencies), deps...)
	return e.Submit(&cp)
}
