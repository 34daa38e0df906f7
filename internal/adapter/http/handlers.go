package http

import (
	"cmp"
	"context"
	"log/slog"
	"net/http"
	"slices"

	"github.com/google/uuid"

	"github.com/Strob0t/auditrt/internal/cancel"
	"github.com/Strob0t/auditrt/internal/domain/event"
	"github.com/Strob0t/auditrt/internal/domain/workflow"
	"github.com/Strob0t/auditrt/internal/service"
)

// Handlers holds the services the HTTP handlers call.
type Handlers struct {
	Runtime   *service.Runtime
	Workflows map[string]workflow.Definition
	Log       *slog.Logger
}

// NewHandlers indexes defs by id. Later definitions replace earlier ones
// with the same id.
func NewHandlers(rt *service.Runtime, defs []workflow.Definition, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	h := &Handlers{Runtime: rt, Workflows: make(map[string]workflow.Definition, len(defs)), Log: log}
	for _, d := range defs {
		h.Workflows[d.ID] = d
	}
	return h
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListWorkflows returns the known workflow definitions sorted by id.
func (h *Handlers) ListWorkflows(w http.ResponseWriter, _ *http.Request) {
	out := make([]workflow.Definition, 0, len(h.Workflows))
	for _, d := range h.Workflows {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b workflow.Definition) int { return cmp.Compare(a.ID, b.ID) })
	writeJSON(w, http.StatusOK, out)
}

type startSessionRequest struct {
	WorkflowID string `json:"workflow_id"`
	SessionID  string `json:"session_id"`
}

type startSessionResponse struct {
	SessionID  string `json:"session_id"`
	WorkflowID string `json:"workflow_id"`
}

// StartSession runs a workflow in the background and returns its session id.
func (h *Handlers) StartSession(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[startSessionRequest](w, r)
	if !ok {
		return
	}
	if req.WorkflowID == "" {
		writeError(w, http.StatusBadRequest, "workflow_id is required")
		return
	}
	def, ok := h.Workflows[req.WorkflowID]
	if !ok {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if _, err := h.Runtime.Contexts.Get(req.SessionID); err == nil {
		writeError(w, http.StatusConflict, "session already exists")
		return
	}

	ctx := context.WithoutCancel(r.Context())
	go func() {
		if _, err := h.Runtime.RunSession(ctx, &def, req.SessionID); err != nil {
			h.Log.WarnContext(ctx, "session ended with error", "session_id", req.SessionID, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, startSessionResponse{SessionID: req.SessionID, WorkflowID: def.ID})
}

// GetSession returns the execution context snapshot of a session.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	c, err := h.Runtime.Contexts.Load(r.Context(), urlParam(r, "sessionID"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	snap := c.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"context":          snap,
		"overall_progress": c.OverallProgress(),
	})
}

// ReplayEvents returns the events of a session after ?after=N, at most
// ?limit=M, optionally filtered by ?types=a,b.
func (h *Handlers) ReplayEvents(w http.ResponseWriter, r *http.Request) {
	after, ok := queryInt(w, r, "after", 0)
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit", 0)
	if !ok {
		return
	}
	var types []event.Type
	for _, t := range queryList(r, "types") {
		types = append(types, event.Type(t))
	}
	res, err := h.Runtime.Events.Replay(r.Context(), urlParam(r, "sessionID"), after, int(limit), types...)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type cancelRequest struct {
	Message string `json:"message"`
}

// CancelSession cancels every task of a running session.
func (h *Handlers) CancelSession(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[cancelRequest](w, r)
	if !ok {
		return
	}
	if err := h.Runtime.CancelSession(urlParam(r, "sessionID"), req.Message); err != nil {
		writeDomainError(w, err, "session not running")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EventStats returns the event pipeline counters.
func (h *Handlers) EventStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Runtime.Events.Stats())
}

// ExecutorStatus returns task counts and per-task rows.
func (h *Handlers) ExecutorStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Runtime.Executor.Status())
}

// ExecutorTree returns the dependency and cancellation trees.
func (h *Handlers) ExecutorTree(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Runtime.Executor.Tree())
}

// StuckTasks lists pending tasks whose dependencies can never complete.
func (h *Handlers) StuckTasks(w http.ResponseWriter, _ *http.Request) {
	stuck := h.Runtime.Executor.Stuck()
	if stuck == nil {
		stuck = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"stuck": stuck})
}

// GetTask returns one task.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Runtime.Executor.Get(urlParam(r, "taskID"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// CancelTask cancels one task and its subtree.
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[cancelRequest](w, r)
	if !ok {
		return
	}
	if err := h.Runtime.Executor.CancelTask(urlParam(r, "taskID"), cancel.ReasonUserRequested, req.Message); err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelAll cancels every pending and running task.
func (h *Handlers) CancelAll(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[cancelRequest](w, r)
	if !ok {
		return
	}
	n := h.Runtime.Executor.Cancel(req.Message)
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

// CleanupTasks drops finished tasks that nothing depends on.
func (h *Handlers) CleanupTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"removed": h.Runtime.Executor.Cleanup()})
}

// ResilienceStatus returns the state of every breaker and limiter.
func (h *Handlers) ResilienceStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Runtime.Resilience.Status())
}
