package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/Strob0t/auditrt/internal/cancel"
	"github.com/Strob0t/auditrt/internal/config"
	"github.com/Strob0t/auditrt/internal/domain"
	"github.com/Strob0t/auditrt/internal/domain/event"
	"github.com/Strob0t/auditrt/internal/domain/task"
	"github.com/Strob0t/auditrt/internal/errclass"
	"github.com/Strob0t/auditrt/internal/logger"
	"github.com/Strob0t/auditrt/internal/resilience"
)

// Executor errors.
var (
	ErrTaskTimeout    = errors.New("task timed out")
	ErrCycle          = errors.New("dependency cycle")
	ErrExecutorClosed = errors.New("executor closed")
)

// TaskObserver is notified of task lifecycle transitions. TaskStarted may
// return a derived context that is handed to the worker.
type TaskObserver interface {
	TaskStarted(ctx context.Context, t task.Task) context.Context
	TaskFinished(ctx context.Context, t task.Task)
}

// TaskResult is the terminal view of one task.
type TaskResult struct {
	Status   task.Status   `json:"status"`
	Result   any           `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

type taskEntry struct {
	t     *task.Task
	seq   int64
	token *cancel.Token // nil until the cancellation node is registered
}

// Executor schedules a dependency graph of tasks under a global concurrency
// bound. A task runs once every dependency has completed; dependents of a
// failed or cancelled task stay pending.
type Executor struct {
	cfg        config.Executor
	coord      *cancel.Coordinator
	classifier *errclass.Classifier
	retry      *resilience.RetryPolicy
	emitter    EventEmitter
	observer   TaskObserver
	kinds      *task.Registry
	log        *slog.Logger
	now        func() time.Time
	rootID     string
	sem        *semaphore.Weighted

	mu      sync.Mutex
	tasks   map[string]*taskEntry
	nextSeq int64
	running int
	closed  bool
	changed chan struct{}

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithCoordinator shares an existing cancellation coordinator.
func WithCoordinator(c *cancel.Coordinator) ExecutorOption {
	return func(e *Executor) { e.coord = c }
}

// WithClassifier replaces the default error classifier.
func WithClassifier(c *errclass.Classifier) ExecutorOption {
	return func(e *Executor) { e.classifier = c }
}

// WithTaskRetry retries failing workers through p.
func WithTaskRetry(p *resilience.RetryPolicy) ExecutorOption {
	return func(e *Executor) { e.retry = p }
}

// WithEventEmitter emits task lifecycle events for tasks that carry a session.
func WithEventEmitter(em EventEmitter) ExecutorOption {
	return func(e *Executor) { e.emitter = em }
}

// WithTaskObserver mirrors task lifecycle to obs.
func WithTaskObserver(obs TaskObserver) ExecutorOption {
	return func(e *Executor) { e.observer = obs }
}

// WithKinds resolves task factories by kind when a task has none.
func WithKinds(r *task.Registry) ExecutorOption {
	return func(e *Executor) { e.kinds = r }
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.log = l }
}

// WithExecutorClock overrides time.Now.
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// WithRootID names the cancellation node all parentless tasks hang from.
func WithRootID(id string) ExecutorOption {
	return func(e *Executor) { e.rootID = id }
}

// NewExecutor creates an Executor and starts its dispatcher.
func NewExecutor(cfg config.Executor, opts ...ExecutorOption) (*Executor, error) {
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	if cfg.RecheckInterval <= 0 {
		cfg.RecheckInterval = 200 * time.Millisecond
	}
	e := &Executor{
		cfg:        cfg,
		classifier: errclass.New(),
		log:        slog.Default(),
		now:        time.Now,
		sem:        semaphore.NewWeighted(int64(cfg.MaxParallel)),
		tasks:      make(map[string]*taskEntry),
		changed:    make(chan struct{}),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	if e.coord == nil {
		e.coord = cancel.New(e.log)
	}
	if e.rootID == "" {
		e.rootID = "executor-" + uuid.NewString()
	}
	if _, err := e.coord.Register(e.rootID, "", nil); err != nil {
		return nil, fmt.Errorf("register executor root: %w", err)
	}

	go e.dispatchLoop()
	return e, nil
}

// RootID returns the cancellation node owning parentless tasks.
func (e *Executor) RootID() string { return e.rootID }

// Coordinator returns the cancellation coordinator used for task tokens.
func (e *Executor) Coordinator() *cancel.Coordinator { return e.coord }

// Submit registers t and returns its id. An empty id is generated. The
// executor keeps its own copy of t.
func (e *Executor) Submit(t *task.Task) (string, error) {
	if t == nil {
		return "", fmt.Errorf("submit: nil task: %w", domain.ErrValidation)
	}
	cp := *t
	cp.Dependencies = slices.Clone(t.Dependencies)
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.Factory == nil && cp.Kind != "" && e.kinds != nil {
		f, err := e.kinds.Factory(cp.Kind)
		if err != nil {
			return "", fmt.Errorf("submit %s: %w", cp.ID, err)
		}
		cp.Factory = f
	}
	if err := cp.Validate(); err != nil {
		return "", err
	}
	if cp.Priority == "" {
		cp.Priority = task.PriorityNormal
	}
	if cp.Timeout == 0 {
		cp.Timeout = e.cfg.DefaultTimeout
	}
	cp.Status = task.StatusPending
	cp.CreatedAt = e.now()
	cp.StartedAt, cp.CompletedAt = time.Time{}, time.Time{}
	cp.Result, cp.Error = nil, ""

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrExecutorClosed
	}
	if _, ok := e.tasks[cp.ID]; ok {
		e.mu.Unlock()
		return "", fmt.Errorf("submit %s: %w", cp.ID, domain.ErrConflict)
	}
	if task.CreatesCycle(cp.ID, cp.Dependencies, e.depsLocked) {
		e.mu.Unlock()
		return "", fmt.Errorf("submit %s: %w: %w", cp.ID, ErrCycle, domain.ErrValidation)
	}
	e.nextSeq++
	en := &taskEntry{t: &cp, seq: e.nextSeq}
	e.tasks[cp.ID] = en
	e.mu.Unlock()

	parent := e.rootID
	if cp.ParentID != "" {
		if _, ok := e.coord.Token(cp.ParentID); ok {
			parent = cp.ParentID
		}
	}
	tok, err := e.coord.Register(cp.ID, parent, e.onTokenCancelled(cp.ID))
	if err != nil {
		e.mu.Lock()
		delete(e.tasks, cp.ID)
		e.mu.Unlock()
		return "", fmt.Errorf("submit %s: %w", cp.ID, err)
	}

	e.mu.Lock()
	en.token = tok
	e.mu.Unlock()

	e.log.Debug("task submitted", "task_id", cp.ID, "kind", cp.Kind, "dependencies", cp.Dependencies)
	e.signal()
	return cp.ID, nil
}

func (e *Executor) depsLocked(id string) []string {
	if en, ok := e.tasks[id]; ok {
		return en.t.Dependencies
	}
	return nil
}

// onTokenCancelled marks a still pending task cancelled. Running tasks see
// the cancellation through their context.
func (e *Executor) onTokenCancelled(id string) cancel.Callback {
	return func(cause *cancel.Error) error {
		msg := "cancelled"
		if cause != nil {
			msg = cause.Error()
		}
		e.mu.Lock()
		snap, ok := e.cancelPendingLocked(id, msg)
		e.mu.Unlock()
		if ok {
			e.emitTask(snap, event.TypeTaskCancel, msg, nil)
		}
		return nil
	}
}

func (e *Executor) cancelPendingLocked(id, msg string) (task.Task, bool) {
	en, ok := e.tasks[id]
	if !ok || en.t.Status != task.StatusPending {
		return task.Task{}, false
	}
	en.t.Status = task.StatusCancelled
	en.t.Error = msg
	en.t.CompletedAt = e.now()
	e.notifyLocked()
	return *en.t, true
}

// notifyLocked wakes every WaitForCompletion caller.
func (e *Executor) notifyLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}

func (e *Executor) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Executor) dispatchLoop() {
	defer close(e.done)
	ticker := time.NewTicker(e.cfg.RecheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-e.wake:
		case <-ticker.C:
		}
		e.dispatch()
	}
}

// dispatch starts every ready task a free slot allows, highest priority
// first and in submission order within a priority.
func (e *Executor) dispatch() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	var ready []*taskEntry
	for _, en := range e.tasks {
		if e.readyLocked(en) {
			ready = append(ready, en)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		ri, rj := ready[i].t.Priority.Rank(), ready[j].t.Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return ready[i].seq < ready[j].seq
	})

	type launch struct {
		en   *taskEntry
		snap task.Task
	}
	var started []launch
	for _, en := range ready {
		if !e.sem.TryAcquire(1) {
			break
		}
		en.t.Status = task.StatusRunning
		en.t.StartedAt = e.now()
		e.running++
		started = append(started, launch{en: en, snap: *en.t})
	}
	e.mu.Unlock()

	for _, l := range started {
		go e.run(l.en.token, l.snap)
	}
}

func (e *Executor) readyLocked(en *taskEntry) bool {
	if en.token == nil || en.t.Status != task.StatusPending {
		return false
	}
	for _, dep := range en.t.Dependencies {
		d, ok := e.tasks[dep]
		if !ok || d.t.Status != task.StatusCompleted {
			return false
		}
	}
	return true
}

type workerOutcome struct {
	result any
	err    error
}

func (e *Executor) run(tok *cancel.Token, t task.Task) {
	ctx := logger.WithTaskID(tok.Context(), t.ID)
	if t.SessionID != "" {
		ctx = logger.WithSessionID(ctx, t.SessionID)
	}
	stop := context.CancelFunc(func() {})
	if t.Timeout > 0 {
		ctx, stop = context.WithTimeoutCause(ctx, t.Timeout, fmt.Errorf("%w after %s", ErrTaskTimeout, t.Timeout))
	}
	defer stop()
	if e.observer != nil {
		ctx = e.observer.TaskStarted(ctx, t)
	}

	e.log.InfoContext(ctx, "task started", "kind", t.Kind, "priority", t.Priority)
	e.emitTask(t, event.TypeTaskStart, "task "+t.ID+" started", nil)

	in := task.Input{
		TaskID:    t.ID,
		SessionID: t.SessionID,
		Payload:   t.Payload,
		Upstream:  e.upstream(t.Dependencies),
	}
	done := make(chan workerOutcome, 1)
	go func() {
		var out workerOutcome
		defer func() {
			if r := recover(); r != nil {
				out = workerOutcome{err: fmt.Errorf("worker panic: %v", r)}
			}
			done <- out
		}()
		out.result, out.err = e.invoke(ctx, t, in)
	}()

	var out workerOutcome
	select {
	case out = <-done:
		if out.err != nil && ctx.Err() != nil {
			out.err = context.Cause(ctx)
		}
	case <-ctx.Done():
		out = workerOutcome{err: context.Cause(ctx)}
	}
	e.finish(ctx, t, out)
}

func (e *Executor) invoke(ctx context.Context, t task.Task, in task.Input) (any, error) {
	w := t.Factory()
	if w == nil {
		return nil, fmt.Errorf("task %s: factory returned no worker", t.ID)
	}
	if e.retry == nil {
		return w.Run(ctx, in)
	}
	var res any
	err := e.retry.Do(ctx, "task:"+t.ID, func(ctx context.Context) error {
		r, err := w.Run(ctx, in)
		if err == nil {
			res = r
		}
		return err
	})
	return res, err
}

// upstream collects the results of completed dependencies.
func (e *Executor) upstream(deps []string) map[string]any {
	if len(deps) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]any, len(deps))
	for _, dep := range deps {
		if en, ok := e.tasks[dep]; ok && en.t.Status == task.StatusCompleted {
			out[dep] = en.t.Result
		}
	}
	return out
}

// finish records the outcome of a run.
func (e *Executor) finish(ctx context.Context, t task.Task, out workerOutcome) {
	status, result, errMsg := e.outcome(t, out)

	e.mu.Lock()
	en, ok := e.tasks[t.ID]
	if ok && en.t.Status == task.StatusRunning {
		en.t.Status = status
		en.t.Result = result
		en.t.Error = errMsg
		en.t.CompletedAt = e.now()
		t = *en.t
	}
	e.running--
	e.notifyLocked()
	e.mu.Unlock()

	e.sem.Release(1)
	e.signal()
	if e.retry != nil {
		e.retry.Reset("task:" + t.ID)
	}
	if e.observer != nil {
		e.observer.TaskFinished(ctx, t)
	}

	attrs := []any{"status", status, "duration", t.Duration(e.now())}
	switch status {
	case task.StatusCompleted:
		e.log.InfoContext(ctx, "task completed", attrs...)
		e.emitTask(t, event.TypeTaskComplete, "task "+t.ID+" completed", map[string]any{"duration_ms": t.Duration(e.now()).Milliseconds()})
	case task.StatusCancelled:
		e.log.InfoContext(ctx, "task cancelled", append(attrs, "reason", errMsg)...)
		e.emitTask(t, event.TypeTaskCancel, errMsg, nil)
	default:
		e.log.WarnContext(ctx, "task failed", append(attrs, "error", errMsg)...)
		e.emitTask(t, event.TypeTaskError, errMsg, nil)
		e.emitTask(t, event.TypeError, errMsg, map[string]any{"task_id": t.ID})
	}
}

// outcome maps a worker result to a terminal status. Classified skips
// complete with an empty result; every other failure carries its
// classified message.
func (e *Executor) outcome(t task.Task, out workerOutcome) (task.Status, any, string) {
	if out.err == nil {
		return task.StatusCompleted, out.result, ""
	}
	var ce *cancel.Error
	if errors.As(out.err, &ce) && !errors.Is(out.err, ErrTaskTimeout) {
		return task.StatusCancelled, nil, ce.Error()
	}
	if errors.Is(out.err, resilience.ErrSkipped) {
		return task.StatusCompleted, nil, ""
	}
	c, ok := errclass.As(out.err)
	if !ok {
		c = e.classifier.Classify(out.err, map[string]any{"task_id": t.ID, "kind": t.Kind})
	}
	if c.Action == errclass.Skip {
		return task.StatusCompleted, nil, ""
	}
	return task.StatusFailed, nil, c.Message
}

func (e *Executor) emitTask(t task.Task, typ event.Type, msg string, data map[string]any) {
	if e.emitter == nil || t.SessionID == "" {
		return
	}
	payload := map[string]any{"task_id": t.ID, "kind": t.Kind, "status": string(t.Status)}
	for k, v := range data {
		payload[k] = v
	}
	ev := event.AuditEvent{Type: typ, Source: "executor", Message: msg, Payload: payload}
	if _, err := e.emitter.Emit(context.Background(), t.SessionID, ev); err != nil {
		e.log.Warn("emit task event failed", "task_id", t.ID, "event_type", typ, "error", err)
	}
}

// Cancel marks every pending task cancelled and requests cancellation of
// running ones. It returns the number of tasks affected.
func (e *Executor) Cancel(message string) int {
	e.mu.Lock()
	var ids []string
	var pending []task.Task
	for id, en := range e.tasks {
		switch en.t.Status {
		case task.StatusPending:
			if snap, ok := e.cancelPendingLocked(id, (&cancel.Error{Reason: cancel.ReasonUserRequested, Message: message}).Error()); ok {
				pending = append(pending, snap)
			}
			ids = append(ids, id)
		case task.StatusRunning:
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()

	for _, t := range pending {
		e.emitTask(t, event.TypeTaskCancel, t.Error, nil)
	}
	for _, id := range ids {
		if err := e.coord.Cancel(id, cancel.ReasonUserRequested, message, true); err != nil {
			e.log.Debug("cancel task token", "task_id", id, "error", err)
		}
	}
	e.log.Info("executor cancel", "tasks", len(ids))
	return len(ids)
}

// CancelTask cancels one task and its cancellation subtree.
func (e *Executor) CancelTask(id string, reason cancel.Reason, message string) error {
	e.mu.Lock()
	_, ok := e.tasks[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("cancel task %s: %w", id, domain.ErrNotFound)
	}
	if reason == "" {
		reason = cancel.ReasonUserRequested
	}
	return e.coord.Cancel(id, reason, message, true)
}

// Get returns a copy of the task registered under id.
func (e *Executor) Get(id string) (task.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.tasks[id]
	if !ok {
		return task.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return *en.t, nil
}

// WaitForCompletion blocks until every task is terminal, ctx ends or timeout
// elapses. A zero timeout waits on ctx alone. The result map is returned in
// both cases; on timeout it holds only the terminal tasks.
func (e *Executor) WaitForCompletion(ctx context.Context, timeout time.Duration) (map[string]TaskResult, error) {
	return e.wait(ctx, timeout, nil)
}

func (e *Executor) wait(ctx context.Context, timeout time.Duration, ids []string) (map[string]TaskResult, error) {
	if timeout > 0 {
		var cancelWait context.CancelFunc
		ctx, cancelWait = context.WithTimeout(ctx, timeout)
		defer cancelWait()
	}
	for {
		e.mu.Lock()
		results, all := e.resultsLocked(ids)
		ch := e.changed
		e.mu.Unlock()
		if all {
			return results, nil
		}
		select {
		case <-ctx.Done():
			return results, fmt.Errorf("wait for completion: %w", ctx.Err())
		case <-ch:
		}
	}
}

// resultsLocked returns the terminal tasks among ids (all tasks when ids is
// nil) and whether every one of them is terminal.
func (e *Executor) resultsLocked(ids []string) (map[string]TaskResult, bool) {
	now := e.now()
	results := make(map[string]TaskResult)
	all := true
	add := func(en *taskEntry) {
		if !en.t.Status.Terminal() {
			all = false
			return
		}
		results[en.t.ID] = TaskResult{Status: en.t.Status, Result: en.t.Result, Error: en.t.Error, Duration: en.t.Duration(now)}
	}
	if ids == nil {
		for _, en := range e.tasks {
			add(en)
		}
		return results, all
	}
	for _, id := range ids {
		if en, ok := e.tasks[id]; ok {
			add(en)
		}
	}
	return results, all
}

// Stuck lists pending tasks that can never become ready because a
// dependency ended without completing.
func (e *Executor) Stuck() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for id, en := range e.tasks {
		if en.t.Status != task.StatusPending {
			continue
		}
		for _, dep := range en.t.Dependencies {
			d, ok := e.tasks[dep]
			if ok && d.t.Status.Terminal() && d.t.Status != task.StatusCompleted {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// TaskRow is one line of ExecutorStatus.
type TaskRow struct {
	ID       string        `json:"id"`
	Kind     string        `json:"kind,omitempty"`
	Status   task.Status   `json:"status"`
	Priority task.Priority `json:"priority"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// ExecutorStatus is a point-in-time view of the executor.
type ExecutorStatus struct {
	Total       int                 `json:"total"`
	ByStatus    map[task.Status]int `json:"by_status"`
	MaxParallel int                 `json:"max_parallel"`
	Running     int                 `json:"running"`
	Tasks       []TaskRow           `json:"tasks"`
}

// Status returns counts by status and one row per task in submission order.
func (e *Executor) Status() ExecutorStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	st := ExecutorStatus{
		Total:       len(e.tasks),
		ByStatus:    make(map[task.Status]int),
		MaxParallel: e.cfg.MaxParallel,
		Running:     e.running,
	}
	for _, en := range e.sortedLocked() {
		st.ByStatus[en.t.Status]++
		st.Tasks = append(st.Tasks, TaskRow{
			ID:       en.t.ID,
			Kind:     en.t.Kind,
			Status:   en.t.Status,
			Priority: en.t.Priority,
			Duration: en.t.Duration(now),
			Error:    en.t.Error,
		})
	}
	return st
}

func (e *Executor) sortedLocked() []*taskEntry {
	out := make([]*taskEntry, 0, len(e.tasks))
	for _, en := range e.tasks {
		out = append(out, en)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// TaskNode is one node of the task parent tree.
type TaskNode struct {
	ID       string      `json:"id"`
	Kind     string      `json:"kind,omitempty"`
	Status   task.Status `json:"status"`
	Children []TaskNode  `json:"children,omitempty"`
}

// ExecutorTree combines the task parent tree with the cancellation forest.
type ExecutorTree struct {
	Tasks        []TaskNode    `json:"tasks"`
	Cancellation []cancel.Node `json:"cancellation"`
}

// Tree returns the task parent tree and the cancellation forest. Tasks whose
// parent is not a known task are roots.
func (e *Executor) Tree() ExecutorTree {
	e.mu.Lock()
	children := make(map[string][]*taskEntry)
	var roots []*taskEntry
	for _, en := range e.sortedLocked() {
		if _, ok := e.tasks[en.t.ParentID]; ok && en.t.ParentID != "" {
			children[en.t.ParentID] = append(children[en.t.ParentID], en)
			continue
		}
		roots = append(roots, en)
	}
	var build func(en *taskEntry) TaskNode
	build = func(en *taskEntry) TaskNode {
		n := TaskNode{ID: en.t.ID, Kind: en.t.Kind, Status: en.t.Status}
		for _, c := range children[en.t.ID] {
			n.Children = append(n.Children, build(c))
		}
		return n
	}
	tree := ExecutorTree{}
	for _, r := range roots {
		tree.Tasks = append(tree.Tasks, build(r))
	}
	e.mu.Unlock()

	tree.Cancellation = e.coord.Tree()
	return tree
}

// Cleanup drops terminal tasks and their cancellation nodes. Tasks still
// needed as a dependency or ancestor of an unfinished task are kept.
func (e *Executor) Cleanup() int {
	e.mu.Lock()
	pinned := make(map[string]bool)
	for _, en := range e.tasks {
		if en.t.Status.Terminal() {
			continue
		}
		for _, dep := range en.t.Dependencies {
			pinned[dep] = true
		}
		for p := en.t.ParentID; p != "" && !pinned[p]; {
			pinned[p] = true
			parent, ok := e.tasks[p]
			if !ok {
				break
			}
			p = parent.t.ParentID
		}
	}
	var removed []string
	for id, en := range e.tasks {
		if en.t.Status.Terminal() && !pinned[id] {
			delete(e.tasks, id)
			removed = append(removed, id)
		}
	}
	e.mu.Unlock()

	for _, id := range removed {
		// Already gone when an ancestor's unregister removed the subtree.
		_ = e.coord.Unregister(id)
	}
	return len(removed)
}

// Close stops the dispatcher and cancels every task with reason shutdown.
// It waits for the dispatcher to exit or ctx to end.
func (e *Executor) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		if err := e.coord.Cancel(e.rootID, cancel.ReasonShutdown, "executor closed", true); err != nil {
			e.log.Warn("cancel executor root", "error", err)
		}
		close(e.stop)
	})
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
