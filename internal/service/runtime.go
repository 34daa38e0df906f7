package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Strob0t/auditrt/internal/cancel"
	"github.com/Strob0t/auditrt/internal/config"
	"github.com/Strob0t/auditrt/internal/domain"
	"github.com/Strob0t/auditrt/internal/domain/event"
	"github.com/Strob0t/auditrt/internal/domain/execution"
	"github.com/Strob0t/auditrt/internal/domain/task"
	"github.com/Strob0t/auditrt/internal/domain/workflow"
	"github.com/Strob0t/auditrt/internal/errclass"
	"github.com/Strob0t/auditrt/internal/port/broadcast"
	"github.com/Strob0t/auditrt/internal/port/cache"
	"github.com/Strob0t/auditrt/internal/port/eventstore"
	"github.com/Strob0t/auditrt/internal/port/messagequeue"
	"github.com/Strob0t/auditrt/internal/resilience"
)

// RuntimeDeps are the adapters a Runtime is built on. Every field is
// optional; a nil Store keeps events in memory only.
type RuntimeDeps struct {
	Store        eventstore.Store
	Broadcaster  broadcast.Broadcaster
	Snapshots    cache.Cache
	Queue        messagequeue.Queue
	TaskObserver TaskObserver
	SpanObserver execution.SpanObserver
	Kinds        *task.Registry
	OnBreaker    func(name string, from, to resilience.State)
}

// Runtime wires the executor, event pipeline, context manager and resilience
// registry of one process.
type Runtime struct {
	cfg *config.Config
	log *slog.Logger

	Classifier  *errclass.Classifier
	Resilience  *resilience.Registry
	Coordinator *cancel.Coordinator
	Events      *EventPipeline
	Contexts    *ContextManager
	Executor    *Executor
	Kinds       *task.Registry

	queue messagequeue.Queue

	mu       sync.Mutex
	unsubs   []func()
	releases map[string]*time.Timer
	closing  bool
}

// NewRuntime builds a Runtime from cfg and deps.
func NewRuntime(cfg *config.Config, deps RuntimeDeps, log *slog.Logger) (*Runtime, error) {
	if log == nil {
		log = slog.Default()
	}
	classifier := errclass.New()
	regOpts := []resilience.RegistryOption{resilience.WithRegistryLogger(log)}
	if deps.OnBreaker != nil {
		regOpts = append(regOpts, resilience.WithBreakerStateChange(deps.OnBreaker))
	}
	reg := resilience.NewRegistry(RegistryConfig(cfg), classifier, regOpts...)
	coord := cancel.New(log)

	pipeOpts := []PipelineOption{WithPipelineLogger(log)}
	if deps.Store != nil {
		pipeOpts = append(pipeOpts, WithEventStore(deps.Store))
	}
	if deps.Broadcaster != nil {
		pipeOpts = append(pipeOpts, WithBroadcaster(deps.Broadcaster))
	}
	pipeline := NewEventPipeline(cfg.Events, pipeOpts...)

	ctxOpts := []ContextManagerOption{WithContextLogger(log)}
	if deps.Snapshots != nil {
		ctxOpts = append(ctxOpts, WithSnapshotCache(deps.Snapshots, cfg.Cache.L2TTL))
	}
	if deps.Store != nil {
		ctxOpts = append(ctxOpts, WithRebuildStore(deps.Store))
	}
	if deps.SpanObserver != nil {
		ctxOpts = append(ctxOpts, WithContextOptions(execution.WithObserver(deps.SpanObserver)))
	}

	kinds := deps.Kinds
	if kinds == nil {
		kinds = task.NewRegistry()
	}
	execOpts := []ExecutorOption{
		WithCoordinator(coord),
		WithClassifier(classifier),
		WithTaskRetry(reg.Retry(resilience.ClassTool)),
		WithEventEmitter(pipeline),
		WithKinds(kinds),
		WithExecutorLogger(log),
	}
	if deps.TaskObserver != nil {
		execOpts = append(execOpts, WithTaskObserver(deps.TaskObserver))
	}
	exec, err := NewExecutor(cfg.Executor, execOpts...)
	if err != nil {
		_ = pipeline.Close(context.Background())
		return nil, fmt.Errorf("executor: %w", err)
	}

	return &Runtime{
		cfg:         cfg,
		log:         log,
		Classifier:  classifier,
		Resilience:  reg,
		Coordinator: coord,
		Events:      pipeline,
		Contexts:    NewContextManager(ctxOpts...),
		Executor:    exec,
		Kinds:       kinds,
		queue:       deps.Queue,
		releases:    make(map[string]*time.Timer),
	}, nil
}

// RegistryConfig maps the resilience sections of cfg onto registry classes.
func RegistryConfig(cfg *config.Config) resilience.RegistryConfig {
	retry := func(c config.RetryClass) resilience.RetryConfig {
		return resilience.RetryConfig{MaxAttempts: c.MaxAttempts, BaseDelay: c.BaseDelay, MaxDelay: c.MaxDelay}
	}
	breaker := func(c config.BreakerClass) resilience.BreakerConfig {
		return resilience.BreakerConfig{FailureThreshold: c.FailureThreshold, RecoveryTimeout: c.RecoveryTimeout}
	}
	limiter := func(c config.LimiterClass) resilience.LimiterConfig {
		return resilience.LimiterConfig{Rate: c.Rate, Capacity: c.Capacity}
	}
	return resilience.RegistryConfig{
		Breakers: map[string]resilience.BreakerConfig{
			resilience.ClassModel: breaker(cfg.Breakers.Model),
			resilience.ClassTool:  breaker(cfg.Breakers.Tool),
		},
		Limiters: map[string]resilience.LimiterConfig{
			resilience.ClassModel: limiter(cfg.Limiters.Model),
			resilience.ClassTool:  limiter(cfg.Limiters.Tool),
			resilience.ClassAPI:   limiter(cfg.Limiters.API),
		},
		Retries: map[string]resilience.RetryConfig{
			resilience.ClassModel: retry(cfg.Retry.Model),
			resilience.ClassTool:  retry(cfg.Retry.Tool),
		},
	}
}

// Guard returns the composed limiter, breaker and retry guard for a
// dependency name such as "model:gpt" or "tool:semgrep".
func (r *Runtime) Guard(name string) *resilience.Guard { return r.Resilience.Guard(name) }

// StartControl subscribes to the cancel subjects of the message queue. It is
// a no-op without a queue.
func (r *Runtime) StartControl(ctx context.Context) error {
	if r.queue == nil {
		return nil
	}
	for subject, h := range map[string]messagequeue.Handler{
		messagequeue.SubjectCancel:    r.handleCancel,
		messagequeue.SubjectCancelAll: r.handleCancelAll,
	} {
		unsub, err := r.queue.Subscribe(ctx, subject, h)
		if err != nil {
			r.stopControl()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		r.mu.Lock()
		r.unsubs = append(r.unsubs, unsub)
		r.mu.Unlock()
	}
	r.log.Info("control subscribers started")
	return nil
}

func (r *Runtime) stopControl() {
	r.mu.Lock()
	unsubs := r.unsubs
	r.unsubs = nil
	r.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// handleCancel cancels one cancellation node. Unknown ids are acknowledged
// so the message is not redelivered.
func (r *Runtime) handleCancel(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.CancelPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode cancel: %w", err)
	}
	reason := cancel.Reason(p.Reason)
	if reason == "" {
		reason = cancel.ReasonUserRequested
	}
	err := r.Coordinator.Cancel(p.TaskID, reason, p.Message, p.PropagateOrDefault())
	if errors.Is(err, domain.ErrNotFound) {
		r.log.InfoContext(ctx, "cancel for unknown node ignored", "task_id", p.TaskID)
		return nil
	}
	return err
}

func (r *Runtime) handleCancelAll(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.CancelAllPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("decode cancel_all: %w", err)
		}
	}
	n := r.Executor.Cancel(p.Message)
	r.log.InfoContext(ctx, "cancel all", "tasks", n, "reason", p.Reason)
	return nil
}

// SessionNode is the cancellation node id owning the tasks of a session.
func SessionNode(sessionID string) string { return "session:" + sessionID }

// RunSession runs def for sessionID: it creates and tracks the execution
// context, hangs every task under the session's cancellation node, reports
// stage transitions as phase events and finishes with a status event.
func (r *Runtime) RunSession(ctx context.Context, def *workflow.Definition, sessionID string) (WorkflowResult, error) {
	stages, err := def.Build(r.Kinds, sessionID)
	if err != nil {
		return WorkflowResult{}, err
	}
	if _, err := r.Contexts.Create(sessionID); err != nil {
		return WorkflowResult{}, err
	}
	tracked, err := r.Contexts.Track(context.WithoutCancel(ctx), r.Events, sessionID)
	if err != nil {
		_ = r.Contexts.Delete(ctx, sessionID)
		return WorkflowResult{}, err
	}
	defer r.scheduleRelease(sessionID, tracked)

	node := SessionNode(sessionID)
	if _, err := r.Coordinator.Register(node, r.Executor.RootID(), nil); err != nil {
		r.emitStatus(sessionID, execution.StateFailed, err.Error())
		return WorkflowResult{}, fmt.Errorf("register session: %w", err)
	}
	defer func() { _ = r.Coordinator.Unregister(node) }()
	for _, st := range stages {
		for _, t := range st.Tasks {
			t.ParentID = node
		}
	}

	r.emitStatus(sessionID, execution.StateRunning, "")
	hook := func(_ context.Context, stage string, done bool) {
		if done {
			r.emit(sessionID, event.AuditEvent{Type: event.TypeProgress, Source: "runtime",
				Payload: map[string]any{"stage": stage, "progress": 100}})
			r.emit(sessionID, event.AuditEvent{Type: event.TypePhaseComplete, Source: "runtime",
				Message: "stage " + stage + " finished", Payload: map[string]any{"stage": stage}})
			return
		}
		r.emit(sessionID, event.AuditEvent{Type: event.TypePhaseStart, Source: "runtime",
			Message: "stage " + stage + " started", Payload: map[string]any{"stage": stage}})
	}

	res, err := r.Executor.RunWorkflow(ctx, stages, hook)
	tok, _ := r.Coordinator.Token(node)
	switch {
	case err == nil:
		r.emitStatus(sessionID, execution.StateCompleted, "")
	case tok != nil && tok.Cancelled(), errors.Is(err, context.Canceled):
		r.emitStatus(sessionID, execution.StateCancelled, "")
	default:
		r.emitStatus(sessionID, execution.StateFailed, err.Error())
	}
	r.Events.Flush(sessionID)
	r.log.Info("session finished", "session_id", sessionID, "completed", res.Completed)
	return res, err
}

// scheduleRelease drops the live context and pipeline state of a finished
// session once tracking has ended and the retention period has passed. The
// session stays readable through snapshots and the event log.
func (r *Runtime) scheduleRelease(sessionID string, tracked <-chan struct{}) {
	go func() {
		<-tracked
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closing {
			return
		}
		if t, ok := r.releases[sessionID]; ok {
			t.Stop()
		}
		r.releases[sessionID] = time.AfterFunc(r.cfg.Events.SessionRetention, func() {
			r.releaseSession(sessionID)
		})
	}()
}

func (r *Runtime) releaseSession(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Events.PersistTimeout)
	defer cancel()
	r.Events.CleanupSession(sessionID)
	r.Contexts.Release(ctx, sessionID)

	r.mu.Lock()
	delete(r.releases, sessionID)
	r.mu.Unlock()
	r.log.Debug("session released", "session_id", sessionID)
}

// PendingReleases returns the number of finished sessions still held in
// memory.
func (r *Runtime) PendingReleases() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.releases)
}

// CancelSession cancels every task of a running session.
func (r *Runtime) CancelSession(sessionID, message string) error {
	return r.Coordinator.Cancel(SessionNode(sessionID), cancel.ReasonUserRequested, message, true)
}

func (r *Runtime) emitStatus(sessionID string, state execution.State, reason string) {
	payload := map[string]any{"status": string(state)}
	if reason != "" {
		payload["error"] = reason
	}
	r.emit(sessionID, event.AuditEvent{Type: event.TypeStatus, Source: "runtime", Message: "session " + string(state), Payload: payload})
}

func (r *Runtime) emit(sessionID string, ev event.AuditEvent) {
	if _, err := r.Events.Emit(context.Background(), sessionID, ev); err != nil {
		r.log.Warn("emit runtime event", "session_id", sessionID, "event_type", ev.Type, "error", err)
	}
}

// Shutdown stops control subscribers, cancels running work, snapshots
// terminal contexts and drains the event pipeline.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.stopControl()
	r.mu.Lock()
	r.closing = true
	for id, t := range r.releases {
		t.Stop()
		delete(r.releases, id)
	}
	r.mu.Unlock()
	var errs []error
	if err := r.Executor.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("executor: %w", err))
	}
	if n := r.Contexts.Cleanup(ctx); n > 0 {
		r.log.Info("contexts snapshotted", "count", n)
	}
	if err := r.Events.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("events: %w", err))
	}
	return errors.Join(errs...)
}

var process struct {
	once sync.Once
	rt   atomic.Pointer[Runtime]
	err  error
}

// InitProcess builds the process-wide runtime with build on first call and
// returns the same result on every later call.
func InitProcess(build func() (*Runtime, error)) (*Runtime, error) {
	process.once.Do(func() {
		rt, err := build()
		process.err = err
		if err == nil {
			process.rt.Store(rt)
		}
	})
	return process.rt.Load(), process.err
}

// Process returns the process-wide runtime, nil before InitProcess.
func Process() *Runtime { return process.rt.Load() }
