package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Strob0t/auditrt/internal/domain/execution"
	"github.com/Strob0t/auditrt/internal/domain/task"
	"github.com/Strob0t/auditrt/internal/service"
)

const tracerName = "auditrt"

// Observer mirrors task runs and execution spans to OpenTelemetry.
type Observer struct {
	tracer  trace.Tracer
	metrics *Metrics
	now     func() time.Time

	mu    sync.Mutex
	spans map[string]trace.Span // sessionID/spanID
}

var (
	_ service.TaskObserver   = (*Observer)(nil)
	_ execution.SpanObserver = (*Observer)(nil)
)

// NewObserver creates an observer tracing on tp, or on the global provider
// when tp is nil. m may be nil to skip metrics.
func NewObserver(tp trace.TracerProvider, m *Metrics) *Observer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Observer{
		tracer:  tp.Tracer(tracerName),
		metrics: m,
		now:     time.Now,
		spans:   make(map[string]trace.Span),
	}
}

func taskAttrs(t task.Task) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("task.id", t.ID),
		attribute.String("task.kind", t.Kind),
		attribute.String("task.priority", string(t.Priority)),
		attribute.String("session.id", t.SessionID),
	}
}

// TaskStarted starts a span for the task run.
func (o *Observer) TaskStarted(ctx context.Context, t task.Task) context.Context {
	ctx, _ = o.tracer.Start(ctx, "task "+t.Kind, trace.WithAttributes(taskAttrs(t)...))
	if o.metrics != nil {
		kind := metric.WithAttributes(attribute.String("task.kind", t.Kind))
		o.metrics.TasksStarted.Add(ctx, 1, kind)
		o.metrics.TasksRunning.Add(ctx, 1, kind)
	}
	return ctx
}

// TaskFinished ends the span started by TaskStarted.
func (o *Observer) TaskFinished(ctx context.Context, t task.Task) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("task.status", string(t.Status)))
	if t.Status == task.StatusFailed {
		span.SetStatus(codes.Error, t.Error)
	}
	span.End()

	if o.metrics != nil {
		kind := attribute.String("task.kind", t.Kind)
		o.metrics.TasksRunning.Add(ctx, -1, metric.WithAttributes(kind))
		o.metrics.TasksFinished.Add(ctx, 1, metric.WithAttributes(kind, attribute.String("task.status", string(t.Status))))
		o.metrics.TaskDuration.Record(ctx, t.Duration(o.now()).Seconds(), metric.WithAttributes(kind))
	}
}

func spanKey(sessionID, spanID string) string { return sessionID + "/" + spanID }

// SpanStarted starts an OpenTelemetry span for an execution span, nested
// under its parent when the parent is still open.
func (o *Observer) SpanStarted(sessionID string, s execution.Span) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ctx := context.Background()
	if parent, ok := o.spans[spanKey(sessionID, s.ParentID)]; ok && s.ParentID != "" {
		ctx = trace.ContextWithSpan(ctx, parent)
	}
	_, span := o.tracer.Start(ctx, s.Kind,
		trace.WithTimestamp(s.StartedAt),
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("span.owner", s.OwnerID),
			attribute.String("span.stage", string(s.Stage)),
		),
	)
	o.spans[spanKey(sessionID, s.ID)] = span
}

// SpanEnded ends the span started by SpanStarted.
func (o *Observer) SpanEnded(sessionID string, s execution.Span) {
	o.mu.Lock()
	span, ok := o.spans[spanKey(sessionID, s.ID)]
	delete(o.spans, spanKey(sessionID, s.ID))
	o.mu.Unlock()
	if !ok {
		return
	}
	span.SetAttributes(
		attribute.String("span.status", s.Status),
		attribute.Int("span.tokens", s.Tokens),
		attribute.Int("span.tool_calls", s.ToolCalls),
	)
	if s.Status == "failed" || s.Status == "error" {
		span.SetStatus(codes.Error, s.Status)
	}
	span.End(trace.WithTimestamp(s.EndedAt))

	if o.metrics != nil {
		o.metrics.SpansEnded.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("span.kind", s.Kind),
			attribute.String("span.status", s.Status),
		))
	}
}

// Open returns the number of execution spans not yet ended.
func (o *Observer) Open() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.spans)
}
