package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Strob0t/auditrt/internal/resilience"
	"github.com/Strob0t/auditrt/internal/service"
)

const meterName = "auditrt"

// Metrics holds the runtime metric instruments.
type Metrics struct {
	TasksStarted       metric.Int64Counter
	TasksFinished      metric.Int64Counter
	TasksRunning       metric.Int64UpDownCounter
	TaskDuration       metric.Float64Histogram
	SpansEnded         metric.Int64Counter
	BreakerTransitions metric.Int64Counter

	meter metric.Meter
}

// NewMetrics creates the instruments on mp, or on the global provider when
// mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	m := &Metrics{meter: meter}
	var err error

	m.TasksStarted, err = meter.Int64Counter("auditrt.tasks.started",
		metric.WithDescription("Number of tasks started"))
	if err != nil {
		return nil, err
	}

	m.TasksFinished, err = meter.Int64Counter("auditrt.tasks.finished",
		metric.WithDescription("Number of tasks finished, by status"))
	if err != nil {
		return nil, err
	}

	m.TasksRunning, err = meter.Int64UpDownCounter("auditrt.tasks.running",
		metric.WithDescription("Number of tasks currently running"))
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("auditrt.task.duration_seconds",
		metric.WithDescription("Task duration in seconds"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	m.SpansEnded, err = meter.Int64Counter("auditrt.spans.ended",
		metric.WithDescription("Number of execution spans ended, by kind and status"))
	if err != nil {
		return nil, err
	}

	m.BreakerTransitions, err = meter.Int64Counter("auditrt.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// BreakerStateChange records a breaker transition. It matches the registry's
// state change hook.
func (m *Metrics) BreakerStateChange(name string, from, to resilience.State) {
	m.BreakerTransitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("breaker", name),
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
}

// ObservePipeline exports the event pipeline counters as observable gauges
// read from stats at collection time.
func (m *Metrics) ObservePipeline(stats func() service.PipelineStats) error {
	gauges := map[string]func(service.PipelineStats) int64{
		"auditrt.events.emitted":             func(s service.PipelineStats) int64 { return s.Emitted },
		"auditrt.events.deduplicated":        func(s service.PipelineStats) int64 { return s.Deduplicated },
		"auditrt.events.throttled":           func(s service.PipelineStats) int64 { return s.Throttled },
		"auditrt.events.persisted":           func(s service.PipelineStats) int64 { return s.Persisted },
		"auditrt.events.persist_failed":      func(s service.PipelineStats) int64 { return s.PersistFailed },
		"auditrt.events.subscribers_dropped": func(s service.PipelineStats) int64 { return s.SubscribersDropped },
		"auditrt.events.subscribers":         func(s service.PipelineStats) int64 { return int64(s.Subscribers) },
		"auditrt.events.sessions":            func(s service.PipelineStats) int64 { return int64(s.Sessions) },
	}
	insts := make(map[metric.Int64ObservableGauge]func(service.PipelineStats) int64, len(gauges))
	observables := make([]metric.Observable, 0, len(gauges))
	for name, read := range gauges {
		g, err := m.meter.Int64ObservableGauge(name)
		if err != nil {
			return fmt.Errorf("gauge %s: %w", name, err)
		}
		insts[g] = read
		observables = append(observables, g)
	}
	_, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := stats()
		for g, read := range insts {
			o.ObserveInt64(g, read(s))
		}
		return nil
	}, observables...)
	return err
}
