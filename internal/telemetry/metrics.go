package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the orchestrator's instruments
type Metrics struct {
	ItemsFinished metric.Int64Counter
	TaskDuration  metric.Float64Histogram
	ActiveTasks   metric.Int64UpDownCounter
	CIPolls       metric.Int64Counter
	FixAttempts   metric.Int64Counter
	Merges        metric.Int64Counter
}

// NewMetrics creates all instruments from meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ItemsFinished, err = meter.Int64Counter("orchestrate.items.finished",
		metric.WithDescription("Work items that reached a final outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("orchestrate.task.duration",
		metric.WithDescription("Task runner duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTasks, err = meter.Int64UpDownCounter("orchestrate.task.active",
		metric.WithDescription("Task runner processes currently running"),
	)
	if err != nil {
		return nil, err
	}

	m.CIPolls, err = meter.Int64Counter("orchestrate.ci.polls",
		metric.WithDescription("CI status polls"),
	)
	if err != nil {
		return nil, err
	}

	m.FixAttempts, err = meter.Int64Counter("orchestrate.fix.attempts",
		metric.WithDescription("Automated CI and review fix attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.Merges, err = meter.Int64Counter("orchestrate.merges",
		metric.WithDescription("Merge attempts by result"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// NoopMetrics returns instruments that record nothing
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(Noop().Meter)
	return m
}

// RecordTask records one finished task runner invocation. Safe on nil.
func (m *Metrics) RecordTask(ctx context.Context, kind string, d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.TaskDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("kind", kind), attribute.Bool("success", ok)))
}

// RecordOutcome counts an item reaching a final outcome. Safe on nil.
func (m *Metrics) RecordOutcome(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.ItemsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
