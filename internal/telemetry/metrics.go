package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Orchestrator names used as the "orchestrator" attribute.
const (
	OrchestratorForeground = "foreground"
	OrchestratorBackground = "background"
)

// Metrics holds the outbox instruments. A nil *Metrics records nothing, so
// components accept one optionally.
type Metrics struct {
	enqueued      metric.Int64Counter
	replayOK      metric.Int64Counter
	replayFailed  metric.Int64Counter
	markedFailed  metric.Int64Counter
	drains        metric.Int64Counter
	drainDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.enqueued, err = meter.Int64Counter("offsync.writes.enqueued",
		metric.WithDescription("Writes queued after a failed live attempt"),
		metric.WithUnit("{write}")); err != nil {
		return nil, err
	}
	if m.replayOK, err = meter.Int64Counter("offsync.replay.succeeded",
		metric.WithDescription("Queued writes acknowledged by the server"),
		metric.WithUnit("{write}")); err != nil {
		return nil, err
	}
	if m.replayFailed, err = meter.Int64Counter("offsync.replay.failed",
		metric.WithDescription("Failed replay attempts"),
		metric.WithUnit("{attempt}")); err != nil {
		return nil, err
	}
	if m.markedFailed, err = meter.Int64Counter("offsync.records.marked_failed",
		metric.WithDescription("Records that reached the retry ceiling"),
		metric.WithUnit("{write}")); err != nil {
		return nil, err
	}
	if m.drains, err = meter.Int64Counter("offsync.drains",
		metric.WithDescription("Drain passes started"),
		metric.WithUnit("{drain}")); err != nil {
		return nil, err
	}
	if m.drainDuration, err = meter.Float64Histogram("offsync.drain.duration",
		metric.WithDescription("Drain pass duration"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return &m, nil
}

func orchestrator(name string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("orchestrator", name))
}

// Enqueued counts one queued write.
func (m *Metrics) Enqueued(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.enqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

// ReplaySucceeded counts n acknowledged records.
func (m *Metrics) ReplaySucceeded(ctx context.Context, name string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.replayOK.Add(ctx, int64(n), orchestrator(name))
}

// ReplayFailed counts one failed attempt.
func (m *Metrics) ReplayFailed(ctx context.Context, name string) {
	if m == nil {
		return
	}
	m.replayFailed.Add(ctx, 1, orchestrator(name))
}

// MarkedFailed counts one record reaching the ceiling.
func (m *Metrics) MarkedFailed(ctx context.Context, name string) {
	if m == nil {
		return
	}
	m.markedFailed.Add(ctx, 1, orchestrator(name))
}

// DrainStarted counts a drain and returns a func that records its duration.
func (m *Metrics) DrainStarted(ctx context.Context, name string) func() {
	if m == nil {
		return func() {}
	}
	m.drains.Add(ctx, 1, orchestrator(name))
	start := time.Now()
	return func() {
		m.drainDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, orchestrator(name))
	}
}
