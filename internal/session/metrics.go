package session

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// InstrumentationName scopes the session meter and tracer.
const InstrumentationName = "github.com/loqalabs/loqa-voice/session"

// Metrics are shared by every session of a process.
type Metrics struct {
	active        metric.Int64UpDownCounter
	turns         metric.Int64Counter
	interrupts    metric.Int64Counter
	adapterErrors metric.Int64Counter
	staleChunks   metric.Int64Counter
	latency       metric.Float64Histogram
}

// NewMetrics registers the session instruments on meter. A nil meter yields
// no-op instruments.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter(InstrumentationName)
	}
	var (
		m   Metrics
		err error
	)
	if m.active, err = meter.Int64UpDownCounter("loqa.sessions.active",
		metric.WithDescription("Voice sessions currently connected")); err != nil {
		return nil, err
	}
	if m.turns, err = meter.Int64Counter("loqa.turns.completed",
		metric.WithDescription("Replies fully synthesized")); err != nil {
		return nil, err
	}
	if m.interrupts, err = meter.Int64Counter("loqa.interrupts",
		metric.WithDescription("Client barge-in interrupts")); err != nil {
		return nil, err
	}
	if m.adapterErrors, err = meter.Int64Counter("loqa.adapter.errors",
		metric.WithDescription("Upstream adapter failures by adapter")); err != nil {
		return nil, err
	}
	if m.staleChunks, err = meter.Int64Counter("loqa.tts.stale_chunks",
		metric.WithDescription("Synthesized chunks dropped for a superseded generation")); err != nil {
		return nil, err
	}
	if m.latency, err = meter.Float64Histogram("loqa.turn.latency",
		metric.WithDescription("Final transcript to end of synthesized reply"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) sessionStarted() {
	if m == nil {
		return
	}
	m.active.Add(context.Background(), 1)
}

func (m *Metrics) sessionEnded() {
	if m == nil {
		return
	}
	m.active.Add(context.Background(), -1)
}

func (m *Metrics) turnCompleted(latency time.Duration) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.turns.Add(ctx, 1)
	m.latency.Record(ctx, float64(latency.Microseconds())/1000)
}

func (m *Metrics) interrupted() {
	if m == nil {
		return
	}
	m.interrupts.Add(context.Background(), 1)
}

func (m *Metrics) adapterError(adapter string) {
	if m == nil {
		return
	}
	m.adapterErrors.Add(context.Background(), 1, metric.WithAttributes(attribute.String("adapter", adapter)))
}

func (m *Metrics) staleChunk() {
	if m == nil {
		return
	}
	m.staleChunks.Add(context.Background(), 1)
}
