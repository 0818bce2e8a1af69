package relay

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "topic-chat/relay"

// Outcomes recorded on relay_turns_total
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
)

// Metrics holds the relay's instruments
type Metrics struct {
	turns           metric.Int64Counter
	chunks          metric.Int64Counter
	persistFailures metric.Int64Counter
	duration        metric.Float64Histogram
}

// NewMetrics creates instruments on meter, or on the global meter provider when nil
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}

	turns, err := meter.Int64Counter("relay_turns_total",
		metric.WithDescription("Chat turns handled by the relay, by outcome"))
	if err != nil {
		return nil, err
	}
	chunks, err := meter.Int64Counter("relay_chunks_forwarded_total",
		metric.WithDescription("Reply chunks forwarded to clients"))
	if err != nil {
		return nil, err
	}
	persistFailures, err := meter.Int64Counter("relay_persistence_failures_total",
		metric.WithDescription("Best-effort writes that failed during a turn, by stage"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("relay_turn_duration_seconds",
		metric.WithDescription("Wall time of a turn from submission to end event"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		turns:           turns,
		chunks:          chunks,
		persistFailures: persistFailures,
		duration:        duration,
	}, nil
}

func (m *Metrics) turn(ctx context.Context, outcome string, started time.Time) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.turns.Add(ctx, 1, attrs)
	m.duration.Record(ctx, time.Since(started).Seconds(), attrs)
}

func (m *Metrics) chunk(ctx context.Context) {
	if m == nil {
		return
	}
	m.chunks.Add(ctx, 1)
}

func (m *Metrics) persistFailure(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.persistFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}
