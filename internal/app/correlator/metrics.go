package correlator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tickwire/internal/infra/telemetry"
)

type correlatorMetrics struct {
	duration metric.Float64Histogram
	outcomes metric.Int64Counter
	pending  metric.Int64UpDownCounter
}

func newCorrelatorMetrics() *correlatorMetrics {
	meter := otel.Meter("correlator")
	m := new(correlatorMetrics)
	m.duration, _ = meter.Float64Histogram("correlator.request.duration",
		metric.WithDescription("Time from send to resolution of a correlated request"),
		metric.WithUnit("ms"))
	m.outcomes, _ = meter.Int64Counter("correlator.request.outcomes",
		metric.WithDescription("Resolved correlated requests by result"),
		metric.WithUnit("{request}"))
	m.pending, _ = meter.Int64UpDownCounter("correlator.requests.pending",
		metric.WithDescription("Correlated requests awaiting a response"),
		metric.WithUnit("{request}"))
	return m
}

func (m *correlatorMetrics) recordOutcome(reqType, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(telemetry.RequestAttributes(reqType, result)...)
	if m.duration != nil {
		m.duration.Record(context.Background(), float64(elapsed.Microseconds())/1000, attrs)
	}
	if m.outcomes != nil {
		m.outcomes.Add(context.Background(), 1, attrs)
	}
}

func (m *correlatorMetrics) adjustPending(delta int64) {
	if m == nil || m.pending == nil {
		return
	}
	m.pending.Add(context.Background(), delta,
		metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
}
