package connection

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tickwire/internal/infra/telemetry"
)

type managerMetrics struct {
	transitions     metric.Int64Counter
	reconnects      metric.Int64Counter
	stalls          metric.Int64Counter
	malformed       metric.Int64Counter
	connectDuration metric.Float64Histogram
	bufferedFrames  metric.Int64UpDownCounter
}

func newManagerMetrics() *managerMetrics {
	meter := otel.Meter("connection")
	m := new(managerMetrics)
	m.transitions, _ = meter.Int64Counter("connection.state.transitions",
		metric.WithDescription("Number of connection state transitions"),
		metric.WithUnit("{transition}"))
	m.reconnects, _ = meter.Int64Counter("connection.reconnect.attempts",
		metric.WithDescription("Number of scheduled reconnect attempts"),
		metric.WithUnit("{attempt}"))
	m.stalls, _ = meter.Int64Counter("connection.heartbeat.stalls",
		metric.WithDescription("Number of links declared dead by the heartbeat"),
		metric.WithUnit("{stall}"))
	m.malformed, _ = meter.Int64Counter("connection.frames.malformed",
		metric.WithDescription("Number of inbound frames dropped as undecodable"),
		metric.WithUnit("{frame}"))
	m.connectDuration, _ = meter.Float64Histogram("connection.connect.duration",
		metric.WithDescription("Latency of dial attempts"),
		metric.WithUnit("ms"))
	m.bufferedFrames, _ = meter.Int64UpDownCounter("connection.buffer.frames",
		metric.WithDescription("Frames waiting in the outbound buffer"),
		metric.WithUnit("{frame}"))
	return m
}

func (m *managerMetrics) recordTransition(state State) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.ConnectionAttributes(state.String())...))
}

func (m *managerMetrics) recordReconnect() {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.ConnectionAttributes(StateDisconnected.String())...))
}

func (m *managerMetrics) recordStall() {
	if m == nil || m.stalls == nil {
		return
	}
	m.stalls.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.ConnectionAttributes(StateOpen.String())...))
}

func (m *managerMetrics) recordMalformed() {
	if m == nil || m.malformed == nil {
		return
	}
	m.malformed.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.ErrorAttributes("protocol", "")...))
}

func (m *managerMetrics) recordConnect(start time.Time, result string) {
	if m == nil || m.connectDuration == nil {
		return
	}
	m.connectDuration.Record(context.Background(), float64(time.Since(start).Microseconds())/1000,
		metric.WithAttributes(telemetry.RequestAttributes("connect", result)...))
}

func (m *managerMetrics) adjustBuffered(delta int) {
	if m == nil || m.bufferedFrames == nil || delta == 0 {
		return
	}
	m.bufferedFrames.Add(context.Background(), int64(delta),
		metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
}
