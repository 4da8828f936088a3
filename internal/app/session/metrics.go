package session

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tickwire/errs"
	"github.com/coachpo/tickwire/internal/domain/schema"
	"github.com/coachpo/tickwire/internal/infra/telemetry"
)

type sessionMetrics struct {
	transitions metric.Int64Counter
	switches    metric.Int64Counter
	accounts    metric.Int64UpDownCounter
}

func newSessionMetrics() *sessionMetrics {
	meter := otel.Meter("session")
	m := new(sessionMetrics)
	m.transitions, _ = meter.Int64Counter("session.state.transitions",
		metric.WithDescription("Session state changes by target state"),
		metric.WithUnit("{transition}"))
	m.switches, _ = meter.Int64Counter("session.account.switches",
		metric.WithDescription("Account switch attempts by pool and result"),
		metric.WithUnit("{switch}"))
	m.accounts, _ = meter.Int64UpDownCounter("session.accounts",
		metric.WithDescription("Authorized accounts by pool"),
		metric.WithUnit("{account}"))
	return m
}

func (m *sessionMetrics) recordTransition(state State) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("session.state", string(state))))
}

func (m *sessionMetrics) recordSwitch(pool schema.Pool, err error) {
	if m == nil || m.switches == nil {
		return
	}
	result := telemetry.ResultSuccess
	if err != nil {
		result = telemetry.ResultError
	}
	attrs := []attribute.KeyValue{
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrAccountPool.String(string(pool)),
		telemetry.AttrResult.String(result),
	}
	if code := errs.CodeOf(err); code != "" {
		attrs = append(attrs, telemetry.AttrErrorType.String(string(code)))
	}
	m.switches.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

func (m *sessionMetrics) adjustAccounts(pool schema.Pool, delta int64) {
	if m == nil || m.accounts == nil {
		return
	}
	m.accounts.Add(context.Background(), delta, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrAccountPool.String(string(pool))))
}
