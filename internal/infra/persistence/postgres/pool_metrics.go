package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tickwire/internal/infra/telemetry"
)

// ObservePoolMetrics registers observable gauges reporting pgx pool occupancy.
// The returned function unregisters the callback.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) func() {
	if pool == nil {
		return func() {}
	}
	normalized := strings.TrimSpace(poolName)
	if normalized == "" {
		normalized = "primary"
	}
	attrs := metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("db_pool", normalized),
	)

	meter := otel.Meter("postgres.pool")
	total, err := meter.Int64ObservableGauge("tickwire.db.pool.connections",
		metric.WithDescription("Connections held by the session store pool"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return func() {}
	}
	idle, err := meter.Int64ObservableGauge("tickwire.db.pool.idle",
		metric.WithDescription("Idle connections ready for checkout"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return func() {}
	}
	acquired, err := meter.Int64ObservableGauge("tickwire.db.pool.acquired",
		metric.WithDescription("Connections currently acquired by callers"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return func() {}
	}

	reg, err := meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		stat := pool.Stat()
		observer.ObserveInt64(total, int64(stat.TotalConns()), attrs)
		observer.ObserveInt64(idle, int64(stat.IdleConns()), attrs)
		observer.ObserveInt64(acquired, int64(stat.AcquiredConns()), attrs)
		return nil
	}, total, idle, acquired)
	if err != nil {
		return func() {}
	}
	return func() { _ = reg.Unregister() }
}
