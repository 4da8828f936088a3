// Package migrations wires golang-migrate execution for the session_state schema.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/coachpo/tickwire/db/migrations"
	"github.com/coachpo/tickwire/internal/infra/telemetry"
	"github.com/coachpo/tickwire/internal/observability"
)

// EmbeddedDir selects the migrations compiled into the binary instead of a directory on disk.
const EmbeddedDir = "embedded"

var (
	errNotDirectory = errors.New("migrations path must be a directory")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply brings the Postgres instance reachable via dsn up to the latest migration.
// A nil logger falls back to the global logger.
func Apply(ctx context.Context, dsn, migrationsDir string, logger observability.Logger) error {
	return run(ctx, dsn, migrationsDir, logger, "up", func(m *migrate.Migrate) error {
		return m.Up()
	})
}

// Rollback reverts up to steps migrations.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger observability.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	return run(ctx, dsn, migrationsDir, logger, "down", func(m *migrate.Migrate) error {
		return m.Steps(-steps)
	})
}

func run(ctx context.Context, dsn, migrationsDir string, logger observability.Logger, direction string, step func(*migrate.Migrate) error) error {
	logger = observability.OrDefault(logger)
	src, label, err := openSource(migrationsDir)
	if err != nil {
		return err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		_ = src.Close()
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.Warn("database migrations close", observability.F("error", cerr))
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		_ = src.Close()
		return fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		_ = src.Close()
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	m, err := migrate.NewWithInstance("source", src, "pgx5", driver)
	if err != nil {
		_ = src.Close()
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			logger.Warn("database migrations source close", observability.F("error", sourceErr))
		}
		if dbErr != nil {
			logger.Warn("database migrations db close", observability.F("error", dbErr))
		}
	}()

	logger.Info("running database migrations",
		observability.F("path", label),
		observability.F("direction", direction))

	if err := step(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop", direction, label)
			logger.Info("database migrations up-to-date")
			return nil
		}
		recordMigrationMetric(ctx, "failed", direction, label)
		return fmt.Errorf("%s migrations: %w", direction, err)
	}

	logger.Info("database migrations applied successfully", observability.F("direction", direction))
	recordMigrationMetric(ctx, "applied", direction, label)
	return nil
}

func openSource(dir string) (source.Driver, string, error) {
	if strings.TrimSpace(dir) == EmbeddedDir {
		src, err := iofs.New(dbmigrations.Files, ".")
		if err != nil {
			return nil, "", fmt.Errorf("open embedded migrations: %w", err)
		}
		return src, EmbeddedDir, nil
	}
	resolved, err := resolveDir(dir)
	if err != nil {
		return nil, "", err
	}
	src, err := source.Open(fileURL(resolved))
	if err != nil {
		return nil, "", fmt.Errorf("open migrations source: %w", err)
	}
	return src, resolved, nil
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}

	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

func recordMigrationMetric(ctx context.Context, result, direction, path string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("tickwire.db.migrations",
			metric.WithDescription("Migration runs executed via golang-migrate"),
			metric.WithUnit("{run}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	attrs := []attribute.KeyValue{
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrResult.String(result),
		attribute.String("direction", direction),
	}
	if path != "" {
		attrs = append(attrs, attribute.String("migrations_path", path))
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
