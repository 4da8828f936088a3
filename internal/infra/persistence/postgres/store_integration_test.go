package postgres

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/tickwire/internal/domain/sessionstore"
	"github.com/coachpo/tickwire/internal/infra/persistence/migrations"
)

var (
	pgContainer testcontainers.Container
	testPool    *pgxpool.Pool
	testDSN     string
	setupErr    error
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() || os.Getenv("TICKWIRE_SKIP_CONTAINERS") != "" {
		setupErr = fmt.Errorf("container tests disabled")
		os.Exit(m.Run())
	}
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "tickwire"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		setupErr = fmt.Errorf("start postgres container: %w", err)
	} else {
		pgContainer = container
		setupErr = initialiseDatabase(ctx)
	}
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres session store tests skipped: %v\n", setupErr)
	}

	exitCode := m.Run()

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/tickwire?sslmode=disable", host, port.Port())

	testDSN = dsn
	if err := migrations.Apply(ctx, dsn, migrations.EmbeddedDir, nil); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func TestSessionStoreRoundTrip(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := NewSessionStore(testPool)

	_, ok, err := store.Get(ctx, sessionstore.KeyActiveLoginID)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Set(ctx, sessionstore.KeyActiveLoginID, "CR1"))
	require.NoError(t, store.Set(ctx, sessionstore.KeyActiveLoginID, "VRTC9"))

	value, ok, err := store.Get(ctx, sessionstore.KeyActiveLoginID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "VRTC9", value)

	require.NoError(t, store.Remove(ctx, sessionstore.KeyActiveLoginID))
	require.NoError(t, store.Remove(ctx, sessionstore.KeyActiveLoginID))
	_, ok, err = store.Get(ctx, sessionstore.KeyActiveLoginID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOpenAppliesPoolOptions(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store, err := Open(ctx, testDSN, PoolOptions{MaxConns: 3, MinConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	require.Equal(t, int32(3), store.pool.Config().MaxConns)
	require.NoError(t, store.Set(ctx, sessionstore.KeyClientTokens, `[{"token":"a1-x"}]`))
	value, ok, err := store.Get(ctx, sessionstore.KeyClientTokens)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `[{"token":"a1-x"}]`, value)
}

func TestOpenRejectsEmptyDSN(t *testing.T) {
	_, err := Open(context.Background(), "  ", PoolOptions{})
	require.Error(t, err)
}
