// Package postgres persists session state in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tickwire/internal/domain/sessionstore"
)

const (
	sessionUpsertSQL = `
INSERT INTO session_state (key, value, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (key) DO UPDATE SET
    value = EXCLUDED.value,
    updated_at = NOW();
`
	sessionSelectSQL = `SELECT value FROM session_state WHERE key = $1;`
	sessionDeleteSQL = `DELETE FROM session_state WHERE key = $1;`
)

// SessionStore implements sessionstore.Store on the session_state table.
type SessionStore struct {
	pool      *pgxpool.Pool
	unobserve func()
}

var _ sessionstore.Store = (*SessionStore)(nil)

// NewSessionStore constructs a SessionStore backed by the provided pgx pool.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool, unobserve: func() {}}
}

// PoolOptions bounds the connection pool. Zero values keep pgx defaults.
type PoolOptions struct {
	MaxConns int32
	MinConns int32
}

// Open dials dsn and returns a store with pool metrics registered.
func Open(ctx context.Context, dsn string, opts PoolOptions) (*SessionStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		poolCfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 && opts.MinConns <= poolCfg.MaxConns {
		poolCfg.MinConns = opts.MinConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := NewSessionStore(pool)
	store.unobserve = ObservePoolMetrics(pool, "session")
	return store, nil
}

// Get implements sessionstore.Store.
func (s *SessionStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx, sessionSelectSQL, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("select session key %q: %w", key, err)
	}
	return value, true, nil
}

// Set implements sessionstore.Store.
func (s *SessionStore) Set(ctx context.Context, key, value string) error {
	if _, err := s.pool.Exec(ctx, sessionUpsertSQL, key, value); err != nil {
		return fmt.Errorf("upsert session key %q: %w", key, err)
	}
	return nil
}

// Remove implements sessionstore.Store.
func (s *SessionStore) Remove(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, sessionDeleteSQL, key); err != nil {
		return fmt.Errorf("delete session key %q: %w", key, err)
	}
	return nil
}

// Close releases the underlying pool.
func (s *SessionStore) Close() error {
	s.unobserve()
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
