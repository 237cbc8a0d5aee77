// Package store persists coordinator state in PostgreSQL: executions,
// per-issue state, the nudge queue, the webhook inbox, budget usage and
// cron cursors. All methods are safe for concurrent use through the
// underlying pgx pool.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agent-grid/agent-grid/internal/logging"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// cycleLockID is the advisory lock key shared by every process that runs
// coordination cycles against the same database.
const cycleLockID = 42

// pgUniqueViolation is the Postgres error code for unique constraint
// violations.
const pgUniqueViolation = "23505"

const connectMaxElapsed = 30 * time.Second

// Store wraps a pgx connection pool with the queries the coordinator needs.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to Postgres and verifies the connection. Transient connect
// failures are retried with exponential backoff so the coordinator survives
// a database that is still booting next to it.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MinConns = 2
	cfg.MaxConns = 10
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	logger := logging.WithComponent("store")

	var pool *pgxpool.Pool
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = connectMaxElapsed
	err = backoff.RetryNotify(func() error {
		var connErr error
		pool, connErr = pgxpool.NewWithConfig(ctx, cfg)
		if connErr != nil {
			return connErr
		}
		if pingErr := pool.Ping(ctx); pingErr != nil {
			pool.Close()
			return pingErr
		}
		return nil
	}, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		logger.Warn("database not ready, retrying", "error", err, "next_attempt_in", next)
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CycleLock is an acquired cluster-wide cycle lock. Advisory locks are
// session-scoped, so the lock pins one pooled connection until released.
type CycleLock struct {
	conn *pgxpool.Conn
}

// AcquireCycleLock tries to take the cycle lock without blocking. It
// returns ok=false when another process already holds it.
func (s *Store) AcquireCycleLock(ctx context.Context) (*CycleLock, bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}
	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, cycleLockID).Scan(&locked); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("acquire cycle lock: %w", err)
	}
	if !locked {
		conn.Release()
		return nil, false, nil
	}
	return &CycleLock{conn: conn}, true, nil
}

// Release unlocks the cycle lock and returns its connection to the pool.
func (l *CycleLock) Release(ctx context.Context) error {
	if l == nil || l.conn == nil {
		return nil
	}
	_, err := l.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, cycleLockID)
	l.conn.Release()
	l.conn = nil
	if err != nil {
		return fmt.Errorf("release cycle lock: %w", err)
	}
	return nil
}
