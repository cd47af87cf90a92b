package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zenGate-Global/hrms-tenancy/platform/go/connpool"
)

// Engine issues server-level statements (catalog probes, CREATE/DROP DATABASE, backend
// termination, advisory locks) on the service's central connection.
type Engine struct {
	pool *pgxpool.Pool
}

var _ connpool.Catalog = (*Engine)(nil)

// NewEngine wraps the central pool.
func NewEngine(pool *pgxpool.Pool) *Engine {
	if pool == nil {
		panic("persistence: engine requires a pool")
	}
	return &Engine{pool: pool}
}

// DatabaseExists probes pg_database for name.
func (e *Engine) DatabaseExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	if err := e.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("probe pg_database: %w", err)
	}
	return exists, nil
}

// CreateDatabase issues CREATE DATABASE with a quoted identifier, so hyphens are kept.
// An existing database yields ErrDatabaseExists.
func (e *Engine) CreateDatabase(ctx context.Context, name string) error {
	if _, err := e.pool.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize()); err != nil {
		if IsDuplicateDatabase(err) {
			return fmt.Errorf("create database %q: %w", name, ErrDatabaseExists)
		}
		return fmt.Errorf("create database %q: %w", name, err)
	}
	return nil
}

// DropDatabase issues DROP DATABASE IF EXISTS.
func (e *Engine) DropDatabase(ctx context.Context, name string) error {
	if _, err := e.pool.Exec(ctx, "DROP DATABASE IF EXISTS "+pgx.Identifier{name}.Sanitize()); err != nil {
		return fmt.Errorf("drop database %q: %w", name, err)
	}
	return nil
}

// TerminateConnections force-disconnects every other backend attached to name and reports how many were signalled.
func (e *Engine) TerminateConnections(ctx context.Context, name string) (int, error) {
	var terminated int
	err := e.pool.QueryRow(ctx, `
        SELECT count(pg_terminate_backend(pid))
        FROM pg_stat_activity
        WHERE datname = $1 AND pid <> pg_backend_pid()
    `, name).Scan(&terminated)
	if err != nil {
		return 0, fmt.Errorf("terminate backends of %q: %w", name, err)
	}
	return terminated, nil
}

// Lock takes a session-level advisory lock keyed by name on a dedicated connection.
// The returned unlock func releases both the lock and the connection.
func (e *Engine) Lock(ctx context.Context, name string) (func(), error) {
	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, name); err != nil {
		conn.Release()
		return nil, fmt.Errorf("advisory lock %q: %w", name, err)
	}

	return func() {
		// The caller's context may already be done; unlock on a fresh one.
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, name); err != nil {
			// A broken connection drops its session locks when destroyed.
			conn.Conn().Close(context.Background()) // nolint:errcheck
		}
		conn.Release()
	}, nil
}

// CurrentDatabase reads current_database() through db.
func CurrentDatabase(ctx context.Context, db connpool.DB) (string, error) {
	var name string
	if err := db.QueryRow(ctx, `SELECT current_database()`).Scan(&name); err != nil {
		return "", fmt.Errorf("read current database: %w", err)
	}
	if name == "" {
		return "", errors.New("current database is empty")
	}
	return name, nil
}
