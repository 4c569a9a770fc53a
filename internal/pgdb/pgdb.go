// Package pgdb owns the Postgres connection pool and the shared schema.
// Postgres is the externally-addressable store that lets independent,
// memory-isolated invocations see one set of admission counters and one
// object namespace.
package pgdb

import (
	"context"
	_ "embed"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaSQL is embedded so the service can self-bootstrap its database.
//
//go:embed schema.sql
var schemaSQL string

// NewPool creates a connection pool and fails fast if the DB is unreachable.
func NewPool(dbURL string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schemaSQL)
	return err
}
