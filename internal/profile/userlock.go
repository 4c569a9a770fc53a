package profile

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/xerrors"
)

// UserLock serializes the read-merge-write cycle on one user's aggregate.
// Without it, two concurrent merges read the same snapshot and the last
// write wins, losing the other merge while the merge log already counts
// both sources as done.
type UserLock interface {
	WithLock(ctx context.Context, userID string, fn func(ctx context.Context) error) error
}

// MemoryUserLock backs single-process mode with one mutex per user.
type MemoryUserLock struct {
	mu    sync.Mutex
	users map[string]*sync.Mutex
}

func NewMemoryUserLock() *MemoryUserLock {
	return &MemoryUserLock{users: make(map[string]*sync.Mutex)}
}

func (l *MemoryUserLock) WithLock(ctx context.Context, userID string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	um, ok := l.users[userID]
	if !ok {
		um = &sync.Mutex{}
		l.users[userID] = um
	}
	l.mu.Unlock()

	um.Lock()
	defer um.Unlock()
	return fn(ctx)
}

// PostgresUserLock takes a session advisory lock keyed by user, so merges
// racing across the fleet serialize on the shared database. An advisory
// lock rather than FOR UPDATE on the aggregate row: the row does not exist
// yet on a user's first merge, and a missing row locks nothing.
type PostgresUserLock struct {
	pool *pgxpool.Pool
}

func NewPostgresUserLock(pool *pgxpool.Pool) *PostgresUserLock {
	return &PostgresUserLock{pool: pool}
}

func (l *PostgresUserLock) WithLock(ctx context.Context, userID string, fn func(ctx context.Context) error) error {
	// Session locks follow the connection, so the lock and unlock must run
	// on the same pinned conn.
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return xerrors.Errorf("acquire lock conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, userID); err != nil {
		return xerrors.Errorf("lock user %q: %w", userID, err)
	}
	defer func() {
		// Unlock on a detached context so a blown invocation budget cannot
		// return a still-locked connection to the pool.
		uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.Exec(uctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, userID)
	}()

	return fn(ctx)
}
