package transform

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/xerrors"

	"github.com/PratikDhanave/pipeline-orchestrator/internal/stage"
)

// FailureLog records inputs that failed permanently or exhausted their
// retry ceiling, so they surface instead of vanishing.
type FailureLog interface {
	Record(ctx context.Context, key stage.Key, class, message string) error
}

// FailedItem is one recorded failure.
type FailedItem struct {
	Key     stage.Key
	Class   string
	Message string
}

// MemoryFailureLog backs single-process mode and tests.
type MemoryFailureLog struct {
	mu    sync.Mutex
	items []FailedItem
}

func NewMemoryFailureLog() *MemoryFailureLog {
	return &MemoryFailureLog{}
}

func (m *MemoryFailureLog) Record(_ context.Context, key stage.Key, class, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, FailedItem{Key: key, Class: class, Message: message})
	return nil
}

// Items returns a snapshot of recorded failures.
func (m *MemoryFailureLog) Items() []FailedItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]FailedItem, len(m.items))
	copy(out, m.items)
	return out
}

// PostgresFailureLog persists failures in the shared database.
type PostgresFailureLog struct {
	pool *pgxpool.Pool
}

func NewPostgresFailureLog(pool *pgxpool.Pool) *PostgresFailureLog {
	return &PostgresFailureLog{pool: pool}
}

func (p *PostgresFailureLog) Record(ctx context.Context, key stage.Key, class, message string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO failed_items (key, stage, class, message)
		VALUES ($1, $2, $3, $4)
	`, key.String(), string(key.Stage), class, message)
	if err != nil {
		return xerrors.Errorf("record failure for %q: %w", key.String(), err)
	}
	return nil
}
