package profile

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/xerrors"
)

// MergeLog is the per-user "already merged" set of source object IDs. Claim
// is an atomic insert-if-absent: exactly one delivery of a given source
// wins the right to mutate the aggregate, which is what keeps redelivered
// events from double-counting. Unclaim returns a claimed source to the
// pool when its merge never landed, so a later redelivery retries it
// instead of skipping a merge that never happened.
type MergeLog interface {
	Claim(ctx context.Context, userID, sourceID string) (bool, error)
	Unclaim(ctx context.Context, userID, sourceID string) error
}

// MemoryMergeLog backs single-process mode and tests.
type MemoryMergeLog struct {
	mu     sync.Mutex
	merged map[string]struct{}
}

func NewMemoryMergeLog() *MemoryMergeLog {
	return &MemoryMergeLog{merged: make(map[string]struct{})}
}

func (m *MemoryMergeLog) Claim(_ context.Context, userID, sourceID string) (bool, error) {
	key := userID + "\x00" + sourceID
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.merged[key]; ok {
		return false, nil
	}
	m.merged[key] = struct{}{}
	return true, nil
}

func (m *MemoryMergeLog) Unclaim(_ context.Context, userID, sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.merged, userID+"\x00"+sourceID)
	return nil
}

// PostgresMergeLog claims via ON CONFLICT DO NOTHING on the composite key,
// so racing invocations across the fleet agree on a single winner.
type PostgresMergeLog struct {
	pool *pgxpool.Pool
}

func NewPostgresMergeLog(pool *pgxpool.Pool) *PostgresMergeLog {
	return &PostgresMergeLog{pool: pool}
}

func (p *PostgresMergeLog) Claim(ctx context.Context, userID, sourceID string) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO merged_sources (user_id, source_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, source_id) DO NOTHING
	`, userID, sourceID)
	if err != nil {
		return false, xerrors.Errorf("claim merge %q/%q: %w", userID, sourceID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresMergeLog) Unclaim(ctx context.Context, userID, sourceID string) error {
	_, err := p.pool.Exec(ctx, `
		DELETE FROM merged_sources
		WHERE user_id = $1 AND source_id = $2
	`, userID, sourceID)
	if err != nil {
		return xerrors.Errorf("unclaim merge %q/%q: %w", userID, sourceID, err)
	}
	return nil
}
