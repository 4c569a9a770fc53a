package admission

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/xerrors"
)

const globalScope = "global"

func userScope(userID string) string {
	return "user:" + userID
}

// Postgres hosts the counters in the shared database so that invocations
// with no common memory still contend on one set of counters. The
// compare-and-increment is a conditional UPDATE ... RETURNING inside a
// transaction; row locks serialize racing acquirers.
type Postgres struct {
	pool   *pgxpool.Pool
	limits Limits
	clock  quartz.Clock
}

func NewPostgres(pool *pgxpool.Pool, limits Limits, clock quartz.Clock) *Postgres {
	return &Postgres{pool: pool, limits: limits, clock: clock}
}

func (p *Postgres) Acquire(ctx context.Context, userID string) (Ticket, error) {
	requestedAt := p.clock.Now()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return Ticket{}, xerrors.Errorf("begin acquire: %w", err)
	}
	defer tx.Rollback(ctx)

	// Global ceiling. No row returned means the counter was at the limit.
	var active int
	err = tx.QueryRow(ctx, `
		UPDATE admission_counters
		SET active = active + 1
		WHERE scope = $1 AND active < $2
		RETURNING active
	`, globalScope, p.limits.MaxConcurrent).Scan(&active)
	if xerrors.Is(err, pgx.ErrNoRows) {
		return Ticket{}, ErrBlocked
	}
	if err != nil {
		return Ticket{}, xerrors.Errorf("increment global counter: %w", err)
	}

	// Per-user ceiling. The upsert creates the row on a user's first call;
	// the WHERE on the conflict arm makes the update conditional, so an
	// at-limit user yields no row.
	err = tx.QueryRow(ctx, `
		INSERT INTO admission_counters (scope, active)
		VALUES ($1, 1)
		ON CONFLICT (scope) DO UPDATE
		SET active = admission_counters.active + 1
		WHERE admission_counters.active < $2
		RETURNING active
	`, userScope(userID), p.limits.MaxConcurrentPerUser).Scan(&active)
	if xerrors.Is(err, pgx.ErrNoRows) {
		return Ticket{}, ErrBlocked
	}
	if err != nil {
		return Ticket{}, xerrors.Errorf("increment user counter: %w", err)
	}

	tk := Ticket{
		ID:          uuid.New(),
		UserID:      userID,
		RequestedAt: requestedAt,
		GrantedAt:   p.clock.Now(),
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO admission_tickets (id, user_id, requested_at, granted_at)
		VALUES ($1, $2, $3, $4)
	`, tk.ID, tk.UserID, tk.RequestedAt, tk.GrantedAt)
	if err != nil {
		return Ticket{}, xerrors.Errorf("record ticket: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Ticket{}, xerrors.Errorf("commit acquire: %w", err)
	}
	return tk, nil
}

func (p *Postgres) Release(ctx context.Context, ticket Ticket) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return xerrors.Errorf("begin release: %w", err)
	}
	defer tx.Rollback(ctx)

	// Flipping released=false → true exactly once is what prevents both
	// double-release and the matching double-decrement.
	var userID string
	err = tx.QueryRow(ctx, `
		UPDATE admission_tickets
		SET released = true, released_at = $2
		WHERE id = $1 AND NOT released
		RETURNING user_id
	`, ticket.ID, p.clock.Now()).Scan(&userID)
	if xerrors.Is(err, pgx.ErrNoRows) {
		return ErrAlreadyReleased
	}
	if err != nil {
		return xerrors.Errorf("mark ticket released: %w", err)
	}

	// Same lock order as acquire: global row first, then the user row.
	_, err = tx.Exec(ctx, `
		UPDATE admission_counters
		SET active = GREATEST(active - 1, 0)
		WHERE scope = $1
	`, globalScope)
	if err != nil {
		return xerrors.Errorf("decrement global counter: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE admission_counters
		SET active = GREATEST(active - 1, 0)
		WHERE scope = $1
	`, userScope(userID))
	if err != nil {
		return xerrors.Errorf("decrement user counter: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return xerrors.Errorf("commit release: %w", err)
	}
	return nil
}

func (p *Postgres) Load(ctx context.Context, userID string) (LoadSample, error) {
	sample := LoadSample{Timestamp: p.clock.Now()}
	rows, err := p.pool.Query(ctx, `
		SELECT scope, active
		FROM admission_counters
		WHERE scope = $1 OR scope = $2
	`, globalScope, userScope(userID))
	if err != nil {
		return LoadSample{}, xerrors.Errorf("read counters: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			scope  string
			active int
		)
		if err := rows.Scan(&scope, &active); err != nil {
			return LoadSample{}, xerrors.Errorf("scan counter: %w", err)
		}
		if scope == globalScope {
			sample.ActiveGlobal = active
		} else {
			sample.ActiveUser = active
		}
	}
	return sample, rows.Err()
}

// StaleTickets lists unreleased tickets granted longer than olderThan ago.
// A non-empty result means some invocation exited without releasing.
func (p *Postgres) StaleTickets(ctx context.Context, olderThan time.Duration) ([]Ticket, error) {
	cutoff := p.clock.Now().Add(-olderThan)
	rows, err := p.pool.Query(ctx, `
		SELECT id, user_id, requested_at, granted_at
		FROM admission_tickets
		WHERE NOT released AND granted_at < $1
	`, cutoff)
	if err != nil {
		return nil, xerrors.Errorf("query stale tickets: %w", err)
	}
	defer rows.Close()

	var stale []Ticket
	for rows.Next() {
		var tk Ticket
		if err := rows.Scan(&tk.ID, &tk.UserID, &tk.RequestedAt, &tk.GrantedAt); err != nil {
			return nil, xerrors.Errorf("scan stale ticket: %w", err)
		}
		stale = append(stale, tk)
	}
	return stale, rows.Err()
}
