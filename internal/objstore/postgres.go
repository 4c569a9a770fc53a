package objstore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/xerrors"

	"github.com/PratikDhanave/pipeline-orchestrator/internal/event"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/stage"
)

// Postgres stores objects in the shared database. In fleet mode creation
// notifications normally arrive from the platform via POST /events, so the
// notifier is optional here and only used in hybrid setups.
type Postgres struct {
	pool     *pgxpool.Pool
	notifier *Notifier
}

func NewPostgres(pool *pgxpool.Pool, notifier *Notifier) *Postgres {
	return &Postgres{pool: pool, notifier: notifier}
}

func (p *Postgres) Get(ctx context.Context, key stage.Key) (Object, error) {
	obj := Object{Key: key}
	err := p.pool.QueryRow(ctx, `
		SELECT content, size, created_at
		FROM objects
		WHERE key = $1
	`, key.String()).Scan(&obj.Data, &obj.Size, &obj.CreatedAt)
	if xerrors.Is(err, pgx.ErrNoRows) {
		return Object{}, ErrNotFound
	}
	if err != nil {
		return Object{}, xerrors.Errorf("get object %q: %w", key, err)
	}
	return obj, nil
}

// Put upserts: the key is the primary key, so rewriting the same logical
// output replaces it in place.
func (p *Postgres) Put(ctx context.Context, key stage.Key, data []byte) error {
	var createdAt time.Time
	err := p.pool.QueryRow(ctx, `
		INSERT INTO objects (key, user_id, stage, content, size)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE
		SET content = EXCLUDED.content,
		    size = EXCLUDED.size,
		    updated_at = now()
		RETURNING created_at
	`, key.String(), key.UserID, string(key.Stage), data, int64(len(data))).Scan(&createdAt)
	if err != nil {
		return xerrors.Errorf("put object %q: %w", key, err)
	}

	if p.notifier != nil {
		p.notifier.Enqueue(event.StageEvent{
			Key:       key,
			Size:      int64(len(data)),
			CreatedAt: createdAt,
		})
	}
	return nil
}

func (p *Postgres) Stat(ctx context.Context, key stage.Key) (Object, error) {
	obj := Object{Key: key}
	err := p.pool.QueryRow(ctx, `
		SELECT size, created_at
		FROM objects
		WHERE key = $1
	`, key.String()).Scan(&obj.Size, &obj.CreatedAt)
	if xerrors.Is(err, pgx.ErrNoRows) {
		return Object{}, ErrNotFound
	}
	if err != nil {
		return Object{}, xerrors.Errorf("stat object %q: %w", key, err)
	}
	return obj, nil
}
