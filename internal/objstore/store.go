// Package objstore abstracts the durable object store holding user data
// under hierarchical keys. Two implementations: Postgres for fleet mode,
// in-memory for single-process mode and tests.
package objstore

import (
	"context"
	"time"

	"golang.org/x/xerrors"

	"github.com/PratikDhanave/pipeline-orchestrator/internal/stage"
)

var ErrNotFound = xerrors.New("object not found")

// Object is one stored value. Data is nil for Stat results.
type Object struct {
	Key       stage.Key
	Data      []byte
	Size      int64
	CreatedAt time.Time
}

// Store is the object-store surface the pipeline needs. Put overwrites:
// reprocessing the same input lands on the same deterministic key.
type Store interface {
	Get(ctx context.Context, key stage.Key) (Object, error)
	Put(ctx context.Context, key stage.Key, data []byte) error
	// Stat returns metadata without the payload; ErrNotFound when absent.
	Stat(ctx context.Context, key stage.Key) (Object, error)
}
