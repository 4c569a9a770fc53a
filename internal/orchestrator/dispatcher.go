package orchestrator

import (
	"context"
	"sync"
	"time"

	"cdr.dev/slog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/PratikDhanave/pipeline-orchestrator/internal/event"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/stage"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/transform"
)

// Dispatcher invokes the routed transforms. Fan-out branches run
// concurrently and fail independently: one branch's error never rolls back
// or cancels its sibling.
type Dispatcher struct {
	Registry map[event.Target]transform.Transform
	Harness  *transform.Harness
	Logger   slog.Logger
	// Budget is the per-invocation wall-clock limit. Zero means the
	// caller's context rules alone.
	Budget time.Duration
}

// Dispatch routes one event and runs every matched transform. A branch
// failure surfaces for the platform's redelivery mechanism; the sibling
// branch's writes are already committed and stay committed.
func (d *Dispatcher) Dispatch(ctx context.Context, ev event.StageEvent) error {
	invs := Route(ev)
	if len(invs) == 0 {
		d.Logger.Debug(ctx, "event outside routing table, ignored",
			slog.F("key", ev.Key.String()))
		return nil
	}

	// Plain errgroup, no shared cancellation: branches are independent.
	var eg errgroup.Group
	for _, inv := range invs {
		eg.Go(func() error {
			return d.invoke(ctx, inv)
		})
	}
	return eg.Wait()
}

func (d *Dispatcher) invoke(ctx context.Context, inv event.Invocation) error {
	t, ok := d.Registry[inv.Target]
	if !ok {
		// Misconfiguration: surface it, the platform retries delivery.
		err := xerrors.Errorf("no transform registered for target %q", inv.Target)
		d.Logger.Error(ctx, "transform unreachable", slog.Error(err))
		return err
	}

	if d.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Budget)
		defer cancel()
	}

	d.Logger.Info(ctx, "invoking transform",
		slog.F("target", inv.Target), slog.F("source", inv.Source.String()))

	outs, err := d.Harness.RunBatch(ctx, t, []stage.Key{inv.Source})
	if err != nil {
		return xerrors.Errorf("invoke %s: %w", inv.Target, err)
	}
	for _, out := range outs {
		d.Logger.Info(ctx, "transform wrote output",
			slog.F("target", inv.Target), slog.F("key", out.String()))
	}
	return nil
}

// HandleNotification classifies a raw store key and dispatches if it falls
// inside the pipeline namespace. The bool reports whether the key matched;
// a miss is not an error.
func (d *Dispatcher) HandleNotification(ctx context.Context, rawKey string, size int64, createdAt time.Time) (bool, error) {
	key, ok := stage.ParseKey(rawKey)
	if !ok {
		d.Logger.Debug(ctx, "key outside pipeline namespace, ignored",
			slog.F("key", rawKey))
		return false, nil
	}
	return true, d.Dispatch(ctx, event.StageEvent{Key: key, Size: size, CreatedAt: createdAt})
}

// Run drains the notifier queue, handling each event in its own goroutine
// the way the platform would start independent worker invocations. Returns
// once ctx is done and in-flight dispatches finished.
func (d *Dispatcher) Run(ctx context.Context, events <-chan event.StageEvent) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := d.Dispatch(ctx, ev); err != nil {
					d.Logger.Warn(ctx, "dispatch failed",
						slog.F("key", ev.Key.String()), slog.Error(err))
				}
			}()
		}
	}
}
