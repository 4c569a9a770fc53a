// Package transform implements the four stage transforms behind one shared
// harness. The harness owns everything every stage needs done the same way:
// admission acquire with backoff, the pre-call stagger delay, bounded
// throttle retries, batch pacing, and failure recording.
package transform

import (
	"context"
	"errors"
	"time"

	"cdr.dev/slog"
	"github.com/coder/quartz"
	"github.com/coder/retry"
	"golang.org/x/xerrors"

	"github.com/PratikDhanave/pipeline-orchestrator/internal/admission"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/inference"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/objstore"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/stage"
)

// Transform is one pipeline stage: read the source object, optionally call
// the inference API through the harness, write the outputs. Stateless
// across invocations; re-running the same input must land on the same
// output keys.
type Transform interface {
	Name() string
	Process(ctx context.Context, src stage.Key) ([]stage.Key, error)
}

// Options tune the harness. Zero values get sane defaults from the config
// package; the harness itself only requires MaxAttempts >= 1.
type Options struct {
	// Delay is the post-grant stagger policy.
	Delay admission.DelayPolicy
	// MaxAttempts bounds throttle retries per inference call.
	MaxAttempts int
	// InterItemDelay paces sequential items inside one batch so a batch
	// cannot spike the global active count instantaneously.
	InterItemDelay time.Duration
	// MaxBatch caps items handled by one invocation; overflow waits for
	// the next trigger.
	MaxBatch int
	// AcquireFloor/AcquireCeil bound the blocked-acquire backoff loop.
	AcquireFloor time.Duration
	AcquireCeil  time.Duration
	// RetryFloor/RetryCeil bound the backoff between throttled inference
	// attempts. Independent of the acquire curve; zero means the package
	// defaults.
	RetryFloor time.Duration
	RetryCeil  time.Duration
}

// Defaults for the throttle-retry backoff when Options leaves it unset.
const (
	defaultRetryFloor = 50 * time.Millisecond
	defaultRetryCeil  = 2 * time.Second
)

// Harness carries the shared collaborators into every stage transform.
type Harness struct {
	Store     objstore.Store
	Admission admission.Controller
	Inference inference.Client
	Failures  FailureLog
	Clock     quartz.Clock
	Logger    slog.Logger
	Opts      Options
}

// Submit performs one admission-gated inference call:
// acquire (backoff while blocked) → stagger → call (bounded throttle
// retries) → release. Release runs on every exit path; after a context
// cancellation it runs on a short detached context so a timed-out
// invocation still returns its ticket.
func (h *Harness) Submit(ctx context.Context, req inference.Request) (inference.Result, error) {
	ticket, err := h.acquire(ctx, req.UserID)
	if err != nil {
		return inference.Result{}, err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rerr := h.Admission.Release(rctx, ticket); rerr != nil {
			h.Logger.Error(rctx, "release admission ticket",
				slog.F("ticket_id", ticket.ID), slog.Error(rerr))
		}
	}()

	if err := h.stagger(ctx, req.UserID); err != nil {
		return inference.Result{}, err
	}

	return h.callWithRetry(ctx, req)
}

// acquire loops until a ticket is granted, backing off while blocked. The
// attempt ceiling is the context deadline: the invocation's wall-clock
// budget bounds how long a blocked caller waits.
func (h *Harness) acquire(ctx context.Context, userID string) (admission.Ticket, error) {
	r := retry.New(h.Opts.AcquireFloor, h.Opts.AcquireCeil)
	for {
		ticket, err := h.Admission.Acquire(ctx, userID)
		if err == nil {
			return ticket, nil
		}
		if !xerrors.Is(err, admission.ErrBlocked) {
			return admission.Ticket{}, xerrors.Errorf("acquire admission: %w", err)
		}
		h.Logger.Debug(ctx, "admission blocked, backing off", slog.F("user_id", userID))
		if !r.Wait(ctx) {
			return admission.Ticket{}, xerrors.Errorf("acquire admission: %w", ctx.Err())
		}
	}
}

// stagger waits in proportion to the observed global load. The sample must
// come from the same controller the grant did, so it reflects the grant
// itself.
func (h *Harness) stagger(ctx context.Context, userID string) error {
	load, err := h.Admission.Load(ctx, userID)
	if err != nil {
		return xerrors.Errorf("sample load: %w", err)
	}
	d := h.Opts.Delay.Delay(load)
	if d > 0 {
		h.Logger.Debug(ctx, "staggering before inference call",
			slog.F("delay", d), slog.F("active_global", load.ActiveGlobal))
	}
	return h.sleep(ctx, d)
}

func (h *Harness) callWithRetry(ctx context.Context, req inference.Request) (inference.Result, error) {
	floor, ceil := h.Opts.RetryFloor, h.Opts.RetryCeil
	if ceil <= 0 {
		floor, ceil = defaultRetryFloor, defaultRetryCeil
	}
	r := retry.New(floor, ceil)
	var lastErr error
	for attempt := 1; attempt <= h.Opts.MaxAttempts; attempt++ {
		res, err := h.Inference.Submit(ctx, req)
		if err == nil {
			return res, nil
		}
		if !xerrors.Is(err, inference.ErrThrottled) {
			return inference.Result{}, err
		}
		lastErr = err
		h.Logger.Warn(ctx, "inference throttled",
			slog.F("task", req.Task), slog.F("attempt", attempt))
		if attempt < h.Opts.MaxAttempts && !r.Wait(ctx) {
			return inference.Result{}, xerrors.Errorf("throttle backoff: %w", ctx.Err())
		}
	}
	return inference.Result{}, xerrors.Errorf("%d attempts, last %v: %w",
		h.Opts.MaxAttempts, lastErr, ErrAttemptsExhausted)
}

// RunBatch processes up to MaxBatch inputs sequentially with an inter-item
// delay. Item failures are isolated: permanent ones are recorded and do not
// stop later items; the joined error surfaces at the end so the platform
// can redeliver the transients.
func (h *Harness) RunBatch(ctx context.Context, t Transform, srcs []stage.Key) ([]stage.Key, error) {
	if h.Opts.MaxBatch > 0 && len(srcs) > h.Opts.MaxBatch {
		h.Logger.Warn(ctx, "batch capped, overflow left for next trigger",
			slog.F("transform", t.Name()),
			slog.F("batch", len(srcs)), slog.F("cap", h.Opts.MaxBatch))
		srcs = srcs[:h.Opts.MaxBatch]
	}

	var (
		outputs []stage.Key
		errs    []error
	)
	for i, src := range srcs {
		if i > 0 {
			if err := h.sleep(ctx, h.Opts.InterItemDelay); err != nil {
				errs = append(errs, err)
				break
			}
		}

		outs, err := t.Process(ctx, src)
		if err != nil {
			errs = append(errs, h.recordFailure(ctx, t, src, err))
			continue
		}
		outputs = append(outputs, outs...)
	}
	return outputs, errors.Join(errs...)
}

// recordFailure persists permanent failures and exhausted retries, then
// hands the error back for the caller to surface.
func (h *Harness) recordFailure(ctx context.Context, t Transform, src stage.Key, err error) error {
	class := ""
	switch {
	case xerrors.Is(err, inference.ErrRejected):
		class = FailureRejected
	case xerrors.Is(err, ErrAttemptsExhausted):
		class = FailureThrottledExhausted
	}
	if class != "" {
		// Recording happens on a detached context so a blown invocation
		// budget cannot also lose the failure record.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rerr := h.Failures.Record(rctx, src, class, err.Error()); rerr != nil {
			h.Logger.Error(ctx, "record failure", slog.F("key", src.String()), slog.Error(rerr))
		}
	}
	h.Logger.Warn(ctx, "transform item failed",
		slog.F("transform", t.Name()), slog.F("key", src.String()), slog.Error(err))
	return xerrors.Errorf("%s %q: %w", t.Name(), src.String(), err)
}

func (h *Harness) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := h.Clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
