package transform_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/PratikDhanave/pipeline-orchestrator/internal/admission"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/inference"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/objstore"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/stage"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/transform"
)

func testHarness(t *testing.T, fake *inference.Fake) (*transform.Harness, *admission.Memory, *transform.MemoryFailureLog) {
	t.Helper()

	ctrl := admission.NewMemory(admission.Limits{
		MaxConcurrent:        4,
		MaxConcurrentPerUser: 2,
	}, quartz.NewReal())
	failures := transform.NewMemoryFailureLog()

	h := &transform.Harness{
		Store:     objstore.NewMemory(quartz.NewReal(), nil),
		Admission: ctrl,
		Inference: fake,
		Failures:  failures,
		Clock:     quartz.NewReal(),
		Logger:    slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}).Leveled(slog.LevelDebug),
		Opts: transform.Options{
			Delay:          admission.DelayPolicy{Base: time.Millisecond, Cap: 10 * time.Millisecond},
			MaxAttempts:    3,
			InterItemDelay: time.Millisecond,
			MaxBatch:       10,
			AcquireFloor:   time.Millisecond,
			AcquireCeil:    5 * time.Millisecond,
		},
	}
	return h, ctrl, failures
}

func TestSubmit_RetriesThroughThrottling(t *testing.T) {
	t.Parallel()

	fake := inference.NewFake()
	fake.ScriptErrors(inference.TaskCategorize, inference.ErrThrottled, inference.ErrThrottled)
	h, ctrl, _ := testHarness(t, fake)

	res, err := h.Submit(context.Background(), inference.Request{
		Task:   inference.TaskCategorize,
		UserID: "alice",
		Input:  []byte(`{"x":1}`),
	})
	require.NoError(t, err)
	require.Equal(t, []byte(`{"x":1}`), res.Output)
	require.Equal(t, 3, fake.Calls())

	// Ticket returned on the success path.
	load, err := ctrl.Load(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, 0, load.ActiveGlobal)
}

func TestSubmit_ExhaustsAttemptCeiling(t *testing.T) {
	t.Parallel()

	fake := inference.NewFake()
	fake.ScriptErrors(inference.TaskCategorize,
		inference.ErrThrottled, inference.ErrThrottled, inference.ErrThrottled)
	h, ctrl, _ := testHarness(t, fake)

	_, err := h.Submit(context.Background(), inference.Request{
		Task:   inference.TaskCategorize,
		UserID: "alice",
	})
	require.ErrorIs(t, err, transform.ErrAttemptsExhausted)
	require.Equal(t, 3, fake.Calls())

	// Ticket returned on the failure path too.
	load, err := ctrl.Load(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, 0, load.ActiveGlobal)
}

func TestSubmit_RejectedIsNotRetried(t *testing.T) {
	t.Parallel()

	fake := inference.NewFake()
	fake.ScriptErrors(inference.TaskCategorize, inference.ErrRejected)
	h, ctrl, _ := testHarness(t, fake)

	_, err := h.Submit(context.Background(), inference.Request{
		Task:   inference.TaskCategorize,
		UserID: "alice",
	})
	require.ErrorIs(t, err, inference.ErrRejected)
	require.Equal(t, 1, fake.Calls())

	load, err := ctrl.Load(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, 0, load.ActiveGlobal)
}

func TestSubmit_WaitsOutBlockedAdmission(t *testing.T) {
	t.Parallel()

	fake := inference.NewFake()
	h, ctrl, _ := testHarness(t, fake)
	ctx := context.Background()

	// Fill alice's per-user ceiling, then free a slot shortly after.
	t1, err := ctrl.Acquire(ctx, "alice")
	require.NoError(t, err)
	t2, err := ctrl.Acquire(ctx, "alice")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		_ = ctrl.Release(ctx, t1)
	}()

	_, err = h.Submit(ctx, inference.Request{Task: inference.TaskCategorize, UserID: "alice"})
	require.NoError(t, err)
	wg.Wait()

	require.NoError(t, ctrl.Release(ctx, t2))
}

func TestSubmit_ContextBudgetBoundsBlockedWait(t *testing.T) {
	t.Parallel()

	fake := inference.NewFake()
	h, ctrl, _ := testHarness(t, fake)

	// Ceiling stays full for the whole test.
	bg := context.Background()
	t1, err := ctrl.Acquire(bg, "alice")
	require.NoError(t, err)
	t2, err := ctrl.Acquire(bg, "alice")
	require.NoError(t, err)
	defer func() {
		_ = ctrl.Release(bg, t1)
		_ = ctrl.Release(bg, t2)
	}()

	ctx, cancel := context.WithTimeout(bg, 20*time.Millisecond)
	defer cancel()

	_, err = h.Submit(ctx, inference.Request{Task: inference.TaskCategorize, UserID: "alice"})
	require.Error(t, err)
	require.Zero(t, fake.Calls())

	// No ticket was granted, so nothing can have leaked.
	load, err := ctrl.Load(bg, "alice")
	require.NoError(t, err)
	require.Equal(t, 2, load.ActiveUser)
}

// recordingTransform counts Process calls and fails on demand.
type recordingTransform struct {
	mu        sync.Mutex
	processed []stage.Key
	fail      error
}

func (*recordingTransform) Name() string { return "recording" }

func (r *recordingTransform) Process(_ context.Context, src stage.Key) ([]stage.Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return nil, r.fail
	}
	r.processed = append(r.processed, src)
	return []stage.Key{src.Sibling(stage.Preprocessed, src.JSONRel())}, nil
}

func (r *recordingTransform) seen() []stage.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]stage.Key, len(r.processed))
	copy(out, r.processed)
	return out
}

func TestRunBatch_CapsBatchSize(t *testing.T) {
	t.Parallel()

	fake := inference.NewFake()
	h, _, _ := testHarness(t, fake)
	h.Opts.MaxBatch = 2

	srcs := []stage.Key{
		{UserID: "alice", Stage: stage.Raw, Rel: "a.csv"},
		{UserID: "alice", Stage: stage.Raw, Rel: "b.csv"},
		{UserID: "alice", Stage: stage.Raw, Rel: "c.csv"},
	}

	rec := &recordingTransform{}
	outs, err := h.RunBatch(context.Background(), rec, srcs)
	require.NoError(t, err)
	require.Len(t, outs, 2)
	require.Equal(t, srcs[:2], rec.seen())
}

func TestRunBatch_RecordsExhaustedThrottle(t *testing.T) {
	t.Parallel()

	fake := inference.NewFake()
	h, _, failures := testHarness(t, fake)

	src := stage.Key{UserID: "alice", Stage: stage.Preprocessed, Rel: "export.json"}
	rec := &recordingTransform{fail: xerrors.Errorf("categorize: %w", transform.ErrAttemptsExhausted)}

	_, err := h.RunBatch(context.Background(), rec, []stage.Key{src})
	require.ErrorIs(t, err, transform.ErrAttemptsExhausted)

	items := failures.Items()
	require.Len(t, items, 1)
	require.Equal(t, transform.FailureThrottledExhausted, items[0].Class)
	require.Equal(t, src, items[0].Key)
}

func TestRunBatch_RecordsRejected(t *testing.T) {
	t.Parallel()

	fake := inference.NewFake()
	h, _, failures := testHarness(t, fake)

	src := stage.Key{UserID: "alice", Stage: stage.Preprocessed, Rel: "export.json"}
	rec := &recordingTransform{fail: xerrors.Errorf("categorize: %w", inference.ErrRejected)}

	_, err := h.RunBatch(context.Background(), rec, []stage.Key{src})
	require.ErrorIs(t, err, inference.ErrRejected)

	items := failures.Items()
	require.Len(t, items, 1)
	require.Equal(t, transform.FailureRejected, items[0].Class)
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	require.True(t, transform.IsTransient(transform.ErrProfileNotReady))
	require.True(t, transform.IsTransient(transform.ErrAttemptsExhausted))
	require.True(t, transform.IsTransient(admission.ErrBlocked))
	require.True(t, transform.IsTransient(inference.ErrThrottled))
	require.False(t, transform.IsTransient(inference.ErrRejected))
	require.False(t, transform.IsTransient(xerrors.New("boom")))
}
