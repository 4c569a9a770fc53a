package transform_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/PratikDhanave/pipeline-orchestrator/internal/inference"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/objstore"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/profile"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/stage"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/transform"
)

func testProfileBuilder(t *testing.T, fake *inference.Fake) *transform.ProfileBuilder {
	t.Helper()

	h, _, _ := testHarness(t, fake)
	return &transform.ProfileBuilder{
		Harness:  h,
		MergeLog: profile.NewMemoryMergeLog(),
		Lock:     profile.NewMemoryUserLock(),
	}
}

func masterProfile(t *testing.T, b *transform.ProfileBuilder, userID string) *profile.MasterProfile {
	t.Helper()

	key := stage.Key{UserID: userID, Stage: stage.Profile, Rel: transform.MasterProfileRel}
	obj, err := b.Harness.Store.Get(context.Background(), key)
	require.NoError(t, err)
	master, err := profile.Decode(obj.Data)
	require.NoError(t, err)
	return master
}

// A delivery that dies on the inference call must leave the source
// unclaimed, so the redelivered event actually merges instead of skipping.
func TestProfileBuilder_ThrottleExhaustionLeavesSourceRetriable(t *testing.T) {
	t.Parallel()

	fake := inference.NewFake()
	fake.ScriptErrors(inference.TaskProfile,
		inference.ErrThrottled, inference.ErrThrottled, inference.ErrThrottled)
	b := testProfileBuilder(t, fake)
	ctx := context.Background()

	src := stage.Key{UserID: "alice", Stage: stage.Preprocessed, Rel: "export.json"}
	require.NoError(t, b.Harness.Store.Put(ctx, src, []byte(`{"messages":2}`)))

	_, err := b.Process(ctx, src)
	require.ErrorIs(t, err, transform.ErrAttemptsExhausted)

	// No aggregate was written by the failed delivery.
	profileKey := stage.Key{UserID: "alice", Stage: stage.Profile, Rel: transform.MasterProfileRel}
	_, err = b.Harness.Store.Get(ctx, profileKey)
	require.ErrorIs(t, err, objstore.ErrNotFound)

	// Redelivery merges the source.
	outs, err := b.Process(ctx, src)
	require.NoError(t, err)
	require.Equal(t, []stage.Key{profileKey}, outs)

	master := masterProfile(t, b, "alice")
	require.Equal(t, 1, master.SourceCount)
	require.Equal(t, 2.0, master.Metrics["messages"])
}

// flakyPutStore fails a number of aggregate writes, then recovers.
type flakyPutStore struct {
	objstore.Store

	mu       sync.Mutex
	failPuts int
}

func (s *flakyPutStore) Put(ctx context.Context, key stage.Key, data []byte) error {
	s.mu.Lock()
	fail := key.Stage == stage.Profile && s.failPuts > 0
	if fail {
		s.failPuts--
	}
	s.mu.Unlock()
	if fail {
		return xerrors.New("write failed")
	}
	return s.Store.Put(ctx, key, data)
}

func TestProfileBuilder_FailedWriteReturnsClaim(t *testing.T) {
	t.Parallel()

	fake := inference.NewFake()
	b := testProfileBuilder(t, fake)
	b.Harness.Store = &flakyPutStore{Store: b.Harness.Store, failPuts: 1}
	ctx := context.Background()

	src := stage.Key{UserID: "alice", Stage: stage.Preprocessed, Rel: "export.json"}
	require.NoError(t, b.Harness.Store.Put(ctx, src, []byte(`{"messages":2}`)))

	_, err := b.Process(ctx, src)
	require.Error(t, err)

	// The claim was handed back, so the next delivery completes the merge.
	outs, err := b.Process(ctx, src)
	require.NoError(t, err)
	require.Len(t, outs, 1)

	master := masterProfile(t, b, "alice")
	require.Equal(t, 1, master.SourceCount)
	require.Equal(t, 2.0, master.Metrics["messages"])
}

// Concurrent merges for one user must all land: every source's metrics
// show up in the aggregate, none overwritten by a racing sibling.
func TestProfileBuilder_ConcurrentMergesAllLand(t *testing.T) {
	t.Parallel()

	fake := inference.NewFake()
	b := testProfileBuilder(t, fake)
	ctx := context.Background()

	const sources = 6
	srcs := make([]stage.Key, sources)
	for i := range srcs {
		srcs[i] = stage.Key{UserID: "alice", Stage: stage.Preprocessed, Rel: fmt.Sprintf("part-%d.json", i)}
		require.NoError(t, b.Harness.Store.Put(ctx, srcs[i], []byte(`{"events":1}`)))
	}

	var eg errgroup.Group
	for _, src := range srcs {
		eg.Go(func() error {
			_, err := b.Process(ctx, src)
			return err
		})
	}
	require.NoError(t, eg.Wait())

	master := masterProfile(t, b, "alice")
	require.Equal(t, sources, master.SourceCount)
	require.Equal(t, float64(sources), master.Metrics["events"])
}

func TestProfileBuilder_RedeliverySkipsMergedSource(t *testing.T) {
	t.Parallel()

	fake := inference.NewFake()
	b := testProfileBuilder(t, fake)
	ctx := context.Background()

	src := stage.Key{UserID: "alice", Stage: stage.Preprocessed, Rel: "export.json"}
	require.NoError(t, b.Harness.Store.Put(ctx, src, []byte(`{"messages":2}`)))

	outs, err := b.Process(ctx, src)
	require.NoError(t, err)
	require.Len(t, outs, 1)

	// Redelivery after a completed merge writes nothing.
	outs, err = b.Process(ctx, src)
	require.NoError(t, err)
	require.Empty(t, outs)

	master := masterProfile(t, b, "alice")
	require.Equal(t, 1, master.SourceCount)
	require.Equal(t, 2.0, master.Metrics["messages"])
}
