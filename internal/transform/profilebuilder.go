package transform

import (
	"context"
	"encoding/json"
	"time"

	"cdr.dev/slog"
	"golang.org/x/xerrors"

	"github.com/PratikDhanave/pipeline-orchestrator/internal/inference"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/objstore"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/profile"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/stage"
)

// MasterProfileRel is the fixed relative path of the per-user aggregate.
const MasterProfileRel = "master.json"

// ProfileBuilder extracts metrics from a preprocessed document and merges
// them into the user's master profile. All fallible work (reading the
// source, the inference call) happens before the merge log claims the
// source, so a failed delivery leaves the claim untaken and redelivery
// retries the merge. The claim plus the read-merge-write of the aggregate
// run under a per-user lock: a redelivered event loses the claim and skips
// the merge, and concurrent merges for one user cannot overwrite each
// other's writes.
type ProfileBuilder struct {
	Harness  *Harness
	MergeLog profile.MergeLog
	Lock     profile.UserLock
}

func (*ProfileBuilder) Name() string { return "profile_builder" }

func (b *ProfileBuilder) Process(ctx context.Context, src stage.Key) ([]stage.Key, error) {
	obj, err := b.Harness.Store.Get(ctx, src)
	if err != nil {
		return nil, xerrors.Errorf("read preprocessed input: %w", err)
	}

	res, err := b.Harness.Submit(ctx, inference.Request{
		Task:   inference.TaskProfile,
		UserID: src.UserID,
		Input:  obj.Data,
	})
	if err != nil {
		return nil, err
	}

	var metrics map[string]float64
	if err := json.Unmarshal(res.Output, &metrics); err != nil {
		return nil, xerrors.Errorf("decode extracted metrics: %w", err)
	}

	key := stage.Key{UserID: src.UserID, Stage: stage.Profile, Rel: MasterProfileRel}
	var merged bool
	err = b.Lock.WithLock(ctx, src.UserID, func(ctx context.Context) error {
		claimed, err := b.MergeLog.Claim(ctx, src.UserID, src.String())
		if err != nil {
			return xerrors.Errorf("claim source: %w", err)
		}
		if !claimed {
			// Already merged by an earlier delivery; nothing to write.
			return nil
		}
		if err := b.merge(ctx, key, src.UserID, metrics); err != nil {
			b.unclaim(ctx, src)
			return err
		}
		merged = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !merged {
		return nil, nil
	}
	return []stage.Key{key}, nil
}

func (b *ProfileBuilder) merge(ctx context.Context, key stage.Key, userID string, metrics map[string]float64) error {
	master, err := b.loadProfile(ctx, key, userID)
	if err != nil {
		return err
	}
	master.Merge(metrics)

	data, err := master.Encode()
	if err != nil {
		return err
	}
	return b.Harness.Store.Put(ctx, key, data)
}

// unclaim hands a claimed source back after its merge failed, so the next
// delivery retries instead of skipping. Runs on a detached context: the
// failure that got us here may have been the invocation budget expiring.
func (b *ProfileBuilder) unclaim(ctx context.Context, src stage.Key) {
	rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.MergeLog.Unclaim(rctx, src.UserID, src.String()); err != nil {
		b.Harness.Logger.Error(ctx, "unclaim merge source",
			slog.F("key", src.String()), slog.Error(err))
	}
}

func (b *ProfileBuilder) loadProfile(ctx context.Context, key stage.Key, userID string) (*profile.MasterProfile, error) {
	obj, err := b.Harness.Store.Get(ctx, key)
	if xerrors.Is(err, objstore.ErrNotFound) {
		return profile.New(userID), nil
	}
	if err != nil {
		return nil, xerrors.Errorf("read master profile: %w", err)
	}
	return profile.Decode(obj.Data)
}
