package transform

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/PratikDhanave/pipeline-orchestrator/internal/inference"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/stage"
)

// Categorizer sends a preprocessed document through the inference API's
// categorize task and writes the structured result one stage down. The
// result content is opaque to the pipeline.
type Categorizer struct {
	Harness *Harness
}

func (*Categorizer) Name() string { return "categorizer" }

func (c *Categorizer) Process(ctx context.Context, src stage.Key) ([]stage.Key, error) {
	obj, err := c.Harness.Store.Get(ctx, src)
	if err != nil {
		return nil, xerrors.Errorf("read preprocessed input: %w", err)
	}

	res, err := c.Harness.Submit(ctx, inference.Request{
		Task:   inference.TaskCategorize,
		UserID: src.UserID,
		Input:  obj.Data,
	})
	if err != nil {
		return nil, err
	}

	out := src.Sibling(stage.Categorized, src.Rel)
	if err := c.Harness.Store.Put(ctx, out, res.Output); err != nil {
		return nil, err
	}
	return []stage.Key{out}, nil
}
