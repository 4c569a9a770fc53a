package transform

import (
	"context"
	"encoding/json"
	"strings"

	"golang.org/x/xerrors"

	"github.com/PratikDhanave/pipeline-orchestrator/internal/stage"
)

// Preprocessor normalizes a raw upload into the JSON envelope every later
// stage reads. The only transform that never calls the inference API.
type Preprocessor struct {
	Harness *Harness
}

func (*Preprocessor) Name() string { return "preprocessor" }

// preprocessedDoc is derived purely from the input bytes, so re-running the
// same raw object writes byte-identical output.
type preprocessedDoc struct {
	Source  string   `json:"source"`
	Records []string `json:"records"`
}

func (p *Preprocessor) Process(ctx context.Context, src stage.Key) ([]stage.Key, error) {
	obj, err := p.Harness.Store.Get(ctx, src)
	if err != nil {
		return nil, xerrors.Errorf("read raw input: %w", err)
	}

	doc := preprocessedDoc{Source: src.Rel}
	for _, line := range strings.Split(string(obj.Data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		doc.Records = append(doc.Records, line)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, xerrors.Errorf("encode preprocessed doc: %w", err)
	}

	out := src.Sibling(stage.Preprocessed, src.JSONRel())
	if err := p.Harness.Store.Put(ctx, out, data); err != nil {
		return nil, err
	}
	return []stage.Key{out}, nil
}
