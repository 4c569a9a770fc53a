package transform

import (
	"context"
	"encoding/json"

	"golang.org/x/xerrors"

	"github.com/PratikDhanave/pipeline-orchestrator/internal/inference"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/objstore"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/stage"
)

// PersonaRel is the fixed relative path of the persona output.
const PersonaRel = "persona.json"

// PersonaBuilder synthesizes the user's persona from a categorized document
// plus the master profile. The profile is a precondition, not an ordering
// guarantee: when it has not landed yet the builder returns
// ErrProfileNotReady and lets redelivery re-trigger it.
type PersonaBuilder struct {
	Harness *Harness
}

func (*PersonaBuilder) Name() string { return "persona_builder" }

// personaInput is what the persona task receives: the categorized document
// alongside the current profile aggregate.
type personaInput struct {
	Categorized json.RawMessage `json:"categorized"`
	Profile     json.RawMessage `json:"profile"`
}

func (b *PersonaBuilder) Process(ctx context.Context, src stage.Key) ([]stage.Key, error) {
	profileKey := stage.Key{UserID: src.UserID, Stage: stage.Profile, Rel: MasterProfileRel}
	profileObj, err := b.Harness.Store.Get(ctx, profileKey)
	if xerrors.Is(err, objstore.ErrNotFound) {
		return nil, xerrors.Errorf("user %q: %w", src.UserID, ErrProfileNotReady)
	}
	if err != nil {
		return nil, xerrors.Errorf("read master profile: %w", err)
	}

	obj, err := b.Harness.Store.Get(ctx, src)
	if err != nil {
		return nil, xerrors.Errorf("read categorized input: %w", err)
	}

	input, err := json.Marshal(personaInput{
		Categorized: obj.Data,
		Profile:     profileObj.Data,
	})
	if err != nil {
		return nil, xerrors.Errorf("encode persona input: %w", err)
	}

	res, err := b.Harness.Submit(ctx, inference.Request{
		Task:   inference.TaskPersona,
		UserID: src.UserID,
		Input:  input,
	})
	if err != nil {
		return nil, err
	}

	out := stage.Key{UserID: src.UserID, Stage: stage.Insights, Rel: PersonaRel}
	if err := b.Harness.Store.Put(ctx, out, res.Output); err != nil {
		return nil, err
	}
	return []stage.Key{out}, nil
}
