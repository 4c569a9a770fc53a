// Package orchestrator routes object-store creation events to stage
// transforms. Routing is pure classification over the closed stage set;
// all business logic lives in the transforms.
package orchestrator

import (
	"github.com/PratikDhanave/pipeline-orchestrator/internal/event"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/stage"
)

// Route maps one creation event onto the transforms it triggers. The table
// is fixed: raw feeds the preprocessor; preprocessed fans out to the
// categorizer and the profile builder, which are independent of each other;
// categorized feeds the persona builder. Profile and insights writes are
// terminal and trigger nothing.
func Route(ev event.StageEvent) []event.Invocation {
	switch ev.Key.Stage {
	case stage.Raw:
		return []event.Invocation{
			{Target: event.TargetPreprocessor, Source: ev.Key},
		}
	case stage.Preprocessed:
		return []event.Invocation{
			{Target: event.TargetCategorizer, Source: ev.Key},
			{Target: event.TargetProfileBuilder, Source: ev.Key},
		}
	case stage.Categorized:
		return []event.Invocation{
			{Target: event.TargetPersonaBuilder, Source: ev.Key},
		}
	case stage.Profile, stage.Insights:
		return nil
	default:
		return nil
	}
}
