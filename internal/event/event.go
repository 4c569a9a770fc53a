// Package event holds the pipeline's wire and dispatch payloads.
package event

import (
	"time"

	"github.com/PratikDhanave/pipeline-orchestrator/internal/stage"
)

// StageEvent is the unit of work dispatched to the orchestrator: one
// object-store creation notification. Ephemeral; never persisted beyond the
// triggering delivery.
type StageEvent struct {
	Key       stage.Key
	Size      int64
	CreatedAt time.Time
}

// Target names one of the four stage transforms.
type Target string

const (
	TargetPreprocessor   Target = "preprocessor"
	TargetCategorizer    Target = "categorizer"
	TargetProfileBuilder Target = "profile_builder"
	TargetPersonaBuilder Target = "persona_builder"
)

// Invocation asks one transform to process one source object.
type Invocation struct {
	Target Target
	Source stage.Key
}

// NotificationRequest is the POST /events payload, mirroring the object
// store's creation notification.
type NotificationRequest struct {
	Key       string `json:"key"`
	Size      int64  `json:"size"`
	EventTime string `json:"event_time"`
}

// NotificationResponse is returned by POST /events. Ignored indicates the
// key fell outside the pipeline namespace (accepted, no work triggered).
type NotificationResponse struct {
	Accepted bool `json:"accepted"`
	Ignored  bool `json:"ignored,omitempty"`
}

// ReprocessRequest is the POST /reprocess payload: re-submit one object key
// through the same classification path the store notifications use.
type ReprocessRequest struct {
	Key string `json:"key"`
}
