package transform

import (
	"context"
	"errors"

	"golang.org/x/xerrors"

	"github.com/PratikDhanave/pipeline-orchestrator/internal/admission"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/inference"
)

// Sentinel errors for transform runs.
var (
	// ErrProfileNotReady means the persona builder ran before the profile
	// builder's aggregate landed. Transient: the platform's redelivery
	// re-triggers later, no in-process waiting.
	ErrProfileNotReady = xerrors.New("master profile not ready")
	// ErrAttemptsExhausted wraps a throttle that outlived the retry
	// ceiling. The input object stays in place for a later re-trigger.
	ErrAttemptsExhausted = xerrors.New("retry attempts exhausted")
)

// Failure classes recorded against an input object.
const (
	FailureThrottledExhausted = "throttled_exhausted"
	FailureRejected           = "rejected"
)

// IsTransient reports whether err should be surfaced to the platform's
// redelivery mechanism rather than recorded as a permanent failure. Uses
// the standard library matcher: batch errors are joined, and only it
// traverses multi-error wrappers.
func IsTransient(err error) bool {
	return errors.Is(err, ErrProfileNotReady) ||
		errors.Is(err, ErrAttemptsExhausted) ||
		errors.Is(err, admission.ErrBlocked) ||
		errors.Is(err, inference.ErrThrottled) ||
		errors.Is(err, context.DeadlineExceeded)
}
