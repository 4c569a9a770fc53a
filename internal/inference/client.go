// Package inference wraps the rate-limited downstream API every stage
// transform shares. The semantic content of the responses is opaque to the
// pipeline; only the error taxonomy matters here.
package inference

import (
	"context"

	"golang.org/x/xerrors"
)

var (
	// ErrThrottled is the distinguishable over-capacity signal. Transient:
	// retried with backoff up to the attempt ceiling.
	ErrThrottled = xerrors.New("inference throttled")
	// ErrRejected marks input the API refused. Permanent for this input:
	// recorded, never retried.
	ErrRejected = xerrors.New("inference rejected input")
)

// Task selects the prompt family the API applies to the input.
type Task string

const (
	TaskCategorize Task = "categorize"
	TaskProfile    Task = "profile"
	TaskPersona    Task = "persona"
)

// Request is one submission to the API.
type Request struct {
	Task   Task   `json:"task"`
	UserID string `json:"user_id"`
	Input  []byte `json:"input"`
}

// Result carries the structured output, opaque to the pipeline.
type Result struct {
	Output []byte `json:"output"`
}

// Client is the submit surface. Implementations must map over-capacity
// responses onto ErrThrottled and content refusals onto ErrRejected.
type Client interface {
	Submit(ctx context.Context, req Request) (Result, error)
}
