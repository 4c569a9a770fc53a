// Package admission is the shared gate in front of the rate-limited
// inference API. Every stage transform that calls out must hold a ticket,
// and the counters backing the gate live in a store every invocation can
// reach, since workers run in disjoint memory spaces.
package admission

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

var (
	// ErrBlocked means the global or per-user ceiling is full. Transient:
	// callers back off and retry rather than failing.
	ErrBlocked = xerrors.New("admission blocked")
	// ErrAlreadyReleased guards the exactly-once release invariant.
	ErrAlreadyReleased = xerrors.New("ticket already released")
)

// Ticket represents permission for one outstanding call to the external
// API. Owned by the issuing invocation for its lifetime.
type Ticket struct {
	ID          uuid.UUID
	UserID      string
	RequestedAt time.Time
	GrantedAt   time.Time
}

// LoadSample is a read of the counters, taken immediately before computing
// the pre-call stagger delay. Read-after-write consistent with the most
// recent grant/release on the same controller.
type LoadSample struct {
	ActiveGlobal int
	ActiveUser   int
	Timestamp    time.Time
}

// Limits are the admission ceilings.
type Limits struct {
	MaxConcurrent        int
	MaxConcurrentPerUser int
}

// Controller tracks in-flight external-API calls per user and globally.
type Controller interface {
	// Acquire grants a ticket iff both counters are under their ceilings,
	// atomically with respect to concurrent callers. Returns ErrBlocked
	// otherwise.
	Acquire(ctx context.Context, userID string) (Ticket, error)
	// Release must be called exactly once per granted ticket, on success
	// and failure paths both. A second release returns ErrAlreadyReleased.
	Release(ctx context.Context, ticket Ticket) error
	// Load samples the current counters for the given user.
	Load(ctx context.Context, userID string) (LoadSample, error)
}

// Auditor detects leaked tickets: granted, never released, older than the
// invocation wall-clock budget. Detection only; release discipline is the
// holder's job.
type Auditor interface {
	StaleTickets(ctx context.Context, olderThan time.Duration) ([]Ticket, error)
}
