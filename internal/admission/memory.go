package admission

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
)

// Memory is the single-process controller: one mutex, two counters. Valid
// only when every stage transform runs inside the same process, which is
// the dev/test topology. Fleet mode must use Postgres.
type Memory struct {
	limits Limits
	clock  quartz.Clock

	mu      sync.Mutex
	global  int
	perUser map[string]int
	open    map[uuid.UUID]Ticket
}

func NewMemory(limits Limits, clock quartz.Clock) *Memory {
	return &Memory{
		limits:  limits,
		clock:   clock,
		perUser: make(map[string]int),
		open:    make(map[uuid.UUID]Ticket),
	}
}

func (m *Memory) Acquire(_ context.Context, userID string) (Ticket, error) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.global >= m.limits.MaxConcurrent {
		return Ticket{}, ErrBlocked
	}
	if m.perUser[userID] >= m.limits.MaxConcurrentPerUser {
		return Ticket{}, ErrBlocked
	}

	m.global++
	m.perUser[userID]++

	tk := Ticket{
		ID:          uuid.New(),
		UserID:      userID,
		RequestedAt: now,
		GrantedAt:   m.clock.Now(),
	}
	m.open[tk.ID] = tk
	return tk, nil
}

func (m *Memory) Release(_ context.Context, ticket Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.open[ticket.ID]; !ok {
		return ErrAlreadyReleased
	}
	delete(m.open, ticket.ID)

	m.global--
	if m.perUser[ticket.UserID] <= 1 {
		delete(m.perUser, ticket.UserID)
	} else {
		m.perUser[ticket.UserID]--
	}
	return nil
}

func (m *Memory) Load(_ context.Context, userID string) (LoadSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return LoadSample{
		ActiveGlobal: m.global,
		ActiveUser:   m.perUser[userID],
		Timestamp:    m.clock.Now(),
	}, nil
}

// StaleTickets lists open tickets granted longer than olderThan ago.
func (m *Memory) StaleTickets(_ context.Context, olderThan time.Duration) ([]Ticket, error) {
	cutoff := m.clock.Now().Add(-olderThan)

	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []Ticket
	for _, tk := range m.open {
		if tk.GrantedAt.Before(cutoff) {
			stale = append(stale, tk)
		}
	}
	return stale, nil
}
