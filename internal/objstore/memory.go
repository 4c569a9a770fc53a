package objstore

import (
	"context"
	"sync"

	"github.com/coder/quartz"

	"github.com/PratikDhanave/pipeline-orchestrator/internal/event"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/stage"
)

// Memory is a mutex-guarded in-process store. It emits a creation event per
// Put when wired with a notifier, which is what drives the pipeline loop in
// single-process mode.
type Memory struct {
	mu       sync.Mutex
	objects  map[string]Object
	clock    quartz.Clock
	notifier *Notifier
}

func NewMemory(clock quartz.Clock, notifier *Notifier) *Memory {
	return &Memory{
		objects:  make(map[string]Object),
		clock:    clock,
		notifier: notifier,
	}
}

func (m *Memory) Get(_ context.Context, key stage.Key) (Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key.String()]
	if !ok {
		return Object{}, ErrNotFound
	}
	// Copy so callers cannot mutate the stored bytes.
	data := make([]byte, len(obj.Data))
	copy(data, obj.Data)
	obj.Data = data
	return obj, nil
}

func (m *Memory) Put(_ context.Context, key stage.Key, data []byte) error {
	stored := make([]byte, len(data))
	copy(stored, data)

	now := m.clock.Now()
	m.mu.Lock()
	m.objects[key.String()] = Object{
		Key:       key,
		Data:      stored,
		Size:      int64(len(stored)),
		CreatedAt: now,
	}
	m.mu.Unlock()

	if m.notifier != nil {
		m.notifier.Enqueue(event.StageEvent{
			Key:       key,
			Size:      int64(len(stored)),
			CreatedAt: now,
		})
	}
	return nil
}

func (m *Memory) Stat(_ context.Context, key stage.Key) (Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key.String()]
	if !ok {
		return Object{}, ErrNotFound
	}
	obj.Data = nil
	return obj, nil
}
