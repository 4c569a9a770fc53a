package objstore

import (
	"context"
	"sync/atomic"

	"cdr.dev/slog"

	"github.com/PratikDhanave/pipeline-orchestrator/internal/event"
)

// Notifier fans creation events in to the dispatch loop. Writers enqueue,
// the orchestrator's run loop drains. Enqueue never blocks a Put: a full
// queue drops the event and reports it, leaving redelivery to the caller.
type Notifier struct {
	ch chan event.StageEvent
	// Logger may be the zero value; drops are then only counted.
	Logger slog.Logger

	dropped atomic.Int64
}

func NewNotifier(buf int) *Notifier {
	return &Notifier{ch: make(chan event.StageEvent, buf)}
}

// Enqueue offers an event to the queue. False means the queue was full and
// the event was dropped. In single-process mode nothing redelivers a
// dropped store event, so the drop is logged at error level and counted.
func (n *Notifier) Enqueue(ev event.StageEvent) bool {
	select {
	case n.ch <- ev:
		return true
	default:
		total := n.dropped.Add(1)
		n.Logger.Error(context.Background(), "notification queue full, event dropped",
			slog.F("key", ev.Key.String()), slog.F("dropped_total", total))
		return false
	}
}

// Dropped reports how many events Enqueue has dropped.
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}

// Events is the dispatch loop's intake.
func (n *Notifier) Events() <-chan event.StageEvent {
	return n.ch
}
