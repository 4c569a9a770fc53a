package inference

import (
	"context"
	"sync"
)

// Fake is a scriptable in-memory client for tests. It also observes its own
// call concurrency so tests can assert the fleet-wide ceiling held at the
// point where it matters: the downstream API.
type Fake struct {
	// Respond produces the output for a request once any scripted errors
	// are exhausted. Nil means echo the input.
	Respond func(req Request) Result

	mu        sync.Mutex
	script    map[Task][]error
	calls     int
	active    int
	maxActive int
}

func NewFake() *Fake {
	return &Fake{script: make(map[Task][]error)}
}

// ScriptErrors queues errors returned, in order, by the next Submit calls
// for the given task before successes resume.
func (f *Fake) ScriptErrors(task Task, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script[task] = append(f.script[task], errs...)
}

func (f *Fake) Submit(_ context.Context, req Request) (Result, error) {
	f.mu.Lock()
	f.calls++
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	var scripted error
	if queue := f.script[req.Task]; len(queue) > 0 {
		scripted = queue[0]
		f.script[req.Task] = queue[1:]
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if scripted != nil {
		return Result{}, scripted
	}
	if f.Respond != nil {
		return f.Respond(req), nil
	}
	return Result{Output: req.Input}, nil
}

// Calls reports the total number of Submit invocations.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// MaxActive reports the highest concurrent Submit count observed.
func (f *Fake) MaxActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}
