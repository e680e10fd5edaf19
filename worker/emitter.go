package worker

import (
	"sync"

	"github.com/emberq/emberq/job"
)

// Local event kinds delivered to in-process observers.
const (
	EventError         = "error"
	EventComplete      = "job complete"
	EventFailed        = "job failed"
	EventFailedAttempt = "job failed attempt"
)

// Event describes a worker occurrence delivered to local observers.
type Event struct {
	Kind     string
	Job      *job.Job
	Err      error
	Attempts int
}

// Handler consumes worker events.
type Handler func(Event)

// Emitter delivers worker events to in-process handlers. Handlers run
// synchronously on the goroutine that emits the event (the worker loop,
// or the grace timer when a shutdown force-fails a job), so they must not
// block. Emitter is safe for concurrent use.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewEmitter creates an emitter with no handlers attached.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[string][]Handler)}
}

// On registers a handler for an event kind.
func (e *Emitter) On(kind string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[kind] = append(e.handlers[kind], h)
}

// Emit invokes every handler registered for the event's kind.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	handlers := e.handlers[ev.Kind]
	e.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}
