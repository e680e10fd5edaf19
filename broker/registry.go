package broker

import (
	"sync"

	"github.com/redis/go-redis/v9"
)

// Factory produces a fresh Redis client. The registry calls it once per job
// type to build the dedicated blocking connection.
type Factory func() *redis.Client

// Registry tracks the process-wide dedicated blocking connection per job
// type. At most one blocking connection exists per type per process; all
// workers of that type share it. Connections are created lazily on first
// Acquire and closed on Release.
type Registry struct {
	mu       sync.Mutex
	prefix   string
	factory  Factory
	adapters map[string]*Adapter
}

// NewRegistry creates an empty registry. The factory must return a client
// safe to dedicate to an indefinite blocking wait.
func NewRegistry(prefix string, factory Factory) *Registry {
	return &Registry{
		prefix:   prefix,
		factory:  factory,
		adapters: make(map[string]*Adapter),
	}
}

// Acquire returns the shared blocking adapter for a job type, creating it
// if this is the first claim for that type since startup or the last
// Release.
func (r *Registry) Acquire(jobType string) *Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.adapters[jobType]; ok {
		return a
	}
	a := New(r.factory(), r.prefix)
	r.adapters[jobType] = a
	return a
}

// Release closes and removes the blocking adapter for a job type. A waiter
// parked on the adapter is unblocked with an error. Releasing a type with
// no adapter is a no-op.
func (r *Registry) Release(jobType string) error {
	r.mu.Lock()
	a, ok := r.adapters[jobType]
	delete(r.adapters, jobType)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return a.Close()
}

// Close releases every adapter in the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	adapters := r.adapters
	r.adapters = make(map[string]*Adapter)
	r.mu.Unlock()

	var firstErr error
	for _, a := range adapters {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
