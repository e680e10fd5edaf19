package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/emberq/emberq/broker"
	"github.com/emberq/emberq/events"
	"github.com/emberq/emberq/job"
)

// Processor handles one claimed job. Returning a nil error completes the
// job with the returned value as its result; a non-nil error fails the
// attempt. The Control lets long-running processors pause their queue.
type Processor func(ctx context.Context, j *job.Job, c *Control) (any, error)

// Shutdowner drains workers of the given types within the timeout. It is
// implemented by the queue facade so a processor can pause every worker
// of its own type, not just the one running it.
type Shutdowner interface {
	Shutdown(timeout time.Duration, types ...string) error
}

type runState int

const (
	stateIdle runState = iota
	stateRunning
	statePaused
	stateShuttingDown
)

type currentKind int

const (
	currentNone currentKind = iota
	currentReserving
	currentHolding
)

// inflight tracks the job being processed. The once arbitrates between
// the processor returning and a shutdown force-fail; whichever fires
// first settles the job.
type inflight struct {
	job   *job.Job
	start time.Time
	once  sync.Once
}

// Options configures a worker.
type Options struct {
	// Type is the job type this worker claims. Required.
	Type string
	// Client is the regular, non-blocking Redis connection. Required.
	Client *redis.Client
	// Prefix namespaces all keys. Defaults to the broker default.
	Prefix string
	// Registry hands out the shared blocking connection per type. Required.
	Registry *broker.Registry
	// Bus publishes cross-process lifecycle events. Optional.
	Bus *events.Bus
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// Shutdowner drains sibling workers on Pause. Optional; a worker
	// without one pauses only itself.
	Shutdowner Shutdowner
	// Backoff is an in-process custom retry delay attached to every job
	// this worker claims. Optional; persisted backoff configuration
	// still applies when unset.
	Backoff job.BackoffFunc
}

// Worker claims and processes jobs of one type, one at a time.
type Worker struct {
	id       string
	typ      string
	prefix   string
	rdb      *redis.Client
	broker   *broker.Adapter
	registry *broker.Registry
	bus      *events.Bus
	log      *slog.Logger
	shutter  Shutdowner
	backoff  job.BackoffFunc
	emitter  *Emitter
	obs      *instruments

	mu          sync.Mutex
	state       runState
	current     currentKind
	job         *job.Job
	inflight    *inflight
	processor   Processor
	drain       chan struct{}
	drainClosed bool
	pausing     bool
}

// New builds an idle worker. Call Start to begin claiming.
func New(opts Options) *Worker {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = broker.DefaultPrefix
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	w := &Worker{
		id:       uuid.NewString(),
		typ:      opts.Type,
		prefix:   prefix,
		rdb:      opts.Client,
		broker:   broker.New(opts.Client, prefix),
		registry: opts.Registry,
		bus:      opts.Bus,
		log:      log.With("worker", opts.Type),
		shutter:  opts.Shutdowner,
		backoff:  opts.Backoff,
		emitter:  NewEmitter(),
		obs:      newInstruments(),
	}
	return w
}

// ID returns the worker's unique identifier.
func (w *Worker) ID() string { return w.id }

// Type returns the job type this worker claims.
func (w *Worker) Type() string { return w.typ }

// Running reports whether the worker is claiming jobs or draining, as
// opposed to idle or paused.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == stateRunning || w.state == stateShuttingDown
}

// Paused reports whether the worker drained into the paused state and
// can be restarted with Resume.
func (w *Worker) Paused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == statePaused
}

// On registers a local handler for a worker event kind. Chainable.
func (w *Worker) On(kind string, h Handler) *Worker {
	w.emitter.On(kind, h)
	return w
}

// Start attaches the processor and launches the claim loop. Starting a
// worker that is not idle is a no-op. Chainable.
func (w *Worker) Start(p Processor) *Worker {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != stateIdle {
		return w
	}
	w.processor = p
	w.state = stateRunning
	go w.loop()
	return w
}

func (w *Worker) loop() {
	for {
		j, ok := w.claim()
		if !ok {
			return
		}
		if j == nil {
			continue
		}
		w.run(j)
	}
}

// claim performs one claim cycle. It returns (nil, false) when the loop
// should exit, (nil, true) when the cycle was benign and the worker
// should park again, and (job, true) on a successful claim.
func (w *Worker) claim() (*job.Job, bool) {
	w.mu.Lock()
	if w.state != stateRunning {
		w.mu.Unlock()
		return nil, false
	}
	w.current = currentReserving
	w.mu.Unlock()

	ctx := context.Background()
	blocking := w.registry.Acquire(w.typ)
	if _, err := blocking.WaitForNotification(ctx, w.typ); err != nil {
		return w.wakeFailed(err)
	}

	// Woken up. If a teardown started while parked, the consumed token
	// must go back so the next parked peer wakes too.
	w.mu.Lock()
	if w.state != stateRunning {
		w.current = currentNone
		w.signalDrainLocked()
		w.mu.Unlock()
		if err := w.broker.PushNotification(ctx, w.typ, broker.RecoveryToken); err != nil {
			w.log.Error("repush recovery token", "error", err)
		}
		return nil, false
	}
	w.mu.Unlock()

	id, err := w.broker.PopFirst(ctx, w.typ)
	if err != nil {
		w.log.Error("claim pop", "error", err)
		w.emitter.Emit(Event{Kind: EventError, Err: err})
		return nil, true
	}
	if id == "" {
		// Another worker claimed the job behind this notification.
		return nil, true
	}

	j, err := job.Get(ctx, w.rdb, w.prefix, id)
	if err != nil {
		w.log.Error("load claimed job", "id", id, "error", err)
		w.emitter.Emit(Event{Kind: EventError, Err: err})
		return nil, true
	}
	if w.backoff != nil {
		j.SetBackoffFunc(w.backoff)
	}

	w.mu.Lock()
	w.current = currentHolding
	w.job = j
	w.mu.Unlock()
	return j, true
}

// wakeFailed handles an error from the blocking wait. During teardown the
// dedicated connection is closed underneath the waiter, which is the
// expected exit path; otherwise the worker reports the error and parks
// again after a short pause.
func (w *Worker) wakeFailed(err error) (*job.Job, bool) {
	w.mu.Lock()
	if w.state != stateRunning {
		w.current = currentNone
		w.signalDrainLocked()
		w.mu.Unlock()
		return nil, false
	}
	w.current = currentNone
	w.mu.Unlock()

	w.log.Error("blocking wait", "error", err)
	w.emitter.Emit(Event{Kind: EventError, Err: err})
	time.Sleep(time.Second)
	return nil, true
}

// onTerminal clears the in-flight bookkeeping after a job settles. Safe
// to call from both the runner and the force-fail timer.
func (w *Worker) onTerminal() {
	w.mu.Lock()
	w.current = currentNone
	w.job = nil
	w.inflight = nil
	w.signalDrainLocked()
	w.mu.Unlock()
}

func (w *Worker) signalDrainLocked() {
	if w.state == stateShuttingDown && w.drain != nil && !w.drainClosed {
		close(w.drain)
		w.drainClosed = true
	}
}
