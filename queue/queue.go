package queue

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/emberq/emberq/broker"
	"github.com/emberq/emberq/events"
	"github.com/emberq/emberq/job"
	"github.com/emberq/emberq/worker"
)

// Options configures a Queue.
type Options struct {
	// URL is the Redis connection string (e.g., "redis://localhost:6379").
	URL string

	// TLS configuration for secure connections.
	TLS *tls.Config

	// ConnectTimeout is the maximum time to wait for connection establishment.
	ConnectTimeout time.Duration

	// ReadTimeout is the maximum time to wait for read operations.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait for write operations.
	WriteTimeout time.Duration

	// Prefix namespaces every key. Defaults to the broker default.
	Prefix string

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Queue coordinates producers and workers over one Redis backend.
type Queue struct {
	rdb      *redis.Client
	redisOpt *redis.Options
	prefix   string
	registry *broker.Registry
	bus      *events.Bus
	log      *slog.Logger

	mu      sync.Mutex
	workers []*worker.Worker
}

// Open connects to Redis and returns a ready Queue.
func Open(opts Options) (*Queue, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = broker.DefaultPrefix
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	redisOpt, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse Redis URL: %w", err)
	}
	redisOpt.TLSConfig = opts.TLS
	redisOpt.DialTimeout = opts.ConnectTimeout
	redisOpt.ReadTimeout = opts.ReadTimeout
	redisOpt.WriteTimeout = opts.WriteTimeout

	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to Redis: %w", err)
	}

	return NewWithClient(client, redisOpt, prefix, log), nil
}

// NewWithClient builds a Queue over an existing connection. The blocking
// connections of the registry are dialed from redisOpt; tests point it at
// an in-process server.
func NewWithClient(client *redis.Client, redisOpt *redis.Options, prefix string, log *slog.Logger) *Queue {
	if prefix == "" {
		prefix = broker.DefaultPrefix
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		rdb:      client,
		redisOpt: redisOpt,
		prefix:   prefix,
		registry: broker.NewRegistry(prefix, func() *redis.Client { return redis.NewClient(redisOpt) }),
		bus:      events.NewBus(client, prefix),
		log:      log,
	}
}

// Create builds an unsaved job of the given type. Configure it with the
// chainable setters and call Save to enqueue.
func (q *Queue) Create(jobType string, payload any) (*job.Job, error) {
	return job.New(q.rdb, q.prefix, jobType, payload)
}

// Process spawns workers claiming jobs of the given type and returns
// them. A concurrency below one spawns a single worker.
func (q *Queue) Process(ctx context.Context, jobType string, concurrency int, p worker.Processor) []*worker.Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	spawned := make([]*worker.Worker, 0, concurrency)
	for i := 0; i < concurrency; i++ {
		w := worker.New(worker.Options{
			Type:       jobType,
			Client:     q.rdb,
			Prefix:     q.prefix,
			Registry:   q.registry,
			Bus:        q.bus,
			Logger:     q.log,
			Shutdowner: q,
		})
		w.Start(p)
		spawned = append(spawned, w)
	}

	q.mu.Lock()
	q.workers = append(q.workers, spawned...)
	q.mu.Unlock()

	if err := q.rdb.IncrBy(ctx, q.workersKey(jobType), int64(concurrency)).Err(); err != nil {
		q.log.Error("track worker count", "type", jobType, "error", err)
	}
	return spawned
}

// Shutdown drains every worker of the named types, or all workers when
// no type is given, waiting up to the grace timeout per worker. The
// first drain error is returned after all workers settle.
func (q *Queue) Shutdown(timeout time.Duration, types ...string) error {
	q.mu.Lock()
	var targets []*worker.Worker
	for _, w := range q.workers {
		if len(types) == 0 || contains(types, w.Type()) {
			targets = append(targets, w)
		}
	}
	q.mu.Unlock()

	// Only workers that are actually draining release a counter slot;
	// repeating a shutdown must not drive the count negative.
	running := make(map[*worker.Worker]bool, len(targets))
	for _, w := range targets {
		running[w] = w.Running()
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	for _, w := range targets {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			if err := w.Shutdown(timeout); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	ctx := context.Background()
	for _, w := range targets {
		// A pause lands the worker in the paused state and Resume picks
		// the slot back up, so it keeps its place in the count.
		if !running[w] || w.Paused() {
			continue
		}
		if err := q.rdb.Decr(ctx, q.workersKey(w.Type())).Err(); err != nil {
			q.log.Error("track worker count", "type", w.Type(), "error", err)
		}
	}
	return firstErr
}

// WorkerCount reports the tracked number of workers for a type across
// every process sharing this backend.
func (q *Queue) WorkerCount(ctx context.Context, jobType string) (int64, error) {
	n, err := q.rdb.Get(ctx, q.workersKey(jobType)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read worker count for %s: %w", jobType, err)
	}
	return n, nil
}

// Stats reports how many jobs sit in each lifecycle state.
type Stats struct {
	Inactive int64
	Active   int64
	Complete int64
	Failed   int64
	Delayed  int64
}

// Stats counts jobs per state across all types.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	for _, pair := range []struct {
		state string
		dst   *int64
	}{
		{job.StateInactive, &s.Inactive},
		{job.StateActive, &s.Active},
		{job.StateComplete, &s.Complete},
		{job.StateFailed, &s.Failed},
		{job.StateDelayed, &s.Delayed},
	} {
		n, err := q.rdb.ZCard(ctx, fmt.Sprintf("%s:jobs:%s", q.prefix, pair.state)).Result()
		if err != nil {
			return Stats{}, fmt.Errorf("count %s jobs: %w", pair.state, err)
		}
		*pair.dst = n
	}
	return s, nil
}

// Bus returns the queue's event bus for subscribing to job lifecycle
// events.
func (q *Queue) Bus() *events.Bus { return q.bus }

// Client exposes the underlying Redis connection.
func (q *Queue) Client() *redis.Client { return q.rdb }

// Close shuts the registry and the regular connection. Workers should be
// drained with Shutdown first.
func (q *Queue) Close() error {
	regErr := q.registry.Close()
	if err := q.rdb.Close(); err != nil {
		return err
	}
	return regErr
}

func (q *Queue) workersKey(jobType string) string {
	return fmt.Sprintf("%s:%s:workers", q.prefix, jobType)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
