package worker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberq/emberq/broker"
	"github.com/emberq/emberq/job"
)

func setupTest(t *testing.T) (*redis.Client, *broker.Registry, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	reg := broker.NewRegistry("q", func() *redis.Client {
		return redis.NewClient(&redis.Options{Addr: mr.Addr()})
	})
	t.Cleanup(func() {
		_ = reg.Close()
		_ = rdb.Close()
	})
	return rdb, reg, mr
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWorker(t *testing.T, rdb *redis.Client, reg *broker.Registry, jobType string) *Worker {
	t.Helper()
	return New(Options{
		Type:     jobType,
		Client:   rdb,
		Registry: reg,
		Logger:   testLogger(),
	})
}

func enqueue(t *testing.T, rdb *redis.Client, jobType string, payload any, configure func(*job.Job)) *job.Job {
	t.Helper()
	j, err := job.New(rdb, "q", jobType, payload)
	require.NoError(t, err)
	if configure != nil {
		configure(j)
	}
	require.NoError(t, j.Save(context.Background()))
	return j
}

func waitForState(t *testing.T, rdb *redis.Client, id string, state string) *job.Job {
	t.Helper()
	var got *job.Job
	require.Eventually(t, func() bool {
		j, err := job.Get(context.Background(), rdb, "q", id)
		if err != nil {
			return false
		}
		got = j
		return j.State() == state
	}, 3*time.Second, 10*time.Millisecond, "job %s never reached state %s", id, state)
	return got
}

func TestProcessJob(t *testing.T) {
	rdb, reg, _ := setupTest(t)

	enqueue(t, rdb, "email", map[string]string{"to": "user@example.com"}, nil)

	seen := make(chan []byte, 1)
	w := newTestWorker(t, rdb, reg, "email")
	w.Start(func(ctx context.Context, j *job.Job, c *Control) (any, error) {
		seen <- append([]byte(nil), j.Data...)
		return map[string]bool{"sent": true}, nil
	})
	defer w.Shutdown(time.Second)

	j := waitForState(t, rdb, "1", job.StateComplete)
	assert.JSONEq(t, `{"to":"user@example.com"}`, string(<-seen))
	assert.JSONEq(t, `{"sent":true}`, j.Result())
	assert.Equal(t, 1, j.Attempts())
}

func TestProcessInPriorityOrder(t *testing.T) {
	rdb, reg, _ := setupTest(t)

	enqueue(t, rdb, "email", nil, nil)
	enqueue(t, rdb, "email", nil, func(j *job.Job) { j.SetPriority(job.PriorityCritical) })

	order := make(chan int64, 2)
	w := newTestWorker(t, rdb, reg, "email")
	w.Start(func(ctx context.Context, j *job.Job, c *Control) (any, error) {
		order <- j.ID
		return nil, nil
	})
	defer w.Shutdown(time.Second)

	waitForState(t, rdb, "1", job.StateComplete)
	waitForState(t, rdb, "2", job.StateComplete)
	assert.Equal(t, int64(2), <-order)
	assert.Equal(t, int64(1), <-order)
}

func TestStrayTokenIsBenign(t *testing.T) {
	rdb, reg, _ := setupTest(t)
	ctx := context.Background()

	// A token with no job behind it wakes the worker, which finds the
	// claimable set empty and parks again.
	require.NoError(t, rdb.LPush(ctx, "q:email:jobs", broker.RecoveryToken).Err())

	w := newTestWorker(t, rdb, reg, "email")
	w.Start(func(ctx context.Context, j *job.Job, c *Control) (any, error) {
		return nil, nil
	})
	defer w.Shutdown(time.Second)

	enqueue(t, rdb, "email", nil, nil)
	waitForState(t, rdb, "1", job.StateComplete)
}

func TestRemoveOnComplete(t *testing.T) {
	rdb, reg, _ := setupTest(t)
	ctx := context.Background()

	enqueue(t, rdb, "email", nil, func(j *job.Job) { j.SetRemoveOnComplete(true) })

	w := newTestWorker(t, rdb, reg, "email")
	w.Start(func(ctx context.Context, j *job.Job, c *Control) (any, error) {
		return nil, nil
	})
	defer w.Shutdown(time.Second)

	require.Eventually(t, func() bool {
		n, err := rdb.Exists(ctx, "q:job:1").Result()
		return err == nil && n == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestUnserializableResult(t *testing.T) {
	rdb, reg, _ := setupTest(t)

	enqueue(t, rdb, "email", nil, nil)

	w := newTestWorker(t, rdb, reg, "email")
	w.Start(func(ctx context.Context, j *job.Job, c *Control) (any, error) {
		return make(chan int), nil
	})
	defer w.Shutdown(time.Second)

	j := waitForState(t, rdb, "1", job.StateComplete)
	assert.Contains(t, j.Result(), "Invalid JSON Result")
	assert.Contains(t, j.Result(), `"error":true`)
}

func TestLocalEvents(t *testing.T) {
	rdb, reg, _ := setupTest(t)

	completes := make(chan Event, 1)
	w := newTestWorker(t, rdb, reg, "email")
	w.On(EventComplete, func(ev Event) { completes <- ev })
	w.Start(func(ctx context.Context, j *job.Job, c *Control) (any, error) {
		return "done", nil
	})
	defer w.Shutdown(time.Second)

	enqueue(t, rdb, "email", nil, nil)

	select {
	case ev := <-completes:
		require.NotNil(t, ev.Job)
		assert.Equal(t, int64(1), ev.Job.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("no complete event")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	rdb, reg, _ := setupTest(t)

	w := newTestWorker(t, rdb, reg, "email")
	p := func(ctx context.Context, j *job.Job, c *Control) (any, error) { return nil, nil }
	w.Start(p)
	w.Start(p)
	defer w.Shutdown(time.Second)

	enqueue(t, rdb, "email", nil, nil)
	waitForState(t, rdb, "1", job.StateComplete)
}
