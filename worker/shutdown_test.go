package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberq/emberq/job"
)

func TestShutdownIdleWorker(t *testing.T) {
	rdb, reg, _ := setupTest(t)

	w := newTestWorker(t, rdb, reg, "email")
	require.NoError(t, w.Shutdown(time.Second))
}

func TestShutdownWhileParked(t *testing.T) {
	rdb, reg, mr := setupTest(t)

	w := newTestWorker(t, rdb, reg, "email")
	w.Start(func(ctx context.Context, j *job.Job, c *Control) (any, error) {
		return nil, nil
	})

	// Give the worker time to park on the blocking wait.
	time.Sleep(100 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- w.Shutdown(5 * time.Second) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown did not unblock the parked worker")
	}

	// Teardown leaves one recovery token for parked peers.
	tokens, err := mr.List("q:email:jobs")
	require.NoError(t, err)
	assert.NotEmpty(t, tokens)
}

func TestShutdownLetsInFlightJobFinish(t *testing.T) {
	rdb, reg, _ := setupTest(t)

	started := make(chan struct{})
	w := newTestWorker(t, rdb, reg, "email")
	w.Start(func(ctx context.Context, j *job.Job, c *Control) (any, error) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return "ok", nil
	})

	enqueue(t, rdb, "email", nil, nil)
	<-started

	require.NoError(t, w.Shutdown(5*time.Second))

	j, err := job.Get(context.Background(), rdb, "q", "1")
	require.NoError(t, err)
	assert.Equal(t, job.StateComplete, j.State())
}

func TestShutdownForceFailsAfterGrace(t *testing.T) {
	rdb, reg, _ := setupTest(t)

	started := make(chan struct{})
	release := make(chan struct{})
	w := newTestWorker(t, rdb, reg, "email")
	w.Start(func(ctx context.Context, j *job.Job, c *Control) (any, error) {
		close(started)
		<-release
		return "ok", nil
	})

	enqueue(t, rdb, "email", nil, nil)
	<-started

	require.NoError(t, w.Shutdown(50*time.Millisecond))
	close(release)

	j, err := job.Get(context.Background(), rdb, "q", "1")
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, j.State())
	assert.JSONEq(t, `{"error":true,"message":"Shutdown"}`, j.LastError())
}

func TestForceFailedJobWithBudgetRequeues(t *testing.T) {
	rdb, reg, _ := setupTest(t)

	started := make(chan struct{})
	release := make(chan struct{})
	w := newTestWorker(t, rdb, reg, "email")
	w.Start(func(ctx context.Context, j *job.Job, c *Control) (any, error) {
		close(started)
		<-release
		return "ok", nil
	})

	enqueue(t, rdb, "email", nil, func(j *job.Job) { j.SetMaxAttempts(2) })
	<-started

	require.NoError(t, w.Shutdown(50*time.Millisecond))
	close(release)

	j, err := job.Get(context.Background(), rdb, "q", "1")
	require.NoError(t, err)
	assert.Equal(t, job.StateInactive, j.State())
	assert.Equal(t, 1, j.Attempts())
}

func TestShutdownIsIdempotent(t *testing.T) {
	rdb, reg, _ := setupTest(t)

	w := newTestWorker(t, rdb, reg, "email")
	w.Start(func(ctx context.Context, j *job.Job, c *Control) (any, error) {
		return nil, nil
	})
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, w.Shutdown(time.Second))
	require.NoError(t, w.Shutdown(time.Second))
}

func TestRestartAfterShutdown(t *testing.T) {
	rdb, reg, _ := setupTest(t)

	w := newTestWorker(t, rdb, reg, "email")
	p := func(ctx context.Context, j *job.Job, c *Control) (any, error) { return nil, nil }
	w.Start(p)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, w.Shutdown(time.Second))

	w.Start(p)
	defer w.Shutdown(time.Second)

	enqueue(t, rdb, "email", nil, nil)
	waitForState(t, rdb, "1", job.StateComplete)
}

func TestPauseAndResume(t *testing.T) {
	rdb, reg, _ := setupTest(t)

	paused := make(chan error, 1)
	w := newTestWorker(t, rdb, reg, "email")
	w.Start(func(ctx context.Context, j *job.Job, c *Control) (any, error) {
		done := c.Pause(time.Second)
		go func() { paused <- <-done }()
		return "ok", nil
	})

	enqueue(t, rdb, "email", nil, nil)
	waitForState(t, rdb, "1", job.StateComplete)

	select {
	case err := <-paused:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("pause never completed")
	}

	// A job saved while paused stays queued.
	enqueue(t, rdb, "email", nil, nil)
	time.Sleep(100 * time.Millisecond)
	j, err := job.Get(context.Background(), rdb, "q", "2")
	require.NoError(t, err)
	assert.Equal(t, job.StateInactive, j.State())

	require.True(t, w.Resume())
	defer w.Shutdown(time.Second)
	waitForState(t, rdb, "2", job.StateComplete)
}

func TestResumeWithoutPause(t *testing.T) {
	rdb, reg, _ := setupTest(t)

	w := newTestWorker(t, rdb, reg, "email")
	assert.False(t, w.Resume())

	w.Start(func(ctx context.Context, j *job.Job, c *Control) (any, error) {
		return nil, nil
	})
	defer w.Shutdown(time.Second)
	assert.False(t, w.Resume())
}
