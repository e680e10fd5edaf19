package worker

import (
	"context"
	"time"

	"github.com/emberq/emberq/broker"
)

// DefaultPauseTimeout bounds a Pause drain when the caller does not give
// a timeout.
const DefaultPauseTimeout = 5 * time.Second

// Shutdown drains the worker. An in-flight job gets the grace timeout to
// finish naturally; when the timer fires first the job is force-failed
// with a structured Shutdown error and settled through the normal retry
// path. A worker parked on the blocking wait is released by closing the
// dedicated connection. Teardown pushes one recovery token so parked
// peers of the same type wake and observe the teardown themselves.
//
// Shutdown of an idle or paused worker returns immediately. A zero or
// negative timeout waits for the in-flight job indefinitely.
func (w *Worker) Shutdown(timeout time.Duration) error {
	w.mu.Lock()
	if w.state != stateRunning {
		w.mu.Unlock()
		return nil
	}
	w.state = stateShuttingDown
	cur := w.current
	drain := make(chan struct{})
	w.drain = drain
	w.drainClosed = false
	w.mu.Unlock()

	ctx := context.Background()

	if cur == currentNone {
		w.teardown(ctx)
		return nil
	}

	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, w.forceFail)
	}
	if cur == currentReserving {
		// Closing the dedicated connection errors the parked wait. The
		// extra token covers the window where the worker flagged itself
		// reserving but had not parked yet; stray tokens are benign.
		if err := w.registry.Release(w.typ); err != nil {
			w.log.Error("release blocking connection", "error", err)
		}
		if err := w.broker.PushNotification(ctx, w.typ, broker.RecoveryToken); err != nil {
			w.log.Error("push recovery token", "error", err)
		}
	}
	<-drain
	if timer != nil {
		timer.Stop()
	}
	w.teardown(ctx)
	return nil
}

// forceFail settles the in-flight job when the grace timer fires before
// the processor returns. The processor goroutine keeps running; its
// eventual return is absorbed by the inflight once.
func (w *Worker) forceFail() {
	w.mu.Lock()
	inf := w.inflight
	cur := w.current
	w.mu.Unlock()
	if cur != currentHolding || inf == nil {
		return
	}
	inf.once.Do(func() {
		w.fail(context.Background(), inf.job, &StructuredError{Message: "Shutdown"}, inf.start)
		w.onTerminal()
	})
}

func (w *Worker) teardown(ctx context.Context) {
	if err := w.broker.PushNotification(ctx, w.typ, broker.RecoveryToken); err != nil {
		w.log.Error("push recovery token", "error", err)
	}
	if err := w.registry.Release(w.typ); err != nil {
		w.log.Error("release blocking connection", "error", err)
	}

	w.mu.Lock()
	w.drain = nil
	w.drainClosed = false
	if w.pausing {
		w.state = statePaused
		w.pausing = false
	} else {
		w.state = stateIdle
	}
	w.mu.Unlock()
	w.log.Info("worker stopped")
}

// Pause drains the worker into the paused state without blocking the
// caller, so a processor can pause its own queue mid-job. When the
// worker has a Shutdowner every sibling worker of the same type drains
// too. The returned channel delivers the drain outcome.
func (w *Worker) Pause(timeout time.Duration) <-chan error {
	if timeout <= 0 {
		timeout = DefaultPauseTimeout
	}
	w.mu.Lock()
	w.pausing = true
	w.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		if w.shutter != nil {
			done <- w.shutter.Shutdown(timeout, w.typ)
			return
		}
		done <- w.Shutdown(timeout)
	}()
	return done
}

// Resume restarts the claim loop of a paused worker. It reports whether
// the worker was paused.
func (w *Worker) Resume() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != statePaused {
		return false
	}
	w.state = stateRunning
	go w.loop()
	return true
}

// Control is handed to processors so a job can steer its own worker.
type Control struct {
	w *Worker
}

// Pause drains the worker, and its siblings when a Shutdowner is
// attached, letting the in-flight job finish within the timeout.
func (c *Control) Pause(timeout time.Duration) <-chan error {
	return c.w.Pause(timeout)
}

// Resume restarts a paused worker.
func (c *Control) Resume() bool {
	return c.w.Resume()
}
