package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/emberq/emberq/events"
	"github.com/emberq/emberq/job"
)

// StructuredError is a failure whose message is a JSON object, so that
// consumers reading the persisted error field can distinguish structured
// failures from plain text.
type StructuredError struct {
	Message string
}

func (e *StructuredError) Error() string {
	raw, err := json.Marshal(struct {
		Error   bool   `json:"error"`
		Message string `json:"message"`
	}{Error: true, Message: e.Message})
	if err != nil {
		return e.Message
	}
	return string(raw)
}

// run processes one claimed job to a terminal outcome.
func (w *Worker) run(j *job.Job) {
	ctx := context.Background()
	start := time.Now()

	if err := j.Active(ctx); err != nil {
		w.log.Error("activate job", "id", j.ID, "error", err)
		w.emitter.Emit(Event{Kind: EventError, Job: j, Err: err})
		w.onTerminal()
		return
	}

	inf := &inflight{job: j, start: start}
	w.mu.Lock()
	w.inflight = inf
	w.mu.Unlock()

	spanCtx, span := w.obs.startSpan(ctx, w.typ, j.ID)
	result, err := w.invoke(spanCtx, j)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	if err != nil {
		inf.once.Do(func() { w.fail(ctx, j, err, start) })
	} else {
		inf.once.Do(func() { w.complete(ctx, j, result, start) })
	}
	w.onTerminal()
}

// invoke runs the processor, converting a panic into a failed attempt.
func (w *Worker) invoke(ctx context.Context, j *job.Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v\n%s", r, debug.Stack())
		}
	}()
	return w.processor(ctx, j, &Control{w: w})
}

func (w *Worker) complete(ctx context.Context, j *job.Job, result any, start time.Time) {
	elapsed := time.Since(start)
	raw, err := json.Marshal(result)
	if err != nil {
		marker := &StructuredError{Message: fmt.Sprintf("Invalid JSON Result: %v", result)}
		raw = []byte(marker.Error())
	}

	j.SetDuration(elapsed).SetResult(string(raw))
	if err := j.Update(ctx); err != nil {
		w.log.Error("persist result", "id", j.ID, "error", err)
		w.emitter.Emit(Event{Kind: EventError, Job: j, Err: err})
	}
	if err := j.Complete(ctx); err != nil {
		w.log.Error("complete job", "id", j.ID, "error", err)
		w.emitter.Emit(Event{Kind: EventError, Job: j, Err: err})
		return
	}
	if _, _, _, err := j.Attempt(ctx); err != nil {
		w.log.Error("consume attempt", "id", j.ID, "error", err)
		w.emitter.Emit(Event{Kind: EventError, Job: j, Err: err})
	}

	w.log.Info("job complete", "id", j.ID, "duration", elapsed)
	w.emitter.Emit(Event{Kind: EventComplete, Job: j})
	w.publish(ctx, j.ID, events.KindComplete, json.RawMessage(raw))
	w.obs.recordComplete(ctx, w.typ, elapsed)

	if j.RemoveOnComplete() {
		if err := j.Remove(ctx); err != nil {
			w.log.Error("remove completed job", "id", j.ID, "error", err)
		}
	}
}

func (w *Worker) fail(ctx context.Context, j *job.Job, cause error, start time.Time) {
	j.Error(cause).SetDuration(time.Since(start))
	if err := j.Failed(ctx); err != nil {
		w.log.Error("fail job", "id", j.ID, "error", err)
		w.emitter.Emit(Event{Kind: EventError, Job: j, Err: err})
		return
	}

	remaining, made, _, err := j.Attempt(ctx)
	if err != nil {
		w.log.Error("consume attempt", "id", j.ID, "error", err)
		w.emitter.Emit(Event{Kind: EventError, Job: j, Err: err})
		return
	}

	if remaining > 0 {
		w.retry(ctx, j, made)
		w.log.Warn("job failed attempt", "id", j.ID, "attempts", made, "error", cause)
		w.emitter.Emit(Event{Kind: EventFailedAttempt, Job: j, Err: cause, Attempts: made})
		w.publish(ctx, j.ID, events.KindFailedAttempt, made)
		w.obs.recordRetry(ctx, w.typ)
		return
	}

	w.log.Error("job failed", "id", j.ID, "attempts", made, "error", cause)
	w.emitter.Emit(Event{Kind: EventFailed, Job: j, Err: cause, Attempts: made})
	w.publish(ctx, j.ID, events.KindFailed, nil)
	w.obs.recordFailed(ctx, w.typ)
}

// retry moves a failed job with budget left back toward the claimable
// set, delayed when a backoff applies.
func (w *Worker) retry(ctx context.Context, j *job.Job, made int) {
	if fn := j.BackoffImpl(); fn != nil {
		j.SetDelay(w.safeBackoff(fn, made, j))
		if err := j.Update(ctx); err != nil {
			w.log.Error("persist retry delay", "id", j.ID, "error", err)
		}
		if err := j.Delayed(ctx); err != nil {
			w.log.Error("delay job", "id", j.ID, "error", err)
			w.emitter.Emit(Event{Kind: EventError, Job: j, Err: err})
		}
		return
	}
	if j.Backoff() != nil {
		if err := j.Delayed(ctx); err != nil {
			w.log.Error("delay job", "id", j.ID, "error", err)
			w.emitter.Emit(Event{Kind: EventError, Job: j, Err: err})
		}
		return
	}
	if err := j.Inactive(ctx); err != nil {
		w.log.Error("requeue job", "id", j.ID, "error", err)
		w.emitter.Emit(Event{Kind: EventError, Job: j, Err: err})
	}
}

// safeBackoff evaluates a custom backoff function, falling back to the
// job's stored delay if the function panics.
func (w *Worker) safeBackoff(fn job.BackoffFunc, attempts int, j *job.Job) (d time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("backoff function panic: %v", r)
			w.log.Error("backoff function", "id", j.ID, "error", err)
			w.emitter.Emit(Event{Kind: EventError, Job: j, Err: err})
			d = j.Delay()
		}
	}()
	return fn(attempts)
}

func (w *Worker) publish(ctx context.Context, jobID int64, kind string, payload any) {
	if w.bus == nil {
		return
	}
	if err := w.bus.Emit(ctx, jobID, kind, payload); err != nil {
		w.log.Error("publish event", "id", jobID, "event", kind, "error", err)
	}
}
