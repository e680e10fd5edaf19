package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job lifecycle states.
const (
	StateInactive = "inactive"
	StateActive   = "active"
	StateComplete = "complete"
	StateFailed   = "failed"
	StateDelayed  = "delayed"
)

// Priority levels. Lower values are claimed first.
const (
	PriorityLow      = 10
	PriorityNormal   = 0
	PriorityMedium   = -5
	PriorityHigh     = -10
	PriorityCritical = -15
)

// priorityBand separates priority levels in the inactive-set score so that
// insertion order only breaks ties within one level.
const priorityBand = 1 << 40

// ErrNotFound is returned by Get when no job exists under the given id.
var ErrNotFound = errors.New("job not found")

// Job is a persisted unit of work. The zero value is not usable; create
// jobs with New and load them with Get.
type Job struct {
	ID   int64
	Type string
	Data json.RawMessage

	rdb    redis.UniversalClient
	prefix string

	priority         int
	state            string
	attempts         int
	maxAttempts      int
	delay            time.Duration
	backoff          *Backoff
	backoffFn        BackoffFunc
	removeOnComplete bool

	duration  time.Duration
	result    string
	lastError string

	createdAt int64
	updatedAt int64
	failedAt  int64
	promoteAt int64
}

// New builds an unsaved job of the given type. The payload is serialized to
// JSON immediately so marshal failures surface at creation time.
func New(rdb redis.UniversalClient, prefix, jobType string, payload any) (*Job, error) {
	if prefix == "" {
		prefix = "q"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}
	return &Job{
		Type:        jobType,
		Data:        data,
		rdb:         rdb,
		prefix:      prefix,
		maxAttempts: 1,
	}, nil
}

// Get loads a persisted job by id.
func Get(ctx context.Context, rdb redis.UniversalClient, prefix, id string) (*Job, error) {
	if prefix == "" {
		prefix = "q"
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse job id %q: %w", id, err)
	}
	fields, err := rdb.HGetAll(ctx, fmt.Sprintf("%s:job:%d", prefix, n)).Result()
	if err != nil {
		return nil, fmt.Errorf("load job %d: %w", n, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("job %d: %w", n, ErrNotFound)
	}

	j := &Job{ID: n, rdb: rdb, prefix: prefix}
	j.Type = fields["type"]
	j.Data = json.RawMessage(fields["data"])
	j.state = fields["state"]
	j.result = fields["result"]
	j.lastError = fields["error"]
	j.priority = atoi(fields["priority"])
	j.attempts = atoi(fields["attempts"])
	j.maxAttempts = atoi(fields["max_attempts"])
	if j.maxAttempts == 0 {
		j.maxAttempts = 1
	}
	j.delay = time.Duration(atoi64(fields["delay"])) * time.Millisecond
	j.duration = time.Duration(atoi64(fields["duration"])) * time.Millisecond
	j.createdAt = atoi64(fields["created_at"])
	j.updatedAt = atoi64(fields["updated_at"])
	j.failedAt = atoi64(fields["failed_at"])
	j.promoteAt = atoi64(fields["promote_at"])
	j.removeOnComplete = fields["remove_on_complete"] == "1"
	if raw := fields["backoff"]; raw != "" {
		var b Backoff
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			return nil, fmt.Errorf("job %d: parse backoff config: %w", n, err)
		}
		j.backoff = &b
	}
	return j, nil
}

// Save assigns an id from the queue counter on first save, persists the
// hash, and queues the job into the inactive set, notifying one waiter.
func (j *Job) Save(ctx context.Context) error {
	if j.ID == 0 {
		id, err := j.rdb.Incr(ctx, j.prefix+":ids").Result()
		if err != nil {
			return fmt.Errorf("allocate job id: %w", err)
		}
		j.ID = id
		j.createdAt = time.Now().UnixMilli()
	}
	if err := j.persist(ctx); err != nil {
		return err
	}
	return j.Inactive(ctx)
}

func (j *Job) persist(ctx context.Context) error {
	j.updatedAt = time.Now().UnixMilli()
	fields := map[string]any{
		"type":               j.Type,
		"data":               string(j.Data),
		"priority":           j.priority,
		"attempts":           j.attempts,
		"max_attempts":       j.maxAttempts,
		"delay":              j.delay.Milliseconds(),
		"created_at":         j.createdAt,
		"updated_at":         j.updatedAt,
		"remove_on_complete": boolField(j.removeOnComplete),
	}
	if j.backoff != nil {
		raw, err := json.Marshal(j.backoff)
		if err != nil {
			return fmt.Errorf("marshal backoff config: %w", err)
		}
		fields["backoff"] = string(raw)
	}
	if err := j.rdb.HSet(ctx, j.key(), fields).Err(); err != nil {
		return fmt.Errorf("persist job %d: %w", j.ID, err)
	}
	return nil
}

// Active transitions the job into the active state.
func (j *Job) Active(ctx context.Context) error { return j.setState(ctx, StateActive) }

// Complete transitions the job into the terminal complete state.
func (j *Job) Complete(ctx context.Context) error { return j.setState(ctx, StateComplete) }

// Failed transitions the job into the failed state and records the failure
// time and last error.
func (j *Job) Failed(ctx context.Context) error {
	j.failedAt = time.Now().UnixMilli()
	if err := j.rdb.HSet(ctx, j.key(), "failed_at", j.failedAt, "error", j.lastError).Err(); err != nil {
		return fmt.Errorf("record failure of job %d: %w", j.ID, err)
	}
	return j.setState(ctx, StateFailed)
}

// Inactive re-queues the job into the claimable set and pushes one
// notification token for its type.
func (j *Job) Inactive(ctx context.Context) error { return j.setState(ctx, StateInactive) }

// Delayed parks the job until its delay elapses. The delayed-set score is
// the promotion time, so a promoter can sweep due jobs with a range query.
func (j *Job) Delayed(ctx context.Context) error { return j.setState(ctx, StateDelayed) }

func (j *Job) setState(ctx context.Context, state string) error {
	id := strconv.FormatInt(j.ID, 10)
	now := time.Now()

	score := j.score()
	if state == StateDelayed {
		j.promoteAt = now.Add(j.delay).UnixMilli()
		score = float64(j.promoteAt)
	}

	_, err := j.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if j.state != "" {
			pipe.ZRem(ctx, j.stateKey(j.state), id)
			pipe.ZRem(ctx, j.typeStateKey(j.state), id)
		}
		fields := []any{"state", state, "updated_at", now.UnixMilli()}
		if state == StateDelayed {
			fields = append(fields, "promote_at", j.promoteAt)
		}
		pipe.HSet(ctx, j.key(), fields...)
		pipe.ZAdd(ctx, j.stateKey(state), redis.Z{Score: score, Member: id})
		pipe.ZAdd(ctx, j.typeStateKey(state), redis.Z{Score: score, Member: id})
		if state == StateInactive {
			pipe.LPush(ctx, fmt.Sprintf("%s:%s:jobs", j.prefix, j.Type), "1")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("transition job %d to %s: %w", j.ID, state, err)
	}
	j.state = state
	j.updatedAt = now.UnixMilli()
	return nil
}

// Attempt atomically consumes one attempt and reports the remaining budget
// alongside the attempts made so far and the configured maximum.
func (j *Job) Attempt(ctx context.Context) (remaining, made, max int, err error) {
	key := j.key()
	var maxCmd *redis.StringCmd
	var madeCmd *redis.IntCmd
	_, err = j.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "max_attempts", 1)
		maxCmd = pipe.HGet(ctx, key, "max_attempts")
		madeCmd = pipe.HIncrBy(ctx, key, "attempts", 1)
		return nil
	})
	if err != nil {
		return 0, 0, 0, fmt.Errorf("consume attempt of job %d: %w", j.ID, err)
	}
	max = atoi(maxCmd.Val())
	made = int(madeCmd.Val())
	j.attempts = made
	j.maxAttempts = max
	remaining = max - made
	if remaining < 0 {
		remaining = 0
	}
	return remaining, made, max, nil
}

// Error attaches failure information to the job. Chainable; the value is
// persisted by the next Failed or Update call.
func (j *Job) Error(err error) *Job {
	if err != nil {
		j.lastError = err.Error()
	}
	return j
}

// Update flushes the job's mutable fields to the hash.
func (j *Job) Update(ctx context.Context) error {
	j.updatedAt = time.Now().UnixMilli()
	fields := map[string]any{
		"priority":           j.priority,
		"delay":              j.delay.Milliseconds(),
		"duration":           j.duration.Milliseconds(),
		"result":             j.result,
		"error":              j.lastError,
		"updated_at":         j.updatedAt,
		"remove_on_complete": boolField(j.removeOnComplete),
	}
	if err := j.rdb.HSet(ctx, j.key(), fields).Err(); err != nil {
		return fmt.Errorf("update job %d: %w", j.ID, err)
	}
	return nil
}

// Set writes a single persisted field.
func (j *Job) Set(ctx context.Context, field, value string) error {
	if err := j.rdb.HSet(ctx, j.key(), field, value).Err(); err != nil {
		return fmt.Errorf("set %s of job %d: %w", field, j.ID, err)
	}
	return nil
}

// Remove deletes the persisted record and drops the job from its state
// indexes.
func (j *Job) Remove(ctx context.Context) error {
	id := strconv.FormatInt(j.ID, 10)
	_, err := j.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if j.state != "" {
			pipe.ZRem(ctx, j.stateKey(j.state), id)
			pipe.ZRem(ctx, j.typeStateKey(j.state), id)
		}
		pipe.Del(ctx, j.key())
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove job %d: %w", j.ID, err)
	}
	return nil
}

// State returns the last observed lifecycle state.
func (j *Job) State() string { return j.state }

// Priority returns the claim priority.
func (j *Job) Priority() int { return j.priority }

// SetPriority sets the claim priority. Chainable.
func (j *Job) SetPriority(p int) *Job {
	j.priority = p
	return j
}

// Attempts returns the number of attempts consumed so far.
func (j *Job) Attempts() int { return j.attempts }

// MaxAttempts returns the configured attempt budget.
func (j *Job) MaxAttempts() int { return j.maxAttempts }

// SetMaxAttempts sets the total attempt budget. Chainable.
func (j *Job) SetMaxAttempts(n int) *Job {
	if n > 0 {
		j.maxAttempts = n
	}
	return j
}

// Delay returns the currently configured retry delay.
func (j *Job) Delay() time.Duration { return j.delay }

// SetDelay sets the retry delay. Chainable.
func (j *Job) SetDelay(d time.Duration) *Job {
	j.delay = d
	return j
}

// Duration returns the recorded processing duration.
func (j *Job) Duration() time.Duration { return j.duration }

// SetDuration records the processing duration. Persisted by Update.
func (j *Job) SetDuration(d time.Duration) *Job {
	j.duration = d
	return j
}

// Result returns the serialized processor result.
func (j *Job) Result() string { return j.result }

// SetResult stores the serialized processor result. Persisted by Update.
func (j *Job) SetResult(s string) *Job {
	j.result = s
	return j
}

// LastError returns the most recently attached failure information.
func (j *Job) LastError() string { return j.lastError }

// RemoveOnComplete reports whether the persisted record should be deleted
// after a successful completion.
func (j *Job) RemoveOnComplete() bool { return j.removeOnComplete }

// SetRemoveOnComplete flags the job for deletion on completion. Chainable.
func (j *Job) SetRemoveOnComplete(v bool) *Job {
	j.removeOnComplete = v
	return j
}

func (j *Job) key() string { return fmt.Sprintf("%s:job:%d", j.prefix, j.ID) }

func (j *Job) stateKey(state string) string {
	return fmt.Sprintf("%s:jobs:%s", j.prefix, state)
}

func (j *Job) typeStateKey(state string) string {
	return fmt.Sprintf("%s:jobs:%s:%s", j.prefix, j.Type, state)
}

// score encodes priority-major, insertion-order-minor ordering for the
// claimable sets.
func (j *Job) score() float64 {
	return float64(j.priority)*priorityBand + float64(j.ID)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
