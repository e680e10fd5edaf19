package broker

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix is the key namespace used when none is configured.
const DefaultPrefix = "q"

// RecoveryToken is pushed onto a notification list to wake a parked waiter
// during teardown. The first waiter to receive it attempts a pop, finds
// nothing, and re-parks, so stray tokens are self-healing.
const RecoveryToken = "1"

// Adapter is a purpose-built view over a Redis connection exposing the two
// primitives of the claim protocol plus the bookkeeping push used during
// recovery. An Adapter wraps exactly one client; blocking and non-blocking
// use should go through separate adapters.
type Adapter struct {
	client *redis.Client
	prefix string
}

// New wraps an existing Redis client. The adapter does not take ownership
// of the client unless Close is called.
func New(client *redis.Client, prefix string) *Adapter {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Adapter{client: client, prefix: prefix}
}

// NotificationList returns the key of the wake-up list for a job type.
func (a *Adapter) NotificationList(jobType string) string {
	return fmt.Sprintf("%s:%s:jobs", a.prefix, jobType)
}

// InactiveSet returns the key of the claimable-jobs sorted set for a job type.
func (a *Adapter) InactiveSet(jobType string) string {
	return fmt.Sprintf("%s:jobs:%s:inactive", a.prefix, jobType)
}

// WaitForNotification blocks until a token is available on the type's
// notification list and pops one. The wait is indefinite; it ends only when
// a token arrives, the context is cancelled, or the underlying connection
// is closed. The returned token is a wake-up signal, not a claim.
func (a *Adapter) WaitForNotification(ctx context.Context, jobType string) (string, error) {
	res, err := a.client.BRPop(ctx, 0, a.NotificationList(jobType)).Result()
	if err != nil {
		return "", fmt.Errorf("blocking wait on %s: %w", a.NotificationList(jobType), err)
	}
	if len(res) != 2 {
		return "", fmt.Errorf("unexpected BRPOP reply length %d", len(res))
	}
	return res[1], nil
}

// PopFirst atomically reads the lowest-ranked member of the type's inactive
// set and removes rank 0, inside one MULTI/EXEC transaction. It returns the
// claimed id, or "" if the set was empty. Concurrent callers can never
// observe the same id.
func (a *Adapter) PopFirst(ctx context.Context, jobType string) (string, error) {
	key := a.InactiveSet(jobType)
	var first *redis.StringSliceCmd
	_, err := a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		first = pipe.ZRange(ctx, key, 0, 0)
		pipe.ZRemRangeByRank(ctx, key, 0, 0)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("atomic pop from %s: %w", key, err)
	}
	ids := first.Val()
	if len(ids) == 0 {
		return "", nil
	}
	return ids[0], nil
}

// PushNotification appends a token to the type's notification list without
// blocking. Producers push one token per enqueued job; shutdown pushes a
// RecoveryToken to release parked peers.
func (a *Adapter) PushNotification(ctx context.Context, jobType, token string) error {
	key := a.NotificationList(jobType)
	if err := a.client.LPush(ctx, key, token).Err(); err != nil {
		return fmt.Errorf("push notification to %s: %w", key, err)
	}
	return nil
}

// Close terminates the underlying connection. A blocking wait parked on
// this adapter returns with an error.
func (a *Adapter) Close() error {
	return a.client.Close()
}
