package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/emberq/emberq/job"
)

// Promoter defaults.
const (
	DefaultPromoteInterval = time.Second
	DefaultPromoteLimit    = 1000
)

// Promote sweeps jobs whose promotion time has passed from the delayed
// set back into the claimable set, up to limit jobs per sweep. It
// returns the number of jobs promoted.
func (q *Queue) Promote(ctx context.Context, limit int64) (int, error) {
	if limit <= 0 {
		limit = DefaultPromoteLimit
	}
	key := fmt.Sprintf("%s:jobs:%s", q.prefix, job.StateDelayed)
	ids, err := q.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(time.Now().UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan delayed jobs: %w", err)
	}

	promoted := 0
	for _, id := range ids {
		j, err := job.Get(ctx, q.rdb, q.prefix, id)
		if err != nil {
			q.log.Error("load delayed job", "id", id, "error", err)
			continue
		}
		if err := j.Inactive(ctx); err != nil {
			q.log.Error("promote job", "id", id, "error", err)
			continue
		}
		promoted++
	}
	return promoted, nil
}

// StartPromoter runs Promote on a fixed interval until the context is
// cancelled. One promoter per backend is enough; extra promoters are
// harmless but redundant.
func (q *Queue) StartPromoter(ctx context.Context, every time.Duration, limit int64) {
	if every <= 0 {
		every = DefaultPromoteInterval
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := q.Promote(ctx, limit); err != nil {
					q.log.Error("promote sweep", "error", err)
				}
			}
		}
	}()
}
