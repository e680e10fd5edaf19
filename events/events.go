package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Event kinds published by the worker core.
const (
	KindComplete      = "complete"
	KindFailed        = "failed"
	KindFailedAttempt = "failed attempt"
)

// Message is the envelope carried on the shared event channel.
type Message struct {
	ID      int64           `json:"id"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Bus publishes and subscribes to per-job lifecycle events over Redis
// pub/sub. Bus is safe for concurrent use.
type Bus struct {
	rdb     *redis.Client
	channel string
}

// NewBus creates a bus on the shared <prefix>:events channel.
func NewBus(rdb *redis.Client, prefix string) *Bus {
	if prefix == "" {
		prefix = "q"
	}
	return &Bus{rdb: rdb, channel: prefix + ":events"}
}

// Emit publishes an event for a job. A nil payload omits the payload field.
func (b *Bus) Emit(ctx context.Context, jobID int64, kind string, payload any) error {
	msg := Message{ID: jobID, Event: kind}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload for job %d: %w", kind, jobID, err)
		}
		msg.Payload = raw
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s for job %d: %w", kind, jobID, err)
	}
	return nil
}

// Subscribe returns a channel delivering events for a single job id until
// the context is cancelled. Events for other jobs on the shared channel are
// filtered out.
func (b *Bus) Subscribe(ctx context.Context, jobID int64) (<-chan Message, error) {
	return b.subscribe(ctx, func(m Message) bool { return m.ID == jobID })
}

// SubscribeAll returns a channel delivering every event on the bus until
// the context is cancelled.
func (b *Bus) SubscribeAll(ctx context.Context) (<-chan Message, error) {
	return b.subscribe(ctx, func(Message) bool { return true })
}

func (b *Bus) subscribe(ctx context.Context, keep func(Message) bool) (<-chan Message, error) {
	pubsub := b.rdb.Subscribe(ctx, b.channel)

	// Wait for subscription confirmation so events published immediately
	// after Subscribe returns are not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", b.channel, err)
	}

	out := make(chan Message)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var m Message
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					continue
				}
				if !keep(m) {
					continue
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
