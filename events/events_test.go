package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupBus(t *testing.T) *Bus {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
	})
	return NewBus(rdb, "q")
}

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Message{}
	}
}

func TestEmitSubscribe(t *testing.T) {
	bus := setupBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, 7)
	require.NoError(t, err)

	require.NoError(t, bus.Emit(ctx, 7, KindComplete, map[string]bool{"sent": true}))

	m := receive(t, ch)
	assert.Equal(t, int64(7), m.ID)
	assert.Equal(t, KindComplete, m.Event)
	assert.JSONEq(t, `{"sent":true}`, string(m.Payload))
}

func TestSubscribeFiltersOtherJobs(t *testing.T) {
	bus := setupBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, 7)
	require.NoError(t, err)

	require.NoError(t, bus.Emit(ctx, 8, KindFailed, nil))
	require.NoError(t, bus.Emit(ctx, 7, KindFailed, nil))

	m := receive(t, ch)
	assert.Equal(t, int64(7), m.ID)
	assert.Equal(t, KindFailed, m.Event)
	assert.Nil(t, m.Payload)
}

func TestSubscribeAll(t *testing.T) {
	bus := setupBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.SubscribeAll(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.Emit(ctx, 1, KindFailedAttempt, 2))
	require.NoError(t, bus.Emit(ctx, 2, KindComplete, nil))

	first := receive(t, ch)
	second := receive(t, ch)
	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, json.RawMessage("2"), first.Payload)
	assert.Equal(t, int64(2), second.ID)
}

func TestSubscribeClosesOnCancel(t *testing.T) {
	bus := setupBus(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := bus.Subscribe(ctx, 1)
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close after cancel")
	}
}
