package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// newTestClient connects to the server named by TRADECORE_TEST_REDIS_ADDR,
// using database 15. Tests are skipped when it is unset.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TRADECORE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TRADECORE_TEST_REDIS_ADDR not set")
	}
	c, err := New(context.Background(), ClientConfig{Addr: addr, DB: 15, PoolSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLockManager(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	lm := NewLockManager(c)
	key := "test:" + uuid.NewString()

	unlock, err := lm.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	_, err = lm.Acquire(ctx, key, time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()
	again, err := lm.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	again()
}

func TestPairLocker(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	pl := NewPairLocker(c)
	pair := uuid.NewString() + "/BTC"

	require.NoError(t, pl.Lock(ctx, pair, time.Now().Add(time.Minute)))
	locked, err := pl.IsLocked(ctx, pair)
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, pl.Lock(ctx, pair, time.Now().Add(-time.Second)), "a past deadline unlocks")
	locked, err = pl.IsLocked(ctx, pair)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestRateLimiterWindow(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	rl := NewRateLimiter(c, 2, time.Second)
	key := "test:" + uuid.NewString()

	for i := 0; i < 2; i++ {
		ok, err := rl.Allow(ctx, key, 2, time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, key, 2, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	require.NoError(t, rl.Wait(wctx, key), "a slot frees once the window slides")
}

func TestSignalBusStream(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	sb := NewSignalBus(c, 100)
	stream := "test:" + uuid.NewString()
	t.Cleanup(func() { c.Underlying().Del(context.Background(), stream) })

	msgs, err := sb.StreamRead(ctx, stream, "0", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs, "missing stream reads as empty")

	require.NoError(t, sb.StreamAppend(ctx, stream, []byte(`{"pair":"ETH/BTC"}`)))
	require.NoError(t, sb.StreamAppend(ctx, stream, []byte(`{"pair":"LTC/BTC"}`)))

	msgs, err = sb.StreamRead(ctx, stream, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.JSONEq(t, `{"pair":"ETH/BTC"}`, string(msgs[0].Payload))

	msgs, err = sb.StreamRead(ctx, stream, msgs[1].ID, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSignalBusPubSub(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sb := NewSignalBus(c, 0)
	channel := "test:" + uuid.NewString()

	ch, err := sb.Subscribe(ctx, channel)
	require.NoError(t, err)
	require.NoError(t, sb.Publish(ctx, channel, []byte("hello")))

	select {
	case got := <-ch:
		assert.Equal(t, "hello", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel closes once ctx ends")
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
}

func TestMarketCache(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	mc := NewMarketCache(c, time.Minute)
	t.Cleanup(func() { _ = mc.Invalidate(context.Background()) })

	require.NoError(t, mc.Invalidate(ctx))
	_, err := mc.GetAll(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	markets := map[string]domain.Market{
		"ETH/BTC": {Symbol: "ETH/BTC", Base: "ETH", Quote: "BTC", Active: true, PricePrecision: 6},
	}
	require.NoError(t, mc.SetAll(ctx, markets))
	got, err := mc.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, markets, got)
}
