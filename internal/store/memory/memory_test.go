package memory

import (
	"context"
	"testing"
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewPositionStore()

	a := domain.Position{Pair: "ETH/BTC", StakeAmount: 0.05, IsOpen: true}
	b := domain.Position{Pair: "LTC/BTC", StakeAmount: 0.03, IsOpen: true}
	require.NoError(t, s.Create(ctx, &a))
	require.NoError(t, s.Create(ctx, &b))
	assert.Equal(t, int64(1), a.ID)
	assert.Equal(t, int64(2), b.ID)

	sum, err := s.SumOpenStake(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.08, sum, 1e-12)

	closedAt := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, a.Close(0.06, closedAt))
	require.NoError(t, s.Update(ctx, a))

	open, err := s.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "LTC/BTC", open[0].Pair)

	// A second close attempt of a stale copy must not be persisted.
	stale := a
	stale.IsOpen = true
	require.NoError(t, stale.Close(0.07, closedAt.Add(time.Hour)))
	err = s.Update(ctx, stale)
	assert.ErrorIs(t, err, domain.ErrPositionClosed)

	got, err := s.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.06, got.CloseRate)

	closed, err := s.ListClosed(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, closed, 1)

	n, err := s.DeleteClosedBefore(ctx, closedAt.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, s.Delete(ctx, b.ID))
	_, err = s.GetByID(ctx, b.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, s.Update(ctx, b), domain.ErrNotFound)
}

func TestPairLockerExpires(t *testing.T) {
	ctx := context.Background()
	l := NewPairLocker()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	require.NoError(t, l.Lock(ctx, "ETH/BTC", now.Add(5*time.Minute)))
	locked, _ := l.IsLocked(ctx, "ETH/BTC")
	assert.True(t, locked)

	now = now.Add(5 * time.Minute)
	locked, _ = l.IsLocked(ctx, "ETH/BTC")
	assert.False(t, locked)

	require.NoError(t, l.Lock(ctx, "LTC/BTC", now.Add(time.Hour)))
	require.NoError(t, l.Unlock(ctx, "LTC/BTC"))
	locked, _ = l.IsLocked(ctx, "LTC/BTC")
	assert.False(t, locked)
}

func TestLockManagerExclusive(t *testing.T) {
	ctx := context.Background()
	m := NewLockManager()

	unlock, err := m.Acquire(ctx, "worker", time.Minute)
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "worker", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock2, err := m.Acquire(ctx, "worker", time.Minute)
	require.NoError(t, err)
	unlock2()
}

func TestAuditStoreNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewAuditStore()
	require.NoError(t, s.Log(ctx, "entry_placed", map[string]any{"pair": "ETH/BTC"}))
	require.NoError(t, s.Log(ctx, "exit_filled", nil))

	entries, err := s.List(ctx, domain.ListOpts{Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "exit_filled", entries[0].Event)
}

func TestSignalBusStream(t *testing.T) {
	ctx := context.Background()
	bus := NewSignalBus(3)
	for _, p := range []string{"a", "b", "c", "d"} {
		require.NoError(t, bus.StreamAppend(ctx, "s", []byte(p)))
	}

	msgs, err := bus.StreamRead(ctx, "s", "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3, "oldest entry trimmed")
	assert.Equal(t, "b", string(msgs[0].Payload))

	msgs, err = bus.StreamRead(ctx, "s", msgs[0].ID, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c", string(msgs[0].Payload))

	msgs, err = bus.StreamRead(ctx, "other", "0", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSignalBusPublish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := NewSignalBus(0)
	ch, err := bus.Subscribe(ctx, "events")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "events", []byte("hello")))
	assert.Equal(t, "hello", string(<-ch))

	cancel()
	_, open := <-ch
	assert.False(t, open)
}
