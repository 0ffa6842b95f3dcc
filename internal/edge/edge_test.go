package edge

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradecore/internal/domain"
	"github.com/alanyoungcy/tradecore/internal/testutil"
)

func testConfig() Config {
	return Config{
		CapitalAvailablePercentage: 0.5,
		AllowedRisk:                0.01,
		MinimumExpectancy:          0.2,
		MinimumWinrate:             0.6,
		MinTradeNumber:             1,
		ProcessThrottle:            time.Hour,
	}
}

func cachedEdge() *Edge {
	e := New(testConfig(), StaticTradeSource(nil), testutil.Logger())
	e.SetEntries([]domain.EdgeEntry{
		{Pair: "E/F", StopLoss: -0.005, WinRate: 0.66, Expectancy: -0.9},
		{Pair: "LTC/BTC", StopLoss: -0.21, WinRate: 0.66, RiskRewardRatio: 2, Expectancy: 1.71},
		{Pair: "NEO/BTC", StopLoss: -0.20, WinRate: 0.66, RiskRewardRatio: 2, Expectancy: 2.0},
		{Pair: "C/D", StopLoss: -0.15, WinRate: 0.5, Expectancy: 1.0},
	})
	return e
}

func TestAdjustFiltersAndOrders(t *testing.T) {
	e := cachedEdge()
	got := e.Adjust([]string{"LTC/BTC", "NEO/BTC", "C/D", "E/F", "XRP/BTC"})
	assert.Equal(t, []string{"NEO/BTC", "LTC/BTC"}, got)

	assert.Empty(t, e.Adjust([]string{"XRP/BTC"}), "pairs without a profile are excluded")
}

func TestStopLossPerPair(t *testing.T) {
	e := cachedEdge()
	sl, ok := e.StopLoss("NEO/BTC")
	require.True(t, ok)
	assert.Equal(t, -0.20, sl)

	_, ok = e.StopLoss("XRP/BTC")
	assert.False(t, ok)
}

func TestStakeAmount(t *testing.T) {
	e := cachedEdge()
	assert.InDelta(t, (999.9*0.5*0.01)/0.20, e.StakeAmount("NEO/BTC", 999.9, 999.9, 0), 1e-9)
	assert.InDelta(t, (999.9*0.5*0.01)/0.21, e.StakeAmount("LTC/BTC", 999.9, 999.9, 0), 1e-9)

	// capital in open trades counts towards the base, free balance caps it
	assert.InDelta(t, (500+499.9)*0.5*0.01/0.20, e.StakeAmount("NEO/BTC", 500, 500, 499.9), 1e-9)
	assert.Equal(t, 1.0, e.StakeAmount("NEO/BTC", 1.0, 999.9, 0))

	assert.Equal(t, 0.0, e.StakeAmount("XRP/BTC", 999.9, 999.9, 0))
}

func TestStakeFractionCapped(t *testing.T) {
	e := cachedEdge()
	assert.InDelta(t, 0.5*0.01/0.20, e.StakeFraction("NEO/BTC"), 1e-12)
	assert.Equal(t, 0.5, e.StakeFraction("E/F"), "a stop tighter than the allowed risk never exceeds the capital share")
}

func TestExpectancy(t *testing.T) {
	trades := []domain.SimulatedTrade{
		// NEO at -0.05: 2 wins of 0.1, 1 loss of 0.05
		{Pair: "NEO/BTC", StopLoss: -0.05, ProfitRatio: 0.1, DurationMin: 10},
		{Pair: "NEO/BTC", StopLoss: -0.05, ProfitRatio: 0.1, DurationMin: 20},
		{Pair: "NEO/BTC", StopLoss: -0.05, ProfitRatio: -0.05, DurationMin: 30},
		// NEO at -0.10: 1 win, 2 losses, worse
		{Pair: "NEO/BTC", StopLoss: -0.10, ProfitRatio: 0.1},
		{Pair: "NEO/BTC", StopLoss: -0.10, ProfitRatio: -0.1},
		{Pair: "NEO/BTC", StopLoss: -0.10, ProfitRatio: -0.1},
		// LTC below the minimum trade count
		{Pair: "LTC/BTC", StopLoss: -0.05, ProfitRatio: 0.3},
	}
	entries := Expectancy(trades, 2)
	require.Len(t, entries, 1)

	neo := entries[0]
	assert.Equal(t, "NEO/BTC", neo.Pair)
	assert.Equal(t, -0.05, neo.StopLoss)
	assert.Equal(t, 3, neo.TradeCount)
	assert.InDelta(t, 2.0/3.0, neo.WinRate, 1e-12)
	assert.InDelta(t, 2.0, neo.RiskRewardRatio, 1e-12)
	assert.InDelta(t, 0.5, neo.RequiredRiskReward, 1e-12)
	assert.InDelta(t, 2.0*2.0/3.0-1.0/3.0, neo.Expectancy, 1e-12)
	assert.InDelta(t, 20.0, neo.AvgTradeDuration, 1e-12)
}

func TestExpectancyWithoutLosses(t *testing.T) {
	entries := Expectancy([]domain.SimulatedTrade{
		{Pair: "A/B", StopLoss: -0.02, ProfitRatio: 0.04},
		{Pair: "A/B", StopLoss: -0.02, ProfitRatio: 0.04},
	}, 1)
	require.Len(t, entries, 1)
	assert.Equal(t, 1.0, entries[0].WinRate)
	assert.InDelta(t, 2.0, entries[0].RiskRewardRatio, 1e-12, "stop distance stands in for the average loss")
	assert.InDelta(t, 2.0, entries[0].Expectancy, 1e-12)
}

type countingSource struct {
	trades []domain.SimulatedTrade
	err    error
	calls  int
}

func (s *countingSource) Load(context.Context) ([]domain.SimulatedTrade, error) {
	s.calls++
	return s.trades, s.err
}

func TestCalculateThrottled(t *testing.T) {
	src := &countingSource{trades: []domain.SimulatedTrade{
		{Pair: "NEO/BTC", StopLoss: -0.02, ProfitRatio: 0.05},
		{Pair: "NEO/BTC", StopLoss: -0.02, ProfitRatio: 0.05},
		{Pair: "NEO/BTC", StopLoss: -0.02, ProfitRatio: -0.02},
	}}
	e := New(testConfig(), src, testutil.Logger())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }
	ctx := context.Background()

	done, err := e.Calculate(ctx)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Len(t, e.Entries(), 1)

	now = now.Add(30 * time.Minute)
	done, err = e.Calculate(ctx)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 1, src.calls)

	now = now.Add(time.Hour)
	src.err = errors.New("bucket unavailable")
	_, err = e.Calculate(ctx)
	assert.Error(t, err)
	assert.Len(t, e.Entries(), 1, "failed reload keeps the previous table")
}

type fakeBlob struct {
	objects map[string]string
}

func (b fakeBlob) Get(_ context.Context, path string) (io.ReadCloser, error) {
	s, ok := b.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(s)), nil
}

func (b fakeBlob) Exists(_ context.Context, path string) (bool, error) {
	_, ok := b.objects[path]
	return ok, nil
}

func TestBlobTradeSource(t *testing.T) {
	blob := fakeBlob{objects: map[string]string{
		"edge/trades.jsonl": `{"pair":"NEO/BTC","stoploss":-0.02,"profit_percent":0.05,"trade_duration":15}

{"pair":"LTC/BTC","stoploss":-0.03,"profit_percent":-0.03,"trade_duration":40}
`,
		"edge/broken.jsonl": "{not json}\n",
	}}
	ctx := context.Background()

	trades, err := NewBlobTradeSource(blob, "edge/trades.jsonl").Load(ctx)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, domain.SimulatedTrade{Pair: "NEO/BTC", StopLoss: -0.02, ProfitRatio: 0.05, DurationMin: 15}, trades[0])

	_, err = NewBlobTradeSource(blob, "edge/broken.jsonl").Load(ctx)
	assert.ErrorContains(t, err, "line 1")

	_, err = NewBlobTradeSource(blob, "edge/missing.jsonl").Load(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
