package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

func TestShouldExitPriority(t *testing.T) {
	tests := []struct {
		name   string
		cfg    ExitConfig
		rate   float64
		age    time.Duration
		sig    domain.Signal
		want   domain.SellReason
		exited bool
	}{
		{name: "stop loss beats everything", cfg: ExitConfig{UseSellSignal: true}, rate: 0.85,
			sig: domain.Signal{Sell: true}, want: domain.SellReasonStopLoss, exited: true},
		{name: "roi", rate: 1.05, want: domain.SellReasonROI, exited: true},
		{name: "roi below threshold", rate: 1.02},
		{name: "later roi step", rate: 1.02, age: 40 * time.Minute, want: domain.SellReasonROI, exited: true},
		{name: "roi ignored while buy signal", cfg: ExitConfig{IgnoreROIIfBuySignal: true}, rate: 1.05,
			sig: domain.Signal{Buy: true}},
		{name: "sell signal", cfg: ExitConfig{UseSellSignal: true}, rate: 1.01,
			sig: domain.Signal{Sell: true}, want: domain.SellReasonSellSignal, exited: true},
		{name: "sell signal unused", rate: 1.01, sig: domain.Signal{Sell: true}},
		{name: "sell signal at a loss without guard", cfg: ExitConfig{UseSellSignal: true}, rate: 0.95,
			sig: domain.Signal{Sell: true}, want: domain.SellReasonSellSignal, exited: true},
		{name: "sell_profit_only holds a losing position", cfg: ExitConfig{UseSellSignal: true, SellProfitOnly: true}, rate: 0.95,
			sig: domain.Signal{Sell: true}},
		{name: "sell_profit_only lets a winner go", cfg: ExitConfig{UseSellSignal: true, SellProfitOnly: true}, rate: 1.01,
			sig: domain.Signal{Sell: true}, want: domain.SellReasonSellSignal, exited: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, ExecutionConfig{}, ExitConfig{})
			h.strategy.ROI = domain.ROITable{0: 0.04, 30: 0.01}
			s := h.newExit(tt.cfg)

			pos := h.openPosition(t, "ETH/BTC", 1.0, 1.0)
			pos.OpenDate = h.now.Add(-tt.age)

			reason, exited := s.ShouldExit(&pos, tt.rate, h.now, tt.sig)
			assert.Equal(t, tt.exited, exited)
			assert.Equal(t, tt.want, reason)
		})
	}
}

// A buy and a sell signal on the same candle never sell on the signal, and
// with ignore_roi_if_buy_signal the buy side also suppresses ROI.
func TestShouldExitConflictingSignals(t *testing.T) {
	h := newHarness(t, ExecutionConfig{}, ExitConfig{})
	both := domain.Signal{Buy: true, Sell: true}

	s := h.newExit(ExitConfig{UseSellSignal: true, IgnoreROIIfBuySignal: true})
	pos := h.openPosition(t, "ETH/BTC", 1.0, 1.0)
	reason, exited := s.ShouldExit(&pos, 1.05, h.now, both)
	assert.False(t, exited)
	assert.Equal(t, domain.SellReasonNone, reason)

	s = h.newExit(ExitConfig{UseSellSignal: true})
	pos = h.openPosition(t, "ETH/BTC", 1.0, 1.0)
	_, exited = s.ShouldExit(&pos, 1.01, h.now, both)
	assert.False(t, exited, "sell signal needs the buy signal to be gone")

	reason, exited = s.ShouldExit(&pos, 1.05, h.now, both)
	assert.True(t, exited)
	assert.Equal(t, domain.SellReasonROI, reason)
}

func TestTrailingStopNeverLowered(t *testing.T) {
	h := newHarness(t, ExecutionConfig{}, ExitConfig{})
	h.strategy.ROI = domain.ROITable{0: 10}
	s := h.newExit(ExitConfig{Trailing: TrailingConfig{Enabled: true}})
	pos := h.openPosition(t, "ETH/BTC", 1.0, 1.0)

	prev := 0.0
	for _, rate := range []float64{1.0, 1.2, 1.1, 1.3, 1.25} {
		_, exited := s.ShouldExit(&pos, rate, h.now, domain.Signal{})
		require.False(t, exited, "rate %v", rate)
		assert.GreaterOrEqual(t, pos.StopLoss, prev, "rate %v", rate)
		prev = pos.StopLoss
	}
	assert.InDelta(t, 1.17, pos.StopLoss, 1e-9)
	assert.InDelta(t, 0.9, pos.InitialStopLoss, 1e-9)
	assert.Equal(t, 1.3, pos.MaxRate)
	assert.Equal(t, 1.0, pos.MinRate)

	reason, exited := s.ShouldExit(&pos, 1.15, h.now, domain.Signal{})
	assert.True(t, exited)
	assert.Equal(t, domain.SellReasonTrailingStopLoss, reason)
}

func TestTrailingPositiveOffset(t *testing.T) {
	h := newHarness(t, ExecutionConfig{}, ExitConfig{})
	h.strategy.ROI = domain.ROITable{0: 10}

	s := h.newExit(ExitConfig{Trailing: TrailingConfig{Enabled: true, Positive: 0.02, Offset: 0.05}})
	pos := h.openPosition(t, "ETH/BTC", 1.0, 1.0)
	s.ShouldExit(&pos, 1.03, h.now, domain.Signal{})
	assert.InDelta(t, 0.927, pos.StopLoss, 1e-9, "below the offset the strategy stop trails")
	s.ShouldExit(&pos, 1.2, h.now, domain.Signal{})
	assert.InDelta(t, 1.176, pos.StopLoss, 1e-9)
	assert.InDelta(t, -0.02, pos.StopLossPct, 1e-12)

	s = h.newExit(ExitConfig{Trailing: TrailingConfig{Enabled: true, Positive: 0.02, Offset: 0.05, OnlyOffsetReached: true}})
	pos = h.openPosition(t, "ETH/BTC", 1.0, 1.0)
	s.ShouldExit(&pos, 1.03, h.now, domain.Signal{})
	assert.InDelta(t, 0.9, pos.StopLoss, 1e-9, "no trailing before the offset is reached")
	s.ShouldExit(&pos, 1.2, h.now, domain.Signal{})
	assert.InDelta(t, 1.176, pos.StopLoss, 1e-9)
}

func TestExecuteExitTwiceFails(t *testing.T) {
	h := newHarness(t, ExecutionConfig{}, ExitConfig{ExitCooldown: 5 * time.Minute})
	ctx := context.Background()
	pos := h.openPosition(t, "ETH/BTC", 1.0, 1.0)

	require.NoError(t, h.exit.ExecuteExit(ctx, &pos, 1.1, domain.SellReasonROI))
	assert.False(t, pos.IsOpen)
	assert.Equal(t, 1.1, pos.CloseRate)
	assert.InDelta(t, 1.1*0.9975/1.0025-1, pos.CloseProfit, 1e-9)
	assert.Equal(t, domain.SellReasonROI, pos.SellReason)
	require.NotNil(t, pos.CloseDate)

	stored := h.load(t, pos.ID)
	assert.False(t, stored.IsOpen)

	locked, err := h.locks.IsLocked(ctx, "ETH/BTC")
	require.NoError(t, err)
	assert.True(t, locked)

	events := h.sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventExitPlaced, events[0].Type)
	assert.Equal(t, domain.EventExitFilled, events[1].Type)
	assert.InDelta(t, pos.CloseProfit, events[1].ProfitRatio, 1e-12)
	assert.InDelta(t, 1.1*0.9975-1.0025, events[1].ProfitAbs, 1e-9)

	err = h.exit.ExecuteExit(ctx, &pos, 1.2, domain.SellReasonROI)
	assert.ErrorIs(t, err, domain.ErrPositionClosed)
	assert.Len(t, h.venue.PlacedRequests(), 1)
	assert.Len(t, h.sink.Events(), 2)
}

func TestExecuteExitWithoutCooldownUnlocks(t *testing.T) {
	h := newHarness(t, ExecutionConfig{}, ExitConfig{})
	ctx := context.Background()
	require.NoError(t, h.locks.Lock(ctx, "ETH/BTC", h.now.Add(time.Hour)))

	pos := h.openPosition(t, "ETH/BTC", 1.0, 1.0)
	require.NoError(t, h.exit.ExecuteExit(ctx, &pos, 1.1, domain.SellReasonSellSignal))

	locked, err := h.locks.IsLocked(ctx, "ETH/BTC")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestExecuteExitPendingOrder(t *testing.T) {
	h := newHarness(t, ExecutionConfig{}, ExitConfig{SellOrderType: domain.OrderTypeLimit})
	h.venue.PlaceFunc = func(req domain.OrderRequest) (domain.Order, error) {
		return domain.Order{
			ID: "sell-1", Pair: req.Pair, Side: req.Side, Type: req.Type,
			Status: domain.OrderStatusOpen, Price: req.Price, Amount: req.Amount, Remaining: req.Amount,
		}, nil
	}
	ctx := context.Background()
	pos := h.openPosition(t, "ETH/BTC", 1.0, 1.0)
	pos.StopLossOrderID = "stop-1"
	h.venue.PutOrder(domain.Order{ID: "stop-1", Pair: "ETH/BTC", Side: domain.OrderSideSell, Type: domain.OrderTypeStopLossLimit, Status: domain.OrderStatusOpen})

	require.NoError(t, h.exit.ExecuteExit(ctx, &pos, 1.1, domain.SellReasonROI))
	assert.True(t, pos.IsOpen)
	assert.Equal(t, "sell-1", pos.OpenOrderID)
	assert.Empty(t, pos.StopLossOrderID)
	assert.Equal(t, 1.1, pos.CloseRateRequested)
	assert.True(t, pos.PendingExit())
	assert.Equal(t, []string{"stop-1"}, h.venue.CancelledIDs())
	assert.Equal(t, []domain.EventType{domain.EventExitPlaced}, h.sink.Types())

	h.venue.PutOrder(domain.Order{
		ID: "sell-1", Pair: "ETH/BTC", Side: domain.OrderSideSell, Type: domain.OrderTypeLimit,
		Status: domain.OrderStatusClosed, Price: 1.1, Amount: 1, Filled: 1,
	})
	require.NoError(t, h.exit.HandlePosition(ctx, &pos))
	assert.False(t, pos.IsOpen)
	assert.Equal(t, 1.1, pos.CloseRate)
	assert.Equal(t, []domain.EventType{domain.EventExitPlaced, domain.EventExitFilled}, h.sink.Types())
}

func TestExecuteExitOrderTypes(t *testing.T) {
	cfg := ExitConfig{
		SellOrderType:     domain.OrderTypeLimit,
		StopLossOrderType: domain.OrderTypeMarket,
	}
	for reason, want := range map[domain.SellReason]domain.OrderType{
		domain.SellReasonROI:              domain.OrderTypeLimit,
		domain.SellReasonStopLoss:         domain.OrderTypeMarket,
		domain.SellReasonTrailingStopLoss: domain.OrderTypeMarket,
		domain.SellReasonEmergencySell:    domain.OrderTypeMarket,
	} {
		h := newHarness(t, ExecutionConfig{}, cfg)
		pos := h.openPosition(t, "ETH/BTC", 1.0, 1.0)
		require.NoError(t, h.exit.ExecuteExit(context.Background(), &pos, 0.99, reason))
		req := h.venue.PlacedRequests()
		require.Len(t, req, 1)
		assert.Equal(t, want, req[0].Type, reason)
	}
}

func TestHandlePositionROIExit(t *testing.T) {
	h := newHarness(t, ExecutionConfig{}, ExitConfig{})
	ctx := context.Background()
	pos := h.openPosition(t, "ETH/BTC", 1.0, 1.0)

	require.NoError(t, h.exit.HandlePosition(ctx, &pos))
	assert.True(t, pos.IsOpen)
	assert.Equal(t, 0.99, h.load(t, pos.ID).MaxRate, "rates are persisted while holding")

	h.venue.SetTicker("ETH/BTC", 1.05, 1.06, 1.05)
	require.NoError(t, h.exit.HandlePosition(ctx, &pos))
	assert.False(t, pos.IsOpen)
	assert.Equal(t, domain.SellReasonROI, pos.SellReason)
	assert.Equal(t, 1.05, pos.CloseRate)
}

func TestHandlePositionAskOrderBook(t *testing.T) {
	h := newHarness(t, ExecutionConfig{}, ExitConfig{AskUseOrderBook: true, AskOrderBookMin: 1, AskOrderBookMax: 2})
	h.venue.Books["ETH/BTC"] = domain.OrderBook{
		Asks: []domain.PriceLevel{{Price: 1.0, Size: 1}, {Price: 1.06, Size: 1}, {Price: 1.2, Size: 1}},
	}
	pos := h.openPosition(t, "ETH/BTC", 1.0, 1.0)

	require.NoError(t, h.exit.HandlePosition(context.Background(), &pos))
	assert.False(t, pos.IsOpen)
	assert.Equal(t, 1.06, pos.CloseRate)
}

func TestForceExit(t *testing.T) {
	ctx := context.Background()

	t.Run("open position", func(t *testing.T) {
		h := newHarness(t, ExecutionConfig{}, ExitConfig{})
		pos := h.openPosition(t, "ETH/BTC", 1.0, 1.0)
		got, err := h.exit.ForceExit(ctx, pos.ID)
		require.NoError(t, err)
		assert.False(t, got.IsOpen)
		assert.Equal(t, domain.SellReasonForceSell, got.SellReason)
		assert.Equal(t, 0.99, got.CloseRate)
	})

	t.Run("pending entry", func(t *testing.T) {
		h := newHarness(t, ExecutionConfig{}, ExitConfig{})
		pos := h.openPosition(t, "ETH/BTC", 1.0, 1.0)
		pos.OpenOrderID = "buy-1"
		require.NoError(t, h.store.Update(ctx, pos))
		_, err := h.exit.ForceExit(ctx, pos.ID)
		assert.Equal(t, domain.KindOperational, domain.KindOf(err))
		assert.Empty(t, h.venue.PlacedRequests())
	})

	t.Run("pending exit is replaced", func(t *testing.T) {
		h := newHarness(t, ExecutionConfig{}, ExitConfig{})
		pos := h.openPosition(t, "ETH/BTC", 1.0, 1.0)
		pos.OpenOrderID = "sell-1"
		pos.SellReason = domain.SellReasonROI
		require.NoError(t, h.store.Update(ctx, pos))
		h.venue.PutOrder(domain.Order{ID: "sell-1", Pair: "ETH/BTC", Side: domain.OrderSideSell, Status: domain.OrderStatusOpen})

		got, err := h.exit.ForceExit(ctx, pos.ID)
		require.NoError(t, err)
		assert.False(t, got.IsOpen)
		assert.Equal(t, domain.SellReasonForceSell, got.SellReason)
		assert.Equal(t, []string{"sell-1"}, h.venue.CancelledIDs())
	})

	t.Run("closed position", func(t *testing.T) {
		h := newHarness(t, ExecutionConfig{}, ExitConfig{})
		pos := h.openPosition(t, "ETH/BTC", 1.0, 1.0)
		require.NoError(t, h.exit.ExecuteExit(ctx, &pos, 1.0, domain.SellReasonROI))
		_, err := h.exit.ForceExit(ctx, pos.ID)
		assert.ErrorIs(t, err, domain.ErrPositionClosed)
	})
}

func stopOnVenueConfig() ExitConfig {
	return ExitConfig{
		StopLossOnExchange: true,
		StopLossInterval:   time.Minute,
		Trailing:           TrailingConfig{Enabled: true},
	}
}

// A venue stop is placed for a filled position, raised after the price
// climbs, and when the venue refuses the replacement the position is sold
// at once.
func TestStopOnVenueEmergencySell(t *testing.T) {
	h := newHarness(t, ExecutionConfig{}, stopOnVenueConfig())
	h.strategy.SL = -0.05
	h.strategy.ROI = domain.ROITable{0: 10}
	ctx := context.Background()
	id := h.openPosition(t, "ETH/BTC", 1.0, 1.0).ID

	h.venue.SetTicker("ETH/BTC", 1.0, 1.01, 1.0)
	pos := h.load(t, id)
	require.NoError(t, h.exit.HandlePosition(ctx, &pos))
	placed := h.venue.PlacedRequests()
	require.Len(t, placed, 1)
	assert.Equal(t, domain.OrderTypeStopLossLimit, placed[0].Type)
	assert.InDelta(t, 0.95, placed[0].StopPrice, 1e-12)
	assert.InDelta(t, 0.95*0.99, placed[0].Price, 1e-12)
	stopID := h.load(t, id).StopLossOrderID
	require.NotEmpty(t, stopID)

	h.venue.SetTicker("ETH/BTC", 2.0, 2.01, 2.0)
	h.advance(10 * time.Second)
	pos = h.load(t, id)
	require.NoError(t, h.exit.HandlePosition(ctx, &pos))
	assert.InDelta(t, 1.9, h.load(t, id).StopLoss, 1e-12)
	assert.Empty(t, h.venue.CancelledIDs(), "venue stop is still current")

	h.advance(10 * time.Second)
	pos = h.load(t, id)
	require.NoError(t, h.exit.HandlePosition(ctx, &pos))
	assert.Empty(t, h.venue.CancelledIDs(), "not replaced before the interval elapsed")

	h.venue.PlaceFunc = func(req domain.OrderRequest) (domain.Order, error) {
		if req.Type == domain.OrderTypeStopLossLimit {
			return domain.Order{}, domain.NewVenueError(domain.ErrInvalidOrder, "place_order", req.Pair, errors.New("stop price too close"))
		}
		return domain.Order{
			Pair: req.Pair, Side: req.Side, Type: req.Type, Status: domain.OrderStatusClosed,
			Price: req.Price, Amount: req.Amount, Filled: req.Amount,
		}, nil
	}
	h.advance(time.Minute)
	pos = h.load(t, id)
	require.NoError(t, h.exit.HandlePosition(ctx, &pos))

	assert.Equal(t, []string{stopID}, h.venue.CancelledIDs())
	closed := h.load(t, id)
	assert.False(t, closed.IsOpen)
	assert.Equal(t, domain.SellReasonEmergencySell, closed.SellReason)
	assert.Empty(t, closed.StopLossOrderID)
	last := h.venue.PlacedRequests()
	assert.Equal(t, domain.OrderTypeMarket, last[len(last)-1].Type)
	assert.Contains(t, h.sink.Types(), domain.EventExitFilled)
}

func TestStopOnVenueCancelFailureRetriesLater(t *testing.T) {
	h := newHarness(t, ExecutionConfig{}, stopOnVenueConfig())
	h.strategy.SL = -0.05
	h.strategy.ROI = domain.ROITable{0: 10}
	ctx := context.Background()
	id := h.openPosition(t, "ETH/BTC", 1.0, 1.0).ID

	h.venue.SetTicker("ETH/BTC", 1.0, 1.01, 1.0)
	pos := h.load(t, id)
	require.NoError(t, h.exit.HandlePosition(ctx, &pos))
	stopID := pos.StopLossOrderID

	h.venue.SetTicker("ETH/BTC", 2.0, 2.01, 2.0)
	h.venue.CancelErr[stopID] = domain.NewVenueError(domain.ErrTemporary, "cancel_order", "ETH/BTC", errors.New("timeout"))
	h.advance(2 * time.Minute)
	pos = h.load(t, id)
	require.NoError(t, h.exit.HandlePosition(ctx, &pos))
	h.advance(2 * time.Minute)
	pos = h.load(t, id)
	require.NoError(t, h.exit.HandlePosition(ctx, &pos))
	assert.Equal(t, stopID, h.load(t, id).StopLossOrderID)
	assert.Len(t, h.venue.PlacedRequests(), 1, "no new stop while the old one could not be cancelled")

	delete(h.venue.CancelErr, stopID)
	h.advance(2 * time.Minute)
	pos = h.load(t, id)
	require.NoError(t, h.exit.HandlePosition(ctx, &pos))

	got := h.load(t, id)
	assert.True(t, got.IsOpen)
	assert.NotEqual(t, stopID, got.StopLossOrderID)
	placed := h.venue.PlacedRequests()
	require.Len(t, placed, 2)
	assert.InDelta(t, 1.9, placed[1].StopPrice, 1e-12)
	assert.True(t, h.now.Equal(got.StopLossLastUpdate))
}

func TestStopOnVenueClosed(t *testing.T) {
	h := newHarness(t, ExecutionConfig{}, stopOnVenueConfig())
	ctx := context.Background()
	pos := h.openPosition(t, "ETH/BTC", 1.0, 1.0)
	pos.StopLoss = 0.9
	pos.StopLossOrderID = "stop-1"
	require.NoError(t, h.store.Update(ctx, pos))
	h.venue.PutOrder(domain.Order{
		ID: "stop-1", Pair: "ETH/BTC", Side: domain.OrderSideSell, Type: domain.OrderTypeStopLossLimit,
		Status: domain.OrderStatusClosed, Price: 0.891, Average: 0.895, StopPrice: 0.9, Amount: 1, Filled: 1,
	})

	exited, err := h.exit.HandleStopLossOnExchange(ctx, &pos)
	require.NoError(t, err)
	assert.True(t, exited)
	assert.False(t, pos.IsOpen)
	assert.Equal(t, domain.SellReasonStopLossOnExchange, pos.SellReason)
	assert.Equal(t, 0.895, pos.CloseRate)
	assert.Empty(t, pos.StopLossOrderID)
	assert.False(t, h.load(t, pos.ID).IsOpen)
	assert.Equal(t, []domain.EventType{domain.EventExitFilled}, h.sink.Types())
}

func TestStopOnVenueCancelledIsRecreated(t *testing.T) {
	h := newHarness(t, ExecutionConfig{}, stopOnVenueConfig())
	ctx := context.Background()
	pos := h.openPosition(t, "ETH/BTC", 1.0, 1.0)
	pos.StopLoss = 0.9
	pos.StopLossOrderID = "stop-1"
	require.NoError(t, h.store.Update(ctx, pos))
	h.venue.PutOrder(domain.Order{ID: "stop-1", Pair: "ETH/BTC", Side: domain.OrderSideSell, Type: domain.OrderTypeStopLossLimit, Status: domain.OrderStatusCanceled})

	exited, err := h.exit.HandleStopLossOnExchange(ctx, &pos)
	require.NoError(t, err)
	assert.False(t, exited)
	assert.NotEqual(t, "stop-1", pos.StopLossOrderID)
	assert.NotEmpty(t, pos.StopLossOrderID)
	placed := h.venue.PlacedRequests()
	require.Len(t, placed, 1)
	assert.Equal(t, 0.9, placed[0].StopPrice)

	h.venue.PutOrder(domain.Order{ID: pos.StopLossOrderID, Pair: "ETH/BTC", Side: domain.OrderSideSell, Type: domain.OrderTypeStopLossLimit, Status: domain.OrderStatusCanceled})
	h.venue.PlaceFunc = func(req domain.OrderRequest) (domain.Order, error) {
		return domain.Order{}, domain.NewVenueError(domain.ErrTemporary, "place_order", req.Pair, errors.New("timeout"))
	}
	exited, err = h.exit.HandleStopLossOnExchange(ctx, &pos)
	require.NoError(t, err)
	assert.False(t, exited)
	assert.Empty(t, pos.StopLossOrderID, "recreated on the next pass")
	assert.True(t, h.load(t, pos.ID).IsOpen)
}
