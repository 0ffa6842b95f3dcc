package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
	"github.com/alanyoungcy/tradecore/internal/metrics"
	"github.com/alanyoungcy/tradecore/internal/wallet"
)

// stopLimitRatio places the limit of a venue stop 1% below its trigger.
const stopLimitRatio = 0.99

// TrailingConfig controls how the stop follows the price.
type TrailingConfig struct {
	Enabled bool
	// Positive replaces the stop fraction once profit exceeds Offset; zero
	// keeps the strategy stop.
	Positive          float64
	Offset            float64
	OnlyOffsetReached bool
}

// ExitConfig holds the exit rules.
type ExitConfig struct {
	StakeCurrency        string
	Trailing             TrailingConfig
	UseSellSignal        bool
	SellProfitOnly       bool
	IgnoreROIIfBuySignal bool

	SellOrderType          domain.OrderType
	StopLossOrderType      domain.OrderType
	EmergencySellOrderType domain.OrderType
	StopLossOnExchange     bool
	StopLossInterval       time.Duration

	AskUseOrderBook bool
	AskOrderBookMin int
	AskOrderBookMax int

	ExitCooldown time.Duration
}

// ExitService decides when open positions are closed and keeps their venue
// stop orders in line with the ledger.
type ExitService struct {
	cfg       ExitConfig
	venue     domain.Exchange
	positions domain.PositionStore
	exec      *ExecutionService
	strategy  domain.Strategy
	locks     domain.PairLocker
	wallet    *wallet.Wallet
	sink      domain.EventSink
	logger    *slog.Logger
	now       func() time.Time
}

// NewExitService creates an ExitService. It shares the venue, ledger and
// stop-loss resolution of exec.
func NewExitService(
	cfg ExitConfig,
	exec *ExecutionService,
	locks domain.PairLocker,
	sink domain.EventSink,
	logger *slog.Logger,
) *ExitService {
	if cfg.SellOrderType == "" {
		cfg.SellOrderType = domain.OrderTypeLimit
	}
	if cfg.StopLossOrderType == "" {
		cfg.StopLossOrderType = domain.OrderTypeLimit
	}
	if cfg.EmergencySellOrderType == "" {
		cfg.EmergencySellOrderType = domain.OrderTypeMarket
	}
	if cfg.AskOrderBookMin < 1 {
		cfg.AskOrderBookMin = 1
	}
	if cfg.AskOrderBookMax < cfg.AskOrderBookMin {
		cfg.AskOrderBookMax = cfg.AskOrderBookMin
	}
	return &ExitService{
		cfg:       cfg,
		venue:     exec.venue,
		positions: exec.positions,
		exec:      exec,
		strategy:  exec.strategy,
		locks:     locks,
		wallet:    exec.wallet,
		sink:      sink,
		logger:    logger.With(slog.String("component", "exit_service")),
		now:       time.Now,
	}
}

// HandlePosition runs one evaluation of an open position: settle its pending
// order, reconcile the venue stop, then decide on an exit.
func (s *ExitService) HandlePosition(ctx context.Context, pos *domain.Position) error {
	if pos.OpenOrderID != "" {
		if err := s.exec.UpdateOrderState(ctx, pos, nil); err != nil {
			return err
		}
	}
	if !pos.IsOpen {
		return nil
	}
	if s.cfg.StopLossOnExchange {
		exited, err := s.HandleStopLossOnExchange(ctx, pos)
		if err != nil {
			return err
		}
		if exited {
			return nil
		}
	}
	if !pos.IsOpen || pos.OpenOrderID != "" {
		return nil
	}
	return s.evaluate(ctx, pos)
}

// evaluate checks the exit rules at the sell rate and exits when one fires.
// With ask-side order book mode every configured ask level is tried in turn.
func (s *ExitService) evaluate(ctx context.Context, pos *domain.Position) error {
	sig := s.strategy.Signal(pos.Pair)
	now := s.now().UTC()

	rates, err := s.sellRates(ctx, pos.Pair)
	if err != nil {
		return err
	}
	for _, rate := range rates {
		if reason, ok := s.ShouldExit(pos, rate, now, sig); ok {
			return s.ExecuteExit(ctx, pos, rate, reason)
		}
	}
	if err := s.positions.Update(ctx, *pos); err != nil {
		return fmt.Errorf("exit_service: update position %d: %w", pos.ID, err)
	}
	return nil
}

// sellRates returns the rates an exit is evaluated at: the ticker bid, or
// the asks from order_book_min to order_book_max.
func (s *ExitService) sellRates(ctx context.Context, pair string) ([]float64, error) {
	if s.cfg.AskUseOrderBook {
		ob, err := s.venue.GetOrderBook(ctx, pair, s.cfg.AskOrderBookMax)
		if err != nil {
			return nil, fmt.Errorf("exit_service: order book %s: %w", pair, err)
		}
		var rates []float64
		for i := s.cfg.AskOrderBookMin; i <= s.cfg.AskOrderBookMax && i <= len(ob.Asks); i++ {
			rates = append(rates, ob.Asks[i-1].Price)
		}
		if len(rates) > 0 {
			return rates, nil
		}
		s.logger.Info("exit_service: order book has no asks in range, using ticker", slog.String("pair", pair))
	}
	tickers, err := s.venue.GetTickers(ctx)
	if err != nil {
		return nil, fmt.Errorf("exit_service: tickers: %w", err)
	}
	t, ok := tickers[pair]
	if !ok || t.Bid <= 0 {
		return nil, domain.NewVenueError(domain.ErrOperational, "sell_rate", pair, errors.New("no bid price"))
	}
	return []float64{t.Bid}, nil
}

// ShouldExit applies the exit rules in priority order: stop loss, ROI,
// the sell_profit_only guard, the sell signal. It updates the position's
// min/max rates and trailing stop as a side effect.
func (s *ExitService) ShouldExit(pos *domain.Position, rate float64, now time.Time, sig domain.Signal) (domain.SellReason, bool) {
	pos.AdjustMinMax(rate)
	profit := pos.ProfitRatio(rate)

	if reason, hit := s.stopLossReached(pos, rate, profit); hit {
		return reason, true
	}

	if s.cfg.IgnoreROIIfBuySignal && sig.Buy {
		s.logger.Debug("exit_service: buy signal still active, holding", slog.String("pair", pos.Pair))
		return domain.SellReasonNone, false
	}
	if s.minROIReached(*pos, profit, now) {
		return domain.SellReasonROI, true
	}
	if s.cfg.SellProfitOnly && pos.ProfitAbs(rate) <= 0 {
		return domain.SellReasonNone, false
	}
	if sig.Sell && !sig.Buy && s.cfg.UseSellSignal {
		return domain.SellReasonSellSignal, true
	}
	return domain.SellReasonNone, false
}

// stopLossReached seeds the initial stop, trails it and reports a hit. A
// stop held on the venue is never hit in software.
func (s *ExitService) stopLossReached(pos *domain.Position, rate, profit float64) (domain.SellReason, bool) {
	sl := s.exec.StopLossFor(pos.Pair)
	pos.AdjustStopLoss(pos.OpenRate, sl, true)

	tr := s.cfg.Trailing
	if tr.Enabled && !(tr.OnlyOffsetReached && profit < tr.Offset) {
		trail := sl
		if tr.Positive > 0 && profit > tr.Offset {
			trail = tr.Positive
		}
		pos.AdjustStopLoss(pos.MaxRate, trail, false)
	}

	if s.cfg.StopLossOnExchange || pos.StopLoss < rate {
		return domain.SellReasonNone, false
	}
	if tr.Enabled && pos.MaxRate > pos.OpenRate {
		return domain.SellReasonTrailingStopLoss, true
	}
	return domain.SellReasonStopLoss, true
}

func (s *ExitService) minROIReached(pos domain.Position, profit float64, now time.Time) bool {
	minutes := int(now.Sub(pos.OpenDate).Minutes())
	roi, ok := s.strategy.MinimalROI().At(minutes)
	return ok && profit > roi
}

// HandleStopLossOnExchange keeps a stop order on the venue for a filled
// position. It reports true when the venue stop has closed the position or
// an emergency exit was placed.
func (s *ExitService) HandleStopLossOnExchange(ctx context.Context, pos *domain.Position) (bool, error) {
	var stop *domain.Order
	if pos.StopLossOrderID != "" {
		o, err := s.venue.GetOrder(ctx, pos.StopLossOrderID, pos.Pair)
		switch {
		case err == nil:
			stop = &o
		case domain.KindOf(err) == domain.KindInvalidOrder:
			s.logger.Warn("exit_service: unable to fetch stoploss order",
				slog.Int64("position_id", pos.ID), slog.String("order_id", pos.StopLossOrderID), slog.Any("error", err))
		default:
			return false, fmt.Errorf("exit_service: get stoploss order: %w", err)
		}
	}

	if pos.OpenOrderID == "" && stop == nil {
		sl := s.exec.StopLossFor(pos.Pair)
		stopPrice := max(pos.OpenRate*(1+sl), pos.StopLoss)
		return s.placeStop(ctx, pos, stopPrice)
	}
	if stop == nil {
		return false, nil
	}

	switch stop.Status {
	case domain.OrderStatusCanceled:
		exited, err := s.placeStop(ctx, pos, pos.StopLoss)
		if err != nil && domain.KindOf(err) == domain.KindTemporary {
			s.logger.Warn("exit_service: stoploss order was cancelled, but unable to recreate one",
				slog.Int64("position_id", pos.ID), slog.String("pair", pos.Pair), slog.Any("error", err))
			return false, s.persist(ctx, pos)
		}
		return exited, err
	case domain.OrderStatusClosed:
		pos.SellReason = domain.SellReasonStopLossOnExchange
		if err := pos.ApplyOrder(*stop, s.now().UTC()); err != nil {
			return false, domain.NewPositionError(*pos, "apply_stoploss_order", err)
		}
		if err := s.persist(ctx, pos); err != nil {
			return false, err
		}
		s.afterExit(ctx, pos)
		metrics.Exits.WithLabelValues(string(pos.SellReason)).Inc()
		s.sink.Emit(ctx, s.positionEvent(domain.EventExitFilled, *pos, pos.CloseRate, stop.Type))
		return true, nil
	}

	if s.cfg.Trailing.Enabled && stop.Status == domain.OrderStatusOpen {
		return s.trailStop(ctx, pos, *stop)
	}
	return false, nil
}

// trailStop replaces a venue stop that lags the ledger stop, at most once
// per interval. A failed cancel is retried on a later interval.
func (s *ExitService) trailStop(ctx context.Context, pos *domain.Position, stop domain.Order) (bool, error) {
	if stop.StopPrice >= pos.StopLoss {
		return false, nil
	}
	if s.now().Sub(pos.StopLossLastUpdate) < s.cfg.StopLossInterval {
		return false, nil
	}
	s.logger.Info("exit_service: trailing stoploss, replacing venue stop",
		slog.Int64("position_id", pos.ID), slog.String("order_id", stop.ID),
		slog.Float64("venue_stop", stop.StopPrice), slog.Float64("stop_loss", pos.StopLoss))

	if err := s.venue.CancelOrder(ctx, stop.ID, pos.Pair); err != nil {
		if domain.KindOf(err) != domain.KindInvalidOrder {
			s.logger.Warn("exit_service: could not cancel stoploss order, retrying next interval",
				slog.Int64("position_id", pos.ID), slog.String("order_id", stop.ID), slog.Any("error", err))
			return false, nil
		}
		s.logger.Info("exit_service: stoploss order already gone",
			slog.Int64("position_id", pos.ID), slog.String("order_id", stop.ID))
	}
	pos.StopLossOrderID = ""
	exited, err := s.placeStop(ctx, pos, pos.StopLoss)
	if err != nil || exited {
		return exited, err
	}
	return false, s.persist(ctx, pos)
}

// placeStop creates a venue stop at stopPrice. If the venue refuses it, the
// position is sold at once with an emergency exit.
func (s *ExitService) placeStop(ctx context.Context, pos *domain.Position, stopPrice float64) (bool, error) {
	o, err := s.venue.PlaceOrder(ctx, domain.OrderRequest{
		Pair:      pos.Pair,
		Side:      domain.OrderSideSell,
		Type:      domain.OrderTypeStopLossLimit,
		Amount:    pos.Amount,
		Price:     stopPrice * stopLimitRatio,
		StopPrice: stopPrice,
	})
	if err == nil {
		metrics.Orders.WithLabelValues(string(domain.OrderSideSell), string(domain.OrderTypeStopLossLimit)).Inc()
		pos.StopLossOrderID = o.ID
		pos.StopLossLastUpdate = s.now().UTC()
		s.logger.Info("exit_service: stoploss order placed",
			slog.Int64("position_id", pos.ID), slog.String("order_id", o.ID), slog.Float64("stop_price", stopPrice))
		return false, s.persist(ctx, pos)
	}

	pos.StopLossOrderID = ""
	switch domain.KindOf(err) {
	case domain.KindInvalidOrder, domain.KindOperational:
		s.logger.Error("exit_service: unable to place a stoploss order, selling the position",
			slog.Int64("position_id", pos.ID), slog.String("pair", pos.Pair), slog.Any("error", err))
		if err := s.ExecuteExit(ctx, pos, pos.StopLoss, domain.SellReasonEmergencySell); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, fmt.Errorf("exit_service: place stoploss order: %w", err)
	}
}

// ExecuteExit places the sell order of pos at rate. It fails with
// ErrPositionClosed when the position is already closed.
func (s *ExitService) ExecuteExit(ctx context.Context, pos *domain.Position, rate float64, reason domain.SellReason) error {
	if !pos.IsOpen {
		return domain.NewPositionError(*pos, "execute_exit", domain.ErrPositionClosed)
	}

	if pos.StopLossOrderID != "" {
		if err := s.venue.CancelOrder(ctx, pos.StopLossOrderID, pos.Pair); err != nil {
			if domain.KindOf(err) != domain.KindInvalidOrder {
				return fmt.Errorf("exit_service: cancel stoploss order: %w", err)
			}
			s.logger.Warn("exit_service: could not cancel stoploss order",
				slog.Int64("position_id", pos.ID), slog.String("order_id", pos.StopLossOrderID), slog.Any("error", err))
		}
		pos.StopLossOrderID = ""
	}

	orderType := s.cfg.SellOrderType
	switch {
	case reason == domain.SellReasonEmergencySell:
		orderType = s.cfg.EmergencySellOrderType
	case reason.IsStopLoss():
		orderType = s.cfg.StopLossOrderType
	}

	o, err := s.venue.PlaceOrder(ctx, domain.OrderRequest{
		Pair:   pos.Pair,
		Side:   domain.OrderSideSell,
		Type:   orderType,
		Amount: pos.Amount,
		Price:  rate,
	})
	if err != nil {
		return fmt.Errorf("exit_service: place sell %s: %w", pos.Pair, err)
	}
	metrics.Orders.WithLabelValues(string(domain.OrderSideSell), string(orderType)).Inc()

	pos.OpenOrderID = o.ID
	pos.SellReason = reason
	pos.CloseRateRequested = rate
	s.logger.Info("exit_service: exit placed",
		slog.Int64("position_id", pos.ID), slog.String("pair", pos.Pair),
		slog.String("reason", string(reason)), slog.Float64("rate", rate), slog.String("order_id", o.ID))

	if o.Status == domain.OrderStatusClosed {
		fill := o.FillPrice()
		if fill <= 0 {
			fill = rate
		}
		if err := pos.Close(fill, s.now().UTC()); err != nil {
			return domain.NewPositionError(*pos, "close", err)
		}
	}
	if err := s.persist(ctx, pos); err != nil {
		return err
	}

	s.afterExit(ctx, pos)
	s.sink.Emit(ctx, s.positionEvent(domain.EventExitPlaced, *pos, rate, orderType))
	if !pos.IsOpen {
		metrics.Exits.WithLabelValues(string(reason)).Inc()
		s.sink.Emit(ctx, s.positionEvent(domain.EventExitFilled, *pos, pos.CloseRate, orderType))
	}
	return nil
}

// ForceExit sells the open position id at the current bid.
func (s *ExitService) ForceExit(ctx context.Context, id int64) (domain.Position, error) {
	pos, err := s.positions.GetByID(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("exit_service: get position %d: %w", id, err)
	}
	if !pos.IsOpen {
		return pos, domain.NewPositionError(pos, "force_exit", domain.ErrPositionClosed)
	}
	if pos.OpenOrderID != "" {
		if !pos.PendingExit() {
			return pos, domain.NewVenueError(domain.ErrOperational, "force_exit", pos.Pair, errors.New("entry order still pending"))
		}
		if err := s.venue.CancelOrder(ctx, pos.OpenOrderID, pos.Pair); err != nil && domain.KindOf(err) != domain.KindInvalidOrder {
			return pos, fmt.Errorf("exit_service: cancel open order: %w", err)
		}
		if err := pos.Reopen(); err != nil {
			return pos, err
		}
	}
	tickers, err := s.venue.GetTickers(ctx)
	if err != nil {
		return pos, fmt.Errorf("exit_service: tickers: %w", err)
	}
	rate := tickers[pos.Pair].Bid
	if rate <= 0 {
		return pos, domain.NewVenueError(domain.ErrOperational, "force_exit", pos.Pair, errors.New("no bid price"))
	}
	if err := s.ExecuteExit(ctx, &pos, rate, domain.SellReasonForceSell); err != nil {
		return pos, err
	}
	return pos, nil
}

// afterExit locks the pair for the cool-down, or releases it when no
// cool-down is configured, and refreshes balances once the position closed.
func (s *ExitService) afterExit(ctx context.Context, pos *domain.Position) {
	if s.locks != nil {
		var err error
		if s.cfg.ExitCooldown > 0 {
			err = s.locks.Lock(ctx, pos.Pair, s.now().Add(s.cfg.ExitCooldown))
		} else {
			err = s.locks.Unlock(ctx, pos.Pair)
		}
		if err != nil {
			s.logger.Warn("exit_service: pair lock update failed", slog.String("pair", pos.Pair), slog.Any("error", err))
		}
	}
	if !pos.IsOpen {
		s.exec.refreshWallet(ctx)
	}
}

func (s *ExitService) persist(ctx context.Context, pos *domain.Position) error {
	if err := s.positions.Update(ctx, *pos); err != nil {
		return fmt.Errorf("exit_service: update position %d: %w", pos.ID, err)
	}
	return nil
}

func (s *ExitService) positionEvent(t domain.EventType, pos domain.Position, rate float64, ot domain.OrderType) domain.Event {
	return newPositionEvent(t, pos, rate, ot, s.cfg.StakeCurrency, s.now().UTC())
}
