package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradecore/internal/domain"
	"github.com/alanyoungcy/tradecore/internal/metrics"
	"github.com/alanyoungcy/tradecore/internal/wallet"
)

// amountTolerance is the absolute difference under which two base amounts
// are considered equal.
const amountTolerance = 1e-12

// RiskAdvisor overrides stop loss and sizing per pair when edge mode is on.
type RiskAdvisor interface {
	StopLoss(pair string) (float64, bool)
	StakeAmount(pair string, free, total, inTrades float64) float64
}

// BidConfig is the entry price policy.
type BidConfig struct {
	AskLastBalance     float64
	UseOrderBook       bool
	OrderBookTop       int
	CheckDepthOfMarket bool
	BidsToAskDelta     float64
}

// ExecutionConfig holds the sizing and order parameters of entries.
type ExecutionConfig struct {
	StakeCurrency        string
	StakeAmount          float64
	UnlimitedStake       bool
	MaxOpenTrades        int
	CapitalLimit         float64
	AmountReservePercent float64
	BuyOrderType         domain.OrderType
	Bid                  BidConfig
	UnfilledTimeoutBuy   time.Duration
	UnfilledTimeoutSell  time.Duration
}

// ExecutionService places entry orders and reconciles every order the core
// has outstanding on the venue.
type ExecutionService struct {
	cfg       ExecutionConfig
	venue     domain.Exchange
	positions domain.PositionStore
	wallet    *wallet.Wallet
	strategy  domain.Strategy
	risk      RiskAdvisor
	sink      domain.EventSink
	logger    *slog.Logger
	now       func() time.Time
}

// NewExecutionService creates an ExecutionService. risk may be nil.
func NewExecutionService(
	cfg ExecutionConfig,
	venue domain.Exchange,
	positions domain.PositionStore,
	w *wallet.Wallet,
	strategy domain.Strategy,
	risk RiskAdvisor,
	sink domain.EventSink,
	logger *slog.Logger,
) *ExecutionService {
	if cfg.BuyOrderType == "" {
		cfg.BuyOrderType = domain.OrderTypeLimit
	}
	if cfg.Bid.OrderBookTop < 1 {
		cfg.Bid.OrderBookTop = 1
	}
	return &ExecutionService{
		cfg:       cfg,
		venue:     venue,
		positions: positions,
		wallet:    w,
		strategy:  strategy,
		risk:      risk,
		sink:      sink,
		logger:    logger.With(slog.String("component", "execution_service")),
		now:       time.Now,
	}
}

// StopLossFor returns the stop fraction that applies to pair: the edge
// value when the advisor covers it, else the strategy's.
func (s *ExecutionService) StopLossFor(pair string) float64 {
	if s.risk != nil {
		if sl, ok := s.risk.StopLoss(pair); ok {
			return sl
		}
	}
	return s.strategy.StopLoss()
}

// TargetBid returns the entry price for pair. With order book mode the
// configured bid level is used when the book is deep enough; otherwise the
// ticker policy applies.
func (s *ExecutionService) TargetBid(ctx context.Context, pair string) (float64, error) {
	if s.cfg.Bid.UseOrderBook {
		top := s.cfg.Bid.OrderBookTop
		ob, err := s.venue.GetOrderBook(ctx, pair, top)
		switch {
		case err == nil && len(ob.Bids) >= top:
			return ob.Bids[top-1].Price, nil
		case err != nil && domain.KindOf(err) == domain.KindTemporary:
			return 0, fmt.Errorf("execution_service: target bid: %w", err)
		default:
			s.logger.Info("execution_service: order book too shallow, using ticker",
				slog.String("pair", pair), slog.Int("order_book_top", top))
		}
	}

	tickers, err := s.venue.GetTickers(ctx)
	if err != nil {
		return 0, fmt.Errorf("execution_service: target bid: %w", err)
	}
	t, ok := tickers[pair]
	if !ok || t.Ask <= 0 {
		return 0, domain.NewVenueError(domain.ErrOperational, "target_bid", pair, errors.New("no ask price"))
	}
	return t.TargetBid(s.cfg.Bid.AskLastBalance), nil
}

// CheckDepthOfMarket reports whether the summed bid size is at least
// bids_to_ask_delta times the summed ask size.
func (s *ExecutionService) CheckDepthOfMarket(ctx context.Context, pair string) (bool, error) {
	ob, err := s.venue.GetOrderBook(ctx, pair, 1000)
	if err != nil {
		return false, fmt.Errorf("execution_service: depth of market: %w", err)
	}
	asks := ob.AskVolume()
	if asks <= 0 {
		return false, nil
	}
	delta := ob.BidVolume() / asks
	s.logger.Debug("execution_service: depth of market",
		slog.String("pair", pair), slog.Float64("bids_to_ask", delta))
	return delta >= s.cfg.Bid.BidsToAskDelta, nil
}

// MinPairStake is the smallest stake the venue limits allow for an entry at
// price, padded so the position can still be sold after a stop loss. ok is
// false when the market has no limits.
func (s *ExecutionService) MinPairStake(m domain.Market, price, stoploss float64) (float64, bool) {
	var mins []float64
	if m.MinCost > 0 {
		mins = append(mins, m.MinCost)
	}
	if m.MinAmount > 0 {
		mins = append(mins, m.MinAmount*price)
	}
	if len(mins) == 0 {
		return 0, false
	}
	reserve := 1 - s.cfg.AmountReservePercent + stoploss
	reserve = math.Max(reserve, 0.5)
	return slices.Min(mins) / reserve, true
}

// Enter sizes, prices and submits an entry on pair. created is false when
// the entry was skipped for a reason that is not an error.
func (s *ExecutionService) Enter(ctx context.Context, pair string) (pos domain.Position, created bool, err error) {
	stake, err := s.StakeAmount(ctx, pair)
	if err != nil {
		return domain.Position{}, false, err
	}
	if stake <= 0 {
		s.logger.Info("execution_service: no stake for pair", slog.String("pair", pair))
		return domain.Position{}, false, nil
	}

	if s.cfg.Bid.CheckDepthOfMarket {
		ok, err := s.CheckDepthOfMarket(ctx, pair)
		if err != nil {
			return domain.Position{}, false, err
		}
		if !ok {
			s.logger.Info("execution_service: depth of market check failed, skipping", slog.String("pair", pair))
			return domain.Position{}, false, nil
		}
	}

	price, err := s.TargetBid(ctx, pair)
	if err != nil {
		return domain.Position{}, false, err
	}

	markets, err := s.venue.GetMarkets(ctx)
	if err != nil {
		return domain.Position{}, false, fmt.Errorf("execution_service: markets: %w", err)
	}
	if minStake, ok := s.MinPairStake(markets[pair], price, s.StopLossFor(pair)); ok && stake < minStake {
		s.logger.Warn("execution_service: stake amount below the pair minimum, skipping",
			slog.String("pair", pair), slog.Float64("stake", stake), slog.Float64("min_stake", minStake))
		return domain.Position{}, false, nil
	}

	return s.SubmitEntry(ctx, pair, stake, price)
}

// SubmitEntry claims a position for stake/price on pair, places the buy and
// folds the venue's answer into the claim. An order the venue refuses
// without any fill, or a failed placement, removes the claim again.
func (s *ExecutionService) SubmitEntry(ctx context.Context, pair string, stake, price float64) (domain.Position, bool, error) {
	if price <= 0 || stake <= 0 {
		return domain.Position{}, false, domain.NewVenueError(domain.ErrOperational, "submit_entry", pair,
			fmt.Errorf("invalid stake %v or price %v", stake, price))
	}
	markets, err := s.venue.GetMarkets(ctx)
	if err != nil {
		return domain.Position{}, false, fmt.Errorf("execution_service: markets: %w", err)
	}
	m := markets[pair]

	amount := stake / price
	now := s.now().UTC()
	pos := domain.Position{
		Pair:              pair,
		Exchange:          s.venue.Name(),
		Strategy:          s.strategy.Name(),
		StakeAmount:       stake,
		Amount:            amount,
		OpenRate:          price,
		OpenRateRequested: price,
		IsOpen:            true,
		FeeOpen:           m.MakerFee,
		FeeClose:          m.MakerFee,
		OpenDate:          now,
	}
	if err := s.positions.Create(ctx, &pos); err != nil {
		return domain.Position{}, false, fmt.Errorf("execution_service: create position %s: %w", pair, err)
	}

	order, err := s.venue.PlaceOrder(ctx, domain.OrderRequest{
		Pair:   pair,
		Side:   domain.OrderSideBuy,
		Type:   s.cfg.BuyOrderType,
		Amount: amount,
		Price:  price,
	})
	if err != nil {
		s.dropClaim(ctx, pos)
		return domain.Position{}, false, fmt.Errorf("execution_service: place buy %s: %w", pair, err)
	}
	metrics.Orders.WithLabelValues(string(domain.OrderSideBuy), string(order.Type)).Inc()
	pos.OpenOrderID = order.ID

	switch order.Status {
	case domain.OrderStatusRejected, domain.OrderStatusExpired, domain.OrderStatusCanceled:
		if order.Filled <= 0 {
			s.dropClaim(ctx, pos)
			s.logger.Warn("execution_service: buy order was refused by the venue",
				slog.String("pair", pair), slog.String("status", string(order.Status)))
			s.sink.Emit(ctx, domain.Event{
				Type:          domain.EventEntryCancelled,
				Pair:          pair,
				Amount:        amount,
				Rate:          price,
				StakeCurrency: s.cfg.StakeCurrency,
				Status:        string(order.Status),
				Time:          now,
			})
			return domain.Position{}, false, nil
		}
		s.logger.Warn("execution_service: buy order partially filled before it ended",
			slog.String("pair", pair), slog.String("status", string(order.Status)),
			slog.Float64("filled", order.Filled), slog.Float64("amount", order.Amount))
		fallthrough
	case domain.OrderStatusClosed:
		if order.FillPrice() <= 0 {
			order.Price = price
		}
		cost := order.Cost
		if cost <= 0 {
			cost = nominalAmount(order) * order.FillPrice()
		}
		s.foldBuyFee(ctx, &pos, &order)
		if err := pos.ApplyOrder(order, now); err != nil {
			return domain.Position{}, false, domain.NewPositionError(pos, "apply_order", err)
		}
		pos.StakeAmount = cost
	}

	if err := s.positions.Update(ctx, pos); err != nil {
		return domain.Position{}, false, fmt.Errorf("execution_service: update position %d: %w", pos.ID, err)
	}
	s.logger.Info("execution_service: entry placed",
		slog.Int64("position_id", pos.ID), slog.String("pair", pair),
		slog.Float64("amount", pos.Amount), slog.Float64("rate", pos.OpenRate),
		slog.Float64("stake", pos.StakeAmount), slog.String("order_id", order.ID))

	s.refreshWallet(ctx)
	s.sink.Emit(ctx, s.positionEvent(domain.EventEntryPlaced, pos, pos.OpenRate, order.Type))
	if pos.OpenOrderID == "" {
		s.sink.Emit(ctx, s.positionEvent(domain.EventEntryFilled, pos, pos.OpenRate, order.Type))
	}
	return pos, true, nil
}

// dropClaim removes a position whose entry never reached the venue.
func (s *ExecutionService) dropClaim(ctx context.Context, pos domain.Position) {
	if err := s.positions.Delete(context.WithoutCancel(ctx), pos.ID); err != nil {
		s.logger.Error("execution_service: could not remove unplaced position",
			slog.Int64("position_id", pos.ID), slog.String("pair", pos.Pair), slog.Any("error", err))
	}
}

// foldBuyFee takes a base-currency fee of a terminal buy order out of the
// delivered amount. When it does, o carries the net amount and the
// position's open fee drops to zero.
func (s *ExecutionService) foldBuyFee(ctx context.Context, pos *domain.Position, o *domain.Order) {
	var fills []domain.Fill
	if needsFills(*pos, *o) {
		f, err := s.venue.GetTradesForOrder(ctx, o.ID, pos.Pair)
		if err != nil {
			s.logger.Warn("execution_service: unable to fetch order fills",
				slog.Int64("position_id", pos.ID), slog.String("order_id", o.ID), slog.Any("error", err))
		}
		fills = f
	}
	delivered, err := ReconcileFill(*pos, *o, fills)
	if err != nil {
		s.logger.Warn("execution_service: could not update position amount",
			slog.Int64("position_id", pos.ID), slog.Any("error", err))
		return
	}
	if math.Abs(delivered-nominalAmount(*o)) <= amountTolerance {
		return
	}
	if o.Status == domain.OrderStatusClosed {
		o.Amount = delivered
	} else {
		o.Filled = delivered
	}
	pos.FeeOpen = 0
}

// ReconcileFill returns the base amount actually delivered by a buy order:
// the nominal amount minus any fee charged in the base currency, taken from
// the order itself or else summed over its fills. Fees in other currencies
// leave the amount untouched. A fill total that disagrees with the order
// amount is an operational error.
func ReconcileFill(pos domain.Position, order domain.Order, fills []domain.Fill) (float64, error) {
	nominal := nominalAmount(order)
	if pos.FeeOpen == 0 || order.Status == domain.OrderStatusOpen {
		return nominal, nil
	}
	base, _, _ := domain.SplitPair(pos.Pair)

	if order.Fee != nil && order.Fee.Currency == base {
		return round8(decimal.NewFromFloat(nominal).Sub(decimal.NewFromFloat(order.Fee.Cost))), nil
	}
	if len(fills) == 0 {
		return nominal, nil
	}

	amount := decimal.Zero
	fee := decimal.Zero
	for _, f := range fills {
		amount = amount.Add(decimal.NewFromFloat(f.Amount))
		if f.Fee != nil && f.Fee.Currency == base {
			fee = fee.Add(decimal.NewFromFloat(f.Fee.Cost))
		}
	}
	if total, _ := amount.Float64(); math.Abs(total-nominal) > amountTolerance {
		return nominal, domain.NewVenueError(domain.ErrOperational, "reconcile_fill", pos.Pair,
			fmt.Errorf("fills total %v does not match order amount %v", total, nominal))
	}
	return round8(amount.Sub(fee)), nil
}

// needsFills reports whether the order alone cannot settle the fee question.
func needsFills(pos domain.Position, order domain.Order) bool {
	if pos.FeeOpen == 0 || order.Status == domain.OrderStatusOpen {
		return false
	}
	base, _, _ := domain.SplitPair(pos.Pair)
	return order.Fee == nil || order.Fee.Currency != base
}

func nominalAmount(o domain.Order) float64 {
	if o.Status == domain.OrderStatusClosed || o.Filled <= 0 {
		return o.Amount
	}
	return o.Filled
}

func round8(d decimal.Decimal) float64 {
	f, _ := d.Round(8).Float64()
	return f
}

// UpdateOrderState folds the latest state of the position's open order into
// the ledger. order may be nil, in which case it is fetched.
func (s *ExecutionService) UpdateOrderState(ctx context.Context, pos *domain.Position, order *domain.Order) error {
	if pos.OpenOrderID == "" {
		return nil
	}
	var o domain.Order
	if order != nil {
		o = *order
	} else {
		fetched, err := s.venue.GetOrder(ctx, pos.OpenOrderID, pos.Pair)
		if err != nil {
			if domain.KindOf(err) == domain.KindInvalidOrder {
				s.logger.Warn("execution_service: unable to fetch order",
					slog.Int64("position_id", pos.ID), slog.String("order_id", pos.OpenOrderID), slog.Any("error", err))
				return nil
			}
			return fmt.Errorf("execution_service: get order %s: %w", pos.OpenOrderID, err)
		}
		o = fetched
	}
	if o.Status == domain.OrderStatusOpen {
		return nil
	}

	if o.Side == domain.OrderSideBuy {
		s.foldBuyFee(ctx, pos, &o)
	}

	wasOpen := pos.IsOpen
	if err := pos.ApplyOrder(o, s.now().UTC()); err != nil {
		return domain.NewPositionError(*pos, "apply_order", err)
	}
	if o.Side == domain.OrderSideBuy && o.Status != domain.OrderStatusClosed && pos.OpenOrderID == "" {
		pos.StakeAmount = pos.Amount * pos.OpenRate
	}
	if err := s.positions.Update(ctx, *pos); err != nil {
		return fmt.Errorf("execution_service: update position %d: %w", pos.ID, err)
	}

	switch {
	case wasOpen && !pos.IsOpen:
		metrics.Exits.WithLabelValues(string(pos.SellReason)).Inc()
		s.refreshWallet(ctx)
		s.sink.Emit(ctx, s.positionEvent(domain.EventExitFilled, *pos, pos.CloseRate, o.Type))
	case o.Side == domain.OrderSideBuy && pos.OpenOrderID == "":
		s.refreshWallet(ctx)
		s.sink.Emit(ctx, s.positionEvent(domain.EventEntryFilled, *pos, pos.OpenRate, o.Type))
	}
	return nil
}

// SweepTimedOut cancels entry and exit orders left unfilled past their
// timeout, or cancelled by the venue. Failures are reported per position
// and never stop the sweep.
func (s *ExecutionService) SweepTimedOut(ctx context.Context) error {
	open, err := s.positions.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("execution_service: list open: %w", err)
	}
	now := s.now()
	for i := range open {
		pos := open[i]
		if pos.OpenOrderID == "" {
			continue
		}
		if err := s.sweepOne(ctx, &pos, now); err != nil {
			s.logger.Warn("execution_service: timeout sweep failed for position",
				slog.Int64("position_id", pos.ID), slog.String("pair", pos.Pair), slog.Any("error", err))
			s.sink.Emit(ctx, domain.Event{
				Type:       domain.EventError,
				Pair:       pos.Pair,
				PositionID: pos.ID,
				Error:      fmt.Sprintf("timeout sweep: %v", err),
				Time:       s.now().UTC(),
			})
		}
	}
	return nil
}

func (s *ExecutionService) sweepOne(ctx context.Context, pos *domain.Position, now time.Time) error {
	o, err := s.venue.GetOrder(ctx, pos.OpenOrderID, pos.Pair)
	if err != nil {
		return fmt.Errorf("get order %s: %w", pos.OpenOrderID, err)
	}
	ended := o.Status == domain.OrderStatusCanceled || o.Status == domain.OrderStatusExpired ||
		o.Status == domain.OrderStatusRejected
	if o.Status != domain.OrderStatusOpen && !ended {
		return nil
	}
	created := o.CreatedAt
	if created.IsZero() {
		created = pos.OpenDate
	}

	switch o.Side {
	case domain.OrderSideBuy:
		timedOut := o.Status == domain.OrderStatusOpen && now.Sub(created) > s.cfg.UnfilledTimeoutBuy
		if ended || timedOut {
			return s.handleTimedOutBuy(ctx, pos, o)
		}
	case domain.OrderSideSell:
		timedOut := o.Status == domain.OrderStatusOpen && now.Sub(created) > s.cfg.UnfilledTimeoutSell
		if ended || timedOut {
			return s.handleTimedOutSell(ctx, pos, o)
		}
	}
	return nil
}

func (s *ExecutionService) handleTimedOutBuy(ctx context.Context, pos *domain.Position, o domain.Order) error {
	reason := string(o.Status) + " on venue"
	if o.Status == domain.OrderStatusOpen {
		reason = "cancelled due to timeout"
		if err := s.venue.CancelOrder(ctx, o.ID, pos.Pair); err != nil {
			return fmt.Errorf("cancel buy %s: %w", o.ID, err)
		}
		// fills may have landed between the fetch and the cancel
		after, err := s.venue.GetOrder(ctx, o.ID, pos.Pair)
		if err != nil {
			return fmt.Errorf("get cancelled buy %s: %w", o.ID, err)
		}
		o = after
	}
	if o.Status == domain.OrderStatusClosed {
		return s.UpdateOrderState(ctx, pos, &o)
	}
	now := s.now().UTC()

	if o.Filled <= 0 {
		if err := s.positions.Delete(ctx, pos.ID); err != nil {
			return fmt.Errorf("delete position: %w", err)
		}
		metrics.TimedOutOrders.WithLabelValues("buy", "deleted").Inc()
		s.logger.Info("execution_service: unfilled buy order removed",
			slog.Int64("position_id", pos.ID), slog.String("pair", pos.Pair), slog.String("reason", reason))
		s.refreshWallet(ctx)
		ev := s.positionEvent(domain.EventEntryCancelled, *pos, pos.OpenRate, o.Type)
		ev.Status = reason
		ev.Time = now
		s.sink.Emit(ctx, ev)
		return nil
	}

	o.Status = domain.OrderStatusCanceled
	if o.FillPrice() <= 0 {
		o.Price = pos.OpenRate
	}
	s.foldBuyFee(ctx, pos, &o)
	if err := pos.ApplyOrder(o, now); err != nil {
		return domain.NewPositionError(*pos, "apply_order", err)
	}
	pos.StakeAmount = pos.Amount * pos.OpenRate
	if err := s.positions.Update(ctx, *pos); err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	metrics.TimedOutOrders.WithLabelValues("buy", "partial").Inc()
	s.logger.Info("execution_service: partially filled buy order kept",
		slog.Int64("position_id", pos.ID), slog.String("pair", pos.Pair),
		slog.Float64("amount", pos.Amount), slog.String("reason", reason))
	s.refreshWallet(ctx)
	s.sink.Emit(ctx, s.positionEvent(domain.EventEntryFilled, *pos, pos.OpenRate, o.Type))
	return nil
}

func (s *ExecutionService) handleTimedOutSell(ctx context.Context, pos *domain.Position, o domain.Order) error {
	if o.Filled > 0 {
		s.logger.Warn("execution_service: partially filled sell order left in place",
			slog.Int64("position_id", pos.ID), slog.String("pair", pos.Pair),
			slog.Float64("filled", o.Filled), slog.Float64("amount", o.Amount))
		return nil
	}
	reason := string(o.Status) + " on venue"
	if o.Status == domain.OrderStatusOpen {
		reason = "cancelled due to timeout"
		if err := s.venue.CancelOrder(ctx, o.ID, pos.Pair); err != nil {
			return fmt.Errorf("cancel sell %s: %w", o.ID, err)
		}
	}
	prev := *pos
	if err := pos.Reopen(); err != nil {
		return domain.NewPositionError(*pos, "reopen", err)
	}
	if err := s.positions.Update(ctx, *pos); err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	metrics.TimedOutOrders.WithLabelValues("sell", "reopened").Inc()
	s.logger.Info("execution_service: unfilled sell order cancelled",
		slog.Int64("position_id", pos.ID), slog.String("pair", pos.Pair), slog.String("reason", reason))
	s.refreshWallet(ctx)
	ev := s.positionEvent(domain.EventExitCancelled, prev, prev.CloseRateRequested, o.Type)
	ev.Status = reason
	s.sink.Emit(ctx, ev)
	return nil
}

func (s *ExecutionService) refreshWallet(ctx context.Context) {
	if err := s.wallet.Update(ctx); err != nil {
		s.logger.Warn("execution_service: wallet refresh failed", slog.Any("error", err))
	}
}

func (s *ExecutionService) positionEvent(t domain.EventType, pos domain.Position, rate float64, ot domain.OrderType) domain.Event {
	return newPositionEvent(t, pos, rate, ot, s.cfg.StakeCurrency, s.now().UTC())
}

func newPositionEvent(t domain.EventType, pos domain.Position, rate float64, ot domain.OrderType, stakeCurrency string, at time.Time) domain.Event {
	ev := domain.Event{
		Type:          t,
		Pair:          pos.Pair,
		PositionID:    pos.ID,
		Amount:        pos.Amount,
		Rate:          rate,
		OpenRate:      pos.OpenRate,
		StakeAmount:   pos.StakeAmount,
		StakeCurrency: stakeCurrency,
		SellReason:    pos.SellReason,
		OrderType:     ot,
		Time:          at,
	}
	if t == domain.EventExitFilled || t == domain.EventExitPlaced {
		ev.ProfitRatio = pos.ProfitRatio(rate)
		ev.ProfitAbs = pos.ProfitAbs(rate)
	}
	return ev
}
