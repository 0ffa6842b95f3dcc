package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// SellReason records why a position was closed.
type SellReason string

const (
	SellReasonNone               SellReason = ""
	SellReasonROI                SellReason = "roi"
	SellReasonStopLoss           SellReason = "stop_loss"
	SellReasonStopLossOnExchange SellReason = "stoploss_on_exchange"
	SellReasonTrailingStopLoss   SellReason = "trailing_stop_loss"
	SellReasonSellSignal         SellReason = "sell_signal"
	SellReasonForceSell          SellReason = "force_sell"
	SellReasonEmergencySell      SellReason = "emergency_sell"
)

// IsStopLoss reports whether the reason is a software-side stop.
func (r SellReason) IsStopLoss() bool {
	return r == SellReasonStopLoss || r == SellReasonTrailingStopLoss
}

// Position is one trade of the ledger, from entry order to close.
//
// OpenOrderID is non-empty while an entry or exit order is unsettled.
// A closed position is immutable: Close, Reopen and ApplyOrder fail with
// ErrPositionClosed once IsOpen is false.
type Position struct {
	ID                 int64      `json:"id"`
	Pair               string     `json:"pair"`
	Exchange           string     `json:"exchange"`
	Strategy           string     `json:"strategy"`
	StakeAmount        float64    `json:"stake_amount"`
	Amount             float64    `json:"amount"`
	OpenRate           float64    `json:"open_rate"`
	OpenRateRequested  float64    `json:"open_rate_requested"`
	CloseRate          float64    `json:"close_rate,omitempty"`
	CloseRateRequested float64    `json:"close_rate_requested,omitempty"`
	CloseProfit        float64    `json:"close_profit,omitempty"`
	IsOpen             bool       `json:"is_open"`
	OpenOrderID        string     `json:"open_order_id,omitempty"`
	StopLoss           float64    `json:"stop_loss"`
	StopLossPct        float64    `json:"stop_loss_pct"`
	InitialStopLoss    float64    `json:"initial_stop_loss"`
	InitialStopLossPct float64    `json:"initial_stop_loss_pct"`
	MaxRate            float64    `json:"max_rate"`
	MinRate            float64    `json:"min_rate"`
	StopLossOrderID    string     `json:"stoploss_order_id,omitempty"`
	StopLossLastUpdate time.Time  `json:"stoploss_last_update"`
	SellReason         SellReason `json:"sell_reason,omitempty"`
	FeeOpen            float64    `json:"fee_open"`
	FeeClose           float64    `json:"fee_close"`
	OpenDate           time.Time  `json:"open_date"`
	CloseDate          *time.Time `json:"close_date,omitempty"`
}

func (p Position) String() string {
	state := "open"
	if !p.IsOpen {
		state = "closed"
	}
	return fmt.Sprintf("Position(id=%d, pair=%s, amount=%.8f, open_rate=%.8f, %s)", p.ID, p.Pair, p.Amount, p.OpenRate, state)
}

// OpenTradeCost is the quote currency spent including the entry fee.
func (p Position) OpenTradeCost() float64 {
	v := decimal.NewFromFloat(p.Amount).
		Mul(decimal.NewFromFloat(p.OpenRate)).
		Mul(decimal.NewFromInt(1).Add(decimal.NewFromFloat(p.FeeOpen)))
	f, _ := v.Float64()
	return f
}

// CloseTradeValue is the quote currency received when selling at rate after
// the exit fee.
func (p Position) CloseTradeValue(rate float64) float64 {
	v := decimal.NewFromFloat(p.Amount).
		Mul(decimal.NewFromFloat(rate)).
		Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(p.FeeClose)))
	f, _ := v.Float64()
	return f
}

// ProfitRatio is (rate*(1-fee_close)) / (open_rate*(1+fee_open)) - 1.
func (p Position) ProfitRatio(rate float64) float64 {
	if p.OpenRate == 0 {
		return 0
	}
	one := decimal.NewFromInt(1)
	num := decimal.NewFromFloat(rate).Mul(one.Sub(decimal.NewFromFloat(p.FeeClose)))
	den := decimal.NewFromFloat(p.OpenRate).Mul(one.Add(decimal.NewFromFloat(p.FeeOpen)))
	f, _ := num.DivRound(den, 16).Sub(one).Float64()
	return f
}

// ProfitAbs is the realised quote-currency profit of selling at rate.
func (p Position) ProfitAbs(rate float64) float64 {
	v := decimal.NewFromFloat(p.CloseTradeValue(rate)).Sub(decimal.NewFromFloat(p.OpenTradeCost()))
	f, _ := v.Float64()
	return f
}

// AdjustMinMax tracks the highest and lowest rates seen while open.
func (p *Position) AdjustMinMax(rate float64) {
	if p.MaxRate == 0 || rate > p.MaxRate {
		p.MaxRate = rate
	}
	if p.MinRate == 0 || rate < p.MinRate {
		p.MinRate = rate
	}
}

// AdjustStopLoss moves the stop to rate*(1-|stoploss|) if that is higher
// than the current stop. With initial set, it only seeds an unset stop.
// It returns true when the stop moved.
func (p *Position) AdjustStopLoss(rate, stoploss float64, initial bool) bool {
	if initial && p.StopLoss != 0 {
		return false
	}
	pct := -math.Abs(stoploss)
	newLoss := rate * (1 + pct)

	if p.StopLoss == 0 {
		p.StopLoss = newLoss
		p.StopLossPct = pct
		p.InitialStopLoss = newLoss
		p.InitialStopLossPct = pct
		return true
	}
	if newLoss > p.StopLoss {
		p.StopLoss = newLoss
		p.StopLossPct = pct
		return true
	}
	return false
}

// IsTrailing reports whether the stop has moved away from its initial value.
func (p Position) IsTrailing() bool {
	return p.StopLoss != p.InitialStopLoss
}

// Close settles the position at rate.
func (p *Position) Close(rate float64, at time.Time) error {
	if !p.IsOpen {
		return ErrPositionClosed
	}
	p.CloseRate = rate
	p.CloseProfit = p.ProfitRatio(rate)
	p.CloseDate = &at
	p.IsOpen = false
	p.OpenOrderID = ""
	return nil
}

// Reopen drops a pending exit so the position is evaluated again.
func (p *Position) Reopen() error {
	if !p.IsOpen {
		return ErrPositionClosed
	}
	p.OpenOrderID = ""
	p.SellReason = SellReasonNone
	p.CloseRateRequested = 0
	return nil
}

// PendingExit reports whether an exit order is waiting on the venue.
func (p Position) PendingExit() bool {
	return p.IsOpen && p.OpenOrderID != "" && p.SellReason != SellReasonNone
}

// ApplyOrder folds a settled venue order into the position. Open orders,
// orders without a price and unfilled terminal orders are ignored. A
// terminal entry that filled partially settles at the filled amount.
func (p *Position) ApplyOrder(o Order, at time.Time) error {
	if !p.IsOpen {
		return ErrPositionClosed
	}
	if o.Status == OrderStatusOpen || o.FillPrice() == 0 {
		return nil
	}
	switch {
	case o.Type == OrderTypeStopLossLimit:
		if o.Status != OrderStatusClosed {
			return nil
		}
		p.StopLossOrderID = ""
		p.CloseRateRequested = p.StopLoss
		return p.Close(o.FillPrice(), at)
	case o.Side == OrderSideBuy:
		amount := o.Amount
		if o.Status != OrderStatusClosed {
			if o.Filled <= 0 {
				return nil
			}
			amount = o.Filled
		}
		p.OpenRate = o.FillPrice()
		p.Amount = amount
		p.OpenOrderID = ""
		return nil
	case o.Side == OrderSideSell:
		if o.Status != OrderStatusClosed {
			return nil
		}
		return p.Close(o.FillPrice(), at)
	}
	return fmt.Errorf("domain: unknown order side %q", o.Side)
}
