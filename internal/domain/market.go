package domain

import "strings"

// Market is venue metadata for one tradeable pair.
type Market struct {
	Symbol          string  `json:"symbol"`
	Base            string  `json:"base"`
	Quote           string  `json:"quote"`
	Active          bool    `json:"active"`
	PricePrecision  int     `json:"price_precision"`
	AmountPrecision int     `json:"amount_precision"`
	MinAmount       float64 `json:"min_amount,omitempty"`
	MinCost         float64 `json:"min_cost,omitempty"`
	MakerFee        float64 `json:"maker_fee"`
	TakerFee        float64 `json:"taker_fee"`
}

// Ticker is the latest top-of-book and volume snapshot of a pair.
type Ticker struct {
	Symbol      string   `json:"symbol"`
	Bid         float64  `json:"bid"`
	Ask         float64  `json:"ask"`
	Last        float64  `json:"last"`
	BaseVolume  *float64 `json:"base_volume,omitempty"`
	QuoteVolume *float64 `json:"quote_volume,omitempty"`
}

// Volume returns the ranking value for key, or false when the venue did not
// report it.
func (t Ticker) Volume(key string) (float64, bool) {
	switch key {
	case "quoteVolume":
		if t.QuoteVolume == nil {
			return 0, false
		}
		return *t.QuoteVolume, true
	case "baseVolume":
		if t.BaseVolume == nil {
			return 0, false
		}
		return *t.BaseVolume, true
	case "bid":
		return t.Bid, t.Bid != 0
	case "ask":
		return t.Ask, t.Ask != 0
	}
	return 0, false
}

// TargetBid is the entry price derived from the ticker alone: the ask when
// it is below the last trade, otherwise a blend of ask and last weighted by
// askLastBalance (0 = ask, 1 = last). The result never exceeds the ask.
func (t Ticker) TargetBid(askLastBalance float64) float64 {
	if t.Ask < t.Last || t.Last <= 0 {
		return t.Ask
	}
	return t.Ask + askLastBalance*(t.Last-t.Ask)
}

// SplitPair splits "BASE/QUOTE" into its currencies. ok is false when pair
// is not of that form.
func SplitPair(pair string) (base, quote string, ok bool) {
	parts := strings.Split(pair, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Balance is one currency entry of the venue wallet. Used is nil when the
// venue did not report it.
type Balance struct {
	Currency string   `json:"currency"`
	Free     float64  `json:"free"`
	Used     *float64 `json:"used,omitempty"`
	Total    float64  `json:"total"`
}
