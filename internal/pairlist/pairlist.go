// Package pairlist builds the whitelist of pairs the engine may trade.
package pairlist

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// Selection methods.
const (
	MethodStatic = "static"
	MethodVolume = "volume"
)

// Config selects and validates candidate pairs.
type Config struct {
	Method          string
	Whitelist       []string
	Blacklist       []string
	NumberAssets    int
	SortKey         string
	PrecisionFilter bool
	StakeCurrency   string
	// StopLoss is the strategy stop fraction used by the precision filter.
	StopLoss       float64
	AskLastBalance float64
}

// Pairlist owns the active whitelist. Refresh replaces it wholesale so
// readers never see a partially built list.
type Pairlist struct {
	cfg    Config
	venue  domain.Exchange
	logger *slog.Logger

	mu        sync.RWMutex
	whitelist []string
}

// New creates a Pairlist. The initial whitelist is the configured one until
// the first Refresh.
func New(cfg Config, venue domain.Exchange, logger *slog.Logger) *Pairlist {
	if cfg.SortKey == "" {
		cfg.SortKey = "quoteVolume"
	}
	return &Pairlist{
		cfg:       cfg,
		venue:     venue,
		logger:    logger.With(slog.String("component", "pairlist")),
		whitelist: slices.Clone(cfg.Whitelist),
	}
}

// Name describes the selection method for status messages.
func (p *Pairlist) Name() string {
	if p.cfg.Method == MethodVolume {
		return fmt.Sprintf("volume (top %d by %s)", p.cfg.NumberAssets, p.cfg.SortKey)
	}
	return MethodStatic
}

// Whitelist returns a copy of the current whitelist.
func (p *Pairlist) Whitelist() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.whitelist)
}

// Blacklist returns the configured blacklist.
func (p *Pairlist) Blacklist() []string {
	return slices.Clone(p.cfg.Blacklist)
}

// Refresh fetches venue snapshots, rebuilds the whitelist and returns it.
func (p *Pairlist) Refresh(ctx context.Context) ([]string, error) {
	markets, err := p.venue.GetMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("pairlist: markets: %w", err)
	}
	var tickers map[string]domain.Ticker
	if p.cfg.Method == MethodVolume {
		tickers, err = p.venue.GetTickers(ctx)
		if err != nil {
			return nil, fmt.Errorf("pairlist: tickers: %w", err)
		}
	}

	wl := p.Filter(markets, tickers)

	p.mu.Lock()
	p.whitelist = wl
	p.mu.Unlock()

	p.logger.Debug("pairlist: refreshed", slog.Int("pairs", len(wl)), slog.Any("whitelist", wl))
	return slices.Clone(wl), nil
}

// Filter computes the whitelist from the given snapshots without touching
// any state. tickers is only read by the volume method.
func (p *Pairlist) Filter(markets map[string]domain.Market, tickers map[string]domain.Ticker) []string {
	if p.cfg.Method != MethodVolume {
		return p.validate(p.cfg.Whitelist, markets)
	}

	ranked := p.rank(tickers)
	pairs := make([]string, 0, len(ranked))
	for _, t := range ranked {
		pairs = append(pairs, t.Symbol)
	}
	pairs = p.validate(pairs, markets)
	if p.cfg.PrecisionFilter {
		pairs = p.precisionFilter(pairs, markets, tickers)
	}
	if p.cfg.NumberAssets > 0 && len(pairs) > p.cfg.NumberAssets {
		pairs = pairs[:p.cfg.NumberAssets]
	}
	return pairs
}

// rank keeps tickers quoted in the stake currency that report the sort key
// and orders them by it, highest first. Ties keep symbol order so results
// are deterministic.
func (p *Pairlist) rank(tickers map[string]domain.Ticker) []domain.Ticker {
	type scored struct {
		t domain.Ticker
		v float64
	}
	var out []scored
	for sym, t := range tickers {
		if t.Symbol == "" {
			t.Symbol = sym
		}
		_, quote, ok := domain.SplitPair(t.Symbol)
		if !ok || quote != p.cfg.StakeCurrency {
			continue
		}
		v, ok := t.Volume(p.cfg.SortKey)
		if !ok {
			continue
		}
		out = append(out, scored{t: t, v: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].v != out[j].v {
			return out[i].v > out[j].v
		}
		return out[i].t.Symbol < out[j].t.Symbol
	})
	ranked := make([]domain.Ticker, len(out))
	for i, s := range out {
		ranked[i] = s.t
	}
	return ranked
}

// validate drops blacklisted, unknown, foreign-quoted and inactive pairs and
// removes duplicates, keeping the first occurrence.
func (p *Pairlist) validate(pairs []string, markets map[string]domain.Market) []string {
	seen := make(map[string]bool, len(pairs))
	out := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		if seen[pair] || slices.Contains(p.cfg.Blacklist, pair) {
			continue
		}
		seen[pair] = true

		m, ok := markets[pair]
		if !ok {
			p.logger.Warn("pairlist: pair is not available on the venue, removing it", slog.String("pair", pair))
			continue
		}
		if m.Quote != "" && m.Quote != p.cfg.StakeCurrency {
			p.logger.Warn("pairlist: pair is not quoted in the stake currency, removing it",
				slog.String("pair", pair), slog.String("stake_currency", p.cfg.StakeCurrency))
			continue
		}
		if !m.Active {
			p.logger.Info("pairlist: market is not active, ignoring pair", slog.String("pair", pair))
			continue
		}
		out = append(out, pair)
	}
	return out
}

// precisionFilter drops pairs whose price step is too coarse to place a stop
// 1% below the stop price: once both are rounded up to the market precision
// they would coincide.
func (p *Pairlist) precisionFilter(pairs []string, markets map[string]domain.Market, tickers map[string]domain.Ticker) []string {
	keep := 1 - math.Abs(p.cfg.StopLoss)
	out := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		t, ok := tickers[pair]
		if !ok {
			continue
		}
		prec := markets[pair].PricePrecision
		stop := t.TargetBid(p.cfg.AskLastBalance) * keep
		sp := ceilToPrecision(stop, prec)
		gap := ceilToPrecision(stop*0.99, prec)
		if sp <= gap {
			p.logger.Info("pairlist: price precision too coarse for a stop loss, removing pair",
				slog.String("pair", pair), slog.Float64("stop_price", sp), slog.Float64("stop_gap_price", gap))
			continue
		}
		out = append(out, pair)
	}
	return out
}

// ceilToPrecision rounds v up to prec decimal places.
func ceilToPrecision(v float64, prec int) float64 {
	f, _ := decimal.NewFromFloat(v).RoundCeil(int32(prec)).Float64()
	return f
}
