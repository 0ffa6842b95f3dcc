// Package edge ranks pairs by the expectancy of their simulated trades and
// derives per-pair stop losses and position sizes from it.
package edge

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// TradeSource loads simulated trade results.
type TradeSource interface {
	Load(ctx context.Context) ([]domain.SimulatedTrade, error)
}

// Config holds the risk advisor parameters.
type Config struct {
	CapitalAvailablePercentage float64
	AllowedRisk                float64
	MinimumExpectancy          float64
	MinimumWinrate             float64
	MinTradeNumber             int
	ProcessThrottle            time.Duration
}

// Edge caches one risk profile per pair. The table is replaced as a whole by
// Calculate; readers never see a half-built table.
type Edge struct {
	cfg    Config
	source TradeSource
	logger *slog.Logger
	now    func() time.Time

	mu          sync.RWMutex
	entries     []domain.EdgeEntry
	byPair      map[string]domain.EdgeEntry
	lastUpdated time.Time
}

// New creates an Edge with an empty table.
func New(cfg Config, source TradeSource, logger *slog.Logger) *Edge {
	return &Edge{
		cfg:    cfg,
		source: source,
		logger: logger.With(slog.String("component", "edge")),
		now:    time.Now,
		byPair: map[string]domain.EdgeEntry{},
	}
}

// Calculate reloads the simulated trades and recomputes the table once
// ProcessThrottle has elapsed since the last successful run. It reports
// whether the table was recomputed.
func (e *Edge) Calculate(ctx context.Context) (bool, error) {
	e.mu.RLock()
	fresh := !e.lastUpdated.IsZero() && e.now().Sub(e.lastUpdated) < e.cfg.ProcessThrottle
	e.mu.RUnlock()
	if fresh {
		return false, nil
	}

	trades, err := e.source.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("edge: load trades: %w", err)
	}
	if len(trades) == 0 {
		e.logger.Warn("edge: no simulated trades found, keeping previous table")
		return false, nil
	}

	entries := Expectancy(trades, e.cfg.MinTradeNumber)
	byPair := make(map[string]domain.EdgeEntry, len(entries))
	for _, en := range entries {
		byPair[en.Pair] = en
	}

	e.mu.Lock()
	e.entries = entries
	e.byPair = byPair
	e.lastUpdated = e.now()
	e.mu.Unlock()

	e.logger.Info("edge: table recalculated", slog.Int("trades", len(trades)), slog.Int("pairs", len(entries)))
	return true, nil
}

// Expectancy groups trades by pair and stop loss, computes the statistics
// of every group with at least minTrades trades and keeps the group with
// the highest expectancy per pair. The result is ordered by expectancy,
// highest first.
func Expectancy(trades []domain.SimulatedTrade, minTrades int) []domain.EdgeEntry {
	type key struct {
		pair string
		sl   float64
	}
	type acc struct {
		n, wins, losses int
		winSum, lossSum float64
		durSum          float64
	}
	groups := make(map[key]*acc)
	for _, t := range trades {
		k := key{t.Pair, t.StopLoss}
		a, ok := groups[k]
		if !ok {
			a = &acc{}
			groups[k] = a
		}
		a.n++
		a.durSum += t.DurationMin
		if t.ProfitRatio > 0 {
			a.wins++
			a.winSum += t.ProfitRatio
		} else {
			a.losses++
			a.lossSum += math.Abs(t.ProfitRatio)
		}
	}

	best := make(map[string]domain.EdgeEntry)
	for k, a := range groups {
		if a.n < minTrades {
			continue
		}
		winRate := float64(a.wins) / float64(a.n)
		var avgWin, avgLoss float64
		if a.wins > 0 {
			avgWin = a.winSum / float64(a.wins)
		}
		if a.losses > 0 {
			avgLoss = a.lossSum / float64(a.losses)
		}
		if avgLoss == 0 {
			// Without a realised loss the stop distance is the loss to expect.
			avgLoss = math.Abs(k.sl)
		}
		rr := 0.0
		if avgLoss > 0 {
			rr = avgWin / avgLoss
		}
		required := 0.0
		if winRate > 0 {
			required = 1/winRate - 1
		}
		en := domain.EdgeEntry{
			Pair:               k.pair,
			StopLoss:           k.sl,
			WinRate:            winRate,
			RiskRewardRatio:    rr,
			RequiredRiskReward: required,
			Expectancy:         rr*winRate - (1 - winRate),
			TradeCount:         a.n,
			AvgTradeDuration:   a.durSum / float64(a.n),
		}
		cur, ok := best[k.pair]
		if !ok || en.Expectancy > cur.Expectancy ||
			(en.Expectancy == cur.Expectancy && en.StopLoss > cur.StopLoss) {
			best[k.pair] = en
		}
	}

	out := make([]domain.EdgeEntry, 0, len(best))
	for _, en := range best {
		out = append(out, en)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Expectancy != out[j].Expectancy {
			return out[i].Expectancy > out[j].Expectancy
		}
		return out[i].Pair < out[j].Pair
	})
	return out
}

// SetEntries replaces the table directly; used by tests and when a table is
// restored from elsewhere.
func (e *Edge) SetEntries(entries []domain.EdgeEntry) {
	sorted := append([]domain.EdgeEntry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Expectancy > sorted[j].Expectancy })
	byPair := make(map[string]domain.EdgeEntry, len(sorted))
	for _, en := range sorted {
		byPair[en.Pair] = en
	}
	e.mu.Lock()
	e.entries = sorted
	e.byPair = byPair
	e.lastUpdated = e.now()
	e.mu.Unlock()
}

// Entries returns a copy of the table ordered by expectancy.
func (e *Edge) Entries() []domain.EdgeEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]domain.EdgeEntry(nil), e.entries...)
}

// Adjust keeps the pairs whose expectancy and win rate beat the configured
// minimums, ordered by expectancy. Pairs absent from the table are dropped.
func (e *Edge) Adjust(pairs []string) []string {
	want := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		want[p] = true
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []string
	for _, en := range e.entries {
		if !want[en.Pair] {
			continue
		}
		if en.Expectancy > e.cfg.MinimumExpectancy && en.WinRate > e.cfg.MinimumWinrate {
			out = append(out, en.Pair)
		}
	}
	return out
}

// StopLoss returns the stop fraction computed for pair.
func (e *Edge) StopLoss(pair string) (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	en, ok := e.byPair[pair]
	if !ok {
		return 0, false
	}
	return en.StopLoss, true
}

// StakeFraction is the share of capital a position in pair may take:
// capital_available_percentage * allowed_risk / |stoploss|, never more than
// capital_available_percentage. Unknown pairs get 0.
func (e *Edge) StakeFraction(pair string) float64 {
	sl, ok := e.StopLoss(pair)
	if !ok || sl == 0 {
		return 0
	}
	f := e.cfg.CapitalAvailablePercentage * e.cfg.AllowedRisk / math.Abs(sl)
	return math.Min(f, e.cfg.CapitalAvailablePercentage)
}

// StakeAmount sizes an entry in pair from the free balance, the total
// balance and the stake already committed to open positions.
func (e *Edge) StakeAmount(pair string, free, total, inTrades float64) float64 {
	size := (total + inTrades) * e.StakeFraction(pair)
	return math.Min(size, free)
}
