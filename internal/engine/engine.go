// Package engine runs one trading pass: it refreshes the market view,
// evaluates exits for every open position, opens new positions on the
// active whitelist and sweeps unfilled orders.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
	"github.com/alanyoungcy/tradecore/internal/metrics"
	"github.com/alanyoungcy/tradecore/internal/service"
	"github.com/alanyoungcy/tradecore/internal/wallet"
)

// PairSource produces the candidate whitelist of a pass.
type PairSource interface {
	Refresh(ctx context.Context) ([]string, error)
}

// Advisor narrows the whitelist to pairs with a positive edge.
type Advisor interface {
	Calculate(ctx context.Context) (bool, error)
	Adjust(pairs []string) []string
}

// Config holds the pass-level limits.
type Config struct {
	StakeCurrency string
	MaxOpenTrades int
}

// Engine wires the services of one pass together. Process is not safe for
// concurrent use; the worker serialises passes.
type Engine struct {
	cfg       Config
	venue     domain.Exchange
	markets   domain.MarketCache
	pairs     PairSource
	advisor   Advisor
	wallet    *wallet.Wallet
	strategy  domain.Strategy
	positions domain.PositionStore
	locks     domain.PairLocker
	exec      *service.ExecutionService
	exit      *service.ExitService
	sink      domain.EventSink
	logger    *slog.Logger

	mu     sync.RWMutex
	active []string
	last   time.Time
}

// Deps groups the collaborators of an Engine. Markets, Advisor and Locks
// may be nil.
type Deps struct {
	Venue     domain.Exchange
	Markets   domain.MarketCache
	Pairs     PairSource
	Advisor   Advisor
	Wallet    *wallet.Wallet
	Strategy  domain.Strategy
	Positions domain.PositionStore
	Locks     domain.PairLocker
	Exec      *service.ExecutionService
	Exit      *service.ExitService
	Sink      domain.EventSink
}

// New creates an Engine.
func New(cfg Config, d Deps, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		venue:     d.Venue,
		markets:   d.Markets,
		pairs:     d.Pairs,
		advisor:   d.Advisor,
		wallet:    d.Wallet,
		strategy:  d.Strategy,
		positions: d.Positions,
		locks:     d.Locks,
		exec:      d.Exec,
		exit:      d.Exit,
		sink:      d.Sink,
		logger:    logger.With(slog.String("component", "engine")),
	}
}

// ActiveWhitelist returns the pairs eligible for entries after the last
// pass.
func (e *Engine) ActiveWhitelist() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.active)
}

// LastPass returns when the last pass completed.
func (e *Engine) LastPass() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last
}

// Reload drops the cached market table so the next pass fetches it anew.
func (e *Engine) Reload(ctx context.Context) error {
	if e.markets != nil {
		if err := e.markets.Invalidate(ctx); err != nil {
			return fmt.Errorf("engine: invalidate markets: %w", err)
		}
	}
	e.mu.Lock()
	e.active = nil
	e.mu.Unlock()
	e.logger.Info("engine: reloaded")
	return nil
}

// Process runs one pass. Venue and ledger failures that affect the whole
// pass are returned; failures tied to a single pair are reported and the
// pass moves on.
func (e *Engine) Process(ctx context.Context) error {
	if err := e.reloadMarkets(ctx); err != nil {
		return err
	}

	whitelist, err := e.pairs.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("engine: refresh pairlist: %w", err)
	}
	if e.advisor != nil {
		if _, err := e.advisor.Calculate(ctx); err != nil {
			return fmt.Errorf("engine: edge: %w", err)
		}
		whitelist = e.advisor.Adjust(whitelist)
	}

	if err := e.wallet.Update(ctx); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	open, err := e.positions.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("engine: list open: %w", err)
	}
	if err := e.strategy.Refresh(ctx, e.signalPairs(whitelist, open)); err != nil {
		return fmt.Errorf("engine: refresh strategy: %w", err)
	}

	e.mu.Lock()
	e.active = whitelist
	e.mu.Unlock()

	for i := range open {
		pos := open[i]
		if err := e.exit.HandlePosition(ctx, &pos); err != nil {
			if err := e.pairFailure(ctx, pos.Pair, "exit", err); err != nil {
				return err
			}
		}
	}

	if err := e.enterPositions(ctx, whitelist); err != nil {
		return err
	}

	if err := e.exec.SweepTimedOut(ctx); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	e.observe(ctx)
	e.mu.Lock()
	e.last = time.Now()
	e.mu.Unlock()
	return nil
}

// reloadMarkets fetches the venue market table and mirrors it into the
// cache when one is configured.
func (e *Engine) reloadMarkets(ctx context.Context) error {
	markets, err := e.venue.GetMarkets(ctx)
	if err != nil {
		return fmt.Errorf("engine: load markets: %w", err)
	}
	if e.markets != nil {
		if err := e.markets.SetAll(ctx, markets); err != nil {
			e.logger.Warn("engine: market cache update failed", slog.Any("error", err))
		}
	}
	return nil
}

// signalPairs is the whitelist extended with the pairs of open positions
// and the strategy's informative pairs, without duplicates.
func (e *Engine) signalPairs(whitelist []string, open []domain.Position) []string {
	out := slices.Clone(whitelist)
	seen := make(map[string]bool, len(out))
	for _, p := range out {
		seen[p] = true
	}
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, pos := range open {
		add(pos.Pair)
	}
	for _, p := range e.strategy.InformativePairs() {
		add(p)
	}
	return out
}

// enterPositions opens positions on whitelisted pairs with a buy signal
// until every trade slot is taken.
func (e *Engine) enterPositions(ctx context.Context, whitelist []string) error {
	open, err := e.positions.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("engine: list open: %w", err)
	}
	held := make(map[string]bool, len(open))
	for _, pos := range open {
		held[pos.Pair] = true
	}
	slots := e.cfg.MaxOpenTrades - len(open)
	if slots <= 0 {
		e.logger.Debug("engine: all trade slots in use", slog.Int("open", len(open)))
		return nil
	}

	for _, pair := range whitelist {
		if slots == 0 {
			break
		}
		if held[pair] {
			continue
		}
		if e.locks != nil {
			locked, err := e.locks.IsLocked(ctx, pair)
			if err != nil {
				return fmt.Errorf("engine: pair lock %s: %w", pair, err)
			}
			if locked {
				e.logger.Debug("engine: pair is locked, skipping", slog.String("pair", pair))
				continue
			}
		}
		sig := e.strategy.Signal(pair)
		if !sig.Buy || sig.Sell {
			continue
		}

		_, created, err := e.exec.Enter(ctx, pair)
		switch {
		case errors.Is(err, domain.ErrNoStakeAvailable):
			e.logger.Warn("engine: no stake available, stopping entries", slog.String("pair", pair), slog.Any("error", err))
			return nil
		case err != nil:
			if err := e.pairFailure(ctx, pair, "entry", err); err != nil {
				return err
			}
		case created:
			slots--
			held[pair] = true
		}
	}
	return nil
}

// pairFailure decides whether an error on a single pair ends the pass.
// Temporary and fatal errors are returned; the rest is reported.
func (e *Engine) pairFailure(ctx context.Context, pair, op string, err error) error {
	kind := domain.KindOf(err)
	switch kind {
	case domain.KindTemporary, domain.KindFatal:
		return fmt.Errorf("engine: %s %s: %w", op, pair, err)
	}
	e.logger.Error("engine: pair action failed",
		slog.String("pair", pair), slog.String("op", op),
		slog.String("kind", kind.String()), slog.Any("error", err))
	e.sink.Emit(ctx, domain.Event{
		Type:  domain.EventError,
		Pair:  pair,
		Error: fmt.Sprintf("%s %s: %v", op, pair, err),
		Time:  time.Now().UTC(),
	})
	return nil
}

func (e *Engine) observe(ctx context.Context) {
	open, err := e.positions.ListOpen(ctx)
	if err == nil {
		metrics.OpenPositions.Set(float64(len(open)))
	}
	if stake, err := e.positions.SumOpenStake(ctx); err == nil {
		metrics.OpenStake.Set(stake)
	}
	for _, b := range e.wallet.Balances() {
		metrics.WalletFree.WithLabelValues(b.Currency).Set(b.Free)
	}
}
