package exchange

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
	"github.com/alanyoungcy/tradecore/internal/infra"
	"github.com/alanyoungcy/tradecore/internal/metrics"
)

var _ domain.Exchange = (*Guarded)(nil)

// GuardConfig configures a Guarded venue.
type GuardConfig struct {
	// RateKey namespaces the shared rate limit bucket.
	RateKey    string
	Breaker    infra.BreakerConfig
	MarketsTTL time.Duration
}

// Guarded wraps a venue client with a circuit breaker, an optional shared
// rate limiter, metrics, and a market-table cache.
type Guarded struct {
	inner   domain.Exchange
	limiter domain.RateLimiter
	cache   domain.MarketCache
	breaker *infra.CircuitBreaker
	cfg     GuardConfig
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	markets   map[string]domain.Market
	marketsAt time.Time
}

// NewGuarded wraps inner. limiter and cache may be nil.
func NewGuarded(inner domain.Exchange, limiter domain.RateLimiter, cache domain.MarketCache, cfg GuardConfig, logger *slog.Logger) *Guarded {
	if cfg.RateKey == "" {
		cfg.RateKey = "venue:" + inner.Name()
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker = infra.DefaultBreakerConfig(inner.Name())
	}
	if cfg.MarketsTTL <= 0 {
		cfg.MarketsTTL = time.Hour
	}
	l := logger.With(slog.String("component", "exchange"), slog.String("venue", inner.Name()))
	return &Guarded{
		inner:   inner,
		limiter: limiter,
		cache:   cache,
		breaker: infra.NewCircuitBreaker(cfg.Breaker, l),
		cfg:     cfg,
		logger:  l,
		now:     time.Now,
	}
}

// Name returns the wrapped venue's name.
func (g *Guarded) Name() string { return g.inner.Name() }

// BreakerState exposes the breaker state for status reporting.
func (g *Guarded) BreakerState() infra.BreakerState { return g.breaker.State() }

// call runs fn under the breaker and rate limiter and records the outcome.
func (g *Guarded) call(ctx context.Context, op, pair string, fn func() error) error {
	if !g.breaker.Allow() {
		metrics.VenueRequests.WithLabelValues(op, "rejected").Inc()
		return domain.NewVenueError(domain.ErrTemporary, op, pair, domain.ErrCircuitOpen)
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx, g.cfg.RateKey); err != nil {
			return domain.NewVenueError(domain.ErrTemporary, op, pair, errors.Join(domain.ErrRateLimited, err))
		}
	}

	start := g.now()
	err := fn()
	metrics.VenueLatency.WithLabelValues(op).Observe(g.now().Sub(start).Seconds())

	if err == nil {
		g.breaker.RecordSuccess()
		metrics.VenueRequests.WithLabelValues(op, "ok").Inc()
		return nil
	}

	kind := domain.KindOf(err)
	metrics.VenueRequests.WithLabelValues(op, kind.String()).Inc()
	// Only connectivity failures count against the venue; a rejected order
	// is a normal answer.
	if kind == domain.KindTemporary {
		g.breaker.RecordFailure()
	} else {
		g.breaker.RecordSuccess()
	}
	if kind == domain.KindFatal {
		// Unclassified errors from a client are treated as operational so the
		// caller can still tell them apart from a programming error.
		return domain.NewVenueError(domain.ErrOperational, op, pair, err)
	}
	return err
}

// GetMarkets serves the market table from memory while it is younger than
// MarketsTTL, then reloads it. When a reload fails the shared cache is used
// as a fallback.
func (g *Guarded) GetMarkets(ctx context.Context) (map[string]domain.Market, error) {
	g.mu.Lock()
	if g.markets != nil && g.now().Sub(g.marketsAt) < g.cfg.MarketsTTL {
		m := g.markets
		g.mu.Unlock()
		return m, nil
	}
	g.mu.Unlock()

	var markets map[string]domain.Market
	err := g.call(ctx, "get_markets", "", func() error {
		var err error
		markets, err = g.inner.GetMarkets(ctx)
		return err
	})
	if err != nil {
		if cached := g.cachedMarkets(ctx); cached != nil {
			g.logger.Warn("exchange: market reload failed, using cached markets", slog.Any("error", err))
			return cached, nil
		}
		return nil, err
	}

	g.mu.Lock()
	g.markets = markets
	g.marketsAt = g.now()
	g.mu.Unlock()

	if g.cache != nil {
		if cerr := g.cache.SetAll(ctx, markets); cerr != nil {
			g.logger.Warn("exchange: cache markets failed", slog.Any("error", cerr))
		}
	}
	g.logger.Debug("exchange: markets reloaded", slog.Int("count", len(markets)))
	return markets, nil
}

func (g *Guarded) cachedMarkets(ctx context.Context) map[string]domain.Market {
	g.mu.Lock()
	m := g.markets
	g.mu.Unlock()
	if m != nil {
		return m
	}
	if g.cache == nil {
		return nil
	}
	m, err := g.cache.GetAll(ctx)
	if err != nil {
		return nil
	}
	return m
}

// InvalidateMarkets forces the next GetMarkets to reload.
func (g *Guarded) InvalidateMarkets(ctx context.Context) {
	g.mu.Lock()
	g.markets = nil
	g.mu.Unlock()
	if g.cache != nil {
		_ = g.cache.Invalidate(ctx)
	}
}

func (g *Guarded) GetTickers(ctx context.Context) (map[string]domain.Ticker, error) {
	var out map[string]domain.Ticker
	err := g.call(ctx, "get_tickers", "", func() error {
		var err error
		out, err = g.inner.GetTickers(ctx)
		return err
	})
	return out, err
}

func (g *Guarded) GetOrderBook(ctx context.Context, pair string, depth int) (domain.OrderBook, error) {
	var out domain.OrderBook
	err := g.call(ctx, "get_order_book", pair, func() error {
		var err error
		out, err = g.inner.GetOrderBook(ctx, pair, depth)
		return err
	})
	return out, err
}

func (g *Guarded) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	var out domain.Order
	err := g.call(ctx, "place_order", req.Pair, func() error {
		var err error
		out, err = g.inner.PlaceOrder(ctx, req)
		return err
	})
	if err == nil {
		metrics.Orders.WithLabelValues(string(req.Side), string(req.Type)).Inc()
	}
	return out, err
}

func (g *Guarded) GetOrder(ctx context.Context, id, pair string) (domain.Order, error) {
	var out domain.Order
	err := g.call(ctx, "get_order", pair, func() error {
		var err error
		out, err = g.inner.GetOrder(ctx, id, pair)
		return err
	})
	return out, err
}

func (g *Guarded) GetTradesForOrder(ctx context.Context, id, pair string) ([]domain.Fill, error) {
	var out []domain.Fill
	err := g.call(ctx, "get_trades_for_order", pair, func() error {
		var err error
		out, err = g.inner.GetTradesForOrder(ctx, id, pair)
		return err
	})
	return out, err
}

func (g *Guarded) CancelOrder(ctx context.Context, id, pair string) error {
	return g.call(ctx, "cancel_order", pair, func() error {
		return g.inner.CancelOrder(ctx, id, pair)
	})
}

func (g *Guarded) GetBalances(ctx context.Context) (map[string]domain.Balance, error) {
	var out map[string]domain.Balance
	err := g.call(ctx, "get_balances", "", func() error {
		var err error
		out, err = g.inner.GetBalances(ctx)
		return err
	})
	if err == nil {
		for cur, b := range out {
			metrics.WalletFree.WithLabelValues(cur).Set(b.Free)
		}
	}
	return out, err
}
