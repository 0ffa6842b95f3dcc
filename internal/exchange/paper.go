package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
	"github.com/google/uuid"
)

var _ domain.Exchange = (*Paper)(nil)

// Paper simulates order execution against virtual balances. Market data is
// read from source when one is given, otherwise from values seeded with
// SetMarkets and SetTicker. Limit and market orders fill immediately; stop
// orders rest until the market trades through their stop price.
type Paper struct {
	source domain.Exchange
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	markets  map[string]domain.Market
	tickers  map[string]domain.Ticker
	balances map[string]*paperBalance
	orders   map[string]*domain.Order
	fills    map[string][]domain.Fill
}

type paperBalance struct {
	free float64
	used float64
}

// NewPaper creates a paper venue holding wallet units of stakeCurrency.
func NewPaper(source domain.Exchange, stakeCurrency string, wallet float64, logger *slog.Logger) *Paper {
	p := &Paper{
		source:   source,
		logger:   logger.With(slog.String("component", "paper_exchange")),
		now:      time.Now,
		markets:  make(map[string]domain.Market),
		tickers:  make(map[string]domain.Ticker),
		balances: make(map[string]*paperBalance),
		orders:   make(map[string]*domain.Order),
		fills:    make(map[string][]domain.Fill),
	}
	p.balances[stakeCurrency] = &paperBalance{free: wallet}
	return p
}

// Name identifies the venue the paper account mirrors.
func (p *Paper) Name() string {
	if p.source != nil {
		return p.source.Name()
	}
	return "paper"
}

// SetMarkets seeds the market table used when no source is configured.
func (p *Paper) SetMarkets(markets map[string]domain.Market) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range markets {
		p.markets[k] = v
	}
}

// SetTicker seeds or updates the ticker of a pair.
func (p *Paper) SetTicker(t domain.Ticker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tickers[t.Symbol] = t
}

func (p *Paper) GetMarkets(ctx context.Context) (map[string]domain.Market, error) {
	if p.source != nil {
		m, err := p.source.GetMarkets(ctx)
		if err != nil {
			return nil, err
		}
		p.SetMarkets(m)
		return m, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]domain.Market, len(p.markets))
	for k, v := range p.markets {
		out[k] = v
	}
	return out, nil
}

func (p *Paper) GetTickers(ctx context.Context) (map[string]domain.Ticker, error) {
	if p.source != nil {
		t, err := p.source.GetTickers(ctx)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		for k, v := range t {
			p.tickers[k] = v
		}
		p.mu.Unlock()
		return t, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]domain.Ticker, len(p.tickers))
	for k, v := range p.tickers {
		out[k] = v
	}
	return out, nil
}

func (p *Paper) GetOrderBook(ctx context.Context, pair string, depth int) (domain.OrderBook, error) {
	if p.source != nil {
		return p.source.GetOrderBook(ctx, pair, depth)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tickers[pair]
	if !ok {
		return domain.OrderBook{}, domain.NewVenueError(domain.ErrInvalidOrder, "get_order_book", pair, domain.ErrNotFound)
	}
	return domain.OrderBook{
		Pair: pair,
		Bids: []domain.PriceLevel{{Price: t.Bid, Size: 1}},
		Asks: []domain.PriceLevel{{Price: t.Ask, Size: 1}},
	}, nil
}

func (p *Paper) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	base, quote, ok := domain.SplitPair(req.Pair)
	if !ok {
		return domain.Order{}, domain.NewVenueError(domain.ErrInvalidOrder, "place_order", req.Pair, fmt.Errorf("malformed pair"))
	}
	if req.Amount <= 0 {
		return domain.Order{}, domain.NewVenueError(domain.ErrInvalidOrder, "place_order", req.Pair, fmt.Errorf("amount must be positive"))
	}

	price := req.Price
	if req.Type == domain.OrderTypeMarket {
		t, ok := p.tickers[req.Pair]
		if !ok {
			return domain.Order{}, domain.NewVenueError(domain.ErrInvalidOrder, "place_order", req.Pair, fmt.Errorf("no price available"))
		}
		price = t.Bid
		if req.Side == domain.OrderSideBuy {
			price = t.Ask
		}
	}
	if price <= 0 {
		return domain.Order{}, domain.NewVenueError(domain.ErrInvalidOrder, "place_order", req.Pair, fmt.Errorf("price must be positive"))
	}

	order := &domain.Order{
		ID:        "dry_run_" + uuid.NewString(),
		Pair:      req.Pair,
		Side:      req.Side,
		Type:      req.Type,
		Status:    domain.OrderStatusOpen,
		Price:     price,
		StopPrice: req.StopPrice,
		Amount:    req.Amount,
		Remaining: req.Amount,
		CreatedAt: p.now(),
	}

	switch {
	case req.Type == domain.OrderTypeStopLossLimit:
		b := p.balance(base)
		if b.free < req.Amount {
			return domain.Order{}, domain.NewVenueError(domain.ErrInvalidOrder, "place_order", req.Pair,
				fmt.Errorf("insufficient %s balance: need %v, have %v", base, req.Amount, b.free))
		}
		b.free -= req.Amount
		b.used += req.Amount
	case req.Side == domain.OrderSideBuy:
		cost := price * req.Amount
		b := p.balance(quote)
		if b.free < cost {
			return domain.Order{}, domain.NewVenueError(domain.ErrInvalidOrder, "place_order", req.Pair,
				fmt.Errorf("insufficient %s balance: need %v, have %v", quote, cost, b.free))
		}
		b.free -= cost
		p.balance(base).free += req.Amount
		p.fill(order, price)
	default:
		b := p.balance(base)
		if b.free < req.Amount {
			return domain.Order{}, domain.NewVenueError(domain.ErrInvalidOrder, "place_order", req.Pair,
				fmt.Errorf("insufficient %s balance: need %v, have %v", base, req.Amount, b.free))
		}
		b.free -= req.Amount
		p.balance(quote).free += price * req.Amount
		p.fill(order, price)
	}

	p.orders[order.ID] = order
	p.logger.Info("paper_exchange: order placed",
		slog.String("id", order.ID),
		slog.String("pair", order.Pair),
		slog.String("side", string(order.Side)),
		slog.String("type", string(order.Type)),
		slog.String("status", string(order.Status)),
		slog.Float64("price", price),
		slog.Float64("amount", req.Amount))
	return *order, nil
}

// fill marks order fully executed at price. Caller holds p.mu.
func (p *Paper) fill(order *domain.Order, price float64) {
	order.Status = domain.OrderStatusClosed
	order.Average = price
	order.Filled = order.Amount
	order.Remaining = 0
	order.Cost = price * order.Amount
	p.fills[order.ID] = append(p.fills[order.ID], domain.Fill{
		ID:        uuid.NewString(),
		OrderID:   order.ID,
		Pair:      order.Pair,
		Amount:    order.Amount,
		Price:     price,
		Timestamp: p.now(),
	})
}

func (p *Paper) balance(cur string) *paperBalance {
	b, ok := p.balances[cur]
	if !ok {
		b = &paperBalance{}
		p.balances[cur] = b
	}
	return b
}

// GetOrder returns the order, first triggering a resting stop order when the
// latest bid is at or below its stop price.
func (p *Paper) GetOrder(ctx context.Context, id, pair string) (domain.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[id]
	if !ok {
		return domain.Order{}, domain.NewVenueError(domain.ErrInvalidOrder, "get_order", pair, fmt.Errorf("order %s: %w", id, domain.ErrNotFound))
	}
	if o.Type == domain.OrderTypeStopLossLimit && o.Status == domain.OrderStatusOpen {
		if t, ok := p.tickers[o.Pair]; ok && t.Bid > 0 && t.Bid <= o.StopPrice {
			base, quote, _ := domain.SplitPair(o.Pair)
			p.balance(base).used -= o.Amount
			p.balance(quote).free += o.StopPrice * o.Amount
			p.fill(o, o.StopPrice)
			p.logger.Info("paper_exchange: stop order triggered", slog.String("id", o.ID), slog.String("pair", o.Pair))
		}
	}
	return *o, nil
}

func (p *Paper) GetTradesForOrder(ctx context.Context, id, pair string) ([]domain.Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.orders[id]; !ok {
		return nil, domain.NewVenueError(domain.ErrInvalidOrder, "get_trades_for_order", pair, fmt.Errorf("order %s: %w", id, domain.ErrNotFound))
	}
	out := make([]domain.Fill, len(p.fills[id]))
	copy(out, p.fills[id])
	return out, nil
}

func (p *Paper) CancelOrder(ctx context.Context, id, pair string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[id]
	if !ok {
		return domain.NewVenueError(domain.ErrInvalidOrder, "cancel_order", pair, fmt.Errorf("order %s: %w", id, domain.ErrNotFound))
	}
	if o.Status != domain.OrderStatusOpen {
		return domain.NewVenueError(domain.ErrInvalidOrder, "cancel_order", pair, fmt.Errorf("order %s is %s", id, o.Status))
	}
	if o.Type == domain.OrderTypeStopLossLimit {
		base, _, _ := domain.SplitPair(o.Pair)
		b := p.balance(base)
		b.used -= o.Remaining
		b.free += o.Remaining
	}
	o.Status = domain.OrderStatusCanceled
	return nil
}

func (p *Paper) GetBalances(ctx context.Context) (map[string]domain.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]domain.Balance, len(p.balances))
	for cur, b := range p.balances {
		used := b.used
		out[cur] = domain.Balance{Currency: cur, Free: b.free, Used: &used, Total: b.free + b.used}
	}
	return out, nil
}
