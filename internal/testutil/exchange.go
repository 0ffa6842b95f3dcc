// Package testutil provides hand-written fakes of the domain collaborators
// for package tests.
package testutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// Logger returns a logger that discards output.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// FakeExchange is a scriptable domain.Exchange. Zero-value maps are
// allocated by NewFakeExchange. By default placed orders fill immediately
// at the requested price; set PlaceFunc to script other outcomes.
type FakeExchange struct {
	mu sync.Mutex

	Markets  map[string]domain.Market
	Tickers  map[string]domain.Ticker
	Books    map[string]domain.OrderBook
	Balances map[string]domain.Balance
	Orders   map[string]domain.Order
	Trades   map[string][]domain.Fill

	PlaceFunc   func(req domain.OrderRequest) (domain.Order, error)
	MarketsErr  error
	TickersErr  error
	BalancesErr error
	TradesErr   error
	GetOrderErr map[string]error
	CancelErr   map[string]error
	// CancelFunc, when set, rewrites an order as it is cancelled.
	CancelFunc  func(o domain.Order) domain.Order

	Placed    []domain.OrderRequest
	Cancelled []string
	nextID    int
}

var _ domain.Exchange = (*FakeExchange)(nil)

// NewFakeExchange returns an empty fake venue.
func NewFakeExchange() *FakeExchange {
	return &FakeExchange{
		Markets:     make(map[string]domain.Market),
		Tickers:     make(map[string]domain.Ticker),
		Books:       make(map[string]domain.OrderBook),
		Balances:    make(map[string]domain.Balance),
		Orders:      make(map[string]domain.Order),
		Trades:      make(map[string][]domain.Fill),
		GetOrderErr: make(map[string]error),
		CancelErr:   make(map[string]error),
	}
}

// AddMarket registers an active BASE/QUOTE market with 8 digit precision.
func (f *FakeExchange) AddMarket(pair string, minAmount, minCost float64) {
	base, quote, _ := domain.SplitPair(pair)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Markets[pair] = domain.Market{
		Symbol: pair, Base: base, Quote: quote, Active: true,
		PricePrecision: 8, AmountPrecision: 8,
		MinAmount: minAmount, MinCost: minCost,
		MakerFee: 0.0025, TakerFee: 0.0025,
	}
}

// SetTicker sets bid, ask and last of pair.
func (f *FakeExchange) SetTicker(pair string, bid, ask, last float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.Tickers[pair]
	t.Symbol, t.Bid, t.Ask, t.Last = pair, bid, ask, last
	f.Tickers[pair] = t
}

// SetFree sets a balance with free == total and unknown used.
func (f *FakeExchange) SetFree(currency string, free float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Balances[currency] = domain.Balance{Currency: currency, Free: free, Total: free}
}

// PutOrder stores an order returned by later GetOrder calls.
func (f *FakeExchange) PutOrder(o domain.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Orders[o.ID] = o
}

// PlacedRequests returns a copy of every accepted order request.
func (f *FakeExchange) PlacedRequests() []domain.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.OrderRequest, len(f.Placed))
	copy(out, f.Placed)
	return out
}

// CancelledIDs returns a copy of every cancelled order id.
func (f *FakeExchange) CancelledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Cancelled))
	copy(out, f.Cancelled)
	return out
}

func (f *FakeExchange) Name() string { return "fake" }

func (f *FakeExchange) GetMarkets(ctx context.Context) (map[string]domain.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.MarketsErr != nil {
		return nil, f.MarketsErr
	}
	out := make(map[string]domain.Market, len(f.Markets))
	for k, v := range f.Markets {
		out[k] = v
	}
	return out, nil
}

func (f *FakeExchange) GetTickers(ctx context.Context) (map[string]domain.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TickersErr != nil {
		return nil, f.TickersErr
	}
	out := make(map[string]domain.Ticker, len(f.Tickers))
	for k, v := range f.Tickers {
		out[k] = v
	}
	return out, nil
}

func (f *FakeExchange) GetOrderBook(ctx context.Context, pair string, depth int) (domain.OrderBook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ob, ok := f.Books[pair]
	if !ok {
		return domain.OrderBook{}, domain.NewVenueError(domain.ErrInvalidOrder, "get_order_book", pair, domain.ErrNotFound)
	}
	if depth > 0 {
		if len(ob.Bids) > depth {
			ob.Bids = ob.Bids[:depth]
		}
		if len(ob.Asks) > depth {
			ob.Asks = ob.Asks[:depth]
		}
	}
	return ob, nil
}

func (f *FakeExchange) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var (
		o   domain.Order
		err error
	)
	if f.PlaceFunc != nil {
		o, err = f.PlaceFunc(req)
	} else {
		price := req.Price
		if req.Type == domain.OrderTypeMarket {
			t := f.Tickers[req.Pair]
			price = t.Bid
			if req.Side == domain.OrderSideBuy {
				price = t.Ask
			}
		}
		o = domain.Order{
			Pair: req.Pair, Side: req.Side, Type: req.Type, Status: domain.OrderStatusClosed,
			Price: price, Amount: req.Amount, Filled: req.Amount, Cost: price * req.Amount,
		}
		if req.Type == domain.OrderTypeStopLossLimit {
			o.Status = domain.OrderStatusOpen
			o.StopPrice = req.StopPrice
			o.Filled, o.Remaining, o.Cost = 0, req.Amount, 0
		}
	}
	if err != nil {
		return domain.Order{}, err
	}
	if o.ID == "" {
		f.nextID++
		o.ID = fmt.Sprintf("order-%d", f.nextID)
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	f.Placed = append(f.Placed, req)
	f.Orders[o.ID] = o
	return o, nil
}

func (f *FakeExchange) GetOrder(ctx context.Context, id, pair string) (domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.GetOrderErr[id]; err != nil {
		return domain.Order{}, err
	}
	o, ok := f.Orders[id]
	if !ok {
		return domain.Order{}, domain.NewVenueError(domain.ErrInvalidOrder, "get_order", pair, domain.ErrNotFound)
	}
	return o, nil
}

func (f *FakeExchange) GetTradesForOrder(ctx context.Context, id, pair string) ([]domain.Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TradesErr != nil {
		return nil, f.TradesErr
	}
	return f.Trades[id], nil
}

func (f *FakeExchange) CancelOrder(ctx context.Context, id, pair string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.CancelErr[id]; err != nil {
		return err
	}
	f.Cancelled = append(f.Cancelled, id)
	if o, ok := f.Orders[id]; ok {
		o.Status = domain.OrderStatusCanceled
		if f.CancelFunc != nil {
			o = f.CancelFunc(o)
		}
		f.Orders[id] = o
	}
	return nil
}

func (f *FakeExchange) GetBalances(ctx context.Context) (map[string]domain.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BalancesErr != nil {
		return nil, f.BalancesErr
	}
	out := make(map[string]domain.Balance, len(f.Balances))
	for k, v := range f.Balances {
		out[k] = v
	}
	return out, nil
}
