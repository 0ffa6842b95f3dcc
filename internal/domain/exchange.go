package domain

import "context"

// Exchange is the venue client the core trades through. Every error wraps
// ErrTemporary, ErrInvalidOrder or ErrOperational.
type Exchange interface {
	Name() string
	GetMarkets(ctx context.Context) (map[string]Market, error)
	GetTickers(ctx context.Context) (map[string]Ticker, error)
	GetOrderBook(ctx context.Context, pair string, depth int) (OrderBook, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)
	GetOrder(ctx context.Context, id, pair string) (Order, error)
	GetTradesForOrder(ctx context.Context, id, pair string) ([]Fill, error)
	CancelOrder(ctx context.Context, id, pair string) error
	GetBalances(ctx context.Context) (map[string]Balance, error)
}
