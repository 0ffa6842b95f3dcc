// Package exchange provides the venue clients the trading core talks to: a
// signed REST client, a paper venue for dry runs, and a guard that adds
// rate limiting and a circuit breaker in front of either.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/tradecore/internal/crypto"
	"github.com/alanyoungcy/tradecore/internal/domain"
)

var _ domain.Exchange = (*RESTClient)(nil)

// RESTClient is the REST client for an HMAC-authenticated spot venue.
type RESTClient struct {
	name       string
	baseURL    string
	auth       *crypto.HMACAuth
	httpClient *http.Client
}

// NewRESTClient creates a REST client. baseURL is the API root, e.g.
// "https://api.venue.example/api/v1".
func NewRESTClient(name, baseURL string, auth *crypto.HMACAuth, timeout time.Duration) *RESTClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RESTClient{
		name:    name,
		baseURL: baseURL,
		auth:    auth,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name returns the configured venue name.
func (c *RESTClient) Name() string { return c.name }

// apiError is the venue's error body.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type orderRequestBody struct {
	Pair      string  `json:"pair"`
	Side      string  `json:"side"`
	Type      string  `json:"type"`
	Amount    float64 `json:"amount"`
	Price     float64 `json:"price,omitempty"`
	StopPrice float64 `json:"stop_price,omitempty"`
}

// GetMarkets returns the venue's market table keyed by symbol.
func (c *RESTClient) GetMarkets(ctx context.Context) (map[string]domain.Market, error) {
	var resp struct {
		Markets []domain.Market `json:"markets"`
	}
	if err := c.doJSON(ctx, "get_markets", "", http.MethodGet, "/markets", nil, &resp); err != nil {
		return nil, err
	}
	out := make(map[string]domain.Market, len(resp.Markets))
	for _, m := range resp.Markets {
		out[m.Symbol] = m
	}
	return out, nil
}

// GetTickers returns the latest ticker of every pair keyed by symbol.
func (c *RESTClient) GetTickers(ctx context.Context) (map[string]domain.Ticker, error) {
	var resp struct {
		Tickers []domain.Ticker `json:"tickers"`
	}
	if err := c.doJSON(ctx, "get_tickers", "", http.MethodGet, "/tickers", nil, &resp); err != nil {
		return nil, err
	}
	out := make(map[string]domain.Ticker, len(resp.Tickers))
	for _, t := range resp.Tickers {
		out[t.Symbol] = t
	}
	return out, nil
}

// GetOrderBook returns up to depth levels on each side.
func (c *RESTClient) GetOrderBook(ctx context.Context, pair string, depth int) (domain.OrderBook, error) {
	params := url.Values{}
	params.Set("pair", pair)
	params.Set("depth", strconv.Itoa(depth))

	var ob domain.OrderBook
	if err := c.doJSON(ctx, "get_order_book", pair, http.MethodGet, "/orderbook?"+params.Encode(), nil, &ob); err != nil {
		return domain.OrderBook{}, err
	}
	ob.Pair = pair
	return ob, nil
}

// PlaceOrder submits a new order and returns the venue's view of it.
func (c *RESTClient) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	body := orderRequestBody{
		Pair:      req.Pair,
		Side:      string(req.Side),
		Type:      string(req.Type),
		Amount:    req.Amount,
		Price:     req.Price,
		StopPrice: req.StopPrice,
	}
	var order domain.Order
	if err := c.doJSON(ctx, "place_order", req.Pair, http.MethodPost, "/orders", body, &order); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

// GetOrder fetches one order.
func (c *RESTClient) GetOrder(ctx context.Context, id, pair string) (domain.Order, error) {
	var order domain.Order
	if err := c.doJSON(ctx, "get_order", pair, http.MethodGet, orderPath(id, pair, ""), nil, &order); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

// GetTradesForOrder lists the fills executed against an order.
func (c *RESTClient) GetTradesForOrder(ctx context.Context, id, pair string) ([]domain.Fill, error) {
	var resp struct {
		Trades []domain.Fill `json:"trades"`
	}
	if err := c.doJSON(ctx, "get_trades_for_order", pair, http.MethodGet, orderPath(id, pair, "/trades"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Trades, nil
}

// CancelOrder cancels an order.
func (c *RESTClient) CancelOrder(ctx context.Context, id, pair string) error {
	return c.doJSON(ctx, "cancel_order", pair, http.MethodDelete, orderPath(id, pair, ""), nil, nil)
}

// GetBalances returns the account wallet keyed by currency.
func (c *RESTClient) GetBalances(ctx context.Context) (map[string]domain.Balance, error) {
	var resp struct {
		Balances []domain.Balance `json:"balances"`
	}
	if err := c.doJSON(ctx, "get_balances", "", http.MethodGet, "/balances", nil, &resp); err != nil {
		return nil, err
	}
	out := make(map[string]domain.Balance, len(resp.Balances))
	for _, b := range resp.Balances {
		out[b.Currency] = b
	}
	return out, nil
}

func orderPath(id, pair, suffix string) string {
	params := url.Values{}
	params.Set("pair", pair)
	return "/orders/" + url.PathEscape(id) + suffix + "?" + params.Encode()
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doJSON sends a signed request and decodes the response into out (when
// non-nil). Every returned error is a *domain.VenueError.
func (c *RESTClient) doJSON(ctx context.Context, op, pair, method, path string, reqBody, out any) error {
	body, err := c.doSignedRequest(ctx, method, path, reqBody)
	if err != nil {
		var ve *domain.VenueError
		if errors.As(err, &ve) {
			ve.Op, ve.Pair = op, pair
			return ve
		}
		return domain.NewVenueError(domain.ErrTemporary, op, pair, err)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return domain.NewVenueError(domain.ErrTemporary, op, pair, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// doSignedRequest builds, signs, sends, and reads an HTTP request against the
// venue API.
func (c *RESTClient) doSignedRequest(ctx context.Context, method, path string, reqBody any) ([]byte, error) {
	var raw []byte
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return nil, domain.NewVenueError(domain.ErrOperational, "", "", fmt.Errorf("marshal request body: %w", err))
		}
		raw = b
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, domain.NewVenueError(domain.ErrOperational, "", "", fmt.Errorf("create request: %w", err))
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.auth != nil {
		for k, v := range c.auth.Headers(method, path, string(raw)) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewVenueError(domain.ErrTemporary, "", "", fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewVenueError(domain.ErrTemporary, "", "", fmt.Errorf("read response: %w", err))
	}

	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkStatus maps non-2xx HTTP status codes to classified venue errors.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	cause := fmt.Errorf("HTTP %d: %s (%s)", statusCode, apiErr.Message, apiErr.Code)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return domain.NewVenueError(domain.ErrTemporary, "", "", fmt.Errorf("%w: %w", domain.ErrRateLimited, cause))
	case statusCode >= 500:
		return domain.NewVenueError(domain.ErrTemporary, "", "", cause)
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return domain.NewVenueError(domain.ErrOperational, "", "", fmt.Errorf("%w: %w", domain.ErrUnauthorized, cause))
	case statusCode == http.StatusBadRequest, statusCode == http.StatusNotFound,
		statusCode == http.StatusConflict, statusCode == http.StatusUnprocessableEntity:
		return domain.NewVenueError(domain.ErrInvalidOrder, "", "", cause)
	default:
		return domain.NewVenueError(domain.ErrOperational, "", "", cause)
	}
}
