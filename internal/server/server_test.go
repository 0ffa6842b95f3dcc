package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradecore/internal/domain"
	"github.com/alanyoungcy/tradecore/internal/server/handler"
	"github.com/alanyoungcy/tradecore/internal/server/ws"
	"github.com/alanyoungcy/tradecore/internal/store/memory"
	"github.com/alanyoungcy/tradecore/internal/strategy"
	"github.com/alanyoungcy/tradecore/internal/testutil"
	"github.com/alanyoungcy/tradecore/internal/worker"
)

type fakeWorker struct {
	mu                     sync.Mutex
	state                  worker.State
	starts, stops, reloads int
}

func (w *fakeWorker) Start()  { w.mu.Lock(); w.starts++; w.state = worker.StateRunning; w.mu.Unlock() }
func (w *fakeWorker) Stop()   { w.mu.Lock(); w.stops++; w.state = worker.StateStopped; w.mu.Unlock() }
func (w *fakeWorker) Reload() { w.mu.Lock(); w.reloads++; w.mu.Unlock() }
func (w *fakeWorker) State() worker.State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

type fakeEngine struct {
	last  time.Time
	pairs []string
}

func (e *fakeEngine) LastPass() time.Time       { return e.last }
func (e *fakeEngine) ActiveWhitelist() []string { return e.pairs }

type fakeWallet []domain.Balance

func (w fakeWallet) Balances() []domain.Balance { return w }
func (w fakeWallet) UpdatedAt() time.Time       { return time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC) }

type fakeExiter struct {
	store *memory.PositionStore
	err   error
}

func (f *fakeExiter) ForceExit(ctx context.Context, id int64) (domain.Position, error) {
	if f.err != nil {
		return domain.Position{}, f.err
	}
	pos, err := f.store.GetByID(ctx, id)
	if err != nil {
		return pos, err
	}
	if !pos.IsOpen {
		return pos, domain.ErrPositionClosed
	}
	now := time.Now().UTC()
	pos.IsOpen = false
	pos.CloseDate = &now
	pos.SellReason = domain.SellReasonForceSell
	return pos, f.store.Update(ctx, pos)
}

type denyLimiter struct{}

func (denyLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	return false, nil
}
func (denyLimiter) Wait(ctx context.Context, key string) error { return nil }

type api struct {
	worker  *fakeWorker
	store   *memory.PositionStore
	exiter  *fakeExiter
	bus     *memory.SignalBus
	signals *strategy.Static
	checks  map[string]handler.Check
	srv     *httptest.Server
}

func newAPI(t *testing.T, cfg Config, limiter domain.RateLimiter) *api {
	t.Helper()
	logger := testutil.Logger()
	a := &api{
		worker:  &fakeWorker{state: worker.StateRunning},
		store:   memory.NewPositionStore(),
		bus:     memory.NewSignalBus(0),
		signals: strategy.NewStatic("static", strategy.Params{StopLoss: -0.1}),
		checks:  map[string]handler.Check{},
	}
	a.exiter = &fakeExiter{store: a.store}
	engine := &fakeEngine{last: time.Now(), pairs: []string{"ETH/BTC", "LTC/BTC"}}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := ws.NewHub(a.bus, ws.Config{
		Channels: []string{"tradecore:events"},
		Status:   func(context.Context) any { return map[string]string{"state": a.worker.State().String()} },
	}, logger)
	go hub.Run(ctx)

	h := Handlers{
		Health: handler.NewHealthHandler(map[string]handler.Check{
			"ledger": func(ctx context.Context) error {
				if f := a.checks["ledger"]; f != nil {
					return f(ctx)
				}
				return nil
			},
		}, logger),
		Status:    handler.NewStatusHandler(handler.StatusInfo{Mode: "paper", Exchange: "fake", StakeCurrency: "BTC"}, a.worker, engine, a.store, logger),
		Worker:    handler.NewWorkerHandler(a.worker, logger),
		Positions: handler.NewPositionHandler(a.store, a.store, a.exiter, logger),
		Balances:  handler.NewBalanceHandler(fakeWallet{{Currency: "BTC", Free: 0.9, Total: 1}}),
		Whitelist: handler.NewWhitelistHandler(engine, "static"),
		Signals:   handler.NewSignalHandler(a.signals, logger),
	}
	a.srv = httptest.NewServer(Routes(cfg, h, hub, limiter, logger))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *api) do(t *testing.T, method, path, key string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, a.srv.URL+path, nil)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	}
	return resp, body
}

func (a *api) seed(t *testing.T, pair string) domain.Position {
	t.Helper()
	pos := domain.Position{Pair: pair, Amount: 1, OpenRate: 1, StakeAmount: 0.05, IsOpen: true, OpenDate: time.Now().UTC()}
	require.NoError(t, a.store.Create(context.Background(), &pos))
	return pos
}

func TestHealth(t *testing.T) {
	a := newAPI(t, Config{APIKey: "secret"}, nil)

	resp, body := a.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health is public")
	assert.Equal(t, "ok", body["status"])

	a.checks["ledger"] = func(context.Context) error { return errors.New("connection refused") }
	resp, body = a.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "connection refused", body["checks"].(map[string]any)["ledger"])
}

func TestAuth(t *testing.T) {
	a := newAPI(t, Config{APIKey: "secret"}, nil)

	resp, _ := a.do(t, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = a.do(t, http.MethodGet, "/api/status", "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, body := a.do(t, http.MethodGet, "/api/status", "secret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "running", body["state"])
}

func TestStatus(t *testing.T) {
	a := newAPI(t, Config{}, nil)
	a.seed(t, "ETH/BTC")
	a.seed(t, "LTC/BTC")

	resp, body := a.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "paper", body["mode"])
	assert.Equal(t, "BTC", body["stake_currency"])
	assert.EqualValues(t, 2, body["open_positions"])
	assert.InDelta(t, 0.1, body["open_stake"], 1e-12)
	assert.NotEmpty(t, body["last_pass"])
}

func TestWorkerControl(t *testing.T) {
	a := newAPI(t, Config{}, nil)

	resp, body := a.do(t, http.MethodPost, "/api/worker/stop", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "stopping trader", body["status"])
	assert.Equal(t, worker.StateStopped, a.worker.State())

	resp, body = a.do(t, http.MethodPost, "/api/worker/stop", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "already stopped", body["status"])

	resp, _ = a.do(t, http.MethodPost, "/api/worker/start", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, worker.StateRunning, a.worker.State())

	resp, _ = a.do(t, http.MethodPost, "/api/worker/reload", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, a.worker.reloads)
	assert.Equal(t, 1, a.worker.stops)

	resp, _ = a.do(t, http.MethodGet, "/api/worker/start", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestListPositions(t *testing.T) {
	a := newAPI(t, Config{}, nil)
	ctx := context.Background()
	a.seed(t, "ETH/BTC")
	closed := a.seed(t, "LTC/BTC")
	_, err := a.exiter.ForceExit(ctx, closed.ID)
	require.NoError(t, err)

	resp, body := a.do(t, http.MethodGet, "/api/positions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	open := body["positions"].([]any)
	require.Len(t, open, 1)
	assert.Equal(t, "ETH/BTC", open[0].(map[string]any)["pair"])

	resp, body = a.do(t, http.MethodGet, "/api/positions?status=closed&limit=10", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	done := body["positions"].([]any)
	require.Len(t, done, 1)
	assert.Equal(t, "force_sell", done[0].(map[string]any)["sell_reason"])

	resp, _ = a.do(t, http.MethodGet, "/api/positions?status=pending", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestForceSell(t *testing.T) {
	a := newAPI(t, Config{}, nil)
	pos := a.seed(t, "ETH/BTC")

	resp, body := a.do(t, http.MethodPost, "/api/positions/1/forcesell", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, pos.ID, body["id"])
	assert.Equal(t, false, body["is_open"])

	resp, _ = a.do(t, http.MethodPost, "/api/positions/1/forcesell", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = a.do(t, http.MethodPost, "/api/positions/99/forcesell", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = a.do(t, http.MethodPost, "/api/positions/abc/forcesell", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	a.exiter.err = domain.NewVenueError(domain.ErrTemporary, "get_tickers", "", errors.New("timeout"))
	resp, _ = a.do(t, http.MethodPost, "/api/positions/2/forcesell", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestBalancesAndWhitelist(t *testing.T) {
	a := newAPI(t, Config{}, nil)

	resp, body := a.do(t, http.MethodGet, "/api/balances", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	balances := body["balances"].([]any)
	require.Len(t, balances, 1)
	assert.Equal(t, "BTC", balances[0].(map[string]any)["currency"])
	assert.Equal(t, "2026-10-01T00:00:00Z", body["updated_at"])

	resp, body = a.do(t, http.MethodGet, "/api/whitelist", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "static", body["method"])
	assert.EqualValues(t, 2, body["length"])
	assert.Equal(t, []any{"ETH/BTC", "LTC/BTC"}, body["whitelist"])
}

func TestRateLimited(t *testing.T) {
	a := newAPI(t, Config{RateLimit: 10}, denyLimiter{})
	resp, body := a.do(t, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate limit exceeded", body["error"])
}

func TestCORSPreflight(t *testing.T) {
	a := newAPI(t, Config{APIKey: "secret", CORSOrigins: []string{"http://localhost:5173"}}, nil)
	req, err := http.NewRequest(http.MethodOptions, a.srv.URL+"/api/status", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	a := newAPI(t, Config{APIKey: "secret"}, nil)
	resp, err := http.Get(a.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebsocketRelaysEvents(t *testing.T) {
	a := newAPI(t, Config{APIKey: "secret"}, nil)
	url := "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/ws?token=secret"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var snap map[string]any
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, "snapshot", snap["type"])
	assert.Equal(t, "running", snap["status"].(map[string]any)["state"])

	payload, err := json.Marshal(domain.Event{Type: domain.EventExitFilled, Pair: "ETH/BTC", Time: time.Now().UTC()})
	require.NoError(t, err)
	require.NoError(t, a.bus.Publish(context.Background(), "tradecore:events", payload))

	var ev domain.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, domain.EventExitFilled, ev.Type)
	assert.Equal(t, "ETH/BTC", ev.Pair)
}

func TestSetSignal(t *testing.T) {
	a := newAPI(t, Config{}, nil)
	post := func(body string) *http.Response {
		resp, err := http.Post(a.srv.URL+"/api/signals", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	assert.Equal(t, http.StatusOK, post(`{"pair":"ETH/BTC","buy":true}`).StatusCode)
	assert.Equal(t, domain.Signal{Pair: "ETH/BTC", Buy: true}, a.signals.Signal("ETH/BTC"))

	assert.Equal(t, http.StatusOK, post(`{"pair":"ETH/BTC","sell":true}`).StatusCode)
	assert.Equal(t, domain.Signal{Pair: "ETH/BTC", Sell: true}, a.signals.Signal("ETH/BTC"))

	assert.Equal(t, http.StatusBadRequest, post(`{"pair":"ETHBTC","buy":true}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(`not json`).StatusCode)
	assert.Equal(t, domain.Signal{Pair: "LTC/BTC"}, a.signals.Signal("LTC/BTC"))
}
