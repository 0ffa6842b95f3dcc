package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tradecore/internal/config"
	"github.com/alanyoungcy/tradecore/internal/domain"
	"github.com/alanyoungcy/tradecore/internal/notify"
	"github.com/alanyoungcy/tradecore/internal/server"
	"github.com/alanyoungcy/tradecore/internal/server/handler"
	"github.com/alanyoungcy/tradecore/internal/server/ws"
)

// TradeMode runs passes against the configured venue. With dry_run set the
// orders go to a paper account while the ledger stays in PostgreSQL.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies, core *Core) error {
	a.logger.InfoContext(ctx, "app: starting trade mode", slog.Bool("dry_run", a.cfg.Trading.DryRun))
	return a.serve(ctx, deps, core)
}

// PaperMode runs passes on a paper account with an in-memory ledger.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies, core *Core) error {
	a.logger.InfoContext(ctx, "app: starting paper mode",
		slog.Float64("wallet", a.cfg.Trading.DryRunWallet),
		slog.String("stake_currency", a.cfg.Trading.StakeCurrency))
	return a.serve(ctx, deps, core)
}

// MonitorMode serves the API with the worker stopped until an operator starts
// it.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies, core *Core) error {
	a.logger.InfoContext(ctx, "app: starting monitor mode")
	if !a.cfg.Server.Enabled {
		a.logger.WarnContext(ctx, "app: monitor mode without the server cannot be started")
	}
	return a.serve(ctx, deps, core)
}

func (a *App) serve(ctx context.Context, deps *Dependencies, core *Core) error {
	g, ctx := errgroup.WithContext(ctx)

	a.announce(ctx, core)

	g.Go(func() error {
		return core.Worker.Run(ctx)
	})

	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(ctx)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, core)
	}

	return g.Wait()
}

// announce emits the startup summary to every sink.
func (a *App) announce(ctx context.Context, core *Core) {
	stake := a.cfg.Trading.StakeAmount
	if a.cfg.Trading.DryRun {
		stake += " (dry run)"
	}
	lines := []string{
		"exchange: " + core.Venue.Name(),
		fmt.Sprintf("stake per trade: %s %s", stake, a.cfg.Trading.StakeCurrency),
		fmt.Sprintf("max open trades: %d", a.cfg.Trading.MaxOpenTrades),
		"strategy: " + core.Strategy.Name(),
		"whitelist: " + core.Pairlist.Name(),
	}
	if core.Edge != nil {
		lines = append(lines, "edge: enabled")
	}
	core.Sink.Emit(ctx, domain.Event{
		Type:   domain.EventStatus,
		Status: strings.Join(lines, "\n"),
		Time:   time.Now().UTC(),
	})
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, core *Core) {
	status := handler.StatusInfo{
		Mode:          a.cfg.Mode,
		Exchange:      core.Venue.Name(),
		Strategy:      core.Strategy.Name(),
		StakeCurrency: a.cfg.Trading.StakeCurrency,
		StakeAmount:   a.cfg.Trading.StakeAmount,
		MaxOpenTrades: a.cfg.Trading.MaxOpenTrades,
		DryRun:        a.cfg.Trading.DryRun,
	}

	hub := ws.NewHub(deps.Bus, ws.Config{
		Channels: []string{notify.EventsChannel},
		Status: func(ctx context.Context) any {
			return map[string]any{
				"info":      status,
				"state":     core.Worker.State().String(),
				"whitelist": core.Engine.ActiveWhitelist(),
			}
		},
	}, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(deps.Checks, a.logger),
		Status:    handler.NewStatusHandler(status, core.Worker, core.Engine, deps.Positions, a.logger),
		Worker:    handler.NewWorkerHandler(core.Worker, a.logger),
		Positions: handler.NewPositionHandler(deps.Positions, deps.History, core.Exiter, a.logger),
		Balances:  handler.NewBalanceHandler(core.Wallet),
		Whitelist: handler.NewWhitelistHandler(core.Engine, a.cfg.Pairlist.Method),
	}
	if setter, ok := core.Strategy.(handler.SignalSetter); ok {
		handlers.Signals = handler.NewSignalHandler(setter, a.logger)
	}
	srv := server.NewServer(serverConfig(a.cfg.Server), handlers, hub, deps.Limiter, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

func serverConfig(c config.ServerConfig) server.Config {
	return server.Config{
		Port:        c.Port,
		CORSOrigins: c.CORSOrigins,
		APIKey:      c.ApiKey,
		RateLimit:   c.RateLimit,
	}
}
