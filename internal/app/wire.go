package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/tradecore/internal/blob/s3"
	"github.com/alanyoungcy/tradecore/internal/cache/redis"
	"github.com/alanyoungcy/tradecore/internal/config"
	"github.com/alanyoungcy/tradecore/internal/crypto"
	"github.com/alanyoungcy/tradecore/internal/domain"
	"github.com/alanyoungcy/tradecore/internal/edge"
	"github.com/alanyoungcy/tradecore/internal/engine"
	"github.com/alanyoungcy/tradecore/internal/exchange"
	"github.com/alanyoungcy/tradecore/internal/infra"
	"github.com/alanyoungcy/tradecore/internal/notify"
	"github.com/alanyoungcy/tradecore/internal/pairlist"
	"github.com/alanyoungcy/tradecore/internal/server/handler"
	"github.com/alanyoungcy/tradecore/internal/service"
	"github.com/alanyoungcy/tradecore/internal/store/memory"
	"github.com/alanyoungcy/tradecore/internal/store/postgres"
	"github.com/alanyoungcy/tradecore/internal/strategy"
	"github.com/alanyoungcy/tradecore/internal/wallet"
	"github.com/alanyoungcy/tradecore/internal/worker"
)

// Dependencies bundles the infrastructure the trading core runs on. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Ledger
	Positions domain.PositionStore
	History   domain.PositionHistory
	Audit     domain.AuditStore

	// Coordination
	Locks     domain.LockManager
	PairLocks domain.PairLocker
	Limiter   domain.RateLimiter
	Bus       domain.SignalBus
	Markets   domain.MarketCache

	// Blob storage
	BlobReader domain.BlobReader
	Archiver   *s3blob.Archiver

	Notifier *notify.Notifier
	Checks   map[string]handler.Check
}

// needsPostgres reports whether the ledger lives in PostgreSQL. Paper mode
// keeps it in memory.
func needsPostgres(mode string) bool {
	return mode != "paper"
}

// Wire constructs the infrastructure for cfg and returns it together with a
// cleanup function that releases every connection it opened.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Checks: map[string]handler.Check{}}

	// --- Ledger ---
	if needsPostgres(cfg.Mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		positions := postgres.NewPositionStore(pgClient.Pool())
		deps.Positions = positions
		deps.History = positions
		deps.Audit = postgres.NewAuditStore(pgClient.Pool())
		deps.Checks["postgres"] = pgClient.Ping
	} else {
		positions := memory.NewPositionStore()
		deps.Positions = positions
		deps.History = positions
		deps.Audit = memory.NewAuditStore()
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Locks = redis.NewLockManager(redisClient)
		deps.PairLocks = redis.NewPairLocker(redisClient)
		deps.Bus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMax)
		deps.Markets = redis.NewMarketCache(redisClient, cfg.Exchange.MarketsRefresh.Duration)
		if cfg.Exchange.RateLimit > 0 {
			deps.Limiter = redis.NewRateLimiter(redisClient, cfg.Exchange.RateLimit, cfg.Exchange.RateWindow.Duration)
		}
		deps.Checks["redis"] = redisClient.Ping
	} else {
		deps.Locks = memory.NewLockManager()
		deps.PairLocks = memory.NewPairLocker()
		deps.Bus = memory.NewSignalBus(int(cfg.Redis.StreamMax))
	}

	// --- S3 ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(s3blob.ArchiveConfig{
			Retention: cfg.S3.ArchiveRetention.Duration,
			Interval:  cfg.S3.ArchiveInterval.Duration,
		}, s3blob.NewWriter(s3Client), deps.History, deps.Audit, logger)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// Core is the trading pipeline built on top of Dependencies.
type Core struct {
	Venue    domain.Exchange
	Pairlist *pairlist.Pairlist
	Edge     *edge.Edge
	Wallet   *wallet.Wallet
	Strategy domain.Strategy
	Exec     *service.ExecutionService
	Exit     *service.ExitService
	Engine   *engine.Engine
	Worker   *worker.Worker
	Sink     domain.EventSink
	Exiter   handler.ForceExiter
}

// forceExitWait bounds how long an operator force-sell waits for a running
// pass to release the ledger.
const forceExitWait = 10 * time.Second

// BuildCore assembles the venue, the services, the engine and the worker.
func BuildCore(cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*Core, error) {
	c := &Core{}

	c.Sink = notify.Fanout{
		notify.NewBusSink(deps.Bus, notify.EventsChannel, logger),
		notify.NewAuditSink(deps.Audit, logger),
		notify.NewLogSink(logger),
		deps.Notifier,
	}

	venue, guarded, err := buildVenue(cfg, deps, logger)
	if err != nil {
		return nil, err
	}
	c.Venue = venue

	c.Strategy, err = buildStrategy(cfg, deps, logger)
	if err != nil {
		return nil, err
	}

	c.Pairlist = pairlist.New(pairlist.Config{
		Method:          cfg.Pairlist.Method,
		Whitelist:       cfg.Pairlist.Whitelist,
		Blacklist:       cfg.Pairlist.Blacklist,
		NumberAssets:    cfg.Pairlist.NumberAssets,
		SortKey:         cfg.Pairlist.SortKey,
		PrecisionFilter: cfg.Pairlist.PrecisionFilter,
		StakeCurrency:   cfg.Trading.StakeCurrency,
		StopLoss:        cfg.Strategy.StopLoss,
		AskLastBalance:  cfg.BidStrategy.AskLastBalance,
	}, venue, logger)

	var (
		risk    service.RiskAdvisor
		advisor engine.Advisor
	)
	if cfg.Edge.Enabled {
		var source edge.TradeSource = edge.StaticTradeSource(nil)
		if deps.BlobReader != nil {
			source = edge.NewBlobTradeSource(deps.BlobReader, cfg.Edge.SourcePath)
		}
		c.Edge = edge.New(edge.Config{
			CapitalAvailablePercentage: cfg.Edge.CapitalAvailablePercentage,
			AllowedRisk:                cfg.Edge.AllowedRisk,
			MinimumExpectancy:          cfg.Edge.MinimumExpectancy,
			MinimumWinrate:             cfg.Edge.MinimumWinrate,
			MinTradeNumber:             cfg.Edge.MinTradeNumber,
			ProcessThrottle:            cfg.Edge.ProcessThrottle.Duration,
		}, source, logger)
		risk = c.Edge
		advisor = c.Edge
	}

	c.Wallet = wallet.New(venue, logger)

	stake, _ := cfg.Trading.FixedStake()
	c.Exec = service.NewExecutionService(service.ExecutionConfig{
		StakeCurrency:        cfg.Trading.StakeCurrency,
		StakeAmount:          stake,
		UnlimitedStake:       cfg.Trading.Unlimited(),
		MaxOpenTrades:        cfg.Trading.MaxOpenTrades,
		CapitalLimit:         cfg.Trading.CapitalLimit,
		AmountReservePercent: cfg.Trading.AmountReservePercent,
		BuyOrderType:         domain.OrderType(cfg.Strategy.OrderTypes.Buy),
		Bid: service.BidConfig{
			AskLastBalance:     cfg.BidStrategy.AskLastBalance,
			UseOrderBook:       cfg.BidStrategy.UseOrderBook,
			OrderBookTop:       cfg.BidStrategy.OrderBookTop,
			CheckDepthOfMarket: cfg.BidStrategy.CheckDepthOfMarket,
			BidsToAskDelta:     cfg.BidStrategy.BidsToAskDelta,
		},
		UnfilledTimeoutBuy:  cfg.Trading.UnfilledTimeoutBuy.Duration,
		UnfilledTimeoutSell: cfg.Trading.UnfilledTimeoutSell.Duration,
	}, venue, deps.Positions, c.Wallet, c.Strategy, risk, c.Sink, logger)

	ot := cfg.Strategy.OrderTypes
	c.Exit = service.NewExitService(service.ExitConfig{
		StakeCurrency: cfg.Trading.StakeCurrency,
		Trailing: service.TrailingConfig{
			Enabled:           cfg.Strategy.TrailingStop,
			Positive:          cfg.Strategy.TrailingStopPositive,
			Offset:            cfg.Strategy.TrailingStopPositiveOffset,
			OnlyOffsetReached: cfg.Strategy.TrailingOnlyOffsetIsReached,
		},
		UseSellSignal:          cfg.Strategy.UseSellSignal,
		SellProfitOnly:         cfg.Strategy.SellProfitOnly,
		IgnoreROIIfBuySignal:   cfg.Strategy.IgnoreROIIfBuySignal,
		SellOrderType:          domain.OrderType(ot.Sell),
		StopLossOrderType:      domain.OrderType(ot.StopLoss),
		EmergencySellOrderType: domain.OrderType(ot.EmergencySell),
		StopLossOnExchange:     ot.StopLossOnExchange,
		StopLossInterval:       ot.StopLossOnExchangeInterval.Duration,
		AskUseOrderBook:        cfg.AskStrategy.UseOrderBook,
		AskOrderBookMin:        cfg.AskStrategy.OrderBookMin,
		AskOrderBookMax:        cfg.AskStrategy.OrderBookMax,
		ExitCooldown:           cfg.Trading.ExitCooldown.Duration,
	}, c.Exec, deps.PairLocks, c.Sink, logger)

	c.Engine = engine.New(engine.Config{
		StakeCurrency: cfg.Trading.StakeCurrency,
		MaxOpenTrades: cfg.Trading.MaxOpenTrades,
	}, engine.Deps{
		Venue:     venue,
		Pairs:     c.Pairlist,
		Advisor:   advisor,
		Wallet:    c.Wallet,
		Strategy:  c.Strategy,
		Positions: deps.Positions,
		Locks:     deps.PairLocks,
		Exec:      c.Exec,
		Exit:      c.Exit,
		Sink:      c.Sink,
	}, logger)

	initial := worker.StateRunning
	if cfg.Mode == "monitor" {
		initial = worker.StateStopped
	}
	var reload reloadFunc = c.Engine.Reload
	if guarded != nil {
		reload = func(ctx context.Context) error {
			guarded.InvalidateMarkets(ctx)
			return c.Engine.Reload(ctx)
		}
	}
	c.Worker = worker.New(worker.Config{
		Throttle:     cfg.Trading.ProcessThrottle.Duration,
		LockTTL:      cfg.Trading.WorkerLockTTL.Duration,
		InitialState: initial,
	}, c.Engine, reload, deps.Locks, c.Sink, logger)

	c.Exiter = lockedExiter{worker: c.Worker, exit: c.Exit, wait: forceExitWait}
	return c, nil
}

// buildVenue returns the venue the services trade on and, when a remote venue
// is configured, its guarded client. Dry runs trade on a paper account that
// reads market data from the remote venue when there is one.
func buildVenue(cfg *config.Config, deps *Dependencies, logger *slog.Logger) (domain.Exchange, *exchange.Guarded, error) {
	var (
		remote  domain.Exchange
		guarded *exchange.Guarded
	)
	if cfg.Exchange.BaseURL != "" {
		var auth *crypto.HMACAuth
		if cfg.Exchange.ApiKey != "" {
			secret, err := crypto.LoadSecret(crypto.SecretConfig{
				Raw:           cfg.Exchange.ApiSecret,
				EncryptedPath: cfg.Exchange.EncryptedSecretPath,
				Password:      cfg.Exchange.SecretPassword,
			})
			if err != nil {
				return nil, nil, fmt.Errorf("wire: exchange secret: %w", err)
			}
			auth = &crypto.HMACAuth{Key: cfg.Exchange.ApiKey, Secret: secret}
		}
		rest := exchange.NewRESTClient(cfg.Exchange.Name, cfg.Exchange.BaseURL, auth, cfg.Exchange.Timeout.Duration)
		breaker := infra.DefaultBreakerConfig(cfg.Exchange.Name)
		breaker.FailureThreshold = cfg.Exchange.BreakerFailures
		breaker.Timeout = cfg.Exchange.BreakerTimeout.Duration
		guarded = exchange.NewGuarded(rest, deps.Limiter, deps.Markets, exchange.GuardConfig{
			Breaker:    breaker,
			MarketsTTL: cfg.Exchange.MarketsRefresh.Duration,
		}, logger)
		remote = guarded
	}

	if cfg.Mode == "paper" || cfg.Trading.DryRun {
		return exchange.NewPaper(remote, cfg.Trading.StakeCurrency, cfg.Trading.DryRunWallet, logger), guarded, nil
	}
	if remote == nil {
		return nil, nil, errors.New("wire: exchange: base_url is required for live trading")
	}
	return remote, guarded, nil
}

// buildStrategy registers the built-in strategies and picks the configured
// one.
func buildStrategy(cfg *config.Config, deps *Dependencies, logger *slog.Logger) (domain.Strategy, error) {
	roi, err := cfg.Strategy.ROI()
	if err != nil {
		return nil, fmt.Errorf("wire: %w", err)
	}
	params := strategy.Params{
		StopLoss:         cfg.Strategy.StopLoss,
		MinimalROI:       domain.ROITable(roi),
		InformativePairs: cfg.Strategy.InformativePairs,
	}
	// Signals older than two candles are stale.
	maxAge := 2 * cfg.Trading.TickerInterval.Duration

	reg := strategy.NewRegistry()
	reg.Register(strategy.NewBus("bus", params, deps.Bus, cfg.Strategy.SignalStream, maxAge, logger))
	reg.Register(strategy.NewStatic("static", params))

	s, err := reg.Get(cfg.Strategy.Name)
	if err != nil {
		return nil, fmt.Errorf("wire: strategy (available: %v): %w", reg.List(), err)
	}
	return s, nil
}

type reloadFunc func(ctx context.Context) error

func (f reloadFunc) Reload(ctx context.Context) error { return f(ctx) }

// lockedExiter runs operator force-sells under the ledger lock so they never
// interleave with a pass.
type lockedExiter struct {
	worker *worker.Worker
	exit   *service.ExitService
	wait   time.Duration
}

func (l lockedExiter) ForceExit(ctx context.Context, id int64) (domain.Position, error) {
	var pos domain.Position
	err := l.worker.Exclusive(ctx, l.wait, func(ctx context.Context) error {
		var err error
		// a client hanging up must not strand a placed sell outside the ledger
		pos, err = l.exit.ForceExit(context.WithoutCancel(ctx), id)
		return err
	})
	return pos, err
}
