// Package config defines the top-level configuration for the trading core
// and provides validation helpers.
package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TRADECORE_* environment variables.
type Config struct {
	Exchange    ExchangeConfig    `toml:"exchange"`
	Trading     TradingConfig     `toml:"trading"`
	Pairlist    PairlistConfig    `toml:"pairlist"`
	BidStrategy BidStrategyConfig `toml:"bid_strategy"`
	AskStrategy AskStrategyConfig `toml:"ask_strategy"`
	Strategy    StrategyConfig    `toml:"strategy"`
	Edge        EdgeConfig        `toml:"edge"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// ExchangeConfig holds venue endpoint and credentials.
type ExchangeConfig struct {
	Name                string   `toml:"name"`
	BaseURL             string   `toml:"base_url"`
	ApiKey              string   `toml:"api_key"`
	ApiSecret           string   `toml:"api_secret"`
	EncryptedSecretPath string   `toml:"encrypted_secret_path"`
	SecretPassword      string   `toml:"secret_password"`
	Timeout             duration `toml:"timeout"`
	RateLimit           int      `toml:"rate_limit"`
	RateWindow          duration `toml:"rate_window"`
	BreakerFailures     int      `toml:"breaker_failures"`
	BreakerTimeout      duration `toml:"breaker_timeout"`
	MarketsRefresh      duration `toml:"markets_refresh"`
}

// UnlimitedStake is the stake_amount value that splits free balance evenly
// across the remaining position slots.
const UnlimitedStake = "unlimited"

// TradingConfig holds capital and scheduling parameters.
type TradingConfig struct {
	DryRun               bool     `toml:"dry_run"`
	DryRunWallet         float64  `toml:"dry_run_wallet"`
	StakeCurrency        string   `toml:"stake_currency"`
	StakeAmount          string   `toml:"stake_amount"`
	MaxOpenTrades        int      `toml:"max_open_trades"`
	CapitalLimit         float64  `toml:"capital_limit"`
	AmountReservePercent float64  `toml:"amount_reserve_percent"`
	TickerInterval       duration `toml:"ticker_interval"`
	ExitCooldown         duration `toml:"exit_cooldown"`
	ProcessThrottle      duration `toml:"process_throttle"`
	UnfilledTimeoutBuy   duration `toml:"unfilled_timeout_buy"`
	UnfilledTimeoutSell  duration `toml:"unfilled_timeout_sell"`
	WorkerLockTTL        duration `toml:"worker_lock_ttl"`
}

// Unlimited reports whether stake_amount is "unlimited".
func (t TradingConfig) Unlimited() bool {
	return strings.EqualFold(strings.TrimSpace(t.StakeAmount), UnlimitedStake)
}

// FixedStake parses stake_amount as a number.
func (t TradingConfig) FixedStake() (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(t.StakeAmount), 64)
}

// PairlistConfig holds candidate-pair selection parameters.
type PairlistConfig struct {
	Method          string   `toml:"method"`
	Whitelist       []string `toml:"whitelist"`
	Blacklist       []string `toml:"blacklist"`
	NumberAssets    int      `toml:"number_assets"`
	SortKey         string   `toml:"sort_key"`
	PrecisionFilter bool     `toml:"precision_filter"`
}

// BidStrategyConfig holds the entry price policy.
type BidStrategyConfig struct {
	AskLastBalance     float64 `toml:"ask_last_balance"`
	UseOrderBook       bool    `toml:"use_order_book"`
	OrderBookTop       int     `toml:"order_book_top"`
	CheckDepthOfMarket bool    `toml:"check_depth_of_market"`
	BidsToAskDelta     float64 `toml:"bids_to_ask_delta"`
}

// AskStrategyConfig holds the exit price policy.
type AskStrategyConfig struct {
	UseOrderBook bool `toml:"use_order_book"`
	OrderBookMin int  `toml:"order_book_min"`
	OrderBookMax int  `toml:"order_book_max"`
}

// OrderTypesConfig selects venue order types per action.
type OrderTypesConfig struct {
	Buy                        string   `toml:"buy"`
	Sell                       string   `toml:"sell"`
	StopLoss                   string   `toml:"stoploss"`
	EmergencySell              string   `toml:"emergencysell"`
	StopLossOnExchange         bool     `toml:"stoploss_on_exchange"`
	StopLossOnExchangeInterval duration `toml:"stoploss_on_exchange_interval"`
}

// StrategyConfig holds exit rules and the signal source.
type StrategyConfig struct {
	Name                        string             `toml:"name"`
	SignalStream                string             `toml:"signal_stream"`
	StopLoss                    float64            `toml:"stoploss"`
	MinimalROI                  map[string]float64 `toml:"minimal_roi"`
	TrailingStop                bool               `toml:"trailing_stop"`
	TrailingStopPositive        float64            `toml:"trailing_stop_positive"`
	TrailingStopPositiveOffset  float64            `toml:"trailing_stop_positive_offset"`
	TrailingOnlyOffsetIsReached bool               `toml:"trailing_only_offset_is_reached"`
	UseSellSignal               bool               `toml:"use_sell_signal"`
	SellProfitOnly              bool               `toml:"sell_profit_only"`
	IgnoreROIIfBuySignal        bool               `toml:"ignore_roi_if_buy_signal"`
	InformativePairs            []string           `toml:"informative_pairs"`
	OrderTypes                  OrderTypesConfig   `toml:"order_types"`
}

// ROI converts the TOML minute keys of minimal_roi to integers.
func (s StrategyConfig) ROI() (map[int]float64, error) {
	out := make(map[int]float64, len(s.MinimalROI))
	for k, v := range s.MinimalROI {
		m, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			return nil, fmt.Errorf("config: minimal_roi key %q: %w", k, err)
		}
		out[m] = v
	}
	return out, nil
}

// EdgeConfig holds the risk advisor parameters.
type EdgeConfig struct {
	Enabled                    bool     `toml:"enabled"`
	SourcePath                 string   `toml:"source_path"`
	ProcessThrottle            duration `toml:"process_throttle"`
	CapitalAvailablePercentage float64  `toml:"capital_available_percentage"`
	AllowedRisk                float64  `toml:"allowed_risk"`
	MinimumExpectancy          float64  `toml:"minimum_expectancy"`
	MinimumWinrate             float64  `toml:"minimum_winrate"`
	MinTradeNumber             int      `toml:"min_trade_number"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	StreamMax  int64  `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled          bool     `toml:"enabled"`
	Endpoint         string   `toml:"endpoint"`
	Region           string   `toml:"region"`
	Bucket           string   `toml:"bucket"`
	AccessKey        string   `toml:"access_key"`
	SecretKey        string   `toml:"secret_key"`
	UseSSL           bool     `toml:"use_ssl"`
	ForcePathStyle   bool     `toml:"force_path_style"`
	ArchiveRetention duration `toml:"archive_retention"`
	ArchiveInterval  duration `toml:"archive_interval"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Dur builds a duration value; used by tests and callers assembling a Config
// in code.
func Dur(d time.Duration) duration { return duration{d} }

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	ApiKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	RateLimit   int      `toml:"rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Exchange: ExchangeConfig{
			Name:            "rest",
			Timeout:         duration{10 * time.Second},
			RateLimit:       20,
			RateWindow:      duration{time.Second},
			BreakerFailures: 5,
			BreakerTimeout:  duration{30 * time.Second},
			MarketsRefresh:  duration{time.Hour},
		},
		Trading: TradingConfig{
			DryRun:               true,
			DryRunWallet:         1.0,
			StakeCurrency:        "BTC",
			StakeAmount:          "0.05",
			MaxOpenTrades:        3,
			AmountReservePercent: 0.05,
			TickerInterval:       duration{5 * time.Minute},
			ExitCooldown:         duration{5 * time.Minute},
			ProcessThrottle:      duration{5 * time.Second},
			UnfilledTimeoutBuy:   duration{10 * time.Minute},
			UnfilledTimeoutSell:  duration{30 * time.Minute},
			WorkerLockTTL:        duration{time.Minute},
		},
		Pairlist: PairlistConfig{
			Method:          "static",
			Whitelist:       []string{"ETH/BTC", "LTC/BTC"},
			NumberAssets:    20,
			SortKey:         "quoteVolume",
			PrecisionFilter: true,
		},
		BidStrategy: BidStrategyConfig{
			AskLastBalance: 0.0,
			OrderBookTop:   1,
			BidsToAskDelta: 1,
		},
		AskStrategy: AskStrategyConfig{
			OrderBookMin: 1,
			OrderBookMax: 1,
		},
		Strategy: StrategyConfig{
			Name:         "bus",
			SignalStream: "signals",
			StopLoss:     -0.10,
			MinimalROI: map[string]float64{
				"40": 0.0,
				"30": 0.01,
				"20": 0.02,
				"0":  0.04,
			},
			TrailingStop:         false,
			UseSellSignal:        true,
			SellProfitOnly:       false,
			IgnoreROIIfBuySignal: false,
			OrderTypes: OrderTypesConfig{
				Buy:                        "limit",
				Sell:                       "limit",
				StopLoss:                   "limit",
				EmergencySell:              "market",
				StopLossOnExchange:         false,
				StopLossOnExchangeInterval: duration{time.Minute},
			},
		},
		Edge: EdgeConfig{
			Enabled:                    false,
			SourcePath:                 "edge/trades.jsonl",
			ProcessThrottle:            duration{time.Hour},
			CapitalAvailablePercentage: 0.5,
			AllowedRisk:                0.01,
			MinimumExpectancy:          0.2,
			MinimumWinrate:             0.60,
			MinTradeNumber:             10,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "tradecore",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
			StreamMax:  10_000,
		},
		S3: S3Config{
			Enabled:          false,
			Endpoint:         "http://localhost:9000",
			Region:           "us-east-1",
			Bucket:           "tradecore-data",
			UseSSL:           false,
			ForcePathStyle:   true,
			ArchiveRetention: duration{90 * 24 * time.Hour},
			ArchiveInterval:  duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
		},
		Notify: NotifyConfig{
			Events: []string{"entry_filled", "exit_filled", "status", "error"},
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"paper":   true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validPairlistMethods = map[string]bool{
	"static": true,
	"volume": true,
}

var validSortKeys = map[string]bool{
	"quoteVolume": true,
	"baseVolume":  true,
	"bid":         true,
	"ask":         true,
}

var validOrderTypes = map[string]bool{
	"limit":  true,
	"market": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, paper, monitor)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Exchange credentials are only needed when orders go to the venue.
	if c.Mode == "trade" && !c.Trading.DryRun {
		if c.Exchange.BaseURL == "" {
			errs = append(errs, "exchange: base_url must not be empty for mode trade")
		}
		if c.Exchange.ApiKey == "" {
			errs = append(errs, "exchange: api_key is required for mode trade")
		}
		if c.Exchange.ApiSecret == "" && c.Exchange.EncryptedSecretPath == "" {
			errs = append(errs, "exchange: either api_secret or encrypted_secret_path must be set for mode trade")
		}
		if c.Exchange.EncryptedSecretPath != "" && c.Exchange.SecretPassword == "" {
			errs = append(errs, "exchange: secret_password is required when encrypted_secret_path is set")
		}
	}
	if c.Exchange.RateLimit < 0 {
		errs = append(errs, "exchange: rate_limit must be >= 0")
	}
	if c.Exchange.BreakerFailures < 1 {
		errs = append(errs, "exchange: breaker_failures must be >= 1")
	}

	// Trading
	if c.Trading.StakeCurrency == "" {
		errs = append(errs, "trading: stake_currency must not be empty")
	}
	if !c.Trading.Unlimited() {
		if v, err := c.Trading.FixedStake(); err != nil || v <= 0 || math.IsNaN(v) {
			errs = append(errs, fmt.Sprintf("trading: stake_amount must be a positive number or %q, got %q", UnlimitedStake, c.Trading.StakeAmount))
		}
	}
	if c.Trading.MaxOpenTrades < 1 {
		errs = append(errs, "trading: max_open_trades must be >= 1")
	}
	if c.Trading.AmountReservePercent < 0 || c.Trading.AmountReservePercent >= 1 {
		errs = append(errs, "trading: amount_reserve_percent must be in [0, 1)")
	}
	if c.Trading.DryRun && c.Trading.DryRunWallet <= 0 {
		errs = append(errs, "trading: dry_run_wallet must be > 0 when dry_run is set")
	}
	if c.Trading.ProcessThrottle.Duration <= 0 {
		errs = append(errs, "trading: process_throttle must be > 0")
	}
	if c.Trading.UnfilledTimeoutBuy.Duration <= 0 || c.Trading.UnfilledTimeoutSell.Duration <= 0 {
		errs = append(errs, "trading: unfilled_timeout_buy and unfilled_timeout_sell must be > 0")
	}

	// Pairlist
	if !validPairlistMethods[c.Pairlist.Method] {
		errs = append(errs, fmt.Sprintf("pairlist: unknown method %q (valid: static, volume)", c.Pairlist.Method))
	}
	if c.Pairlist.Method == "static" && len(c.Pairlist.Whitelist) == 0 {
		errs = append(errs, "pairlist: whitelist must not be empty for method static")
	}
	if c.Pairlist.Method == "volume" {
		if c.Pairlist.NumberAssets < 1 {
			errs = append(errs, "pairlist: number_assets must be >= 1 for method volume")
		}
		if !validSortKeys[c.Pairlist.SortKey] {
			errs = append(errs, fmt.Sprintf("pairlist: unknown sort_key %q (valid: quoteVolume, baseVolume, bid, ask)", c.Pairlist.SortKey))
		}
	}

	// Bid / ask strategy
	if c.BidStrategy.AskLastBalance < 0 || c.BidStrategy.AskLastBalance > 1 {
		errs = append(errs, "bid_strategy: ask_last_balance must be in [0, 1]")
	}
	if c.BidStrategy.UseOrderBook && c.BidStrategy.OrderBookTop < 1 {
		errs = append(errs, "bid_strategy: order_book_top must be >= 1")
	}
	if c.AskStrategy.UseOrderBook {
		if c.AskStrategy.OrderBookMin < 1 || c.AskStrategy.OrderBookMax < c.AskStrategy.OrderBookMin {
			errs = append(errs, "ask_strategy: need 1 <= order_book_min <= order_book_max")
		}
	}

	// Strategy
	if c.Strategy.StopLoss >= 0 || c.Strategy.StopLoss <= -1 {
		errs = append(errs, fmt.Sprintf("strategy: stoploss must be in (-1, 0), got %v", c.Strategy.StopLoss))
	}
	if _, err := c.Strategy.ROI(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Strategy.TrailingStopPositive < 0 || c.Strategy.TrailingStopPositiveOffset < 0 {
		errs = append(errs, "strategy: trailing_stop_positive and trailing_stop_positive_offset must be >= 0")
	}
	ot := c.Strategy.OrderTypes
	for name, v := range map[string]string{"buy": ot.Buy, "sell": ot.Sell, "stoploss": ot.StopLoss, "emergencysell": ot.EmergencySell} {
		if !validOrderTypes[v] {
			errs = append(errs, fmt.Sprintf("strategy: order_types.%s must be limit or market, got %q", name, v))
		}
	}
	if ot.StopLossOnExchange && ot.StopLossOnExchangeInterval.Duration <= 0 {
		errs = append(errs, "strategy: order_types.stoploss_on_exchange_interval must be > 0")
	}

	// Edge
	if c.Edge.Enabled {
		if c.Edge.CapitalAvailablePercentage <= 0 || c.Edge.CapitalAvailablePercentage > 1 {
			errs = append(errs, "edge: capital_available_percentage must be in (0, 1]")
		}
		if c.Edge.AllowedRisk <= 0 || c.Edge.AllowedRisk > 1 {
			errs = append(errs, "edge: allowed_risk must be in (0, 1]")
		}
		if c.Edge.SourcePath == "" {
			errs = append(errs, "edge: source_path must not be empty when enabled")
		}
		if !c.S3.Enabled {
			errs = append(errs, "edge: s3 must be enabled to load simulation results")
		}
	}

	// Postgres is the ledger for live trading.
	if c.Mode != "paper" {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
