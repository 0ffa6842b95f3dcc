package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TRADECORE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	// A configured ROI table replaces the default ladder instead of merging
	// into it.
	defaultROI := cfg.Strategy.MinimalROI
	cfg.Strategy.MinimalROI = nil

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	if !md.IsDefined("strategy", "minimal_roi") {
		cfg.Strategy.MinimalROI = defaultROI
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TRADECORE_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Exchange ──
	setStr(&cfg.Exchange.Name, "TRADECORE_EXCHANGE_NAME")
	setStr(&cfg.Exchange.BaseURL, "TRADECORE_EXCHANGE_BASE_URL")
	setStr(&cfg.Exchange.ApiKey, "TRADECORE_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.ApiSecret, "TRADECORE_EXCHANGE_API_SECRET")
	setStr(&cfg.Exchange.EncryptedSecretPath, "TRADECORE_EXCHANGE_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Exchange.SecretPassword, "TRADECORE_EXCHANGE_SECRET_PASSWORD")
	setDuration(&cfg.Exchange.Timeout, "TRADECORE_EXCHANGE_TIMEOUT")
	setInt(&cfg.Exchange.RateLimit, "TRADECORE_EXCHANGE_RATE_LIMIT")
	setInt(&cfg.Exchange.BreakerFailures, "TRADECORE_EXCHANGE_BREAKER_FAILURES")
	setDuration(&cfg.Exchange.BreakerTimeout, "TRADECORE_EXCHANGE_BREAKER_TIMEOUT")

	// ── Trading ──
	setBool(&cfg.Trading.DryRun, "TRADECORE_TRADING_DRY_RUN")
	setFloat64(&cfg.Trading.DryRunWallet, "TRADECORE_TRADING_DRY_RUN_WALLET")
	setStr(&cfg.Trading.StakeCurrency, "TRADECORE_TRADING_STAKE_CURRENCY")
	setStr(&cfg.Trading.StakeAmount, "TRADECORE_TRADING_STAKE_AMOUNT")
	setInt(&cfg.Trading.MaxOpenTrades, "TRADECORE_TRADING_MAX_OPEN_TRADES")
	setFloat64(&cfg.Trading.CapitalLimit, "TRADECORE_TRADING_CAPITAL_LIMIT")
	setDuration(&cfg.Trading.ProcessThrottle, "TRADECORE_TRADING_PROCESS_THROTTLE")
	setDuration(&cfg.Trading.UnfilledTimeoutBuy, "TRADECORE_TRADING_UNFILLED_TIMEOUT_BUY")
	setDuration(&cfg.Trading.UnfilledTimeoutSell, "TRADECORE_TRADING_UNFILLED_TIMEOUT_SELL")
	setDuration(&cfg.Trading.ExitCooldown, "TRADECORE_TRADING_EXIT_COOLDOWN")

	// ── Pairlist ──
	setStr(&cfg.Pairlist.Method, "TRADECORE_PAIRLIST_METHOD")
	setStringSlice(&cfg.Pairlist.Whitelist, "TRADECORE_PAIRLIST_WHITELIST")
	setStringSlice(&cfg.Pairlist.Blacklist, "TRADECORE_PAIRLIST_BLACKLIST")
	setInt(&cfg.Pairlist.NumberAssets, "TRADECORE_PAIRLIST_NUMBER_ASSETS")
	setStr(&cfg.Pairlist.SortKey, "TRADECORE_PAIRLIST_SORT_KEY")
	setBool(&cfg.Pairlist.PrecisionFilter, "TRADECORE_PAIRLIST_PRECISION_FILTER")

	// ── Strategy ──
	setStr(&cfg.Strategy.Name, "TRADECORE_STRATEGY_NAME")
	setStr(&cfg.Strategy.SignalStream, "TRADECORE_STRATEGY_SIGNAL_STREAM")
	setFloat64(&cfg.Strategy.StopLoss, "TRADECORE_STRATEGY_STOPLOSS")
	setBool(&cfg.Strategy.TrailingStop, "TRADECORE_STRATEGY_TRAILING_STOP")
	setBool(&cfg.Strategy.OrderTypes.StopLossOnExchange, "TRADECORE_STRATEGY_STOPLOSS_ON_EXCHANGE")

	// ── Edge ──
	setBool(&cfg.Edge.Enabled, "TRADECORE_EDGE_ENABLED")
	setStr(&cfg.Edge.SourcePath, "TRADECORE_EDGE_SOURCE_PATH")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "TRADECORE_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "TRADECORE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TRADECORE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TRADECORE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TRADECORE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TRADECORE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TRADECORE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "TRADECORE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "TRADECORE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TRADECORE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "TRADECORE_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "TRADECORE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRADECORE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRADECORE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TRADECORE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TRADECORE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TRADECORE_REDIS_TLS_ENABLED")
	setInt64(&cfg.Redis.StreamMax, "TRADECORE_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "TRADECORE_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "TRADECORE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TRADECORE_S3_REGION")
	setStr(&cfg.S3.Bucket, "TRADECORE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TRADECORE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TRADECORE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TRADECORE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TRADECORE_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TRADECORE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "TRADECORE_SERVER_PORT")
	setStr(&cfg.Server.ApiKey, "TRADECORE_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "TRADECORE_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TRADECORE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TRADECORE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TRADECORE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TRADECORE_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "TRADECORE_MODE")
	setStr(&cfg.LogLevel, "TRADECORE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
