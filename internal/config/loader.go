package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML file at path, merges it on top of the built-in
// defaults, applies COPYBOT_* environment overrides, and returns the final
// Config. The result has NOT been validated; call Config.Validate after.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Pick up a .env file when present.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides overwrites Config fields from COPYBOT_* environment
// variables so operators can inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Wallet.PrivateKey, "COPYBOT_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "COPYBOT_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "COPYBOT_WALLET_KEY_PASSWORD")
	setStr(&cfg.Wallet.Funder, "COPYBOT_WALLET_FUNDER")

	setStr(&cfg.Polymarket.ClobHost, "COPYBOT_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.DataHost, "COPYBOT_POLYMARKET_DATA_HOST")
	setStr(&cfg.Polymarket.WsHost, "COPYBOT_POLYMARKET_WS_HOST")
	setStr(&cfg.Polymarket.RPCURL, "COPYBOT_POLYMARKET_RPC_URL")
	setInt(&cfg.Polymarket.ChainID, "COPYBOT_POLYMARKET_CHAIN_ID")
	setInt(&cfg.Polymarket.SignatureType, "COPYBOT_POLYMARKET_SIGNATURE_TYPE")
	setStr(&cfg.Polymarket.ExchangeAddress, "COPYBOT_POLYMARKET_EXCHANGE_ADDRESS")
	setStr(&cfg.Polymarket.CTFAddress, "COPYBOT_POLYMARKET_CTF_ADDRESS")
	setStr(&cfg.Polymarket.USDCAddress, "COPYBOT_POLYMARKET_USDC_ADDRESS")

	setStringSlice(&cfg.Traders.Addresses, "COPYBOT_TRADERS_ADDRESSES")
	setStringSlice(&cfg.Traders.Disabled, "COPYBOT_TRADERS_DISABLED")
	setDuration(&cfg.Traders.RefreshInterval, "COPYBOT_TRADERS_REFRESH_INTERVAL")

	setStr(&cfg.Strategy.Kind, "COPYBOT_STRATEGY_KIND")
	setFloat64(&cfg.Strategy.CopySize, "COPYBOT_STRATEGY_COPY_SIZE")
	setFloat64(&cfg.Strategy.AdaptiveMinPercent, "COPYBOT_STRATEGY_ADAPTIVE_MIN_PERCENT")
	setFloat64(&cfg.Strategy.AdaptiveMaxPercent, "COPYBOT_STRATEGY_ADAPTIVE_MAX_PERCENT")
	setFloat64(&cfg.Strategy.AdaptiveThresholdUSD, "COPYBOT_STRATEGY_ADAPTIVE_THRESHOLD_USD")
	setFloat64(&cfg.Strategy.Multiplier, "COPYBOT_STRATEGY_MULTIPLIER")
	setStr(&cfg.Strategy.MultiplierTiers, "COPYBOT_STRATEGY_MULTIPLIER_TIERS")
	setDuration(&cfg.Strategy.MaxTradeAge, "COPYBOT_STRATEGY_MAX_TRADE_AGE")

	setFloat64(&cfg.Risk.MaxOrderUSD, "COPYBOT_RISK_MAX_ORDER_USD")
	setFloat64(&cfg.Risk.MinOrderUSD, "COPYBOT_RISK_MIN_ORDER_USD")
	setFloat64(&cfg.Risk.MaxPositionUSD, "COPYBOT_RISK_MAX_POSITION_USD")
	setFloat64(&cfg.Risk.MaxDailyVolumeUSD, "COPYBOT_RISK_MAX_DAILY_VOLUME_USD")

	setBool(&cfg.Aggregation.Enabled, "COPYBOT_AGGREGATION_ENABLED")
	setDuration(&cfg.Aggregation.Window, "COPYBOT_AGGREGATION_WINDOW")
	setFloat64(&cfg.Aggregation.CeilingUSD, "COPYBOT_AGGREGATION_CEILING_USD")

	setInt(&cfg.Executor.MaxRetries, "COPYBOT_EXECUTOR_MAX_RETRIES")
	setDuration(&cfg.Executor.BaseBackoff, "COPYBOT_EXECUTOR_BASE_BACKOFF")
	setInt(&cfg.Executor.RateLimit, "COPYBOT_EXECUTOR_RATE_LIMIT")
	setDuration(&cfg.Executor.RateWindow, "COPYBOT_EXECUTOR_RATE_WINDOW")
	setInt(&cfg.Executor.QueueSize, "COPYBOT_EXECUTOR_QUEUE_SIZE")

	setDuration(&cfg.Feed.DedupTTL, "COPYBOT_FEED_DEDUP_TTL")
	setInt(&cfg.Feed.QueueSize, "COPYBOT_FEED_QUEUE_SIZE")
	setDuration(&cfg.Feed.PricePollInterval, "COPYBOT_FEED_PRICE_POLL_INTERVAL")

	setBool(&cfg.TPSL.Enabled, "COPYBOT_TPSL_ENABLED")
	setFloat64(&cfg.TPSL.TakeProfitPercent, "COPYBOT_TPSL_TAKE_PROFIT_PERCENT")
	setFloat64(&cfg.TPSL.StopLossPercent, "COPYBOT_TPSL_STOP_LOSS_PERCENT")
	setDuration(&cfg.TPSL.Interval, "COPYBOT_TPSL_INTERVAL")

	setBool(&cfg.AutoClaim.Enabled, "COPYBOT_AUTO_CLAIM_ENABLED")
	setDuration(&cfg.AutoClaim.Interval, "COPYBOT_AUTO_CLAIM_INTERVAL")
	setDuration(&cfg.AutoClaim.LockTTL, "COPYBOT_AUTO_CLAIM_LOCK_TTL")

	setBool(&cfg.Archive.Enabled, "COPYBOT_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "COPYBOT_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "COPYBOT_ARCHIVE_INTERVAL")

	setStr(&cfg.Postgres.DSN, "COPYBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "COPYBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "COPYBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "COPYBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "COPYBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "COPYBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "COPYBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "COPYBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "COPYBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "COPYBOT_POSTGRES_RUN_MIGRATIONS")

	setStr(&cfg.Redis.Addr, "COPYBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "COPYBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "COPYBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "COPYBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "COPYBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "COPYBOT_REDIS_TLS_ENABLED")

	setStr(&cfg.S3.Endpoint, "COPYBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "COPYBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "COPYBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "COPYBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "COPYBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "COPYBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "COPYBOT_S3_FORCE_PATH_STYLE")

	setStr(&cfg.Notify.TelegramToken, "COPYBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "COPYBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "COPYBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "COPYBOT_NOTIFY_EVENTS")

	setStr(&cfg.Mode, "COPYBOT_MODE")
	setStr(&cfg.LogLevel, "COPYBOT_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present and non-empty.

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
