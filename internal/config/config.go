// Package config defines the top-level configuration for the copy-trading
// bot and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/polycopy/bot/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by COPYBOT_* environment
// variables.
type Config struct {
	Wallet      WalletConfig      `toml:"wallet"`
	Polymarket  PolymarketConfig  `toml:"polymarket"`
	Traders     TradersConfig     `toml:"traders"`
	Strategy    StrategyConfig    `toml:"strategy"`
	Risk        RiskConfig        `toml:"risk"`
	Aggregation AggregationConfig `toml:"aggregation"`
	Executor    ExecutorConfig    `toml:"executor"`
	Feed        FeedConfig        `toml:"feed"`
	TPSL        TPSLConfig        `toml:"tpsl"`
	AutoClaim   AutoClaimConfig   `toml:"auto_claim"`
	Archive     ArchiveConfig     `toml:"archive"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Notify      NotifyConfig      `toml:"notify"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// WalletConfig holds the Ethereum wallet credentials.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	// Funder is the proxy wallet that holds the collateral when the venue
	// account is operated through one.
	Funder string `toml:"funder"`
}

// PolymarketConfig holds venue endpoints and chain parameters.
type PolymarketConfig struct {
	ClobHost        string `toml:"clob_host"`
	DataHost        string `toml:"data_host"`
	WsHost          string `toml:"ws_host"`
	RPCURL          string `toml:"rpc_url"`
	ChainID         int    `toml:"chain_id"`
	SignatureType   int    `toml:"signature_type"`
	ExchangeAddress string `toml:"exchange_address"`
	CTFAddress      string `toml:"ctf_address"`
	USDCAddress     string `toml:"usdc_address"`
}

// TradersConfig lists the wallets to copy.
type TradersConfig struct {
	// Addresses are the tracked proxy wallets, case-insensitive.
	Addresses []string `toml:"addresses"`
	// Disabled traders keep streaming into the audit trail but are never
	// copied.
	Disabled []string `toml:"disabled"`
	// RefreshInterval is how often the tracked traders' venue positions are
	// mirrored into the database for sell-proportional sizing.
	RefreshInterval duration `toml:"refresh_interval"`
}

// StrategyConfig holds the sizing parameters.
type StrategyConfig struct {
	// Kind selects the sizing rule: "percentage", "fixed" or "adaptive".
	Kind string `toml:"kind"`
	// CopySize is the percent for percentage/adaptive, or the flat USD
	// amount for fixed.
	CopySize             float64 `toml:"copy_size"`
	AdaptiveMinPercent   float64 `toml:"adaptive_min_percent"`
	AdaptiveMaxPercent   float64 `toml:"adaptive_max_percent"`
	AdaptiveThresholdUSD float64 `toml:"adaptive_threshold_usd"`
	// Multiplier is a flat factor applied after tiers; 0 disables it.
	Multiplier float64 `toml:"multiplier"`
	// MultiplierTiers scale by observed trade size,
	// e.g. "0-100:0.5,100-500:1.0,500+:2.0".
	MultiplierTiers string `toml:"multiplier_tiers"`
	// MaxTradeAge drops replayed trades older than this.
	MaxTradeAge duration `toml:"max_trade_age"`
}

// CopyStrategy converts the config to the domain strategy.
func (s StrategyConfig) CopyStrategy() domain.CopyStrategy {
	return domain.CopyStrategy{
		Kind:                 domain.StrategyKind(s.Kind),
		CopySize:             s.CopySize,
		AdaptiveMinPercent:   s.AdaptiveMinPercent,
		AdaptiveMaxPercent:   s.AdaptiveMaxPercent,
		AdaptiveThresholdUSD: s.AdaptiveThresholdUSD,
	}
}

// RiskConfig holds the hard risk limits.
type RiskConfig struct {
	MaxOrderUSD       float64 `toml:"max_order_usd"`
	MinOrderUSD       float64 `toml:"min_order_usd"`
	MaxPositionUSD    float64 `toml:"max_position_usd"`
	MaxDailyVolumeUSD float64 `toml:"max_daily_volume_usd"`
}

// AggregationConfig controls same-market order batching.
type AggregationConfig struct {
	Enabled    bool     `toml:"enabled"`
	Window     duration `toml:"window"`
	CeilingUSD float64  `toml:"ceiling_usd"`
}

// ExecutorConfig controls order submission.
type ExecutorConfig struct {
	MaxRetries  int      `toml:"max_retries"`
	BaseBackoff duration `toml:"base_backoff"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
	QueueSize   int      `toml:"queue_size"`
}

// FeedConfig controls event ingestion.
type FeedConfig struct {
	DedupTTL          duration `toml:"dedup_ttl"`
	QueueSize         int      `toml:"queue_size"`
	PricePollInterval duration `toml:"price_poll_interval"`
}

// TPSLConfig controls the take-profit / stop-loss monitor.
type TPSLConfig struct {
	Enabled           bool     `toml:"enabled"`
	TakeProfitPercent float64  `toml:"take_profit_percent"`
	StopLossPercent   float64  `toml:"stop_loss_percent"`
	Interval          duration `toml:"interval"`
}

// AutoClaimConfig controls redemption of resolved positions.
type AutoClaimConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
	LockTTL  duration `toml:"lock_ttl"`
}

// ArchiveConfig controls audit-trail archival to object storage.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
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
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration wraps time.Duration for TOML string decoding ("5m", "30s").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with production-reasonable values;
// Load merges the TOML file and environment overrides on top of it.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			ClobHost:        "https://clob.polymarket.com",
			DataHost:        "https://data-api.polymarket.com",
			WsHost:          "wss://ws-live-data.polymarket.com",
			RPCURL:          "https://polygon-rpc.com",
			ChainID:         137,
			SignatureType:   2,
			ExchangeAddress: "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E",
			CTFAddress:      "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045",
			USDCAddress:     "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174",
		},
		Traders: TradersConfig{
			RefreshInterval: duration{time.Minute},
		},
		Strategy: StrategyConfig{
			Kind:                 "percentage",
			CopySize:             5.0,
			AdaptiveMinPercent:   1.0,
			AdaptiveMaxPercent:   10.0,
			AdaptiveThresholdUSD: 1000.0,
			MaxTradeAge:          duration{5 * time.Minute},
		},
		Risk: RiskConfig{
			MaxOrderUSD:       250.0,
			MinOrderUSD:       1.0,
			MaxPositionUSD:    500.0,
			MaxDailyVolumeUSD: 1000.0,
		},
		Aggregation: AggregationConfig{
			Enabled:    true,
			Window:     duration{3 * time.Second},
			CeilingUSD: 500.0,
		},
		Executor: ExecutorConfig{
			MaxRetries:  3,
			BaseBackoff: duration{500 * time.Millisecond},
			RateLimit:   10,
			RateWindow:  duration{time.Second},
			QueueSize:   256,
		},
		Feed: FeedConfig{
			DedupTTL:          duration{2 * time.Minute},
			QueueSize:         1024,
			PricePollInterval: duration{15 * time.Second},
		},
		TPSL: TPSLConfig{
			Enabled:           true,
			TakeProfitPercent: 20.0,
			StopLossPercent:   10.0,
			Interval:          duration{5 * time.Second},
		},
		AutoClaim: AutoClaimConfig{
			Enabled:  true,
			Interval: duration{5 * time.Minute},
			LockTTL:  duration{2 * time.Minute},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "copybot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "copybot-data",
			ForcePathStyle: true,
		},
		Notify: NotifyConfig{
			Events: []string{"trade_copied", "tp_triggered", "sl_triggered", "claim_succeeded"},
		},
		Mode:     "preview",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"copy":    true,
	"preview": true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the Config for invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: copy, preview, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet is needed whenever orders or claims go out.
	needsWallet := strings.ToLower(c.Mode) == "copy" ||
		(c.AutoClaim.Enabled && strings.ToLower(c.Mode) != "preview")
	if needsWallet {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
	}

	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.WsHost == "" {
		errs = append(errs, "polymarket: ws_host must not be empty")
	}
	if c.Polymarket.ChainID <= 0 {
		errs = append(errs, "polymarket: chain_id must be positive")
	}
	if c.Polymarket.SignatureType != 1 && c.Polymarket.SignatureType != 2 {
		errs = append(errs, fmt.Sprintf("polymarket: signature_type must be 1 (EOA) or 2 (proxy), got %d", c.Polymarket.SignatureType))
	}

	if len(c.Traders.Addresses) == 0 {
		errs = append(errs, "traders: at least one address must be tracked")
	}

	if err := c.Strategy.CopyStrategy().Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := domain.ParseMultiplierTiers(c.Strategy.MultiplierTiers); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Strategy.MaxTradeAge.Duration <= 0 {
		errs = append(errs, "strategy: max_trade_age must be positive")
	}

	if c.Risk.MinOrderUSD <= 0 {
		errs = append(errs, "risk: min_order_usd must be > 0")
	}
	if c.Risk.MaxOrderUSD > 0 && c.Risk.MaxOrderUSD < c.Risk.MinOrderUSD {
		errs = append(errs, "risk: max_order_usd must not be below min_order_usd")
	}
	if c.Risk.MaxPositionUSD <= 0 {
		errs = append(errs, "risk: max_position_usd must be > 0")
	}
	if c.Risk.MaxDailyVolumeUSD <= 0 {
		errs = append(errs, "risk: max_daily_volume_usd must be > 0")
	}

	if c.Aggregation.Enabled && c.Aggregation.Window.Duration <= 0 {
		errs = append(errs, "aggregation: window must be positive when enabled")
	}

	if c.TPSL.Enabled {
		if c.TPSL.TakeProfitPercent <= 0 {
			errs = append(errs, "tpsl: take_profit_percent must be > 0 when enabled")
		}
		if c.TPSL.StopLossPercent <= 0 {
			errs = append(errs, "tpsl: stop_loss_percent must be > 0 when enabled")
		}
	}

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
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must be 0..pool_max_conns")
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	if c.Archive.Enabled {
		if c.S3.Endpoint == "" && c.S3.Region == "" {
			errs = append(errs, "s3: endpoint or region must be set when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
