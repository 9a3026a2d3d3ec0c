package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Traders.Addresses = []string{"0xabc"}
	cfg.Wallet.PrivateKey = "deadbeef"
	return cfg
}

func TestValidateDefaultsWithTraders(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "arbitrage"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateRequiresWalletForCopyMode(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "copy"
	cfg.Wallet.PrivateKey = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "private_key or encrypted_key_path")
}

func TestValidatePreviewModeNeedsNoWallet(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "preview"
	cfg.Wallet.PrivateKey = ""

	require.NoError(t, cfg.Validate())
}

func TestValidateRequiresTrackedTraders(t *testing.T) {
	cfg := validConfig()
	cfg.Traders.Addresses = nil

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one address")
}

func TestValidateCollectsMultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Strategy.CopySize = 0
	cfg.Risk.MinOrderUSD = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "copy_size")
	assert.Contains(t, err.Error(), "min_order_usd")
}

func TestValidateBadTierDefinition(t *testing.T) {
	cfg := validConfig()
	cfg.Strategy.MultiplierTiers = "0-100-x"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tier")
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
mode = "copy"

[traders]
addresses = ["0xAAA", "0xBBB"]

[strategy]
kind = "fixed"
copy_size = 25.0
max_trade_age = "90s"

[risk]
max_daily_volume_usd = 2000.0
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("COPYBOT_MODE", "preview")
	t.Setenv("COPYBOT_RISK_MAX_ORDER_USD", "42.5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "preview", cfg.Mode, "env overrides file")
	assert.Equal(t, []string{"0xAAA", "0xBBB"}, cfg.Traders.Addresses)
	assert.Equal(t, "fixed", cfg.Strategy.Kind)
	assert.Equal(t, 90*time.Second, cfg.Strategy.MaxTradeAge.Duration)
	assert.Equal(t, 42.5, cfg.Risk.MaxOrderUSD)
	assert.Equal(t, 2000.0, cfg.Risk.MaxDailyVolumeUSD)
	// Untouched sections keep their defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestRedactedConfigMasksSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "hunter2"
	cfg.Notify.TelegramToken = "123:abc"

	red := RedactedConfig(&cfg)

	assert.Equal(t, "***", red.Wallet.PrivateKey)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.Notify.TelegramToken)
	// Original untouched.
	assert.Equal(t, "hunter2", cfg.Postgres.Password)
	// Non-secrets survive.
	assert.Equal(t, cfg.Redis.Addr, red.Redis.Addr)
}
