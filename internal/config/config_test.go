package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.True(t, cfg.MinAmount.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, cfg.MaxAmount.Equal(decimal.NewFromInt(1000000)))
	assert.Contains(t, cfg.SupportedAssets, "USD")
	assert.Contains(t, cfg.SupportedAssets, "BTC")
	assert.True(t, cfg.PerCounterpartyLimit.Equal(decimal.NewFromInt(500000)))
	assert.True(t, cfg.TotalExposureLimit.Equal(decimal.NewFromInt(2000000)))
	assert.True(t, cfg.CollateralRatio.Equal(decimal.RequireFromString("0.1")))
	assert.True(t, cfg.MarginWarningLevel.Equal(decimal.RequireFromString("0.8")))
	assert.True(t, cfg.MarginCriticalLevel.Equal(decimal.RequireFromString("0.9")))
	assert.Equal(t, 30*time.Second, cfg.CycleInterval)
	assert.Equal(t, 4, cfg.SettlementWorkers)
	assert.True(t, cfg.NettingEpsilon.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, cfg.FeeRate.Equal(decimal.RequireFromString("0.001")))
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("KLEAR_SERVER_PORT", "9090")
	t.Setenv("KLEAR_RISK_COLLATERAL_RATIO", "0.25")
	t.Setenv("KLEAR_SCHEDULER_WORKERS", "8")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.CollateralRatio.Equal(decimal.RequireFromString("0.25")))
	assert.Equal(t, 8, cfg.SettlementWorkers)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
server:
  port: "7070"
validation:
  max_amount: "250000"
scheduler:
  cycle_interval: 10s
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Port)
	assert.True(t, cfg.MaxAmount.Equal(decimal.NewFromInt(250000)))
	assert.Equal(t, 10*time.Second, cfg.CycleInterval)
	// Untouched values keep their defaults.
	assert.True(t, cfg.MinAmount.Equal(decimal.RequireFromString("0.01")))
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalidBounds(t *testing.T) {
	t.Setenv("KLEAR_VALIDATION_MAX_AMOUNT", "0.001")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadRejectsInvertedMarginLevels(t *testing.T) {
	t.Setenv("KLEAR_RISK_MARGIN_CRITICAL_LEVEL", "0.7")
	_, err := Load("")
	assert.Error(t, err)
}

func TestSupportsAssetAndCurrency(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.SupportsAsset("ETH"))
	assert.False(t, cfg.SupportsAsset("XAU"))
	assert.True(t, cfg.SupportsCurrency("GBP"))
	assert.False(t, cfg.SupportsCurrency("JPY"))
}
