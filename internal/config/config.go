package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all engine settings. Values come from an optional yaml file
// with environment-variable overrides (prefix KLEAR_, dots become underscores).
type Config struct {
	Port         string
	DatabasePath string
	JWTSecret    string

	// Instruction validation bounds
	MinAmount           decimal.Decimal
	MaxAmount           decimal.Decimal
	SupportedAssets     []string
	SupportedCurrencies []string

	// Risk and collateral limits
	PerCounterpartyLimit decimal.Decimal
	TotalExposureLimit   decimal.Decimal
	CollateralRatio      decimal.Decimal
	MarginWarningLevel   decimal.Decimal
	MarginCriticalLevel  decimal.Decimal

	// Scheduler and netting
	CycleInterval     time.Duration
	NettingEpsilon    decimal.Decimal
	SettlementWorkers int
	MonitorInterval   time.Duration
	FeeRate           decimal.Decimal

	// Simulated gateway behaviour
	GatewayFailureRate float64
	GatewayMinLatency  time.Duration
	GatewayMaxLatency  time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.jwt_secret", "klear-secret-key")
	v.SetDefault("database.path", "settlement.db")

	v.SetDefault("validation.min_amount", "0.01")
	v.SetDefault("validation.max_amount", "1000000")
	v.SetDefault("validation.assets", []string{"USD", "EUR", "GBP", "BTC", "ETH"})
	v.SetDefault("validation.currencies", []string{"USD", "EUR", "GBP"})

	v.SetDefault("risk.per_counterparty_limit", "500000")
	v.SetDefault("risk.total_exposure_limit", "2000000")
	v.SetDefault("risk.collateral_ratio", "0.1")
	v.SetDefault("risk.margin_warning_level", "0.8")
	v.SetDefault("risk.margin_critical_level", "0.9")

	v.SetDefault("scheduler.cycle_interval", "30s")
	v.SetDefault("scheduler.netting_epsilon", "0.01")
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.monitor_interval", "5m")
	v.SetDefault("scheduler.fee_rate", "0.001")

	v.SetDefault("gateway.failure_rate", 0.05)
	v.SetDefault("gateway.min_latency", "5ms")
	v.SetDefault("gateway.max_latency", "50ms")
}

// Load reads configuration from the given path (optional; defaults apply when
// the file is absent) plus KLEAR_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("KLEAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		Port:                v.GetString("server.port"),
		JWTSecret:           v.GetString("server.jwt_secret"),
		DatabasePath:        v.GetString("database.path"),
		SupportedAssets:     v.GetStringSlice("validation.assets"),
		SupportedCurrencies: v.GetStringSlice("validation.currencies"),
		CycleInterval:       v.GetDuration("scheduler.cycle_interval"),
		SettlementWorkers:   v.GetInt("scheduler.workers"),
		MonitorInterval:     v.GetDuration("scheduler.monitor_interval"),
		GatewayFailureRate:  v.GetFloat64("gateway.failure_rate"),
		GatewayMinLatency:   v.GetDuration("gateway.min_latency"),
		GatewayMaxLatency:   v.GetDuration("gateway.max_latency"),
	}

	// Money and ratio values are parsed from strings so configured amounts
	// survive without float rounding.
	decimals := []struct {
		key  string
		dest *decimal.Decimal
	}{
		{"validation.min_amount", &cfg.MinAmount},
		{"validation.max_amount", &cfg.MaxAmount},
		{"risk.per_counterparty_limit", &cfg.PerCounterpartyLimit},
		{"risk.total_exposure_limit", &cfg.TotalExposureLimit},
		{"risk.collateral_ratio", &cfg.CollateralRatio},
		{"risk.margin_warning_level", &cfg.MarginWarningLevel},
		{"risk.margin_critical_level", &cfg.MarginCriticalLevel},
		{"scheduler.netting_epsilon", &cfg.NettingEpsilon},
		{"scheduler.fee_rate", &cfg.FeeRate},
	}
	for _, d := range decimals {
		parsed, err := decimal.NewFromString(v.GetString(d.key))
		if err != nil {
			return nil, fmt.Errorf("invalid decimal for %s: %w", d.key, err)
		}
		*d.dest = parsed
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.MinAmount.IsNegative() || c.MaxAmount.LessThanOrEqual(c.MinAmount) {
		return fmt.Errorf("invalid amount bounds: min=%s max=%s", c.MinAmount, c.MaxAmount)
	}
	if c.CollateralRatio.IsNegative() || c.CollateralRatio.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("collateral ratio must be within [0,1], got %s", c.CollateralRatio)
	}
	if c.MarginCriticalLevel.LessThanOrEqual(c.MarginWarningLevel) {
		return fmt.Errorf("margin critical level %s must exceed warning level %s",
			c.MarginCriticalLevel, c.MarginWarningLevel)
	}
	if c.SettlementWorkers < 1 {
		return fmt.Errorf("settlement workers must be at least 1, got %d", c.SettlementWorkers)
	}
	if c.CycleInterval <= 0 {
		return fmt.Errorf("cycle interval must be positive, got %s", c.CycleInterval)
	}
	return nil
}

// SupportsAsset reports whether the asset is in the configured set.
func (c *Config) SupportsAsset(asset string) bool {
	for _, a := range c.SupportedAssets {
		if a == asset {
			return true
		}
	}
	return false
}

// SupportsCurrency reports whether the currency is in the configured set.
func (c *Config) SupportsCurrency(currency string) bool {
	for _, cur := range c.SupportedCurrencies {
		if cur == currency {
			return true
		}
	}
	return false
}
