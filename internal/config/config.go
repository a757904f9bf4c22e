// Package config loads and validates the engine's configuration: a YAML
// file merged with environment overrides, unpacked into typed structs,
// then validated before the engine starts.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

type StrategyConfig struct {
	Symbol              string  `mapstructure:"symbol"`
	MinSpread           float64 `mapstructure:"min_spread"`
	MaxSpread           float64 `mapstructure:"max_spread"`
	MinOrderValue       float64 `mapstructure:"min_order_value"`
	TargetOrdersPerSide int     `mapstructure:"target_orders_per_side"`
	DriftThreshold      float64 `mapstructure:"drift_threshold"`
	RebalanceInterval   int     `mapstructure:"rebalance_interval"`
	ModifyThreshold     float64 `mapstructure:"modify_threshold"`
	MaxModifyDeviation  float64 `mapstructure:"max_modify_deviation"`
}

type OrderManagerConfig struct {
	ResetInterval           int `mapstructure:"reset_interval"`
	MaxPendingModifications int `mapstructure:"max_pending_modifications"`
	ModificationTimeout     int `mapstructure:"modification_timeout"`
	CleanupInterval         int `mapstructure:"cleanup_interval"`
}

type PriceEngineConfig struct {
	Method           string  `mapstructure:"method"` // TWAP, VWAP, HYBRID
	WindowSize       int     `mapstructure:"window_size"`
	SmoothingFactor  float64 `mapstructure:"smoothing_factor"`
	ChangeThreshold  float64 `mapstructure:"change_threshold"`
	AnomalyThreshold float64 `mapstructure:"anomaly_threshold"`
}

type ExecutionConfig struct {
	WorkerCount       int     `mapstructure:"worker_count"`
	ModifyWorkerCount int     `mapstructure:"modify_worker_count"`
	BatchSize         int     `mapstructure:"batch_size"`
	RateLimit         int     `mapstructure:"rate_limit"`
	ModifyRateLimit   int     `mapstructure:"modify_rate_limit"`
	MaxRetries        int     `mapstructure:"max_retries"`
	RetryDelay        float64 `mapstructure:"retry_delay"` // seconds
}

type RiskConfig struct {
	MaxPosition    float64 `mapstructure:"max_position"`
	MaxOrderCount  int     `mapstructure:"max_order_count"`
	MaxDailyLoss   float64 `mapstructure:"max_daily_loss"`
	MaxPriceChange float64 `mapstructure:"max_price_change"`
	CheckInterval  int     `mapstructure:"check_interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "text" or "json"
}

type ExchangeConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	WSURL     string `mapstructure:"ws_url"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

// Config is the complete engine configuration. No keys beyond the fields
// declared here are recognized.
type Config struct {
	Strategy    StrategyConfig     `mapstructure:"strategy"`
	OrderMgr    OrderManagerConfig `mapstructure:"order_management"`
	PriceEngine PriceEngineConfig  `mapstructure:"price_engine"`
	Execution   ExecutionConfig    `mapstructure:"execution"`
	Risk        RiskConfig         `mapstructure:"risk"`
	Logging     LoggingConfig      `mapstructure:"logging"`
	Exchange    ExchangeConfig     `mapstructure:"exchange"`
}

// Load reads the YAML config at path, applies MM_-prefixed environment
// overrides, and unmarshals into a Config. It does not validate; call
// Validate separately so callers can decide how to report errors.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	v.SetEnvPrefix("MM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// ErrorUnused makes unrecognized keys fatal at startup instead of
	// silently ignored.
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.ErrorUnused = true
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("order_management.reset_interval", 300)
	v.SetDefault("order_management.cleanup_interval", 60)
	v.SetDefault("price_engine.method", "HYBRID")
	v.SetDefault("price_engine.window_size", 20)
	v.SetDefault("execution.worker_count", 4)
	v.SetDefault("execution.modify_worker_count", 2)
	v.SetDefault("execution.max_retries", 3)
	v.SetDefault("execution.retry_delay", 0.5)
	v.SetDefault("risk.check_interval", 5)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate rejects a configuration that is incomplete or out of range.
// Configuration errors are fatal at startup, per the engine's error
// handling design.
func (c *Config) Validate() error {
	var errs []string

	if c.Strategy.Symbol == "" {
		errs = append(errs, "strategy.symbol is required")
	}
	if c.Strategy.MinSpread <= 0 || c.Strategy.MaxSpread <= 0 {
		errs = append(errs, "strategy.min_spread and max_spread must be positive")
	}
	if c.Strategy.MinSpread > c.Strategy.MaxSpread {
		errs = append(errs, "strategy.min_spread must not exceed max_spread")
	}
	if c.Strategy.MinOrderValue <= 0 {
		errs = append(errs, "strategy.min_order_value must be positive")
	}
	if c.Strategy.TargetOrdersPerSide <= 0 {
		errs = append(errs, "strategy.target_orders_per_side must be positive")
	}
	if c.Strategy.MaxModifyDeviation <= c.Strategy.DriftThreshold {
		errs = append(errs, "strategy.max_modify_deviation must exceed drift_threshold")
	}

	switch strings.ToUpper(c.PriceEngine.Method) {
	case "TWAP", "VWAP", "HYBRID":
	default:
		errs = append(errs, "price_engine.method must be one of TWAP, VWAP, HYBRID")
	}
	if c.PriceEngine.WindowSize <= 0 {
		errs = append(errs, "price_engine.window_size must be positive")
	}

	if c.Execution.WorkerCount <= 0 {
		errs = append(errs, "execution.worker_count must be positive")
	}
	if c.Execution.MaxRetries < 0 {
		errs = append(errs, "execution.max_retries must not be negative")
	}

	if c.Risk.MaxPosition <= 0 {
		errs = append(errs, "risk.max_position must be positive")
	}
	if c.Risk.CheckInterval <= 0 {
		errs = append(errs, "risk.check_interval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ResetIntervalDuration returns order_management.reset_interval as a
// Duration.
func (c OrderManagerConfig) ResetIntervalDuration() time.Duration {
	return time.Duration(c.ResetInterval) * time.Second
}

// RetryDelayDuration returns execution.retry_delay as a Duration.
func (c ExecutionConfig) RetryDelayDuration() time.Duration {
	return time.Duration(c.RetryDelay * float64(time.Second))
}

// CheckIntervalDuration returns risk.check_interval as a Duration.
func (c RiskConfig) CheckIntervalDuration() time.Duration {
	return time.Duration(c.CheckInterval) * time.Second
}

// CleanupIntervalDuration returns order_management.cleanup_interval as a
// Duration.
func (c OrderManagerConfig) CleanupIntervalDuration() time.Duration {
	return time.Duration(c.CleanupInterval) * time.Second
}

// ModificationTimeoutDuration returns order_management.modification_timeout
// as a Duration.
func (c OrderManagerConfig) ModificationTimeoutDuration() time.Duration {
	return time.Duration(c.ModificationTimeout) * time.Second
}
