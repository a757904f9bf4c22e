package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Strategy: StrategyConfig{
			Symbol:              "BTC-USD",
			MinSpread:           0.002,
			MaxSpread:           0.004,
			MinOrderValue:       10000,
			TargetOrdersPerSide: 1,
			DriftThreshold:      0.005,
			ModifyThreshold:     0.003,
			MaxModifyDeviation:  0.01,
		},
		PriceEngine: PriceEngineConfig{Method: "HYBRID", WindowSize: 20},
		Execution:   ExecutionConfig{WorkerCount: 4, MaxRetries: 3},
		Risk:        RiskConfig{MaxPosition: 1, CheckInterval: 5},
	}
}

func TestValidConfigPasses(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestMissingSymbolRejected(t *testing.T) {
	cfg := validConfig()
	cfg.Strategy.Symbol = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing symbol")
	}
}

func TestMaxModifyDeviationMustExceedDrift(t *testing.T) {
	cfg := validConfig()
	cfg.Strategy.MaxModifyDeviation = cfg.Strategy.DriftThreshold
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when max_modify_deviation does not exceed drift_threshold")
	}
}

func TestUnknownPriceEngineMethodRejected(t *testing.T) {
	cfg := validConfig()
	cfg.PriceEngine.Method = "EMA"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown price engine method")
	}
}

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadRecognizedKeys(t *testing.T) {
	path := writeConfigFile(t, `
strategy:
  symbol: BTC-USD
  min_spread: 0.002
  max_spread: 0.004
  min_order_value: 10000
  target_orders_per_side: 1
  drift_threshold: 0.005
  modify_threshold: 0.003
  max_modify_deviation: 0.01
risk:
  max_position: 2
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Strategy.Symbol != "BTC-USD" || cfg.Risk.MaxPosition != 2 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	// Defaults fill in what the file omits.
	if cfg.OrderMgr.ResetInterval != 300 {
		t.Fatalf("expected default reset_interval 300, got %d", cfg.OrderMgr.ResetInterval)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfigFile(t, `
strategy:
  symbol: BTC-USD
  max_spred: 0.004
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected unknown key to be rejected")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := validConfig()
	cfg.OrderMgr.ResetInterval = 300
	cfg.OrderMgr.CleanupInterval = 60
	cfg.Execution.RetryDelay = 0.5
	cfg.Risk.CheckInterval = 5

	if got := cfg.OrderMgr.ResetIntervalDuration().Seconds(); got != 300 {
		t.Fatalf("expected 300s, got %v", got)
	}
	if got := cfg.OrderMgr.CleanupIntervalDuration().Seconds(); got != 60 {
		t.Fatalf("expected 60s, got %v", got)
	}
	if got := cfg.Execution.RetryDelayDuration().Seconds(); got != 0.5 {
		t.Fatalf("expected 0.5s, got %v", got)
	}
	if got := cfg.Risk.CheckIntervalDuration().Seconds(); got != 5 {
		t.Fatalf("expected 5s, got %v", got)
	}
}
