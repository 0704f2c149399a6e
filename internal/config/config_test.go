package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTradingConfig_Valid(t *testing.T) {
	cfg := DefaultTradingConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 0.10, cfg.Sizing.InitialRatio)
	assert.Equal(t, 0.20, cfg.Sizing.MaxRatio)
	assert.Equal(t, 3, cfg.Risk.MaxBatchActionsPerCycle)
	assert.Equal(t, 55, cfg.RateLimit.MaxCalls)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, 0.08, cfg.StopProfileFor(1).StopLossRatio)
	assert.Equal(t, 0.05, cfg.StopProfileFor(1).TrailingRatio)
	assert.Equal(t, 0.04, cfg.StopProfileFor(2).StopLossRatio)
	assert.Equal(t, cfg.StopProfileFor(3), cfg.StopProfileFor(7))
}

func TestLoadTradingConfig_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trading.yaml")
	yamlDoc := `
mode: risk
sizing:
  initial_ratio: 0.05
risk:
  max_batch_actions_per_cycle: 5
rate_limit:
  max_calls: 20
  window: 10s
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0644))

	cfg, err := LoadTradingConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ModeRisk, cfg.Mode)
	assert.Equal(t, 0.05, cfg.Sizing.InitialRatio)
	assert.Equal(t, 0.20, cfg.Sizing.MaxRatio, "untouched fields keep defaults")
	assert.Equal(t, 5, cfg.Risk.MaxBatchActionsPerCycle)
	assert.Equal(t, 20, cfg.RateLimit.MaxCalls)
	assert.Equal(t, 10*time.Second, cfg.RateLimit.Window)
}

func TestLoadTradingConfig_RejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trading.yaml")
	require.NoError(t, os.WriteFile(path, []byte("market_modifiers:\n  bear: 0.8\n"), 0644))

	_, err := LoadTradingConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bear")
}

func TestTradingConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TradingConfig)
	}{
		{"bad mode", func(c *TradingConfig) { c.Mode = "yolo" }},
		{"zero initial ratio", func(c *TradingConfig) { c.Sizing.InitialRatio = 0 }},
		{"max below initial", func(c *TradingConfig) { c.Sizing.MaxRatio = 0.05 }},
		{"reserve too large", func(c *TradingConfig) { c.Sizing.CashReserve = 1 }},
		{"missing risk level", func(c *TradingConfig) { delete(c.Risk.Levels, 2) }},
		{"missing scaling level", func(c *TradingConfig) { delete(c.Scaling.Levels, 3) }},
		{"zero actions", func(c *TradingConfig) { c.Risk.MaxBatchActionsPerCycle = 0 }},
		{"bull above one", func(c *TradingConfig) { c.Market.Bull = 1.1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultTradingConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TRANCHE_DATA_DIR", dir)
	t.Setenv("BROKER_MODE", "paper")
	t.Setenv("PORT", "9090")
	t.Setenv("WATCHLIST", "00700, 09988 ,")
	t.Setenv("MAX_BATCH_ACTIONS_PER_CYCLE", "4")
	t.Setenv("RISK_INTERVAL", "15s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, []string{"00700", "09988"}, cfg.Watchlist)
	assert.Equal(t, 4, cfg.Trading.Risk.MaxBatchActionsPerCycle)
	assert.Equal(t, 15*time.Second, cfg.Trading.Loop.RiskInterval)
	assert.Equal(t, filepath.Join(dir, "journal.db"), cfg.JournalPath())
}

func TestLoad_AlpacaRequiresCredentials(t *testing.T) {
	t.Setenv("TRANCHE_DATA_DIR", t.TempDir())
	t.Setenv("BROKER_MODE", "alpaca")
	t.Setenv("APCA_API_KEY_ID", "")
	t.Setenv("APCA_API_SECRET_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alpaca")
}

func TestConfig_ValidateIndexSource(t *testing.T) {
	cfg := &Config{
		BrokerMode:  "paper",
		Port:        8010,
		IndexSource: "yahoo",
		Trading:     DefaultTradingConfig(),
	}
	require.NoError(t, cfg.Validate())

	cfg.IndexSource = ""
	require.NoError(t, cfg.Validate())

	cfg.IndexSource = "bloomberg"
	assert.ErrorContains(t, cfg.Validate(), "market index source")
}
