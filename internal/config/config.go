// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/aristath/tranche/internal/utils"
)

// Config holds application configuration
type Config struct {
	DataDir     string // Base directory for all databases (always absolute)
	LogLevel    string
	LogPretty   bool
	Port        int
	DevMode     bool
	BrokerMode  string // "paper" or "alpaca"
	AccountID   string
	Watchlist   []string
	MarketIndex string // Index symbol whose bars drive the market regime
	IndexSource string // "broker" or "yahoo"; where the index bars come from
	TradingPath string // Optional YAML file with engine thresholds

	Alpaca AlpacaConfig
	Paper  PaperConfig
	Backup BackupConfig

	Trading *TradingConfig
}

// AlpacaConfig holds Alpaca credentials and endpoint
type AlpacaConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string
}

// PaperConfig seeds the in-process paper broker
type PaperConfig struct {
	InitialCash float64
	LotSize     int64
}

// BackupConfig holds S3-compatible (R2) backup settings for the journal
type BackupConfig struct {
	Enabled         bool
	Bucket          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
	Schedule        string
	RetentionDays   int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("TRANCHE_DATA_DIR", "./data")

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:     absDataDir,
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogPretty:   getEnvAsBool("LOG_PRETTY", true),
		Port:        getEnvAsInt("PORT", 8010),
		DevMode:     getEnvAsBool("DEV_MODE", false),
		BrokerMode:  strings.ToLower(getEnv("BROKER_MODE", "paper")),
		AccountID:   getEnv("ACCOUNT_ID", "paper"),
		Watchlist:   getEnvAsList("WATCHLIST", nil),
		MarketIndex: getEnv("MARKET_INDEX", "SPY"),
		IndexSource: strings.ToLower(getEnv("MARKET_INDEX_SOURCE", "broker")),
		TradingPath: getEnv("TRADING_CONFIG_PATH", ""),
		Alpaca: AlpacaConfig{
			APIKey:    getEnv("APCA_API_KEY_ID", ""),
			APISecret: getEnv("APCA_API_SECRET_KEY", ""),
			BaseURL:   getEnv("APCA_API_BASE_URL", "https://paper-api.alpaca.markets"),
		},
		Paper: PaperConfig{
			InitialCash: getEnvAsFloat("PAPER_INITIAL_CASH", 1000000),
			LotSize:     int64(getEnvAsInt("PAPER_LOT_SIZE", 100)),
		},
		Backup: loadBackupConfig(),
	}

	trading := DefaultTradingConfig()
	if cfg.TradingPath != "" {
		trading, err = LoadTradingConfig(cfg.TradingPath)
		if err != nil {
			return nil, err
		}
	}
	applyTradingOverrides(trading)
	cfg.Trading = trading

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	switch c.BrokerMode {
	case "paper":
	case "alpaca":
		if c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "" {
			return fmt.Errorf("alpaca broker mode requires APCA_API_KEY_ID and APCA_API_SECRET_KEY")
		}
	default:
		return fmt.Errorf("unknown broker mode %q (expected paper or alpaca)", c.BrokerMode)
	}

	switch c.IndexSource {
	case "", "broker", "yahoo":
	default:
		return fmt.Errorf("unknown market index source %q (expected broker or yahoo)", c.IndexSource)
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}

	if c.Backup.Enabled && c.Backup.Bucket == "" {
		return fmt.Errorf("backup enabled but BACKUP_BUCKET is empty")
	}

	if c.Trading == nil {
		return fmt.Errorf("trading configuration missing")
	}
	return c.Trading.Validate()
}

// JournalPath returns the path of the batch journal database
func (c *Config) JournalPath() string {
	return filepath.Join(c.DataDir, "journal.db")
}

// CachePath returns the path of the snapshot cache database
func (c *Config) CachePath() string {
	return filepath.Join(c.DataDir, "cache.db")
}

// applyTradingOverrides lets a handful of frequently tuned thresholds be set
// from the environment without a YAML file.
func applyTradingOverrides(t *TradingConfig) {
	t.Mode = RunMode(getEnv("RUN_MODE", string(t.Mode)))
	t.Sizing.InitialRatio = getEnvAsFloat("INITIAL_POSITION_RATIO", t.Sizing.InitialRatio)
	t.Sizing.MaxRatio = getEnvAsFloat("MAX_POSITION_RATIO", t.Sizing.MaxRatio)
	t.Sizing.MaxPositions = getEnvAsInt("MAX_POSITIONS", t.Sizing.MaxPositions)
	t.Risk.MaxBatchActionsPerCycle = getEnvAsInt("MAX_BATCH_ACTIONS_PER_CYCLE", t.Risk.MaxBatchActionsPerCycle)
	t.Loop.RiskInterval = getEnvAsDuration("RISK_INTERVAL", t.Loop.RiskInterval)
	t.Loop.SelectionInterval = getEnvAsDuration("SELECTION_INTERVAL", t.Loop.SelectionInterval)
	t.Loop.AccountRefreshInterval = getEnvAsDuration("ACCOUNT_REFRESH_INTERVAL", t.Loop.AccountRefreshInterval)
	if restricted := getEnvAsList("RESTRICTED_SYMBOLS", nil); len(restricted) > 0 {
		t.Sizing.RestrictedSymbols = restricted
	}
}

func loadBackupConfig() BackupConfig {
	return BackupConfig{
		Enabled:         getEnvAsBool("BACKUP_ENABLED", false),
		Bucket:          getEnv("BACKUP_BUCKET", ""),
		Endpoint:        getEnv("BACKUP_ENDPOINT", ""),
		Region:          getEnv("BACKUP_REGION", "auto"),
		AccessKeyID:     getEnv("BACKUP_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnv("BACKUP_SECRET_ACCESS_KEY", ""),
		Prefix:          getEnv("BACKUP_PREFIX", "tranche"),
		Schedule:        getEnv("BACKUP_SCHEDULE", "@every 6h"),
		RetentionDays:   getEnvAsInt("BACKUP_RETENTION_DAYS", 14),
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	if values := utils.ParseSymbols(os.Getenv(key)); len(values) > 0 {
		return values
	}
	return defaultValue
}
