package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RunMode selects which cycles the orchestrator runs
type RunMode string

const (
	ModeSelection RunMode = "selection"
	ModeRisk      RunMode = "risk"
	ModeFull      RunMode = "full"
)

// TradingConfig holds every engine threshold. Defaults come from
// DefaultTradingConfig and can be overridden from YAML.
type TradingConfig struct {
	Mode      RunMode              `yaml:"mode"`
	Sizing    SizingConfig         `yaml:"sizing"`
	Scaling   ScalingConfig        `yaml:"scaling"`
	Risk      RiskConfig           `yaml:"risk"`
	Loop      LoopConfig           `yaml:"loop"`
	RateLimit RateLimitConfig      `yaml:"rate_limit"`
	Market    MarketModifierConfig `yaml:"market_modifiers"`
}

// SizingConfig drives the position sizing engine
type SizingConfig struct {
	InitialRatio         float64  `yaml:"initial_ratio"`         // share of total assets for a first entry
	MaxRatio             float64  `yaml:"max_ratio"`             // share of total assets for add-ons
	InitialConcentration float64  `yaml:"initial_concentration"` // ceiling checked for initial builds
	MaxConcentration     float64  `yaml:"max_concentration"`     // ceiling checked for add-ons
	CashReserve          float64  `yaml:"cash_reserve"`          // fraction of available cash never deployed
	MaxPrice             float64  `yaml:"max_price"`
	DefaultLotSize       int64    `yaml:"default_lot_size"`
	MaxPositions         int      `yaml:"max_positions"`
	RestrictedSymbols    []string `yaml:"restricted_symbols"`
}

// StopProfile seeds a new batch's stop and trailing prices
type StopProfile struct {
	StopLossRatio float64
	TrailingRatio float64
}

// ScalingLevel holds the requirements for reaching a level
type ScalingLevel struct {
	ProfitThreshold float64 `yaml:"profit_threshold"`
	AddRatio        float64 `yaml:"add_ratio"`
	MaxRatio        float64 `yaml:"max_ratio"`
	StopLossRatio   float64 `yaml:"stop_loss_ratio"`
	MinHoldingDays  int     `yaml:"min_holding_days"`
}

// ScalingConfig drives the scaling opportunity detector
type ScalingConfig struct {
	Enabled              bool                 `yaml:"enabled"`
	Levels               map[int]ScalingLevel `yaml:"levels"` // keyed by target level (2, 3)
	MinConfidence        float64              `yaml:"min_confidence"`
	RequiredTrend        float64              `yaml:"required_trend_strength"`
	VolumeIncreaseRatio  float64              `yaml:"volume_increase_ratio"`
	MinTechnicalScore    float64              `yaml:"min_technical_score"`
	MaxSessionDecline    float64              `yaml:"max_session_decline"` // -0.03
	MaxMarketDecline     float64              `yaml:"max_market_decline"`  // -0.02
	LowAmplitude         float64              `yaml:"low_amplitude"`
	HighAmplitude        float64              `yaml:"high_amplitude"`
	LowAmplitudeFactor   float64              `yaml:"low_amplitude_factor"`
	HighAmplitudeFactor  float64              `yaml:"high_amplitude_factor"`
	CashReserve          float64              `yaml:"cash_reserve"`
}

// RiskLevelConfig holds per-level exit thresholds for the batch risk engine
type RiskLevelConfig struct {
	StopLossRatio        float64 `yaml:"stop_loss_ratio"`
	TrailingStopRatio    float64 `yaml:"trailing_stop_ratio"`
	VolatilityMultiplier float64 `yaml:"volatility_multiplier"`
	MaxHoldingDays       int     `yaml:"max_holding_days"`
	ProfitTakingRatio    float64 `yaml:"profit_taking_ratio"`
}

// RiskConfig drives the batch risk engine
type RiskConfig struct {
	Levels                   map[int]RiskLevelConfig `yaml:"levels"`
	MaxBatchActionsPerCycle  int                     `yaml:"max_batch_actions_per_cycle"`
	RequireConfirmationAbove float64                 `yaml:"require_confirmation_above"`
}

// LoopConfig drives the orchestrator intervals and timeouts
type LoopConfig struct {
	SelectionInterval      time.Duration `yaml:"selection_interval"`
	RiskInterval           time.Duration `yaml:"risk_interval"`
	AccountRefreshInterval time.Duration `yaml:"account_refresh_interval"`
	BrokerTimeout          time.Duration `yaml:"broker_timeout"`
	ConnectivityBackoff    time.Duration `yaml:"connectivity_backoff"`
}

// RateLimitConfig bounds broker calls in a sliding window
type RateLimitConfig struct {
	MaxCalls int           `yaml:"max_calls"`
	Window   time.Duration `yaml:"window"`
}

// MarketModifierConfig scales scaling thresholds by market regime
type MarketModifierConfig struct {
	Bull    float64 `yaml:"bull"`
	Neutral float64 `yaml:"neutral"`
	Bear    float64 `yaml:"bear"`
}

// DefaultTradingConfig returns the production defaults
func DefaultTradingConfig() *TradingConfig {
	return &TradingConfig{
		Mode: ModeFull,
		Sizing: SizingConfig{
			InitialRatio:         0.10,
			MaxRatio:             0.20,
			InitialConcentration: 0.10,
			MaxConcentration:     0.20,
			CashReserve:          0.20,
			MaxPrice:             10000,
			DefaultLotSize:       100,
			MaxPositions:         3,
		},
		Scaling: ScalingConfig{
			Enabled: true,
			Levels: map[int]ScalingLevel{
				2: {ProfitThreshold: 0.08, AddRatio: 0.10, MaxRatio: 0.20, StopLossRatio: 0.04, MinHoldingDays: 3},
				3: {ProfitThreshold: 0.08, AddRatio: 0.05, MaxRatio: 0.25, StopLossRatio: 0.03, MinHoldingDays: 5},
			},
			MinConfidence:       70,
			RequiredTrend:       60,
			VolumeIncreaseRatio: 1.2,
			MinTechnicalScore:   50,
			MaxSessionDecline:   -0.03,
			MaxMarketDecline:    -0.02,
			LowAmplitude:        2,
			HighAmplitude:       8,
			LowAmplitudeFactor:  0.8,
			HighAmplitudeFactor: 1.3,
			CashReserve:         0.20,
		},
		Risk: RiskConfig{
			Levels: map[int]RiskLevelConfig{
				1: {StopLossRatio: 0.08, TrailingStopRatio: 0.05, VolatilityMultiplier: 2.0, MaxHoldingDays: 60, ProfitTakingRatio: 0.20},
				2: {StopLossRatio: 0.04, TrailingStopRatio: 0.04, VolatilityMultiplier: 1.5, MaxHoldingDays: 45, ProfitTakingRatio: 0.15},
				3: {StopLossRatio: 0.03, TrailingStopRatio: 0.03, VolatilityMultiplier: 1.2, MaxHoldingDays: 30, ProfitTakingRatio: 0.12},
			},
			MaxBatchActionsPerCycle:  3,
			RequireConfirmationAbove: 0.10,
		},
		Loop: LoopConfig{
			SelectionInterval:      30 * time.Minute,
			RiskInterval:           30 * time.Second,
			AccountRefreshInterval: 5 * time.Minute,
			BrokerTimeout:          10 * time.Second,
			ConnectivityBackoff:    10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			MaxCalls: 55,
			Window:   30 * time.Second,
		},
		Market: MarketModifierConfig{
			Bull:    0.9,
			Neutral: 1.0,
			Bear:    1.2,
		},
	}
}

// LoadTradingConfig reads a YAML file on top of the defaults
func LoadTradingConfig(path string) (*TradingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trading config: %w", err)
	}

	cfg := DefaultTradingConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse trading config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid trading config: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and level coverage
func (t *TradingConfig) Validate() error {
	switch t.Mode {
	case ModeSelection, ModeRisk, ModeFull:
	default:
		return fmt.Errorf("unknown run mode %q", t.Mode)
	}

	s := t.Sizing
	if s.InitialRatio <= 0 || s.InitialRatio > 1 {
		return fmt.Errorf("sizing.initial_ratio must be in (0, 1], got %v", s.InitialRatio)
	}
	if s.MaxRatio < s.InitialRatio || s.MaxRatio > 1 {
		return fmt.Errorf("sizing.max_ratio must be in [initial_ratio, 1], got %v", s.MaxRatio)
	}
	if s.InitialConcentration > s.MaxConcentration {
		return fmt.Errorf("sizing.initial_concentration must not exceed max_concentration")
	}
	if s.CashReserve < 0 || s.CashReserve >= 1 {
		return fmt.Errorf("sizing.cash_reserve must be in [0, 1), got %v", s.CashReserve)
	}
	if s.MaxPrice <= 0 {
		return fmt.Errorf("sizing.max_price must be positive")
	}

	for level := 1; level <= 3; level++ {
		if _, ok := t.Risk.Levels[level]; !ok {
			return fmt.Errorf("risk.levels missing level %d", level)
		}
	}
	for level := 2; level <= 3; level++ {
		if _, ok := t.Scaling.Levels[level]; !ok {
			return fmt.Errorf("scaling.levels missing level %d", level)
		}
	}

	if t.Risk.MaxBatchActionsPerCycle <= 0 {
		return fmt.Errorf("risk.max_batch_actions_per_cycle must be positive")
	}
	if t.RateLimit.MaxCalls <= 0 || t.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit requires positive max_calls and window")
	}
	if t.Market.Bear < 1.0 || t.Market.Bear > 1.3 {
		return fmt.Errorf("market_modifiers.bear must be in [1.0, 1.3], got %v", t.Market.Bear)
	}
	if t.Market.Bull > 1.0 || t.Market.Bull <= 0 {
		return fmt.Errorf("market_modifiers.bull must be in (0, 1.0], got %v", t.Market.Bull)
	}
	return nil
}

// StopProfileFor returns the stops a batch at level is created with. They
// are the risk level's ratios, so the prices stored on the batch are the
// ones the risk engine enforces. Unknown levels use level 3, as the risk
// engine does.
func (t *TradingConfig) StopProfileFor(level int) StopProfile {
	lc, ok := t.Risk.Levels[level]
	if !ok {
		lc = t.Risk.Levels[3]
	}
	return StopProfile{
		StopLossRatio: lc.StopLossRatio,
		TrailingRatio: lc.TrailingStopRatio,
	}
}
