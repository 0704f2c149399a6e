// Package scaling finds held positions that have earned the next tier.
package scaling

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tranche/internal/config"
	"github.com/aristath/tranche/internal/domain"
	"github.com/aristath/tranche/internal/modules/ledger"
)

// Condition names recorded on an opportunity
const (
	CondProfit         = "profit"
	CondHolding        = "holding_period"
	CondMarket         = "market"
	CondLevelThreshold = "level_profit_threshold"
	CondTrend          = "trend_strength"
	CondVolume         = "volume_increase"
	CondTechnical      = "technical_score"
)

// neutralTrend is assumed when the snapshot carries no trend strength
const neutralTrend = 50.0

// Opportunity proposes moving a symbol to its next tier
type Opportunity struct {
	Symbol         string           `json:"symbol"`
	CurrentLevel   int              `json:"current_level"`
	TargetLevel    int              `json:"target_level"`
	ParentBatchID  string           `json:"parent_batch_id"`
	Quantity       int64            `json:"suggested_quantity"`
	Price          float64          `json:"suggested_price"`
	ProfitRatio    float64          `json:"profit_ratio"`
	RequiredProfit float64          `json:"required_profit"`
	HoldingDays    int              `json:"holding_days"`
	Confidence     float64          `json:"confidence"`
	Risk           domain.RiskLevel `json:"risk_level"`
	ConditionsMet  []string         `json:"conditions_met"`
	Reason         string           `json:"reason"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Detector evaluates scaling opportunities. It never mutates its inputs.
type Detector struct {
	cfg     config.ScalingConfig
	market  config.MarketModifierConfig
	lot     int64
	markets domain.MarketConditionProvider
	log     zerolog.Logger
}

// NewDetector creates a detector. A nil condition provider means a neutral market.
func NewDetector(cfg *config.TradingConfig, markets domain.MarketConditionProvider, log zerolog.Logger) *Detector {
	lot := cfg.Sizing.DefaultLotSize
	if lot <= 0 {
		lot = domain.DefaultLotSize
	}
	return &Detector{
		cfg:     cfg.Scaling,
		market:  cfg.Market,
		lot:     lot,
		markets: markets,
		log:     log.With().Str("engine", "scaling").Logger(),
	}
}

// FindOpportunities returns qualifying opportunities, highest confidence first.
func (d *Detector) FindOpportunities(p *ledger.Portfolio, batches []*ledger.PositionBatch, market domain.MarketData, now time.Time) []Opportunity {
	if !d.cfg.Enabled || p == nil {
		return nil
	}

	cond := domain.NeutralMarket()
	if d.markets != nil {
		cond = d.markets.Condition()
	}

	bySymbol := make(map[string][]*ledger.PositionBatch)
	for _, b := range batches {
		if b.IsActive() {
			bySymbol[b.Symbol] = append(bySymbol[b.Symbol], b)
		}
	}

	var out []Opportunity
	for _, symbol := range p.Symbols() {
		active := bySymbol[symbol]
		if len(active) == 0 {
			continue
		}
		snap, ok := market[symbol]
		if !ok {
			continue
		}
		if opp, ok := d.evaluate(p, symbol, active, snap, cond, market, now); ok {
			out = append(out, opp)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})

	if len(out) > 0 {
		d.log.Info().Int("count", len(out)).Msg("Found scaling opportunities")
	}
	return out
}

func (d *Detector) evaluate(p *ledger.Portfolio, symbol string, active []*ledger.PositionBatch, snap domain.MarketSnapshot, cond domain.MarketCondition, lots domain.LotSizeProvider, now time.Time) (Opportunity, bool) {
	tier := 0
	var latest *ledger.PositionBatch
	for _, b := range active {
		if b.Level > tier {
			tier = b.Level
		}
		if latest == nil || !b.EntryTime.Before(latest.EntryTime) {
			latest = b
		}
	}
	if tier >= ledger.MaxLevel {
		return Opportunity{}, false
	}

	target := tier + 1
	level, ok := d.cfg.Levels[target]
	if !ok {
		return Opportunity{}, false
	}

	price := snap.EffectivePrice()
	if price <= 0 {
		return Opportunity{}, false
	}

	profit := latest.ProfitRatioAt(price)
	required := level.ProfitThreshold * d.volatilityAdjustment(snap) * d.marketModifier(cond.Regime)
	holdingDays := latest.HoldingDays(now)

	var met []string

	// Required conditions
	profitOK := profit >= required
	if profitOK {
		met = append(met, CondProfit)
	}
	holdingOK := holdingDays >= level.MinHoldingDays
	if holdingOK {
		met = append(met, CondHolding)
	}
	marketOK := cond.Favorable() && cond.IndexChange >= d.cfg.MaxMarketDecline
	if marketOK {
		met = append(met, CondMarket)
	}
	sessionOK := true
	if change, known := snap.SessionChange(); known && change < d.cfg.MaxSessionDecline {
		sessionOK = false
	}
	if !profitOK || !holdingOK || !marketOK || !sessionOK {
		return Opportunity{}, false
	}

	baseMet := len(met)

	// Level conditions
	trend := neutralTrend
	if snap.TrendStrength != nil {
		trend = *snap.TrendStrength
	}
	levelMet := 0
	if profit >= level.ProfitThreshold {
		met = append(met, CondLevelThreshold)
		levelMet++
	}
	if trend >= d.cfg.RequiredTrend {
		met = append(met, CondTrend)
		levelMet++
	}
	if snap.VolumeRatio != nil && *snap.VolumeRatio >= d.cfg.VolumeIncreaseRatio {
		met = append(met, CondVolume)
		levelMet++
	}
	if snap.TechnicalScore != nil && *snap.TechnicalScore > d.cfg.MinTechnicalScore {
		met = append(met, CondTechnical)
		levelMet++
	}

	qty := d.quantity(p, symbol, price, level, lots)
	if qty <= 0 {
		return Opportunity{}, false
	}

	confidence := Confidence(baseMet, levelMet, profit, trend)
	if confidence < d.cfg.MinConfidence {
		return Opportunity{}, false
	}

	return Opportunity{
		Symbol:         symbol,
		CurrentLevel:   tier,
		TargetLevel:    target,
		ParentBatchID:  latest.ID,
		Quantity:       qty,
		Price:          price,
		ProfitRatio:    profit,
		RequiredProfit: required,
		HoldingDays:    holdingDays,
		Confidence:     confidence,
		Risk:           RiskForConfidence(confidence),
		ConditionsMet:  met,
		Reason: fmt.Sprintf("L%d->L%d: profit %.2f%% >= %.2f%%, held %dd, met [%s]",
			tier, target, profit*100, required*100, holdingDays, strings.Join(met, ", ")),
		CreatedAt: now,
	}, true
}

// quantity is total assets times the level add ratio, capped at the cash
// reserve share of available cash and floored to the lot size.
func (d *Detector) quantity(p *ledger.Portfolio, symbol string, price float64, level config.ScalingLevel, lots domain.LotSizeProvider) int64 {
	lot := d.lot
	if lots != nil {
		if l, ok := lots.LotSize(symbol); ok {
			lot = l
		}
	}
	value := domain.MulRatio(p.TotalAssets, level.AddRatio)
	cashCap := (1 - d.cfg.CashReserve) * p.AvailableCash
	return domain.FloorToLot(math.Min(value, cashCap), price, lot)
}

// volatilityAdjustment relaxes the threshold for quiet names and raises it
// for wide-ranging ones. Amplitude is in percent.
func (d *Detector) volatilityAdjustment(snap domain.MarketSnapshot) float64 {
	if snap.Amplitude == nil {
		return 1.0
	}
	switch a := *snap.Amplitude; {
	case a < d.cfg.LowAmplitude:
		return d.cfg.LowAmplitudeFactor
	case a > d.cfg.HighAmplitude:
		return d.cfg.HighAmplitudeFactor
	default:
		return 1.0
	}
}

// marketModifier scales the threshold by regime. It stays within
// [0.5, 1.3] and never drops below 1.0 in a bear market.
func (d *Detector) marketModifier(regime domain.MarketRegime) float64 {
	var m float64
	switch regime {
	case domain.RegimeBull:
		m = d.market.Bull
	case domain.RegimeBear:
		m = math.Max(d.market.Bear, 1.0)
	default:
		m = d.market.Neutral
	}
	if m <= 0 {
		m = 1.0
	}
	return math.Min(math.Max(m, 0.5), 1.3)
}

// Confidence scores an opportunity from 0 to 100.
func Confidence(baseMet, levelMet int, profit, trend float64) float64 {
	score := 50.0
	score += float64(baseMet) * 10
	score += float64(levelMet) * 15

	switch {
	case profit > 0.15:
		score += 10
	case profit > 0.10:
		score += 5
	}
	switch {
	case trend > 80:
		score += 10
	case trend > 60:
		score += 5
	}
	return math.Min(score, 100)
}

// RiskForConfidence maps confidence to a risk label
func RiskForConfidence(confidence float64) domain.RiskLevel {
	switch {
	case confidence >= 85:
		return domain.RiskLow
	case confidence >= 70:
		return domain.RiskMedium
	case confidence >= 60:
		return domain.RiskHigh
	default:
		return domain.RiskCritical
	}
}
