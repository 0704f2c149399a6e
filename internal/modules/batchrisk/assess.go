// Package batchrisk evaluates every open batch against its exits and closes
// the ones that must go.
package batchrisk

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tranche/internal/config"
	"github.com/aristath/tranche/internal/domain"
	"github.com/aristath/tranche/internal/modules/ledger"
)

// Action is the exit recommended for a batch
type Action string

const (
	ActionNone           Action = ""
	ActionStopLoss       Action = "stop_loss"
	ActionTrailingStop   Action = "trailing_stop"
	ActionVolatilityStop Action = "volatility_stop"
	ActionTimeStop       Action = "time_stop"
	ActionProfitTaking   Action = "profit_taking"
)

// Check weights
const (
	weightStopLoss   = 40.0
	weightTrailing   = 30.0
	weightVolatility = 25.0
	weightTime       = 20.0
	weightProfit     = 15.0
)

var levelWeights = map[int]float64{1: 1.0, 2: 1.2, 3: 1.5}

// Assessment is the risk verdict for one batch at one price
type Assessment struct {
	BatchID           string           `json:"batch_id"`
	Symbol            string           `json:"symbol"`
	Level             int              `json:"level"`
	Quantity          int64            `json:"quantity"`
	EntryPrice        float64          `json:"entry_price"`
	CurrentPrice      float64          `json:"current_price"`
	ProfitRatio       float64          `json:"profit_ratio"`
	Score             float64          `json:"risk_score"`
	Action            Action           `json:"recommended_action"`
	Urgency           domain.RiskLevel `json:"urgency"`
	StopLossPrice     float64          `json:"stop_loss_price"`
	TrailingStopPrice float64          `json:"trailing_stop_price"`
	Triggered         []Action         `json:"triggered"`
	Reason            string           `json:"reason"`
	AssessedAt        time.Time        `json:"assessed_at"`
}

// Actionable reports whether an exit is recommended
func (a Assessment) Actionable() bool {
	return a.Action != ActionNone
}

// Engine assesses and executes batch exits
type Engine struct {
	cfg config.RiskConfig
	log zerolog.Logger

	mu      sync.RWMutex
	latest  []Assessment
	pending map[string]Assessment
}

// NewEngine creates a batch risk engine
func NewEngine(cfg *config.TradingConfig, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:     cfg.Risk,
		log:     log.With().Str("engine", "batch_risk").Logger(),
		pending: make(map[string]Assessment),
	}
}

// Assess evaluates every active batch that has a usable price and returns the
// actionable ones, most urgent first. Batches are not modified, so repeated
// calls with the same inputs return the same result.
func (e *Engine) Assess(batches []*ledger.PositionBatch, market domain.MarketData, now time.Time) []Assessment {
	all := make([]Assessment, 0, len(batches))
	for _, b := range batches {
		if !b.IsActive() {
			continue
		}
		snap, ok := market[b.Symbol]
		if !ok {
			continue
		}
		price := snap.EffectivePrice()
		if price <= 0 {
			continue
		}
		all = append(all, e.assessBatch(b, price, snap.ATR, now))
	}

	var actionable []Assessment
	for _, a := range all {
		if a.Actionable() {
			actionable = append(actionable, a)
		}
	}
	sortByUrgency(actionable)

	e.mu.Lock()
	e.latest = all
	e.mu.Unlock()

	if n := countUrgent(actionable); n > 0 {
		e.log.Warn().Int("urgent", n).Int("assessed", len(all)).Msg("High-risk batches found")
	} else {
		e.log.Debug().Int("assessed", len(all)).Msg("Batch risk check complete")
	}
	return actionable
}

// Latest returns every assessment from the last Assess call, including
// batches that needed no action.
func (e *Engine) Latest() []Assessment {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Assessment(nil), e.latest...)
}

func (e *Engine) levelConfig(level int) config.RiskLevelConfig {
	if c, ok := e.cfg.Levels[level]; ok {
		return c
	}
	return e.cfg.Levels[ledger.MaxLevel]
}

func (e *Engine) assessBatch(b *ledger.PositionBatch, price float64, atr *float64, now time.Time) Assessment {
	lc := e.levelConfig(b.Level)
	profit := b.ProfitRatioAt(price)

	var triggered []Action
	var reasons []string
	score := 0.0

	stopPrice := b.EntryPrice * (1 - lc.StopLossRatio)
	if profit <= -lc.StopLossRatio {
		triggered = append(triggered, ActionStopLoss)
		reasons = append(reasons, fmt.Sprintf("loss %.1f%% beyond stop %.1f%%", -profit*100, lc.StopLossRatio*100))
		score += weightStopLoss
	}

	highest := math.Max(b.HighestPrice, price)
	trailingStop := math.Max(b.TrailingStopPrice, highest*(1-lc.TrailingStopRatio))
	if price < trailingStop {
		triggered = append(triggered, ActionTrailingStop)
		reasons = append(reasons, fmt.Sprintf("price %.2f below trailing stop %.2f", price, trailingStop))
		score += weightTrailing
	}

	if atr != nil && *atr > 0 {
		atrStop := b.EntryPrice - *atr*lc.VolatilityMultiplier
		if price < atrStop {
			triggered = append(triggered, ActionVolatilityStop)
			reasons = append(reasons, fmt.Sprintf("price %.2f below ATR stop %.2f (x%.1f)", price, atrStop, lc.VolatilityMultiplier))
			score += weightVolatility
		}
	}

	if days := b.HoldingDays(now); lc.MaxHoldingDays > 0 && days > lc.MaxHoldingDays {
		triggered = append(triggered, ActionTimeStop)
		reasons = append(reasons, fmt.Sprintf("held %d days, limit %d", days, lc.MaxHoldingDays))
		score += weightTime
	}

	if lc.ProfitTakingRatio > 0 && profit >= lc.ProfitTakingRatio {
		triggered = append(triggered, ActionProfitTaking)
		reasons = append(reasons, fmt.Sprintf("profit %.1f%% reached target %.1f%%", profit*100, lc.ProfitTakingRatio*100))
		score += weightProfit
	}

	score = Score(score, profit, b.Level)
	action, urgency := decide(triggered, score)

	reason := strings.Join(reasons, " | ")
	if reason == "" {
		if action == ActionNone {
			reason = fmt.Sprintf("within limits, P&L %.1f%%", profit*100)
		} else {
			reason = fmt.Sprintf("%s from risk score %.0f, P&L %.1f%%", action, score, profit*100)
		}
	}

	return Assessment{
		BatchID:           b.ID,
		Symbol:            b.Symbol,
		Level:             b.Level,
		Quantity:          b.Quantity,
		EntryPrice:        b.EntryPrice,
		CurrentPrice:      price,
		ProfitRatio:       profit,
		Score:             score,
		Action:            action,
		Urgency:           urgency,
		StopLossPrice:     stopPrice,
		TrailingStopPrice: trailingStop,
		Triggered:         triggered,
		Reason:            reason,
		AssessedAt:        now,
	}
}

// Score adds the loss bonus to the fired check weights, applies the level
// weight and caps the result at 100.
func Score(fired, profit float64, level int) float64 {
	score := fired
	switch {
	case profit < -0.10:
		score += 20
	case profit < -0.05:
		score += 10
	}
	weight, ok := levelWeights[level]
	if !ok {
		weight = 1.0
	}
	return math.Min(score*weight, 100)
}

// decide picks the action by precedence, falling back to the score when no
// check fired.
func decide(triggered []Action, score float64) (Action, domain.RiskLevel) {
	fired := make(map[Action]bool, len(triggered))
	for _, a := range triggered {
		fired[a] = true
	}

	switch {
	case fired[ActionStopLoss]:
		return ActionStopLoss, domain.RiskCritical
	case fired[ActionTrailingStop]:
		return ActionTrailingStop, domain.RiskHigh
	case fired[ActionVolatilityStop]:
		return ActionVolatilityStop, domain.RiskHigh
	case fired[ActionTimeStop]:
		return ActionTimeStop, domain.RiskMedium
	case fired[ActionProfitTaking]:
		return ActionProfitTaking, domain.RiskMedium
	}

	switch {
	case score >= 70:
		return ActionStopLoss, domain.RiskHigh
	case score >= 50:
		return ActionTrailingStop, domain.RiskMedium
	case score >= 30:
		return ActionVolatilityStop, domain.RiskLow
	default:
		return ActionNone, domain.RiskLow
	}
}

// sortByUrgency orders by urgency, then score, both descending. Batch id
// breaks remaining ties so the order is deterministic.
func sortByUrgency(as []Assessment) {
	sort.SliceStable(as, func(i, j int) bool {
		ri, rj := as[i].Urgency.Rank(), as[j].Urgency.Rank()
		if ri != rj {
			return ri > rj
		}
		if as[i].Score != as[j].Score {
			return as[i].Score > as[j].Score
		}
		return as[i].BatchID < as[j].BatchID
	})
}

func countUrgent(as []Assessment) int {
	n := 0
	for _, a := range as {
		if a.Urgency.Rank() >= domain.RiskHigh.Rank() {
			n++
		}
	}
	return n
}
