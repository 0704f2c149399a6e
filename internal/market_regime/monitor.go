// Package market_regime classifies the broad market from an index's daily
// bars and keeps a smoothed score history.
package market_regime

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tranche/internal/domain"
	"github.com/aristath/tranche/internal/modules/indicators"
)

// Regime thresholds on the smoothed score, which lies in [-1, 1]
const (
	BullThreshold = 0.3
	BearThreshold = -0.3

	// A bear regime this deep blocks new exposure on its own
	severeBearScore = -0.6
)

// DefaultUnfavorableDecline marks a session drop that blocks new exposure
const DefaultUnfavorableDecline = -0.02

// Classify maps a smoothed score onto a regime
func Classify(score float64) domain.MarketRegime {
	switch {
	case score >= BullThreshold:
		return domain.RegimeBull
	case score <= BearThreshold:
		return domain.RegimeBear
	default:
		return domain.RegimeNeutral
	}
}

// RawScore combines trend fit and distance from the 20-day average into a
// score in [-1, 1]. Too little history scores 0.
func RawScore(closes []float64) float64 {
	trend := indicators.TrendScore(closes, indicators.TrendWindow)
	sma := indicators.SMA(closes, indicators.SMAPeriod)
	if trend == nil || sma == nil || *sma <= 0 {
		return 0
	}
	last := closes[len(closes)-1]
	distance := math.Max(-1, math.Min(1, (last / *sma - 1)*10))
	return 0.5*(*trend) + 0.5*distance
}

// Monitor implements domain.MarketConditionProvider from an index's bars
type Monitor struct {
	bars        indicators.BarSource
	index       string
	store       *Persistence
	unfavorable float64
	log         zerolog.Logger

	mu      sync.RWMutex
	current domain.MarketCondition
	score   float64
}

// NewMonitor creates a monitor for index. store may be nil, in which case
// scores are smoothed in memory only.
func NewMonitor(bars indicators.BarSource, index string, store *Persistence, log zerolog.Logger) *Monitor {
	return &Monitor{
		bars:        bars,
		index:       index,
		store:       store,
		unfavorable: DefaultUnfavorableDecline,
		log:         log.With().Str("component", "market_monitor").Str("index", index).Logger(),
		current:     domain.NeutralMarket(),
	}
}

// Condition returns the last classification, neutral before the first refresh
func (m *Monitor) Condition() domain.MarketCondition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Score returns the last smoothed score
func (m *Monitor) Score() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.score
}

// Refresh fetches index bars and reclassifies the market. On failure the
// previous condition is kept.
func (m *Monitor) Refresh(ctx context.Context) (domain.MarketCondition, error) {
	bars, err := m.bars.GetDailyBars(ctx, m.index, indicators.HistoryDays)
	if err != nil {
		return m.Condition(), fmt.Errorf("fetch index bars for %s: %w", m.index, err)
	}
	if len(bars) < 2 {
		return m.Condition(), fmt.Errorf("not enough index bars for %s: %d", m.index, len(bars))
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	raw := RawScore(closes)

	change := 0.0
	if prev := closes[len(closes)-2]; prev > 0 {
		change = closes[len(closes)-1]/prev - 1
	}

	now := time.Now()
	smoothed := raw
	if m.store != nil {
		entry, err := m.store.Record(m.index, raw, change, now)
		if err != nil {
			m.log.Warn().Err(err).Msg("Failed to persist regime score")
			smoothed = m.smoothInMemory(raw)
		} else {
			smoothed = entry.SmoothedScore
		}
	} else {
		smoothed = m.smoothInMemory(raw)
	}

	regime := Classify(smoothed)
	cond := domain.MarketCondition{
		Regime:      regime,
		IndexChange: change,
		Unfavorable: change < m.unfavorable || smoothed <= severeBearScore,
		ObservedAt:  now,
	}

	m.mu.Lock()
	prevRegime := m.current.Regime
	m.current = cond
	m.score = smoothed
	m.mu.Unlock()

	if prevRegime != regime {
		m.log.Info().
			Str("from", string(prevRegime)).
			Str("to", string(regime)).
			Float64("score", smoothed).
			Msg("Market regime changed")
	}
	return cond, nil
}

func (m *Monitor) smoothInMemory(raw float64) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current.ObservedAt.IsZero() {
		return raw
	}
	return Smooth(raw, m.score, DefaultSmoothingAlpha)
}
