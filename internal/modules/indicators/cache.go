package indicators

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tranche/internal/domain"
)

// BarSource supplies daily bars, oldest first
type BarSource interface {
	GetDailyBars(ctx context.Context, symbol string, days int) ([]Bar, error)
}

// HistoryDays is how much history is fetched per symbol
const HistoryDays = 60

type cachedBars struct {
	bars      []Bar
	fetchedAt time.Time
}

// Cache keeps recent bars per symbol and uses them to fill the derived
// snapshot fields.
type Cache struct {
	source BarSource
	ttl    time.Duration
	log    zerolog.Logger

	mu   sync.RWMutex
	bars map[string]cachedBars
}

// NewCache creates a bar cache. Bars are refetched after ttl.
func NewCache(source BarSource, ttl time.Duration, log zerolog.Logger) *Cache {
	return &Cache{
		source: source,
		ttl:    ttl,
		log:    log.With().Str("component", "indicator_cache").Logger(),
		bars:   make(map[string]cachedBars),
	}
}

// Bars returns cached bars for symbol, fetching when stale
func (c *Cache) Bars(ctx context.Context, symbol string) ([]Bar, error) {
	c.mu.RLock()
	entry, ok := c.bars[symbol]
	c.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < c.ttl {
		return entry.bars, nil
	}

	bars, err := c.source.GetDailyBars(ctx, symbol, HistoryDays)
	if err != nil {
		if ok {
			c.log.Warn().Err(err).Str("symbol", symbol).Msg("Bar refresh failed, using stale bars")
			return entry.bars, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.bars[symbol] = cachedBars{bars: bars, fetchedAt: time.Now()}
	c.mu.Unlock()
	return bars, nil
}

// Enrich fills missing derived fields on every snapshot in data. Symbols
// whose bars cannot be fetched keep their fields nil.
func (c *Cache) Enrich(ctx context.Context, data domain.MarketData) {
	for symbol, snap := range data {
		if ctx.Err() != nil {
			return
		}
		bars, err := c.Bars(ctx, symbol)
		if err != nil {
			c.log.Debug().Err(err).Str("symbol", symbol).Msg("No bars for enrichment")
			bars = nil
		}
		data[symbol] = EnrichSnapshot(snap, bars)
	}
}

// EnrichSnapshot returns snap with nil derived fields computed from bars.
func EnrichSnapshot(snap domain.MarketSnapshot, bars []Bar) domain.MarketSnapshot {
	if snap.Amplitude == nil && snap.HighPrice != nil && snap.LowPrice != nil && snap.PrevClose != nil {
		snap.Amplitude = Amplitude(*snap.HighPrice, *snap.LowPrice, *snap.PrevClose)
	}
	if len(bars) == 0 {
		return snap
	}

	_, _, closes, volumes := columns(bars)
	if snap.Amplitude == nil && len(bars) >= 2 {
		last := bars[len(bars)-1]
		snap.Amplitude = Amplitude(last.High, last.Low, bars[len(bars)-2].Close)
	}
	if snap.ATR == nil {
		snap.ATR = ATR(bars, ATRPeriod)
	}
	if snap.TrendStrength == nil {
		snap.TrendStrength = TrendStrength(closes, TrendWindow)
	}
	if snap.VolumeRatio == nil {
		current := 0.0
		history := volumes
		if snap.Volume != nil {
			current = float64(*snap.Volume)
		} else if len(volumes) > 0 {
			current = volumes[len(volumes)-1]
			history = volumes[:len(volumes)-1]
		}
		snap.VolumeRatio = VolumeRatio(history, current, VolumeWindow)
	}
	if snap.TechnicalScore == nil {
		snap.TechnicalScore = TechnicalScore(closes)
	}
	return snap
}
