package ledger

import (
	"sort"
	"sync"
	"time"
)

// SymbolExposure is the recorded exposure for one symbol
type SymbolExposure struct {
	Symbol    string    `json:"symbol"`
	Value     float64   `json:"value"`
	Level     int       `json:"level"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ExposureTracker aggregates committed exposure per symbol. Sizing records
// into it when it creates a batch and releases when a batch is abandoned.
type ExposureTracker struct {
	mu      sync.RWMutex
	entries map[string]*SymbolExposure
}

// NewExposureTracker returns an empty tracker
func NewExposureTracker() *ExposureTracker {
	return &ExposureTracker{entries: make(map[string]*SymbolExposure)}
}

// Record adds value to symbol's exposure and raises its level
func (e *ExposureTracker) Record(symbol string, value float64, level int) {
	if value <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.entries[symbol]
	if !ok {
		entry = &SymbolExposure{Symbol: symbol}
		e.entries[symbol] = entry
	}
	entry.Value += value
	if level > entry.Level {
		entry.Level = level
	}
	entry.UpdatedAt = time.Now()
}

// Release subtracts value, dropping the symbol when nothing remains
func (e *ExposureTracker) Release(symbol string, value float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.entries[symbol]
	if !ok {
		return
	}
	entry.Value -= value
	if entry.Value <= 0.005 {
		delete(e.entries, symbol)
		return
	}
	entry.UpdatedAt = time.Now()
}

// Exposure returns the recorded value for symbol
func (e *ExposureTracker) Exposure(symbol string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if entry, ok := e.entries[symbol]; ok {
		return entry.Value
	}
	return 0
}

// Total sums exposure across symbols
func (e *ExposureTracker) Total() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var total float64
	for _, entry := range e.entries {
		total += entry.Value
	}
	return total
}

// Snapshot returns copies sorted by symbol
func (e *ExposureTracker) Snapshot() []SymbolExposure {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]SymbolExposure, 0, len(e.entries))
	for _, entry := range e.entries {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Sync resets exposure to the market value of the portfolio's positions
func (e *ExposureTracker) Sync(p *Portfolio) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.entries = make(map[string]*SymbolExposure, len(p.Positions))
	now := time.Now()
	for sym, pos := range p.Positions {
		if pos.Quantity <= 0 {
			continue
		}
		e.entries[sym] = &SymbolExposure{
			Symbol:    sym,
			Value:     pos.MarketValue(),
			Level:     pos.Level,
			UpdatedAt: now,
		}
	}
}
