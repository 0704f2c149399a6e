package domain

import "time"

// MarketSnapshot is a typed quote for one symbol. Optional fields are nil
// when the adapter could not supply them; derived fields (amplitude, trend,
// volume ratio, technical score, ATR) are filled by the indicator cache.
type MarketSnapshot struct {
	Symbol     string
	LastPrice  *float64
	ClosePrice *float64
	PrevClose  *float64
	OpenPrice  *float64
	HighPrice  *float64
	LowPrice   *float64
	ChangeRate *float64 // fraction of previous close, -0.03 = -3%
	Volume     *int64
	LotSize    *int64

	Amplitude      *float64 // (high - low) / prev close, in percent
	TrendStrength  *float64 // 0-100
	VolumeRatio    *float64 // volume / average volume
	TechnicalScore *float64 // 0-100
	ATR            *float64 // average true range in price units

	Timestamp time.Time
}

// EffectivePrice is the one canonical price fallback: last trade, then
// close, then previous close, then zero.
func (s MarketSnapshot) EffectivePrice() float64 {
	for _, p := range []*float64{s.LastPrice, s.ClosePrice, s.PrevClose} {
		if p != nil && *p > 0 {
			return *p
		}
	}
	return 0
}

// LotSizeOrDefault returns the reported lot size or DefaultLotSize.
func (s MarketSnapshot) LotSizeOrDefault() int64 {
	if s.LotSize != nil && *s.LotSize > 0 {
		return *s.LotSize
	}
	return DefaultLotSize
}

// SessionChange returns the single-session change as a fraction. It uses
// ChangeRate when present and otherwise derives it from the previous close.
func (s MarketSnapshot) SessionChange() (float64, bool) {
	if s.ChangeRate != nil {
		return *s.ChangeRate, true
	}
	price := s.EffectivePrice()
	if s.PrevClose != nil && *s.PrevClose > 0 && price > 0 {
		return (price - *s.PrevClose) / *s.PrevClose, true
	}
	return 0, false
}

// Float returns a pointer to v, for optional snapshot fields.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v, for optional snapshot fields.
func Int(v int64) *int64 { return &v }

// MarketData maps symbol to snapshot. Partial results are normal.
type MarketData map[string]MarketSnapshot

// Price returns the effective price for symbol, false when missing or zero.
func (m MarketData) Price(symbol string) (float64, bool) {
	snap, ok := m[symbol]
	if !ok {
		return 0, false
	}
	p := snap.EffectivePrice()
	return p, p > 0
}

// LotSize implements LotSizeProvider.
func (m MarketData) LotSize(symbol string) (int64, bool) {
	snap, ok := m[symbol]
	if !ok || snap.LotSize == nil || *snap.LotSize <= 0 {
		return 0, false
	}
	return *snap.LotSize, true
}

// Prices flattens the snapshot into symbol -> effective price, dropping
// symbols without a usable price.
func (m MarketData) Prices() map[string]float64 {
	out := make(map[string]float64, len(m))
	for symbol := range m {
		if p, ok := m.Price(symbol); ok {
			out[symbol] = p
		}
	}
	return out
}
