package domain

import "github.com/shopspring/decimal"

// FloorToLot returns the largest lot-aligned share count whose cost at price
// does not exceed value. Decimal arithmetic keeps exact boundaries exact
// (100000 / 50 is 2000 shares, never 1900).
func FloorToLot(value, price float64, lot int64) int64 {
	if value <= 0 || price <= 0 {
		return 0
	}
	if lot <= 0 {
		lot = DefaultLotSize
	}
	lotValue := decimal.NewFromFloat(price).Mul(decimal.NewFromInt(lot))
	lots := decimal.NewFromFloat(value).Div(lotValue).Floor()
	return lots.IntPart() * lot
}

// AlignDown rounds qty down to a multiple of lot.
func AlignDown(qty, lot int64) int64 {
	if qty <= 0 {
		return 0
	}
	if lot <= 0 {
		lot = DefaultLotSize
	}
	return (qty / lot) * lot
}

// IsLotAligned reports whether qty is a positive multiple of lot.
func IsLotAligned(qty, lot int64) bool {
	if lot <= 0 {
		lot = DefaultLotSize
	}
	return qty > 0 && qty%lot == 0
}

// RoundMoney rounds an amount to cents.
func RoundMoney(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}

// TradeValue returns qty * price rounded to cents.
func TradeValue(qty int64, price float64) float64 {
	f, _ := decimal.NewFromInt(qty).Mul(decimal.NewFromFloat(price)).Round(2).Float64()
	return f
}

// MulRatio returns amount * ratio without binary float drift.
func MulRatio(amount, ratio float64) float64 {
	f, _ := decimal.NewFromFloat(amount).Mul(decimal.NewFromFloat(ratio)).Float64()
	return f
}
