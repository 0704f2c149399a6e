package ledger

import (
	"fmt"
	"math"
	"time"

	"github.com/aristath/tranche/internal/domain"
)

// BatchStatus is the lifecycle state of a batch
type BatchStatus string

const (
	BatchActive      BatchStatus = "active"
	BatchStopped     BatchStatus = "stopped"
	BatchClosed      BatchStatus = "closed"
	BatchProfitTaken BatchStatus = "profit_taken"
)

// Terminal reports whether the status is final
func (s BatchStatus) Terminal() bool {
	return s == BatchStopped || s == BatchClosed || s == BatchProfitTaken
}

// MinLevel and MaxLevel bound batch and position levels
const (
	MinLevel = 1
	MaxLevel = 3
)

// PositionBatch is one discrete buy tranche tracked independently for risk.
type PositionBatch struct {
	ID          string `json:"id"`
	Symbol      string `json:"symbol"`
	PortfolioID string `json:"portfolio_id"`
	Level       int    `json:"level"`
	ParentID    string `json:"parent_id,omitempty"`

	EntryTime  time.Time `json:"entry_time"`
	EntryPrice float64   `json:"entry_price"`
	Quantity   int64     `json:"quantity"`

	CurrentPrice float64 `json:"current_price"`
	HighestPrice float64 `json:"highest_price"`
	LowestPrice  float64 `json:"lowest_price"`

	InitialStopPrice  float64  `json:"initial_stop_price"`
	TrailingStopPrice float64  `json:"trailing_stop_price"`
	TrailingRatio     float64  `json:"trailing_ratio"`
	TakeProfitPrice   *float64 `json:"take_profit_price,omitempty"`

	Status     BatchStatus `json:"status"`
	ExitTime   *time.Time  `json:"exit_time,omitempty"`
	ExitPrice  float64     `json:"exit_price,omitempty"`
	ExitReason string      `json:"exit_reason,omitempty"`

	MaxProfitRatio float64   `json:"max_profit_ratio"` // max favorable excursion
	MaxDrawdown    float64   `json:"max_drawdown"`     // max adverse excursion (<= 0)
	UpdatedAt      time.Time `json:"updated_at"`
}

// IsActive reports whether the batch can still be re-priced and evaluated
func (b *PositionBatch) IsActive() bool {
	return b.Status == BatchActive
}

// markPrice is the price used for valuation: current when known, else entry.
func (b *PositionBatch) markPrice() float64 {
	if b.CurrentPrice > 0 {
		return b.CurrentPrice
	}
	return b.EntryPrice
}

// MarketValue returns quantity at the current price
func (b *PositionBatch) MarketValue() float64 {
	return float64(b.Quantity) * b.markPrice()
}

// CostValue returns quantity at the entry price
func (b *PositionBatch) CostValue() float64 {
	return float64(b.Quantity) * b.EntryPrice
}

// UnrealizedPnL returns market value minus cost value
func (b *PositionBatch) UnrealizedPnL() float64 {
	return b.MarketValue() - b.CostValue()
}

// ProfitRatio is measured against the batch's own entry price.
func (b *PositionBatch) ProfitRatio() float64 {
	return b.ProfitRatioAt(b.markPrice())
}

// ProfitRatioAt returns the profit ratio the batch would have at price.
func (b *PositionBatch) ProfitRatioAt(price float64) float64 {
	if b.EntryPrice <= 0 || price <= 0 {
		return 0
	}
	return (price - b.EntryPrice) / b.EntryPrice
}

// HoldingDuration returns the time since entry (until exit for closed batches)
func (b *PositionBatch) HoldingDuration(now time.Time) time.Duration {
	end := now
	if b.ExitTime != nil {
		end = *b.ExitTime
	}
	if end.Before(b.EntryTime) {
		return 0
	}
	return end.Sub(b.EntryTime)
}

// HoldingDays returns whole days held
func (b *PositionBatch) HoldingDays(now time.Time) int {
	return int(b.HoldingDuration(now).Hours() / 24)
}

// UpdatePrice re-prices an active batch, ratcheting the highest price, the
// excursion statistics and the trailing stop. Terminal batches are left
// untouched.
func (b *PositionBatch) UpdatePrice(price float64, now time.Time) error {
	if b.Status.Terminal() {
		return nil
	}
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return fmt.Errorf("batch %s: %w: %v", b.ID, domain.ErrInvalidPrice, price)
	}

	b.CurrentPrice = price
	if price > b.HighestPrice {
		b.HighestPrice = price
	}
	if b.LowestPrice == 0 || price < b.LowestPrice {
		b.LowestPrice = price
	}

	ratio := b.ProfitRatioAt(price)
	if ratio > b.MaxProfitRatio {
		b.MaxProfitRatio = ratio
	}
	if ratio < b.MaxDrawdown {
		b.MaxDrawdown = ratio
	}

	b.RatchetTrailingStop()
	b.UpdatedAt = now
	return nil
}

// RatchetTrailingStop moves the trailing stop up to highest*(1-ratio) when
// that is higher than the current stop. It never moves the stop down.
func (b *PositionBatch) RatchetTrailingStop() bool {
	if b.Status.Terminal() || b.TrailingRatio <= 0 || b.HighestPrice <= 0 {
		return false
	}
	candidate := b.HighestPrice * (1 - b.TrailingRatio)
	if candidate > b.TrailingStopPrice {
		b.TrailingStopPrice = candidate
		return true
	}
	return false
}

// Close transitions the batch to a terminal status exactly once.
func (b *PositionBatch) Close(status BatchStatus, price float64, reason string, now time.Time) error {
	if b.Status.Terminal() {
		return fmt.Errorf("batch %s already %s: %w", b.ID, b.Status, domain.ErrInvariantViolation)
	}
	if !status.Terminal() {
		return fmt.Errorf("batch %s: cannot close with non-terminal status %q: %w", b.ID, status, domain.ErrInvariantViolation)
	}
	if price <= 0 {
		price = b.markPrice()
	}

	exit := now
	b.Status = status
	b.ExitTime = &exit
	b.ExitPrice = price
	b.ExitReason = reason
	b.CurrentPrice = price
	b.UpdatedAt = now
	return nil
}

// ReduceQuantity removes shares from an active batch
func (b *PositionBatch) ReduceQuantity(qty int64) error {
	if b.Status.Terminal() {
		return fmt.Errorf("batch %s is %s: %w", b.ID, b.Status, domain.ErrInvariantViolation)
	}
	if qty <= 0 || qty > b.Quantity {
		return fmt.Errorf("batch %s: reduce %d of %d: %w", b.ID, qty, b.Quantity, domain.ErrInvariantViolation)
	}
	b.Quantity -= qty
	return nil
}

// Clone returns a deep copy
func (b *PositionBatch) Clone() *PositionBatch {
	c := *b
	if b.TakeProfitPrice != nil {
		tp := *b.TakeProfitPrice
		c.TakeProfitPrice = &tp
	}
	if b.ExitTime != nil {
		et := *b.ExitTime
		c.ExitTime = &et
	}
	return &c
}
