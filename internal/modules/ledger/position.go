package ledger

import (
	"fmt"
	"time"

	"github.com/aristath/tranche/internal/domain"
)

// Position is the aggregate holding of one symbol, owned by a Portfolio.
type Position struct {
	Symbol       string    `json:"symbol"`
	Quantity     int64     `json:"quantity"`
	CostPrice    float64   `json:"cost_price"` // volume-weighted
	CurrentPrice float64   `json:"current_price"`
	Level        int       `json:"level"`
	BatchIDs     []string  `json:"batch_ids"`
	OpenedAt     time.Time `json:"opened_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewPosition creates a level-1 position
func NewPosition(symbol string, qty int64, costPrice float64, now time.Time) (*Position, error) {
	if symbol == "" {
		return nil, fmt.Errorf("position symbol is empty: %w", domain.ErrInvariantViolation)
	}
	if qty < 0 {
		return nil, fmt.Errorf("position %s: negative quantity %d: %w", symbol, qty, domain.ErrInvariantViolation)
	}
	if costPrice < 0 {
		return nil, fmt.Errorf("position %s: negative cost %v: %w", symbol, costPrice, domain.ErrInvariantViolation)
	}
	return &Position{
		Symbol:       symbol,
		Quantity:     qty,
		CostPrice:    costPrice,
		CurrentPrice: costPrice,
		Level:        MinLevel,
		OpenedAt:     now,
		UpdatedAt:    now,
	}, nil
}

func (p *Position) markPrice() float64 {
	if p.CurrentPrice > 0 {
		return p.CurrentPrice
	}
	return p.CostPrice
}

// MarketValue returns quantity at the current price (cost when unknown)
func (p *Position) MarketValue() float64 {
	return float64(p.Quantity) * p.markPrice()
}

// CostValue returns quantity at the average cost
func (p *Position) CostValue() float64 {
	return float64(p.Quantity) * p.CostPrice
}

// UnrealizedPnL returns market value minus cost value
func (p *Position) UnrealizedPnL() float64 {
	return p.MarketValue() - p.CostValue()
}

// UnrealizedPnLRatio returns the P&L relative to cost
func (p *Position) UnrealizedPnLRatio() float64 {
	cost := p.CostValue()
	if cost <= 0 {
		return 0
	}
	return p.UnrealizedPnL() / cost
}

// AddQuantity adds shares and recomputes the volume-weighted cost
func (p *Position) AddQuantity(qty int64, price float64, now time.Time) error {
	if qty <= 0 {
		return fmt.Errorf("position %s: add quantity %d: %w", p.Symbol, qty, domain.ErrInvariantViolation)
	}
	if price <= 0 {
		return fmt.Errorf("position %s: %w: %v", p.Symbol, domain.ErrInvalidPrice, price)
	}

	totalCost := p.CostValue() + float64(qty)*price
	p.Quantity += qty
	p.CostPrice = totalCost / float64(p.Quantity)
	p.UpdatedAt = now
	return nil
}

// ReduceQuantity removes shares; reducing more than held is an invariant violation
func (p *Position) ReduceQuantity(qty int64, now time.Time) error {
	if qty <= 0 {
		return fmt.Errorf("position %s: reduce quantity %d: %w", p.Symbol, qty, domain.ErrInvariantViolation)
	}
	if qty > p.Quantity {
		return fmt.Errorf("position %s: reduce %d exceeds held %d: %w", p.Symbol, qty, p.Quantity, domain.ErrInvariantViolation)
	}
	p.Quantity -= qty
	p.UpdatedAt = now
	return nil
}

// SetLevel updates the position tier
func (p *Position) SetLevel(level int) error {
	if level < MinLevel || level > MaxLevel {
		return fmt.Errorf("position %s: level %d out of range: %w", p.Symbol, level, domain.ErrInvariantViolation)
	}
	p.Level = level
	return nil
}

// AttachBatch records a batch id if not already present
func (p *Position) AttachBatch(id string) {
	for _, existing := range p.BatchIDs {
		if existing == id {
			return
		}
	}
	p.BatchIDs = append(p.BatchIDs, id)
}

// DetachBatch removes a batch id
func (p *Position) DetachBatch(id string) {
	out := p.BatchIDs[:0]
	for _, existing := range p.BatchIDs {
		if existing != id {
			out = append(out, existing)
		}
	}
	p.BatchIDs = out
}

// Clone returns a deep copy
func (p *Position) Clone() *Position {
	c := *p
	c.BatchIDs = append([]string(nil), p.BatchIDs...)
	return &c
}
