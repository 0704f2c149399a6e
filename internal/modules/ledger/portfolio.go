// Package ledger holds the portfolio, its positions and the batches that make
// up each position. All mutation goes through Ledger.Update.
package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/aristath/tranche/internal/domain"
)

// ErrInvariantViolation is re-exported so callers of this package can match
// ledger failures without importing domain.
var ErrInvariantViolation = domain.ErrInvariantViolation

// Portfolio is the account view: balances plus positions by symbol.
type Portfolio struct {
	AccountID      string               `json:"account_id"`
	TotalAssets    float64              `json:"total_assets"`
	Cash           float64              `json:"cash"`
	AvailableCash  float64              `json:"available_cash"`
	InitialCapital float64              `json:"initial_capital"`
	Positions      map[string]*Position `json:"positions"`
	Degraded       bool                 `json:"degraded"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// NewPortfolio validates balances and returns an empty portfolio
func NewPortfolio(accountID string, totalAssets, cash, availableCash, initialCapital float64) (*Portfolio, error) {
	p := &Portfolio{
		AccountID:      accountID,
		TotalAssets:    totalAssets,
		Cash:           cash,
		AvailableCash:  availableCash,
		InitialCapital: initialCapital,
		Positions:      make(map[string]*Position),
		CreatedAt:      time.Now(),
	}
	p.UpdatedAt = p.CreatedAt
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// NewDegradedPortfolio is the single constructor for the empty portfolio used
// when neither the broker nor the snapshot cache can supply one.
func NewDegradedPortfolio(accountID string) *Portfolio {
	now := time.Now()
	return &Portfolio{
		AccountID: accountID,
		Positions: make(map[string]*Position),
		Degraded:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks the balance invariants
func (p *Portfolio) Validate() error {
	if p.TotalAssets < 0 {
		return fmt.Errorf("portfolio %s: negative total assets %v: %w", p.AccountID, p.TotalAssets, domain.ErrInvariantViolation)
	}
	if p.AvailableCash > p.Cash {
		return fmt.Errorf("portfolio %s: available cash %v exceeds cash %v: %w",
			p.AccountID, p.AvailableCash, p.Cash, domain.ErrInvariantViolation)
	}
	return nil
}

// Position returns the position for symbol, nil when not held
func (p *Portfolio) Position(symbol string) *Position {
	return p.Positions[symbol]
}

// PositionValue returns the market value of symbol, zero when not held
func (p *Portfolio) PositionValue(symbol string) float64 {
	pos := p.Positions[symbol]
	if pos == nil {
		return 0
	}
	return pos.MarketValue()
}

// MarketValue sums all position market values
func (p *Portfolio) MarketValue() float64 {
	var total float64
	for _, pos := range p.Positions {
		total += pos.MarketValue()
	}
	return total
}

// PositionCount returns the number of non-empty positions
func (p *Portfolio) PositionCount() int {
	n := 0
	for _, pos := range p.Positions {
		if pos.Quantity > 0 {
			n++
		}
	}
	return n
}

// Symbols returns held symbols, sorted
func (p *Portfolio) Symbols() []string {
	out := make([]string, 0, len(p.Positions))
	for sym, pos := range p.Positions {
		if pos.Quantity > 0 {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

// MaxPositionValue returns TotalAssets * ratio
func (p *Portfolio) MaxPositionValue(ratio float64) float64 {
	return p.TotalAssets * ratio
}

// AddPosition creates the position or adds to it at a volume-weighted cost.
func (p *Portfolio) AddPosition(symbol string, qty int64, price float64, now time.Time) (*Position, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("add position %s: quantity %d: %w", symbol, qty, domain.ErrInvariantViolation)
	}
	if price <= 0 {
		return nil, fmt.Errorf("add position %s: %w: %v", symbol, domain.ErrInvalidPrice, price)
	}

	if pos, ok := p.Positions[symbol]; ok {
		if err := pos.AddQuantity(qty, price, now); err != nil {
			return nil, err
		}
		p.UpdatedAt = now
		return pos, nil
	}

	pos, err := NewPosition(symbol, qty, price, now)
	if err != nil {
		return nil, err
	}
	p.Positions[symbol] = pos
	p.UpdatedAt = now
	return pos, nil
}

// ReducePosition removes shares and drops the position at zero.
func (p *Portfolio) ReducePosition(symbol string, qty int64, now time.Time) error {
	pos, ok := p.Positions[symbol]
	if !ok {
		return fmt.Errorf("reduce position %s: not held: %w", symbol, domain.ErrInvariantViolation)
	}
	if err := pos.ReduceQuantity(qty, now); err != nil {
		return err
	}
	if pos.Quantity == 0 {
		delete(p.Positions, symbol)
	}
	p.UpdatedAt = now
	return nil
}

// ApplyAccountSnapshot refreshes balances wholesale. Available cash uses the
// canonical fallback chain and is clamped to cash.
func (p *Portfolio) ApplyAccountSnapshot(s *domain.AccountSnapshot) error {
	if s == nil {
		return fmt.Errorf("apply account snapshot: nil snapshot: %w", domain.ErrInvariantViolation)
	}
	if s.TotalAssets < 0 {
		return fmt.Errorf("apply account snapshot: negative total assets %v: %w", s.TotalAssets, domain.ErrInvariantViolation)
	}

	if s.AccountID != "" {
		p.AccountID = s.AccountID
	}
	p.TotalAssets = s.TotalAssets
	p.Cash = s.Cash
	p.AvailableCash = s.EffectiveAvailableCash()
	if p.InitialCapital == 0 {
		p.InitialCapital = s.TotalAssets
	}
	p.Degraded = false
	p.UpdatedAt = s.Timestamp
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	return nil
}

// UpdatePrices sets current prices for held symbols; unknown symbols are ignored
func (p *Portfolio) UpdatePrices(prices map[string]float64) {
	for sym, price := range prices {
		if pos, ok := p.Positions[sym]; ok && price > 0 {
			pos.CurrentPrice = price
		}
	}
}

// DebitCash records a buy against cash and available cash.
func (p *Portfolio) DebitCash(amount float64) {
	p.Cash -= amount
	p.AvailableCash -= amount
	if p.AvailableCash < 0 {
		p.AvailableCash = 0
	}
	if p.Cash < 0 {
		p.Cash = 0
	}
	if p.AvailableCash > p.Cash {
		p.AvailableCash = p.Cash
	}
}

// CreditCash records sale proceeds
func (p *Portfolio) CreditCash(amount float64) {
	p.Cash += amount
	p.AvailableCash += amount
}

// Clone returns a deep copy
func (p *Portfolio) Clone() *Portfolio {
	c := *p
	c.Positions = make(map[string]*Position, len(p.Positions))
	for sym, pos := range p.Positions {
		c.Positions[sym] = pos.Clone()
	}
	return &c
}
