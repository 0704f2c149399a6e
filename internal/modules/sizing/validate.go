package sizing

import (
	"fmt"

	"github.com/aristath/tranche/internal/domain"
	"github.com/aristath/tranche/internal/modules/ledger"
)

// OrderValidation is the result of ValidateOrder
type OrderValidation struct {
	Valid        bool   `json:"valid"`
	Reason       string `json:"reason,omitempty"`
	SuggestedQty int64  `json:"suggested_quantity"`
}

// ValidateOrder checks a proposed buy for lot alignment, price sanity and
// affordability. When the quantity is not lot-aligned the floored quantity
// is suggested.
func (e *Engine) ValidateOrder(symbol string, qty int64, price float64, lots domain.LotSizeProvider) OrderValidation {
	lot := e.lotSize(symbol, lots)

	if price <= 0 || price > e.cfg.MaxPrice {
		return OrderValidation{Reason: ReasonInvalidPrice}
	}
	if e.restricted.IsRestricted(symbol) {
		return OrderValidation{Reason: ReasonRestricted}
	}
	if qty <= 0 {
		return OrderValidation{Reason: "quantity must be positive"}
	}
	if !domain.IsLotAligned(qty, lot) {
		return OrderValidation{
			Reason:       fmt.Sprintf("quantity %d is not a multiple of lot size %d", qty, lot),
			SuggestedQty: domain.AlignDown(qty, lot),
		}
	}

	var available float64
	e.ledger.View(func(p *ledger.Portfolio, _ *ledger.BatchStore) {
		available = p.AvailableCash
	})
	if cost := domain.TradeValue(qty, price); cost > available {
		return OrderValidation{
			Reason:       ReasonInsufficientFunds,
			SuggestedQty: domain.FloorToLot(available, price, lot),
		}
	}

	return OrderValidation{Valid: true, SuggestedQty: qty}
}

// ReleaseBatch removes a batch created for an order the broker never filled
// and releases the exposure recorded for it.
func (e *Engine) ReleaseBatch(batchID string) error {
	return e.ledger.Update(func(_ *ledger.Portfolio, s *ledger.BatchStore) error {
		b, ok := s.Get(batchID)
		if !ok {
			return fmt.Errorf("release batch %s: %w", batchID, domain.ErrInvariantViolation)
		}
		value := b.CostValue()
		symbol := b.Symbol
		if err := s.Remove(batchID); err != nil {
			return err
		}
		e.ledger.Exposure().Release(symbol, value)
		e.log.Info().Str("batch_id", batchID).Str("symbol", symbol).Msg("Released unfilled batch")
		return nil
	})
}
