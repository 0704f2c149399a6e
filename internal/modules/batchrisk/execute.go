package batchrisk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aristath/tranche/internal/domain"
	"github.com/aristath/tranche/internal/modules/ledger"
)

// Fill is what the broker reports for a closing order
type Fill struct {
	OrderID string
	Price   float64 // zero means the assessment price is used
}

// Closer submits the sell order for an assessment. It is called before the
// ledger is touched; an error means nothing was sold.
type Closer func(ctx context.Context, a Assessment) (Fill, error)

// Execution records a batch closed by the engine
type Execution struct {
	BatchID     string             `json:"batch_id"`
	Symbol      string             `json:"symbol"`
	Level       int                `json:"level"`
	Action      Action             `json:"action"`
	Urgency     domain.RiskLevel   `json:"urgency"`
	Quantity    int64              `json:"quantity"`
	Price       float64            `json:"price"`
	ProfitRatio float64            `json:"profit_ratio"`
	Status      ledger.BatchStatus `json:"status"`
	OrderID     string             `json:"order_id,omitempty"`
	Reason      string             `json:"reason"`
	ExecutedAt  time.Time          `json:"executed_at"`
}

// Execute closes the most urgent batches. Batches whose profit exceeds the
// confirmation threshold are held back as pending. At most
// MaxBatchActionsPerCycle orders are submitted per call. Each close and its
// execution record are committed in one ledger update.
func (e *Engine) Execute(ctx context.Context, l *ledger.Ledger, assessments []Assessment, closer Closer) ([]Execution, error) {
	ordered := append([]Assessment(nil), assessments...)
	sortByUrgency(ordered)

	limit := e.cfg.MaxBatchActionsPerCycle
	var executions []Execution
	var violations []error
	attempts := 0

	for _, a := range ordered {
		if attempts >= limit {
			e.log.Info().Int("limit", limit).Msg("Batch action limit reached for this cycle")
			break
		}
		if err := ctx.Err(); err != nil {
			return executions, err
		}
		if !a.Actionable() {
			continue
		}

		if e.cfg.RequireConfirmationAbove > 0 && a.ProfitRatio > e.cfg.RequireConfirmationAbove {
			e.markPending(a)
			continue
		}

		qty, active, err := backedQuantity(l, a.BatchID)
		if err != nil {
			// no order goes out for a batch the ledger cannot account for
			e.log.Error().Err(err).
				Str("batch_id", a.BatchID).
				Str("symbol", a.Symbol).
				Msg("Batch is not backed by its position, close refused")
			violations = append(violations, err)
			continue
		}
		if !active || qty <= 0 {
			continue
		}
		a.Quantity = qty

		attempts++
		fill, err := closer(ctx, a)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return executions, err
			}
			e.log.Error().Err(err).
				Str("batch_id", a.BatchID).
				Str("symbol", a.Symbol).
				Str("action", string(a.Action)).
				Msg("Closing order failed")
			continue
		}

		exec, err := e.commit(l, a, fill)
		if err != nil {
			return executions, errors.Join(append(violations, err)...)
		}
		e.clearPending(a.BatchID)
		executions = append(executions, exec)

		e.log.Info().
			Str("batch_id", exec.BatchID).
			Str("symbol", exec.Symbol).
			Str("action", string(exec.Action)).
			Int64("quantity", exec.Quantity).
			Float64("price", exec.Price).
			Str("status", string(exec.Status)).
			Msg("Batch closed")
	}

	return executions, errors.Join(violations...)
}

// commit closes the batch, reduces the position, credits proceeds and
// releases exposure in a single ledger update.
func (e *Engine) commit(l *ledger.Ledger, a Assessment, fill Fill) (Execution, error) {
	price := fill.Price
	if price <= 0 {
		price = a.CurrentPrice
	}

	var exec Execution
	err := l.Update(func(p *ledger.Portfolio, s *ledger.BatchStore) error {
		b, ok := s.Get(a.BatchID)
		if !ok {
			return fmt.Errorf("commit close %s: batch missing: %w", a.BatchID, domain.ErrInvariantViolation)
		}

		profit := b.ProfitRatioAt(price)
		status := ledger.BatchStopped
		if profit > 0 {
			status = ledger.BatchProfitTaken
		}

		qty := b.Quantity
		if err := checkBacked(p, b); err != nil {
			return err
		}
		entryValue := b.CostValue()
		now := time.Now()
		if _, err := s.Close(b.ID, status, price, a.Reason, now); err != nil {
			return err
		}

		if err := p.ReducePosition(b.Symbol, qty, now); err != nil {
			return fmt.Errorf("commit close %s: %w", b.ID, err)
		}
		p.CreditCash(domain.TradeValue(qty, price))
		l.Exposure().Release(b.Symbol, entryValue)

		exec = Execution{
			BatchID:     b.ID,
			Symbol:      b.Symbol,
			Level:       b.Level,
			Action:      a.Action,
			Urgency:     a.Urgency,
			Quantity:    qty,
			Price:       price,
			ProfitRatio: profit,
			Status:      status,
			OrderID:     fill.OrderID,
			Reason:      a.Reason,
			ExecutedAt:  now,
		}
		return nil
	})
	return exec, err
}

// PendingConfirmations returns profitable exits held back for confirmation
func (e *Engine) PendingConfirmations() []Assessment {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Assessment, 0, len(e.pending))
	for _, a := range e.pending {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchID < out[j].BatchID })
	return out
}

func (e *Engine) markPending(a Assessment) {
	e.mu.Lock()
	_, seen := e.pending[a.BatchID]
	e.pending[a.BatchID] = a
	e.mu.Unlock()

	if !seen {
		e.log.Info().
			Str("batch_id", a.BatchID).
			Str("symbol", a.Symbol).
			Float64("profit_ratio", a.ProfitRatio).
			Msg("Profitable exit awaiting confirmation")
	}
}

func (e *Engine) clearPending(batchID string) {
	e.mu.Lock()
	delete(e.pending, batchID)
	e.mu.Unlock()
}

// backedQuantity returns the batch's quantity and whether it is still
// active. An active batch whose position is missing or smaller than the
// batch is an invariant violation.
func backedQuantity(l *ledger.Ledger, batchID string) (qty int64, active bool, err error) {
	l.View(func(p *ledger.Portfolio, s *ledger.BatchStore) {
		b, ok := s.Get(batchID)
		if !ok || !b.IsActive() {
			return
		}
		qty, active = b.Quantity, true
		err = checkBacked(p, b)
	})
	return qty, active, err
}

func checkBacked(p *ledger.Portfolio, b *ledger.PositionBatch) error {
	pos := p.Position(b.Symbol)
	if pos == nil {
		return fmt.Errorf("batch %s holds %d %s with no position: %w",
			b.ID, b.Quantity, b.Symbol, domain.ErrInvariantViolation)
	}
	if pos.Quantity < b.Quantity {
		return fmt.Errorf("batch %s holds %d %s, position holds %d: %w",
			b.ID, b.Quantity, b.Symbol, pos.Quantity, domain.ErrInvariantViolation)
	}
	return nil
}
