package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tranche/internal/domain"
)

// Observer is notified with copies of batches changed by a committed update.
// Removed batches arrive with an empty Status. Observers run outside the
// ledger lock.
type Observer interface {
	BatchesChanged(batches []*PositionBatch)
}

// Ledger is the single writer for the portfolio and its batches. Engines read
// through View or Snapshot; every mutation goes through Update.
type Ledger struct {
	mu        sync.Mutex
	portfolio *Portfolio
	batches   *BatchStore
	exposure  *ExposureTracker
	observers []Observer
	log       zerolog.Logger
}

// New creates a ledger around a portfolio. A nil portfolio starts degraded.
func New(portfolio *Portfolio, log zerolog.Logger) *Ledger {
	if portfolio == nil {
		portfolio = NewDegradedPortfolio("")
	}
	l := &Ledger{
		portfolio: portfolio,
		batches:   NewBatchStore(),
		exposure:  NewExposureTracker(),
		log:       log.With().Str("component", "ledger").Logger(),
	}
	l.exposure.Sync(portfolio)
	return l
}

// AddObserver registers an observer for committed batch changes
func (l *Ledger) AddObserver(o Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, o)
}

// Exposure returns the exposure tracker. It has its own lock and may be used
// from inside Update.
func (l *Ledger) Exposure() *ExposureTracker {
	return l.exposure
}

// Update runs fn with exclusive access. When fn returns an error every change
// it made is rolled back, so callers never observe a half-applied update.
func (l *Ledger) Update(fn func(p *Portfolio, s *BatchStore) error) error {
	l.mu.Lock()

	portfolioBackup := l.portfolio.Clone()
	storeBackup := l.batches.clone()

	if err := fn(l.portfolio, l.batches); err != nil {
		l.portfolio = portfolioBackup
		l.batches = storeBackup
		l.mu.Unlock()
		return err
	}

	l.syncPositions()
	changed := l.batches.drainDirty()
	observers := l.observers
	l.mu.Unlock()

	l.notify(observers, changed)
	return nil
}

// View runs fn with shared access. fn must not mutate or retain its arguments.
func (l *Ledger) View(fn func(p *Portfolio, s *BatchStore)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(l.portfolio, l.batches)
}

// Snapshot returns deep copies of the portfolio and all batches
func (l *Ledger) Snapshot() (*Portfolio, []*PositionBatch) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.portfolio.Clone(), l.batches.Snapshot()
}

// Portfolio returns a deep copy of the portfolio
func (l *Ledger) Portfolio() *Portfolio {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.portfolio.Clone()
}

// Replace swaps in a freshly loaded portfolio and reconciles batches with its
// positions so that tracked batch quantity matches held quantity again.
func (l *Ledger) Replace(p *Portfolio) error {
	if p == nil {
		return fmt.Errorf("replace portfolio: nil: %w", domain.ErrInvariantViolation)
	}
	if err := p.Validate(); err != nil {
		return err
	}

	l.mu.Lock()

	next := p.Clone()
	if next.Positions == nil {
		next.Positions = make(map[string]*Position)
	}
	now := next.UpdatedAt
	if now.IsZero() {
		now = time.Now()
	}

	// Keep the last known price for positions the broker did not price.
	for sym, pos := range next.Positions {
		if pos.CurrentPrice <= 0 {
			if old, ok := l.portfolio.Positions[sym]; ok && old.CurrentPrice > 0 {
				pos.CurrentPrice = old.CurrentPrice
			}
		}
	}

	symbols := make(map[string]struct{})
	for sym := range next.Positions {
		symbols[sym] = struct{}{}
	}
	for _, sym := range l.batches.ActiveSymbols() {
		symbols[sym] = struct{}{}
	}

	ordered := make([]string, 0, len(symbols))
	for sym := range symbols {
		ordered = append(ordered, sym)
	}
	sort.Strings(ordered)

	for _, sym := range ordered {
		var qty int64
		var price float64
		if pos, ok := next.Positions[sym]; ok {
			qty = pos.Quantity
			price = pos.CostPrice
			if pos.CurrentPrice > 0 && price <= 0 {
				price = pos.CurrentPrice
			}
		}
		if err := l.batches.Reconcile(sym, next.AccountID, qty, price, now); err != nil {
			l.log.Warn().Err(err).Str("symbol", sym).Msg("Batch reconciliation failed")
		}
	}

	l.portfolio = next
	l.syncPositions()
	l.exposure.Sync(next)
	changed := l.batches.drainDirty()
	observers := l.observers
	l.mu.Unlock()

	l.notify(observers, changed)
	return nil
}

// Restore loads persisted batches (startup) without notifying observers.
func (l *Ledger) Restore(batches []*PositionBatch) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.batches.Restore(batches)
	l.syncPositions()
	l.batches.drainDirty()
}

// CheckInvariants verifies batch conservation and level bounds. Every
// symbol with active batches must have a position holding exactly their
// quantity.
func (l *Ledger) CheckInvariants() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.portfolio.Validate(); err != nil {
		return err
	}
	for sym, pos := range l.portfolio.Positions {
		if pos.Level < MinLevel || pos.Level > MaxLevel {
			return fmt.Errorf("position %s: level %d: %w", sym, pos.Level, domain.ErrInvariantViolation)
		}
		if len(l.batches.ActiveBySymbol(sym)) == 0 {
			continue
		}
		if tracked := l.batches.ActiveQuantity(sym); tracked != pos.Quantity {
			return fmt.Errorf("position %s: batches hold %d, position holds %d: %w",
				sym, tracked, pos.Quantity, domain.ErrInvariantViolation)
		}
	}
	for _, sym := range l.batches.ActiveSymbols() {
		if l.portfolio.Position(sym) == nil {
			return fmt.Errorf("symbol %s: batches hold %d with no position: %w",
				sym, l.batches.ActiveQuantity(sym), domain.ErrInvariantViolation)
		}
	}
	return nil
}

// syncPositions refreshes BatchIDs and Level on every position from the
// active batches. Caller holds the lock.
func (l *Ledger) syncPositions() {
	for sym, pos := range l.portfolio.Positions {
		active := l.batches.ActiveBySymbol(sym)
		ids := make([]string, 0, len(active))
		for _, b := range active {
			ids = append(ids, b.ID)
		}
		pos.BatchIDs = ids
		if tier := l.batches.CurrentTier(sym); tier >= MinLevel {
			pos.Level = tier
		} else if pos.Level < MinLevel {
			pos.Level = MinLevel
		}
	}
}

func (l *Ledger) notify(observers []Observer, changed []*PositionBatch) {
	if len(changed) == 0 {
		return
	}
	for _, o := range observers {
		o.BatchesChanged(changed)
	}
}

// clone deep-copies the store for rollback
func (s *BatchStore) clone() *BatchStore {
	c := &BatchStore{
		batches: make(map[string]*PositionBatch, len(s.batches)),
		order:   append([]string(nil), s.order...),
		dirty:   make(map[string]struct{}, len(s.dirty)),
		newID:   s.newID,
	}
	for id, b := range s.batches {
		c.batches[id] = b.Clone()
	}
	for id := range s.dirty {
		c.dirty[id] = struct{}{}
	}
	return c
}
