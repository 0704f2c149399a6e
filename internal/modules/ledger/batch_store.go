package ledger

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/tranche/internal/domain"
)

// NewBatchID returns "batch_" followed by 8 hex characters of a random UUID.
func NewBatchID() string {
	return "batch_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// BatchSpec describes a batch to create
type BatchSpec struct {
	Symbol          string
	PortfolioID     string
	Level           int
	ParentID        string
	EntryPrice      float64
	Quantity        int64
	StopLossRatio   float64
	TrailingRatio   float64
	TakeProfitRatio float64 // zero means no take-profit price
	EntryTime       time.Time
}

// BatchStore owns every batch, active and closed. It is not safe for
// concurrent use on its own; the Ledger serializes access.
type BatchStore struct {
	batches map[string]*PositionBatch
	order   []string
	dirty   map[string]struct{}
	newID   func() string
}

// NewBatchStore returns an empty store
func NewBatchStore() *BatchStore {
	return &BatchStore{
		batches: make(map[string]*PositionBatch),
		dirty:   make(map[string]struct{}),
		newID:   NewBatchID,
	}
}

// Create validates level and parent linkage and stores a new active batch.
func (s *BatchStore) Create(spec BatchSpec) (*PositionBatch, error) {
	if spec.Symbol == "" {
		return nil, fmt.Errorf("create batch: empty symbol: %w", domain.ErrInvariantViolation)
	}
	if spec.Level < MinLevel || spec.Level > MaxLevel {
		return nil, fmt.Errorf("create batch %s: level %d out of range: %w", spec.Symbol, spec.Level, domain.ErrInvariantViolation)
	}
	if spec.Quantity <= 0 {
		return nil, fmt.Errorf("create batch %s: quantity %d: %w", spec.Symbol, spec.Quantity, domain.ErrInvariantViolation)
	}
	if spec.EntryPrice <= 0 {
		return nil, fmt.Errorf("create batch %s: %w: %v", spec.Symbol, domain.ErrInvalidPrice, spec.EntryPrice)
	}

	if spec.ParentID != "" {
		parent, ok := s.batches[spec.ParentID]
		if !ok {
			return nil, fmt.Errorf("create batch %s: unknown parent %s: %w", spec.Symbol, spec.ParentID, domain.ErrInvariantViolation)
		}
		if parent.Symbol != spec.Symbol {
			return nil, fmt.Errorf("create batch %s: parent %s belongs to %s: %w", spec.Symbol, parent.ID, parent.Symbol, domain.ErrInvariantViolation)
		}
		if spec.Level != parent.Level+1 {
			return nil, fmt.Errorf("create batch %s: level %d is not parent level %d + 1: %w",
				spec.Symbol, spec.Level, parent.Level, domain.ErrInvariantViolation)
		}
	} else if spec.Level != MinLevel {
		return nil, fmt.Errorf("create batch %s: level %d requires a parent: %w", spec.Symbol, spec.Level, domain.ErrInvariantViolation)
	}

	entry := spec.EntryTime
	if entry.IsZero() {
		entry = time.Now()
	}

	b := &PositionBatch{
		ID:            s.newID(),
		Symbol:        spec.Symbol,
		PortfolioID:   spec.PortfolioID,
		Level:         spec.Level,
		ParentID:      spec.ParentID,
		EntryTime:     entry,
		EntryPrice:    spec.EntryPrice,
		Quantity:      spec.Quantity,
		CurrentPrice:  spec.EntryPrice,
		HighestPrice:  spec.EntryPrice,
		LowestPrice:   spec.EntryPrice,
		TrailingRatio: spec.TrailingRatio,
		Status:        BatchActive,
		UpdatedAt:     entry,
	}
	if spec.StopLossRatio > 0 {
		b.InitialStopPrice = spec.EntryPrice * (1 - spec.StopLossRatio)
	}
	if spec.TrailingRatio > 0 {
		b.TrailingStopPrice = spec.EntryPrice * (1 - spec.TrailingRatio)
	}
	if spec.TakeProfitRatio > 0 {
		tp := spec.EntryPrice * (1 + spec.TakeProfitRatio)
		b.TakeProfitPrice = &tp
	}

	if _, exists := s.batches[b.ID]; exists {
		return nil, fmt.Errorf("create batch %s: duplicate id %s: %w", spec.Symbol, b.ID, domain.ErrInvariantViolation)
	}
	s.batches[b.ID] = b
	s.order = append(s.order, b.ID)
	s.markDirty(b.ID)
	return b, nil
}

// Get returns a batch by id
func (s *BatchStore) Get(id string) (*PositionBatch, bool) {
	b, ok := s.batches[id]
	return b, ok
}

// All returns every batch in creation order
func (s *BatchStore) All() []*PositionBatch {
	out := make([]*PositionBatch, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.batches[id])
	}
	return out
}

// Active returns active batches in creation order
func (s *BatchStore) Active() []*PositionBatch {
	var out []*PositionBatch
	for _, id := range s.order {
		if b := s.batches[id]; b.IsActive() {
			out = append(out, b)
		}
	}
	return out
}

// ActiveBySymbol returns active batches for symbol in creation order
func (s *BatchStore) ActiveBySymbol(symbol string) []*PositionBatch {
	var out []*PositionBatch
	for _, id := range s.order {
		if b := s.batches[id]; b.IsActive() && b.Symbol == symbol {
			out = append(out, b)
		}
	}
	return out
}

// ActiveSymbols returns the sorted set of symbols with active batches
func (s *BatchStore) ActiveSymbols() []string {
	seen := make(map[string]struct{})
	for _, b := range s.Active() {
		seen[b.Symbol] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// LatestActive returns the most recently created active batch for symbol.
func (s *BatchStore) LatestActive(symbol string) *PositionBatch {
	active := s.ActiveBySymbol(symbol)
	if len(active) == 0 {
		return nil
	}
	return active[len(active)-1]
}

// TopActive returns the latest active batch at the current tier, the parent
// for the next level.
func (s *BatchStore) TopActive(symbol string) *PositionBatch {
	var top *PositionBatch
	for _, b := range s.ActiveBySymbol(symbol) {
		if top == nil || b.Level >= top.Level {
			top = b
		}
	}
	return top
}

// CurrentTier returns the highest active level for symbol, 0 when flat.
func (s *BatchStore) CurrentTier(symbol string) int {
	tier := 0
	for _, b := range s.ActiveBySymbol(symbol) {
		if b.Level > tier {
			tier = b.Level
		}
	}
	return tier
}

// ActiveQuantity sums the quantity of active batches for symbol
func (s *BatchStore) ActiveQuantity(symbol string) int64 {
	var qty int64
	for _, b := range s.ActiveBySymbol(symbol) {
		qty += b.Quantity
	}
	return qty
}

// Close closes a batch exactly once
func (s *BatchStore) Close(id string, status BatchStatus, price float64, reason string, now time.Time) (*PositionBatch, error) {
	b, ok := s.batches[id]
	if !ok {
		return nil, fmt.Errorf("close batch %s: not found: %w", id, domain.ErrInvariantViolation)
	}
	if err := b.Close(status, price, reason, now); err != nil {
		return nil, err
	}
	s.markDirty(id)
	return b, nil
}

// Remove deletes an active batch that never reached the broker.
func (s *BatchStore) Remove(id string) error {
	b, ok := s.batches[id]
	if !ok {
		return fmt.Errorf("remove batch %s: not found: %w", id, domain.ErrInvariantViolation)
	}
	if !b.IsActive() {
		return fmt.Errorf("remove batch %s: status %s: %w", id, b.Status, domain.ErrInvariantViolation)
	}
	delete(s.batches, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.markDirty(id)
	return nil
}

// UpdatePrices re-prices active batches. Invalid prices are skipped.
func (s *BatchStore) UpdatePrices(prices map[string]float64, now time.Time) {
	for _, b := range s.Active() {
		price, ok := prices[b.Symbol]
		if !ok || price <= 0 {
			continue
		}
		if err := b.UpdatePrice(price, now); err == nil {
			s.markDirty(b.ID)
		}
	}
}

// Reconcile makes the active quantity for symbol equal qty. Excess tracked
// quantity is trimmed newest batch first and batches trimmed to zero are
// closed. Untracked quantity seeds a level-1 batch when the symbol is flat,
// otherwise it is folded into the latest active batch.
func (s *BatchStore) Reconcile(symbol, portfolioID string, qty int64, price float64, now time.Time) error {
	if qty < 0 {
		return fmt.Errorf("reconcile %s: negative quantity %d: %w", symbol, qty, domain.ErrInvariantViolation)
	}

	tracked := s.ActiveQuantity(symbol)
	switch {
	case tracked == qty:
		return nil

	case tracked > qty:
		excess := tracked - qty
		active := s.ActiveBySymbol(symbol)
		for i := len(active) - 1; i >= 0 && excess > 0; i-- {
			b := active[i]
			if b.Quantity <= excess {
				excess -= b.Quantity
				if err := b.Close(BatchClosed, price, "reconciled with broker position", now); err != nil {
					return err
				}
			} else {
				if err := b.ReduceQuantity(excess); err != nil {
					return err
				}
				excess = 0
			}
			s.markDirty(b.ID)
		}
		return nil

	default:
		missing := qty - tracked
		if latest := s.LatestActive(symbol); latest != nil {
			latest.Quantity += missing
			s.markDirty(latest.ID)
			return nil
		}
		if price <= 0 {
			return fmt.Errorf("reconcile %s: %w: cannot seed batch at %v", symbol, domain.ErrInvalidPrice, price)
		}
		_, err := s.Create(BatchSpec{
			Symbol:      symbol,
			PortfolioID: portfolioID,
			Level:       MinLevel,
			EntryPrice:  price,
			Quantity:    missing,
			EntryTime:   now,
		})
		return err
	}
}

// Restore loads persisted batches, keeping their ids and statuses.
func (s *BatchStore) Restore(batches []*PositionBatch) {
	sort.SliceStable(batches, func(i, j int) bool {
		return batches[i].EntryTime.Before(batches[j].EntryTime)
	})
	for _, b := range batches {
		if _, exists := s.batches[b.ID]; !exists {
			s.order = append(s.order, b.ID)
		}
		s.batches[b.ID] = b.Clone()
	}
}

// Snapshot returns deep copies of every batch
func (s *BatchStore) Snapshot() []*PositionBatch {
	out := make([]*PositionBatch, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.batches[id].Clone())
	}
	return out
}

func (s *BatchStore) markDirty(id string) {
	s.dirty[id] = struct{}{}
}

// drainDirty returns copies of batches changed since the last drain. Removed
// batches are reported with an empty status so observers can delete them.
func (s *BatchStore) drainDirty() []*PositionBatch {
	if len(s.dirty) == 0 {
		return nil
	}
	out := make([]*PositionBatch, 0, len(s.dirty))
	for id := range s.dirty {
		if b, ok := s.batches[id]; ok {
			out = append(out, b.Clone())
		} else {
			out = append(out, &PositionBatch{ID: id})
		}
	}
	s.dirty = make(map[string]struct{})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
