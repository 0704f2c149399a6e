package batchrisk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tranche/internal/config"
	"github.com/aristath/tranche/internal/domain"
	"github.com/aristath/tranche/internal/modules/ledger"
	"github.com/aristath/tranche/internal/modules/sizing"
)

// holdings is the broker side of the test: the quantities actually held.
type holdings struct {
	mu       sync.Mutex
	held     map[string]int64
	sold     map[string]int64
	oversold []string
}

func (h *holdings) buy(symbol string, qty int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.held[symbol] += qty
}

func (h *holdings) sell(symbol string, qty int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.held[symbol] < qty {
		h.oversold = append(h.oversold, fmt.Sprintf("%s: sell %d, held %d", symbol, qty, h.held[symbol]))
		return fmt.Errorf("sell %s: insufficient holding", symbol)
	}
	h.held[symbol] -= qty
	h.sold[symbol] += qty
	if h.held[symbol] == 0 {
		delete(h.held, symbol)
	}
	return nil
}

// portfolio builds the account as a refresh would load it. Caller holds mu.
func (h *holdings) portfolio() (*ledger.Portfolio, error) {
	p, err := ledger.NewPortfolio("acct", 1_000_000, 500_000, 500_000, 1_000_000)
	if err != nil {
		return nil, err
	}
	for sym, qty := range h.held {
		price := 100.0
		if sym == "N0" || sym == "N1" {
			price = 50
		}
		if _, err := p.AddPosition(sym, qty, price, time.Now()); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func TestLedger_ConcurrentSizingClosingAndRefresh(t *testing.T) {
	cfg := config.DefaultTradingConfig()
	log := zerolog.New(nil).Level(zerolog.Disabled)
	risk := NewEngine(cfg, log)

	sellable := []string{"S0", "S1"}
	l, _ := ledgerWith(t, sellable...)
	sizer := sizing.NewEngine(l, cfg, nil, log)
	broker := &holdings{
		held: map[string]int64{"S0": 100, "S1": 100},
		sold: make(map[string]int64),
	}

	const rounds = 25
	var wg sync.WaitGroup

	for _, sym := range []string{"N0", "N1"} {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				initial := l.Portfolio().Position(sym) == nil
				sug := sizer.SizeWithLots(sym, 50, initial, nil)
				if !sug.Actionable() {
					continue
				}
				broker.buy(sym, sug.Quantity)
				err := l.Update(func(p *ledger.Portfolio, _ *ledger.BatchStore) error {
					_, err := p.AddPosition(sym, sug.Quantity, 50, time.Now())
					return err
				})
				assert.NoError(t, err)
			}
		}(sym)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		closer := func(_ context.Context, a Assessment) (Fill, error) {
			if err := broker.sell(a.Symbol, a.Quantity); err != nil {
				return Fill{}, err
			}
			return Fill{OrderID: "ord-" + a.BatchID, Price: a.CurrentPrice}, nil
		}
		for i := 0; i < rounds; i++ {
			var assessments []Assessment
			l.View(func(_ *ledger.Portfolio, s *ledger.BatchStore) {
				for _, sym := range sellable {
					for _, b := range s.ActiveBySymbol(sym) {
						assessments = append(assessments, Assessment{
							BatchID: b.ID, Symbol: sym, CurrentPrice: 90, ProfitRatio: -0.1,
							Score: 80, Action: ActionStopLoss, Urgency: domain.RiskCritical,
						})
					}
				}
			})
			_, err := risk.Execute(context.Background(), l, assessments, closer)
			if err != nil && !errors.Is(err, domain.ErrInvariantViolation) {
				t.Errorf("execute: %v", err)
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			broker.mu.Lock()
			p, err := broker.portfolio()
			if err == nil {
				err = l.Replace(p)
			}
			broker.mu.Unlock()
			assert.NoError(t, err)
		}
	}()

	wg.Wait()

	assert.Empty(t, broker.oversold, "nothing is sold beyond what is held")
	for _, sym := range sellable {
		assert.Equal(t, int64(100), broker.held[sym]+broker.sold[sym], "%s quantity conserved", sym)
	}

	p, err := broker.portfolio()
	require.NoError(t, err)
	require.NoError(t, l.Replace(p))
	require.NoError(t, l.CheckInvariants())

	l.View(func(p *ledger.Portfolio, s *ledger.BatchStore) {
		for sym, qty := range broker.held {
			pos := p.Position(sym)
			require.NotNil(t, pos, sym)
			assert.Equal(t, qty, pos.Quantity, "%s position", sym)
			assert.Equal(t, qty, s.ActiveQuantity(sym), "%s batches", sym)
		}
		for _, sym := range s.ActiveSymbols() {
			assert.Contains(t, broker.held, sym, "%s has active batches but is not held", sym)
		}
	})
}
