package sizing

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tranche/internal/config"
	"github.com/aristath/tranche/internal/domain"
	"github.com/aristath/tranche/internal/modules/ledger"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newEngine(t *testing.T, total, cash, available float64) (*Engine, *ledger.Ledger) {
	t.Helper()
	p, err := ledger.NewPortfolio("acct", total, cash, available, total)
	require.NoError(t, err)
	l := ledger.New(p, zerolog.New(nil).Level(zerolog.Disabled))
	cfg := config.DefaultTradingConfig()
	cfg.Sizing.RestrictedSymbols = []string{"BANNED"}
	e := NewEngine(l, cfg, nil, zerolog.New(nil).Level(zerolog.Disabled)).
		WithClock(fixedClock{time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)})
	return e, l
}

func TestSize_InitialBuildCreatesBatch(t *testing.T) {
	e, l := newEngine(t, 1_000_000, 500_000, 500_000)

	sug := e.Size("AAA", 50, true)

	require.True(t, sug.Actionable())
	assert.Equal(t, int64(2000), sug.Quantity)
	assert.Equal(t, 1, sug.Level)
	assert.InDelta(t, 100_000.0, sug.Value, 1e-6)
	assert.Equal(t, domain.RiskMedium, sug.Risk) // 0.10 > 0.08

	l.View(func(_ *ledger.Portfolio, s *ledger.BatchStore) {
		b, ok := s.Get(sug.BatchID)
		require.True(t, ok)
		assert.Equal(t, 1, b.Level)
		assert.Equal(t, int64(2000), b.Quantity)
		assert.InDelta(t, 50*(1-0.08), b.InitialStopPrice, 1e-9)
		assert.InDelta(t, 50*(1-0.05), b.TrailingStopPrice, 1e-9)
		require.NotNil(t, b.TakeProfitPrice)
		assert.InDelta(t, 60.0, *b.TakeProfitPrice, 1e-9)
	})
	assert.InDelta(t, 100_000.0, l.Exposure().Exposure("AAA"), 1e-6)
}

func TestSize_CashCapKeepsTradeUnderEightyPercent(t *testing.T) {
	// 105,000 * 0.10 = 10,500 proposed, available cash 10,000
	e, _ := newEngine(t, 105_000, 10_000, 10_000)

	sug := e.Size("AAA", 35, true)

	require.True(t, sug.Actionable())
	assert.LessOrEqual(t, float64(sug.Quantity)*35, 8_000.0)
	assert.Equal(t, int64(200), sug.Quantity)
	assert.Equal(t, int64(0), sug.Quantity%100)
}

func TestSize_BelowOneLotAfterCashCap(t *testing.T) {
	// one lot costs 9,000: affordable, but above the 8,000 cash cap
	e, l := newEngine(t, 200_000, 10_000, 10_000)

	sug := e.Size("AAA", 90, true)

	assert.Zero(t, sug.Quantity)
	assert.Empty(t, sug.BatchID)
	assert.Equal(t, ReasonInsufficientFunds, sug.Reason)
	assert.Equal(t, domain.RiskLow, sug.Risk)
	assert.NoError(t, sug.Err)

	_, batches := l.Snapshot()
	assert.Empty(t, batches)
}

func TestSize_Gates(t *testing.T) {
	tests := []struct {
		name   string
		symbol string
		price  float64
		reason string
	}{
		{"zero price", "AAA", 0, ReasonInvalidPrice},
		{"negative price", "AAA", -5, ReasonInvalidPrice},
		{"absurd price", "AAA", 10_001, ReasonPriceLimit},
		{"restricted", "banned", 10, ReasonRestricted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newEngine(t, 1_000_000, 500_000, 500_000)
			sug := e.Size(tt.symbol, tt.price, true)
			assert.Zero(t, sug.Quantity)
			assert.Equal(t, domain.RiskCritical, sug.Risk)
			assert.Equal(t, tt.reason, sug.Reason)
		})
	}
}

func TestSize_InvalidPriceCarriesSentinel(t *testing.T) {
	e, _ := newEngine(t, 1_000_000, 500_000, 500_000)
	sug := e.Size("AAA", 0, true)
	assert.ErrorIs(t, sug.Err, domain.ErrInvalidPrice)
}

func TestSize_ConcentrationGate(t *testing.T) {
	e, l := newEngine(t, 1_000_000, 500_000, 500_000)
	require.NoError(t, l.Update(func(p *ledger.Portfolio, _ *ledger.BatchStore) error {
		_, err := p.AddPosition("AAA", 1000, 99, time.Now())
		return err
	}))

	// 99,000 + 1 lot at 100 = 109,000 > 10% initial ceiling
	sug := e.Size("AAA", 100, true)
	assert.Zero(t, sug.Quantity)
	assert.Equal(t, ReasonConcentration, sug.Reason)
	assert.Equal(t, domain.RiskCritical, sug.Risk)
}

func TestSize_CashGate(t *testing.T) {
	e, _ := newEngine(t, 1_000_000, 4_000, 4_000)
	sug := e.Size("AAA", 50, true)
	assert.Zero(t, sug.Quantity)
	assert.Equal(t, ReasonCashGate, sug.Reason)
	assert.ErrorIs(t, sug.Err, domain.ErrInsufficientFunds)
}

func TestSize_TieredAddCreatesChildBatch(t *testing.T) {
	e, l := newEngine(t, 1_000_000, 500_000, 500_000)

	first := e.Size("AAA", 50, true)
	require.True(t, first.Actionable())
	require.NoError(t, l.Update(func(p *ledger.Portfolio, _ *ledger.BatchStore) error {
		_, err := p.AddPosition("AAA", first.Quantity, 50, time.Now())
		return err
	}))

	add := e.Size("AAA", 55, false)
	require.True(t, add.Actionable())
	assert.Equal(t, 2, add.Level)
	assert.Equal(t, ReasonTieredAdd, add.Reason)
	// add ratio 0.10 of 1,000,000 = 100,000, headroom 200,000 - 100,000
	assert.Equal(t, int64(1800), add.Quantity)

	l.View(func(_ *ledger.Portfolio, s *ledger.BatchStore) {
		child, ok := s.Get(add.BatchID)
		require.True(t, ok)
		assert.Equal(t, first.BatchID, child.ParentID)
		assert.Equal(t, 2, s.CurrentTier("AAA"))
		assert.InDelta(t, 55*(1-0.04), child.InitialStopPrice, 1e-9)
	})
}

func TestSize_MaxLevelReached(t *testing.T) {
	e, l := newEngine(t, 10_000_000, 5_000_000, 5_000_000)
	require.NoError(t, l.Update(func(p *ledger.Portfolio, s *ledger.BatchStore) error {
		l1, err := s.Create(ledger.BatchSpec{Symbol: "AAA", Level: 1, EntryPrice: 10, Quantity: 100})
		if err != nil {
			return err
		}
		l2, err := s.Create(ledger.BatchSpec{Symbol: "AAA", Level: 2, ParentID: l1.ID, EntryPrice: 11, Quantity: 100})
		if err != nil {
			return err
		}
		if _, err := s.Create(ledger.BatchSpec{Symbol: "AAA", Level: 3, ParentID: l2.ID, EntryPrice: 12, Quantity: 100}); err != nil {
			return err
		}
		_, err = p.AddPosition("AAA", 300, 11, time.Now())
		return err
	}))

	sug := e.Size("AAA", 12, false)
	assert.Zero(t, sug.Quantity)
	assert.Equal(t, ReasonMaxLevel, sug.Reason)
}

func TestSize_UsesReportedLotSize(t *testing.T) {
	e, _ := newEngine(t, 1_000_000, 500_000, 500_000)
	lots := domain.MarketData{"AAA": {Symbol: "AAA", LotSize: domain.Int(1)}}

	sug := e.SizeWithLots("AAA", 33, true, lots)
	require.True(t, sug.Actionable())
	assert.Equal(t, int64(3030), sug.Quantity)
}

func TestValidateOrder(t *testing.T) {
	e, _ := newEngine(t, 1_000_000, 20_000, 20_000)

	v := e.ValidateOrder("AAA", 250, 10, nil)
	assert.False(t, v.Valid)
	assert.Equal(t, int64(200), v.SuggestedQty)

	v = e.ValidateOrder("AAA", 300, 100, nil)
	assert.False(t, v.Valid)
	assert.Equal(t, ReasonInsufficientFunds, v.Reason)
	assert.Equal(t, int64(200), v.SuggestedQty)

	v = e.ValidateOrder("AAA", 200, 0, nil)
	assert.False(t, v.Valid)

	v = e.ValidateOrder("AAA", 200, 50, nil)
	assert.True(t, v.Valid)
}

func TestReleaseBatch(t *testing.T) {
	e, l := newEngine(t, 1_000_000, 500_000, 500_000)
	sug := e.Size("AAA", 50, true)
	require.True(t, sug.Actionable())

	require.NoError(t, e.ReleaseBatch(sug.BatchID))

	_, batches := l.Snapshot()
	assert.Empty(t, batches)
	assert.Zero(t, l.Exposure().Exposure("AAA"))

	assert.ErrorIs(t, e.ReleaseBatch(sug.BatchID), domain.ErrInvariantViolation)
}

func TestSize_EveryQuantityIsLotAligned(t *testing.T) {
	prices := []float64{1.37, 7.5, 12.01, 33.33, 49.99, 50, 101.7, 999.99}
	for _, price := range prices {
		e, _ := newEngine(t, 1_000_000, 300_000, 300_000)
		sug := e.Size("AAA", price, true)
		assert.Zero(t, sug.Quantity%100, "price %v", price)
		assert.LessOrEqual(t, sug.Value, 100_000.0+1e-6)
	}
}
