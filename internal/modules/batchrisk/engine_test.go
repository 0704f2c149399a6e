package batchrisk

import (
	"context"
	"errors"
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

var now = time.Date(2024, 6, 10, 10, 0, 0, 0, time.UTC)

func newTestEngine() *Engine {
	return NewEngine(config.DefaultTradingConfig(), zerolog.New(nil).Level(zerolog.Disabled))
}

func quote(price float64) domain.MarketSnapshot {
	return domain.MarketSnapshot{LastPrice: domain.Float(price)}
}

func batchAt(t *testing.T, entry float64, opts ...func(*ledger.BatchSpec)) *ledger.PositionBatch {
	t.Helper()
	spec := ledger.BatchSpec{Symbol: "AAA", Level: 1, EntryPrice: entry, Quantity: 100, EntryTime: now.Add(-24 * time.Hour)}
	for _, o := range opts {
		o(&spec)
	}
	b, err := ledger.NewBatchStore().Create(spec)
	require.NoError(t, err)
	return b
}

func TestAssess_TrailingStopBoundary(t *testing.T) {
	e := newTestEngine()
	b := batchAt(t, 50, func(s *ledger.BatchSpec) { s.TrailingRatio = 0.05 })
	require.NoError(t, b.UpdatePrice(60, now))

	as := e.Assess([]*ledger.PositionBatch{b}, domain.MarketData{"AAA": quote(56.9)}, now)
	require.Len(t, as, 1)
	assert.Equal(t, ActionTrailingStop, as[0].Action)
	assert.Equal(t, domain.RiskHigh, as[0].Urgency)
	assert.InDelta(t, 57.0, as[0].TrailingStopPrice, 1e-9)

	as = e.Assess([]*ledger.PositionBatch{b}, domain.MarketData{"AAA": quote(57.1)}, now)
	for _, a := range as {
		assert.NotEqual(t, ActionTrailingStop, a.Action)
	}
}

func TestAssess_StoredStopsMatchEnforcedStops(t *testing.T) {
	cfg := config.DefaultTradingConfig()
	log := zerolog.New(nil).Level(zerolog.Disabled)
	p, err := ledger.NewPortfolio("acct", 1_000_000, 500_000, 500_000, 1_000_000)
	require.NoError(t, err)
	l := ledger.New(p, log)
	sizer := sizing.NewEngine(l, cfg, nil, log)

	first := sizer.Size("AAA", 50, true)
	require.True(t, first.Actionable())
	require.NoError(t, l.Update(func(p *ledger.Portfolio, _ *ledger.BatchStore) error {
		_, err := p.AddPosition("AAA", first.Quantity, 50, time.Now())
		return err
	}))
	add := sizer.Size("AAA", 55, false)
	require.True(t, add.Actionable())
	require.Equal(t, 2, add.Level)

	require.NoError(t, l.Update(func(_ *ledger.Portfolio, s *ledger.BatchStore) error {
		s.UpdatePrices(map[string]float64{"AAA": 60}, time.Now())
		return nil
	}))

	_, batches := l.Snapshot()
	require.Len(t, batches, 2)
	as := NewEngine(cfg, log).Assess(batches, domain.MarketData{"AAA": quote(56.9)}, time.Now())
	require.Len(t, as, 2)

	byID := make(map[string]*ledger.PositionBatch)
	for _, b := range batches {
		byID[b.ID] = b
	}
	for _, a := range as {
		b := byID[a.BatchID]
		require.NotNil(t, b)
		assert.InDelta(t, b.TrailingStopPrice, a.TrailingStopPrice, 1e-9, "level %d trailing stop", b.Level)
		assert.InDelta(t, b.InitialStopPrice, a.StopLossPrice, 1e-9, "level %d stop loss", b.Level)
		assert.Equal(t, ActionTrailingStop, a.Action, "level %d", b.Level)
	}
	assert.InDelta(t, 57.0, byID[first.BatchID].TrailingStopPrice, 1e-9)
	assert.InDelta(t, 57.6, byID[add.BatchID].TrailingStopPrice, 1e-9)
}

func TestAssess_StopLossIsCritical(t *testing.T) {
	e := newTestEngine()
	b := batchAt(t, 100)

	as := e.Assess([]*ledger.PositionBatch{b}, domain.MarketData{"AAA": quote(91)}, now)
	require.Len(t, as, 1)
	a := as[0]
	assert.Equal(t, ActionStopLoss, a.Action)
	assert.Equal(t, domain.RiskCritical, a.Urgency)
	assert.Contains(t, a.Triggered, ActionStopLoss)
	assert.Contains(t, a.Triggered, ActionTrailingStop)
	// stop 40 + trailing 30 + loss bonus 10 at level 1
	assert.InDelta(t, 80.0, a.Score, 1e-9)
	assert.InDelta(t, 92.0, a.StopLossPrice, 1e-9)
}

func TestAssess_VolatilityStopNeedsATR(t *testing.T) {
	e := newTestEngine()
	b := batchAt(t, 100)
	// keep the trailing stop out of the way
	snap := quote(97.5)

	as := e.Assess([]*ledger.PositionBatch{b}, domain.MarketData{"AAA": snap}, now)
	for _, a := range as {
		assert.NotContains(t, a.Triggered, ActionVolatilityStop)
	}

	snap.ATR = domain.Float(1.0) // stop at 100 - 1*2 = 98
	as = e.Assess([]*ledger.PositionBatch{b}, domain.MarketData{"AAA": snap}, now)
	require.Len(t, as, 1)
	assert.Contains(t, as[0].Triggered, ActionVolatilityStop)
}

func TestAssess_TimeStopAndProfitTake(t *testing.T) {
	e := newTestEngine()

	old := batchAt(t, 100, func(s *ledger.BatchSpec) { s.EntryTime = now.Add(-61 * 24 * time.Hour) })
	as := e.Assess([]*ledger.PositionBatch{old}, domain.MarketData{"AAA": quote(100)}, now)
	require.Len(t, as, 1)
	assert.Equal(t, ActionTimeStop, as[0].Action)
	assert.Equal(t, domain.RiskMedium, as[0].Urgency)

	winner := batchAt(t, 100)
	as = e.Assess([]*ledger.PositionBatch{winner}, domain.MarketData{"AAA": quote(121)}, now)
	require.Len(t, as, 1)
	assert.Equal(t, ActionProfitTaking, as[0].Action)
}

func TestAssess_IsIdempotent(t *testing.T) {
	e := newTestEngine()
	b := batchAt(t, 100)
	before := *b
	market := domain.MarketData{"AAA": quote(90)}

	first := e.Assess([]*ledger.PositionBatch{b}, market, now)
	second := e.Assess([]*ledger.PositionBatch{b}, market, now)

	assert.Equal(t, first, second)
	assert.Equal(t, before, *b)
}

func TestAssess_SkipsWithoutPriceOrInactive(t *testing.T) {
	e := newTestEngine()
	b := batchAt(t, 100)
	closed := batchAt(t, 100)
	require.NoError(t, closed.Close(ledger.BatchStopped, 90, "x", now))

	assert.Empty(t, e.Assess([]*ledger.PositionBatch{b}, domain.MarketData{}, now))
	assert.Empty(t, e.Assess([]*ledger.PositionBatch{b}, domain.MarketData{"AAA": {}}, now))
	assert.Empty(t, e.Assess([]*ledger.PositionBatch{closed}, domain.MarketData{"AAA": quote(50)}, now))
	assert.Len(t, e.Latest(), 0)
}

func TestScore(t *testing.T) {
	assert.InDelta(t, 40.0, Score(40, 0, 1), 1e-9)
	assert.InDelta(t, 60.0, Score(40, -0.06, 2), 1e-9)
	assert.InDelta(t, 90.0, Score(40, -0.11, 3), 1e-9)
	assert.InDelta(t, 100.0, Score(100, -0.2, 3), 1e-9)
}

func TestDecide_FallbackFromScore(t *testing.T) {
	tests := []struct {
		score   float64
		action  Action
		urgency domain.RiskLevel
	}{
		{75, ActionStopLoss, domain.RiskHigh},
		{55, ActionTrailingStop, domain.RiskMedium},
		{30, ActionVolatilityStop, domain.RiskLow},
		{29, ActionNone, domain.RiskLow},
	}
	for _, tt := range tests {
		action, urgency := decide(nil, tt.score)
		assert.Equal(t, tt.action, action, "score %v", tt.score)
		assert.Equal(t, tt.urgency, urgency, "score %v", tt.score)
	}

	action, urgency := decide([]Action{ActionProfitTaking, ActionTimeStop, ActionVolatilityStop}, 0)
	assert.Equal(t, ActionVolatilityStop, action)
	assert.Equal(t, domain.RiskHigh, urgency)
}

// ledgerWith returns a ledger holding one level-1 batch per symbol, each
// entered at 100 with 100 shares, plus the batch ids by symbol.
func ledgerWith(t *testing.T, symbols ...string) (*ledger.Ledger, map[string]string) {
	t.Helper()
	p, err := ledger.NewPortfolio("acct", 1_000_000, 500_000, 500_000, 1_000_000)
	require.NoError(t, err)
	l := ledger.New(p, zerolog.New(nil).Level(zerolog.Disabled))

	ids := make(map[string]string)
	require.NoError(t, l.Update(func(p *ledger.Portfolio, s *ledger.BatchStore) error {
		for _, sym := range symbols {
			b, err := s.Create(ledger.BatchSpec{Symbol: sym, Level: 1, EntryPrice: 100, Quantity: 100, EntryTime: now})
			if err != nil {
				return err
			}
			if _, err := p.AddPosition(sym, 100, 100, now); err != nil {
				return err
			}
			ids[sym] = b.ID
		}
		return nil
	}))
	return l, ids
}

func batchActive(l *ledger.Ledger, id string) bool {
	active := false
	l.View(func(_ *ledger.Portfolio, s *ledger.BatchStore) {
		b, ok := s.Get(id)
		active = ok && b.IsActive()
	})
	return active
}

func okCloser(calls *int) Closer {
	return func(_ context.Context, a Assessment) (Fill, error) {
		*calls++
		return Fill{OrderID: "ord-" + a.BatchID, Price: a.CurrentPrice}, nil
	}
}

func TestExecute_CapsActionsPerCycle(t *testing.T) {
	e := newTestEngine()
	l, ids := ledgerWith(t, "A", "B", "C", "D", "E")

	scores := map[string]float64{"A": 60, "B": 95, "C": 70, "D": 85, "E": 75}
	var assessments []Assessment
	for sym, score := range scores {
		assessments = append(assessments, Assessment{
			BatchID:      ids[sym],
			Symbol:       sym,
			Level:        1,
			CurrentPrice: 90,
			ProfitRatio:  -0.10,
			Score:        score,
			Action:       ActionStopLoss,
			Urgency:      domain.RiskCritical,
		})
	}

	calls := 0
	execs, err := e.Execute(context.Background(), l, assessments, okCloser(&calls))
	require.NoError(t, err)
	require.Len(t, execs, 3)
	assert.Equal(t, 3, calls)

	got := []string{execs[0].Symbol, execs[1].Symbol, execs[2].Symbol}
	assert.Equal(t, []string{"B", "D", "E"}, got)

	for _, ex := range execs {
		assert.Equal(t, ledger.BatchStopped, ex.Status)
		assert.Equal(t, int64(100), ex.Quantity)
	}

	l.View(func(p *ledger.Portfolio, s *ledger.BatchStore) {
		assert.Nil(t, p.Position("B"))
		assert.NotNil(t, p.Position("A"))
		assert.Len(t, s.Active(), 2)
	})
	require.NoError(t, l.CheckInvariants())
}

func TestExecute_PendingConfirmationForLargeProfit(t *testing.T) {
	e := newTestEngine()
	l, ids := ledgerWith(t, "A", "B")

	assessments := []Assessment{
		{BatchID: ids["A"], Symbol: "A", CurrentPrice: 125, ProfitRatio: 0.25, Score: 15, Action: ActionProfitTaking, Urgency: domain.RiskMedium},
		{BatchID: ids["B"], Symbol: "B", CurrentPrice: 105, ProfitRatio: 0.05, Score: 30, Action: ActionTrailingStop, Urgency: domain.RiskHigh},
	}

	calls := 0
	execs, err := e.Execute(context.Background(), l, assessments, okCloser(&calls))
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "B", execs[0].Symbol)
	assert.Equal(t, ledger.BatchProfitTaken, execs[0].Status)

	pending := e.PendingConfirmations()
	require.Len(t, pending, 1)
	assert.Equal(t, ids["A"], pending[0].BatchID)
}

func TestExecute_FailedOrderProducesNoExecution(t *testing.T) {
	e := newTestEngine()
	l, ids := ledgerWith(t, "A")

	failing := func(context.Context, Assessment) (Fill, error) {
		return Fill{}, errors.New("broker rejected")
	}
	a := Assessment{BatchID: ids["A"], Symbol: "A", CurrentPrice: 90, ProfitRatio: -0.1, Score: 80, Action: ActionStopLoss, Urgency: domain.RiskCritical}

	execs, err := e.Execute(context.Background(), l, []Assessment{a}, failing)
	require.NoError(t, err)
	assert.Empty(t, execs)

	l.View(func(p *ledger.Portfolio, s *ledger.BatchStore) {
		assert.Len(t, s.Active(), 1)
		assert.Equal(t, int64(100), p.Position("A").Quantity)
	})
}

func TestExecute_ReplayDoesNotCloseTwice(t *testing.T) {
	e := newTestEngine()
	l, ids := ledgerWith(t, "A")
	a := Assessment{BatchID: ids["A"], Symbol: "A", CurrentPrice: 90, ProfitRatio: -0.1, Score: 80, Action: ActionStopLoss, Urgency: domain.RiskCritical}

	calls := 0
	execs, err := e.Execute(context.Background(), l, []Assessment{a}, okCloser(&calls))
	require.NoError(t, err)
	require.Len(t, execs, 1)

	execs, err = e.Execute(context.Background(), l, []Assessment{a}, okCloser(&calls))
	require.NoError(t, err)
	assert.Empty(t, execs)
	assert.Equal(t, 1, calls)
}

func TestExecute_CreditsProceedsAndReleasesExposure(t *testing.T) {
	e := newTestEngine()
	l, ids := ledgerWith(t, "A")
	l.Exposure().Record("A", 10_000, 1)
	before := l.Portfolio().Cash

	a := Assessment{BatchID: ids["A"], Symbol: "A", CurrentPrice: 90, ProfitRatio: -0.1, Score: 80, Action: ActionStopLoss, Urgency: domain.RiskCritical}
	calls := 0
	_, err := e.Execute(context.Background(), l, []Assessment{a}, okCloser(&calls))
	require.NoError(t, err)

	assert.InDelta(t, before+9_000, l.Portfolio().Cash, 1e-6)
	assert.Zero(t, l.Exposure().Exposure("A"))
}

func TestExecute_StopsOnCancelledContext(t *testing.T) {
	e := newTestEngine()
	l, ids := ledgerWith(t, "A")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := Assessment{BatchID: ids["A"], Symbol: "A", CurrentPrice: 90, Action: ActionStopLoss, Urgency: domain.RiskCritical}
	calls := 0
	_, err := e.Execute(ctx, l, []Assessment{a}, okCloser(&calls))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestExecute_RefusesBatchWithoutPosition(t *testing.T) {
	e := newTestEngine()
	p, err := ledger.NewPortfolio("acct", 1_000_000, 1_000_000, 1_000_000, 1_000_000)
	require.NoError(t, err)
	l := ledger.New(p, zerolog.New(nil).Level(zerolog.Disabled))

	var id string
	require.NoError(t, l.Update(func(_ *ledger.Portfolio, s *ledger.BatchStore) error {
		b, err := s.Create(ledger.BatchSpec{Symbol: "AAA", Level: 1, EntryPrice: 50, Quantity: 2000, EntryTime: now})
		if err != nil {
			return err
		}
		id = b.ID
		return nil
	}))
	assert.ErrorIs(t, l.CheckInvariants(), domain.ErrInvariantViolation)

	a := Assessment{BatchID: id, Symbol: "AAA", CurrentPrice: 40, ProfitRatio: -0.2, Score: 90, Action: ActionStopLoss, Urgency: domain.RiskCritical}
	calls := 0
	execs, err := e.Execute(context.Background(), l, []Assessment{a}, okCloser(&calls))
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
	assert.Empty(t, execs)
	assert.Zero(t, calls, "no sell is sent for shares the ledger does not hold")

	assert.Equal(t, 1_000_000.0, l.Portfolio().Cash)
	assert.True(t, batchActive(l, id))
}

func TestExecute_RefusesBatchLargerThanPosition(t *testing.T) {
	e := newTestEngine()
	l, ids := ledgerWith(t, "A", "B")
	require.NoError(t, l.Update(func(p *ledger.Portfolio, _ *ledger.BatchStore) error {
		return p.ReducePosition("A", 60, now)
	}))
	before := l.Portfolio().Cash

	assessments := []Assessment{
		{BatchID: ids["A"], Symbol: "A", CurrentPrice: 90, ProfitRatio: -0.1, Score: 80, Action: ActionStopLoss, Urgency: domain.RiskCritical},
		{BatchID: ids["B"], Symbol: "B", CurrentPrice: 90, ProfitRatio: -0.1, Score: 80, Action: ActionStopLoss, Urgency: domain.RiskCritical},
	}
	calls := 0
	execs, err := e.Execute(context.Background(), l, assessments, okCloser(&calls))
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)

	// the backed batch still closes
	require.Len(t, execs, 1)
	assert.Equal(t, "B", execs[0].Symbol)
	assert.Equal(t, 1, calls)
	assert.InDelta(t, before+9_000, l.Portfolio().Cash, 1e-6)

	pos := l.Portfolio().Position("A")
	require.NotNil(t, pos)
	assert.Equal(t, int64(40), pos.Quantity)
	assert.True(t, batchActive(l, ids["A"]))
}

func TestExecute_CommitRollsBackWhenPositionShrinks(t *testing.T) {
	e := newTestEngine()
	l, ids := ledgerWith(t, "A")
	before := l.Portfolio().Cash

	// the position shrinks while the sell is in flight
	closer := func(_ context.Context, a Assessment) (Fill, error) {
		err := l.Update(func(p *ledger.Portfolio, _ *ledger.BatchStore) error {
			return p.ReducePosition("A", 50, now)
		})
		return Fill{OrderID: "ord-1", Price: a.CurrentPrice}, err
	}
	a := Assessment{BatchID: ids["A"], Symbol: "A", CurrentPrice: 90, ProfitRatio: -0.1, Score: 80, Action: ActionStopLoss, Urgency: domain.RiskCritical}
	execs, err := e.Execute(context.Background(), l, []Assessment{a}, closer)
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
	assert.Empty(t, execs)

	assert.Equal(t, before, l.Portfolio().Cash)
	assert.True(t, batchActive(l, ids["A"]), "failed commit leaves the batch open")
	assert.Equal(t, int64(50), l.Portfolio().Position("A").Quantity)
}
