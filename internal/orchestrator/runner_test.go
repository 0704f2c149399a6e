package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tranche/internal/clients/paper"
	"github.com/aristath/tranche/internal/config"
	"github.com/aristath/tranche/internal/domain"
	"github.com/aristath/tranche/internal/events"
	"github.com/aristath/tranche/internal/modules/batchrisk"
	"github.com/aristath/tranche/internal/modules/journal"
	"github.com/aristath/tranche/internal/modules/ledger"
	"github.com/aristath/tranche/internal/modules/scaling"
	"github.com/aristath/tranche/internal/modules/sizing"
	"github.com/aristath/tranche/internal/scheduler"
)

type memJournal struct {
	mu     sync.Mutex
	execs  []batchrisk.Execution
	orders []domain.TradeRecord
}

func (j *memJournal) RecordExecutions(execs []batchrisk.Execution) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.execs = append(j.execs, execs...)
	return nil
}

func (j *memJournal) RecordOrder(rec domain.TradeRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.orders = append(j.orders, rec)
	return nil
}

type memCache struct {
	entry *journal.CachedAccount
}

func (c *memCache) Store(account domain.AccountSnapshot, positions map[string]domain.BrokerPosition) error {
	c.entry = &journal.CachedAccount{Account: account, Positions: positions, StoredAt: time.Now()}
	return nil
}

func (c *memCache) Load() (journal.CachedAccount, bool, error) {
	if c.entry == nil {
		return journal.CachedAccount{}, false, nil
	}
	return *c.entry, true, nil
}

type harness struct {
	runner  *Runner
	broker  *paper.Broker
	ledger  *ledger.Ledger
	journal *memJournal
	cache   *memCache
	watch   *scheduler.StaticWatchlist
	bus     *events.Bus
}

func newHarness(t *testing.T, mode config.RunMode, watchlist ...string) *harness {
	t.Helper()
	log := zerolog.New(nil).Level(zerolog.Disabled)

	cfg := config.DefaultTradingConfig()
	cfg.Mode = mode
	cfg.Loop.ConnectivityBackoff = time.Minute

	broker := paper.NewBroker("paper-1", 1_000_000, 100, log)
	l := ledger.New(nil, log)
	gw := NewGateway(broker, NewRateLimiter(1000, time.Second), time.Second, log)
	bus := events.NewBus()

	h := &harness{
		broker:  broker,
		ledger:  l,
		journal: &memJournal{},
		cache:   &memCache{},
		watch:   scheduler.NewStaticWatchlist(watchlist),
		bus:     bus,
	}
	h.runner = NewRunner(Deps{
		Ledger:    l,
		Broker:    gw,
		Sizing:    sizing.NewEngine(l, cfg, nil, log),
		Scaling:   scaling.NewDetector(cfg, nil, log),
		Risk:      batchrisk.NewEngine(cfg, log),
		Selector:  h.watch,
		Journal:   h.journal,
		Cache:     h.cache,
		Events:    events.NewManager(bus, log),
		Config:    cfg,
		AccountID: "paper-1",
	}, log)
	return h
}

func (h *harness) count(eventType events.EventType) *int {
	n := new(int)
	var mu sync.Mutex
	h.bus.Subscribe(eventType, func(*events.Event) {
		mu.Lock()
		*n++
		mu.Unlock()
	})
	return n
}

func TestRefreshAccount_FromBroker(t *testing.T) {
	h := newHarness(t, config.ModeFull)
	h.broker.SetPosition("AAA", 1000, 50)
	h.broker.SetPrice("AAA", 55)

	require.NoError(t, h.runner.RefreshAccount(context.Background()))

	p, batches := h.ledger.Snapshot()
	assert.False(t, p.Degraded)
	assert.Equal(t, 1_000_000.0, p.Cash)
	assert.InDelta(t, 1_055_000, p.TotalAssets, 1e-6)
	require.Contains(t, p.Positions, "AAA")
	assert.Equal(t, int64(1000), p.Positions["AAA"].Quantity)
	assert.Equal(t, 55.0, p.Positions["AAA"].CurrentPrice)

	require.Len(t, batches, 1, "untracked holding seeds a level-1 batch")
	assert.Equal(t, 1, batches[0].Level)
	assert.NoError(t, h.ledger.CheckInvariants())

	assert.Equal(t, SourceBroker, h.runner.Status().AccountSource)
	require.NotNil(t, h.cache.entry)
	assert.Equal(t, int64(1000), h.cache.entry.Positions["AAA"].Quantity)
}

func TestRefreshAccount_FallsBackToCache(t *testing.T) {
	h := newHarness(t, config.ModeFull)
	h.cache.entry = &journal.CachedAccount{
		Account:   domain.AccountSnapshot{AccountID: "paper-1", TotalAssets: 500_000, Cash: 300_000, AvailableCash: 300_000},
		Positions: map[string]domain.BrokerPosition{"BBB": {Symbol: "BBB", Quantity: 400, CostPrice: 20}},
		StoredAt:  time.Now(),
	}
	h.broker.SetFaults(paper.Faults{AccountErr: errors.New("gateway down")})

	require.NoError(t, h.runner.RefreshAccount(context.Background()))

	p := h.ledger.Portfolio()
	assert.Equal(t, SourceCache, h.runner.Status().AccountSource)
	assert.Equal(t, 300_000.0, p.Cash)
	assert.Equal(t, int64(400), p.Positions["BBB"].Quantity)
}

func TestRefreshAccount_DegradedWithoutCache(t *testing.T) {
	h := newHarness(t, config.ModeFull)
	h.broker.SetFaults(paper.Faults{Disconnected: true})

	require.NoError(t, h.runner.RefreshAccount(context.Background()))

	assert.Equal(t, SourceDegraded, h.runner.Status().AccountSource)
	assert.True(t, h.ledger.Portfolio().Degraded)
}

func TestRefreshAccount_KeepsLedgerAfterBrokerFailure(t *testing.T) {
	h := newHarness(t, config.ModeFull)
	h.broker.SetPosition("AAA", 1000, 50)
	h.broker.SetPrice("AAA", 50)
	require.NoError(t, h.runner.RefreshAccount(context.Background()))

	h.broker.SetFaults(paper.Faults{PositionsErr: errors.New("timeout")})
	require.NoError(t, h.runner.RefreshAccount(context.Background()))

	assert.Equal(t, SourceBroker, h.runner.Status().AccountSource)
	assert.Equal(t, int64(1000), h.ledger.Portfolio().Positions["AAA"].Quantity)
	assert.NotEmpty(t, h.runner.Status().LastRuns[CycleAccount].Error)
}

func TestTradingCycle_BuysUpToMaxPositions(t *testing.T) {
	h := newHarness(t, config.ModeFull, "AAA", "BBB", "CCC", "DDD")
	for _, sym := range []string{"AAA", "BBB", "CCC", "DDD"} {
		h.broker.SetPrice(sym, 50)
	}
	placed := h.count(events.OrderPlaced)
	created := h.count(events.BatchCreated)
	ctx := context.Background()

	require.NoError(t, h.runner.RefreshAccount(ctx))
	require.NoError(t, h.runner.RunTradingCycle(ctx))

	orders := h.broker.Orders()
	require.Len(t, orders, 3)
	for _, o := range orders {
		assert.True(t, o.Accepted)
		assert.Equal(t, int64(2000), o.Quantity)
		assert.NotEmpty(t, o.ClientOrderID)
	}
	assert.Equal(t, 3, *placed)
	assert.Equal(t, 3, *created)

	p := h.ledger.Portfolio()
	assert.Equal(t, 3, p.PositionCount())
	assert.NotContains(t, p.Positions, "DDD")
	assert.InDelta(t, 700_000, p.Cash, 1e-6)
	assert.NoError(t, h.ledger.CheckInvariants())
	assert.Equal(t, StateIdle, h.runner.State())
	assert.Len(t, h.journal.orders, 3)

	// broker agrees with the optimistic update
	require.NoError(t, h.runner.RefreshAccount(ctx))
	assert.NoError(t, h.ledger.CheckInvariants())
	assert.InDelta(t, 700_000, h.ledger.Portfolio().Cash, 1e-6)
}

func TestTradingCycle_RejectedBuyReleasesBatch(t *testing.T) {
	h := newHarness(t, config.ModeFull, "AAA")
	h.broker.SetPrice("AAA", 50)
	failed := h.count(events.OrderFailed)
	ctx := context.Background()

	require.NoError(t, h.runner.RefreshAccount(ctx))
	h.broker.SetFaults(paper.Faults{RejectOrders: true})
	require.NoError(t, h.runner.RunTradingCycle(ctx))

	_, batches := h.ledger.Snapshot()
	assert.Empty(t, batches)
	assert.Zero(t, h.ledger.Exposure().Exposure("AAA"))
	assert.Equal(t, 0, h.ledger.Portfolio().PositionCount())
	assert.Equal(t, 1, *failed)
	require.Len(t, h.journal.orders, 1)
	assert.False(t, h.journal.orders[0].Success)
}

func TestRiskCycle_StopLossSells(t *testing.T) {
	h := newHarness(t, config.ModeFull, "AAA")
	h.broker.SetPrice("AAA", 50)
	closed := h.count(events.BatchClosed)
	ctx := context.Background()

	require.NoError(t, h.runner.RefreshAccount(ctx))
	require.NoError(t, h.runner.RunTradingCycle(ctx))
	require.Equal(t, 1, h.ledger.Portfolio().PositionCount())

	h.broker.SetPrice("AAA", 45)
	require.NoError(t, h.runner.RunRiskCycle(ctx))

	assert.Empty(t, h.broker.Symbols())
	assert.Equal(t, 0, h.ledger.Portfolio().PositionCount())
	assert.Equal(t, 1, *closed)
	require.Len(t, h.journal.execs, 1)
	assert.Equal(t, "AAA", h.journal.execs[0].Symbol)
	assert.Equal(t, int64(2000), h.journal.execs[0].Quantity)
	assert.NoError(t, h.ledger.CheckInvariants())

	orders := h.broker.Orders()
	require.Len(t, orders, 2)
	assert.Equal(t, domain.SideSell, orders[1].Side)
}

func TestTradingCycle_DoesNotRebuyStoppedSymbol(t *testing.T) {
	h := newHarness(t, config.ModeFull, "AAA")
	h.broker.SetPrice("AAA", 50)
	ctx := context.Background()

	require.NoError(t, h.runner.RefreshAccount(ctx))
	require.NoError(t, h.runner.RunTradingCycle(ctx))

	h.broker.SetPrice("AAA", 45)
	require.NoError(t, h.runner.RunTradingCycle(ctx))

	orders := h.broker.Orders()
	require.Len(t, orders, 2)
	assert.Equal(t, domain.SideBuy, orders[0].Side)
	assert.Equal(t, domain.SideSell, orders[1].Side)
	assert.Equal(t, 0, h.ledger.Portfolio().PositionCount())
}

func TestCycles_ConnectivityBackoff(t *testing.T) {
	h := newHarness(t, config.ModeFull, "AAA")
	skipped := h.count(events.CycleSkipped)
	h.broker.SetFaults(paper.Faults{Disconnected: true})
	ctx := context.Background()

	require.NoError(t, h.runner.RunRiskCycle(ctx))
	calls := h.broker.Calls()
	assert.Equal(t, "broker unreachable", h.runner.Status().LastRuns[CycleRisk].Reason)
	assert.NotNil(t, h.runner.Status().BackoffUntil)

	require.NoError(t, h.runner.RunTradingCycle(ctx))
	assert.Equal(t, calls, h.broker.Calls(), "no broker calls during backoff")
	assert.Equal(t, "connectivity backoff", h.runner.Status().LastRuns[CycleTrading].Reason)
	assert.Equal(t, 2, *skipped)
	assert.Equal(t, StateIdle, h.runner.State())
}

type fixedClock struct {
	open bool
	err  error
}

func (c fixedClock) MarketOpen(context.Context) (bool, error) { return c.open, c.err }

func TestCycles_MarketClosed(t *testing.T) {
	h := newHarness(t, config.ModeFull, "AAA")
	h.broker.SetPrice("AAA", 50)
	h.runner.deps.Hours = fixedClock{open: false}
	ctx := context.Background()

	require.NoError(t, h.runner.RefreshAccount(ctx))
	require.NoError(t, h.runner.RunTradingCycle(ctx))
	assert.Equal(t, "market closed", h.runner.Status().LastRuns[CycleTrading].Reason)
	assert.Empty(t, h.broker.Orders())
	assert.Nil(t, h.runner.Status().BackoffUntil)

	// a broken clock does not block trading
	h.runner.deps.Hours = fixedClock{err: errors.New("clock down")}
	require.NoError(t, h.runner.RunTradingCycle(ctx))
	assert.False(t, h.runner.Status().LastRuns[CycleTrading].Skipped)
}

type failingMarket struct{ err error }

func (m failingMarket) Condition() domain.MarketCondition { return domain.MarketCondition{} }

func (m failingMarket) Refresh(context.Context) (domain.MarketCondition, error) {
	return domain.MarketCondition{}, m.err
}

func TestTradingCycle_RecordsMarketRefreshFailure(t *testing.T) {
	h := newHarness(t, config.ModeFull, "AAA")
	h.broker.SetPrice("AAA", 50)
	h.runner.deps.Market = failingMarket{err: errors.New("index feed down")}
	ctx := context.Background()

	require.NoError(t, h.runner.RefreshAccount(ctx))
	require.NoError(t, h.runner.RunTradingCycle(ctx))

	run := h.runner.Status().LastRuns[CycleTrading]
	assert.Empty(t, run.Error)
	require.Len(t, run.Warnings, 1)
	assert.Contains(t, run.Warnings[0], "index feed down")
	assert.Len(t, h.broker.Orders(), 1, "the cycle still trades")
}

func TestModes(t *testing.T) {
	ctx := context.Background()

	t.Run("risk mode skips trading", func(t *testing.T) {
		h := newHarness(t, config.ModeRisk, "AAA")
		h.broker.SetPrice("AAA", 50)
		require.NoError(t, h.runner.RunTradingCycle(ctx))
		assert.Empty(t, h.broker.Orders())
		assert.True(t, h.runner.Status().LastRuns[CycleTrading].Skipped)
	})

	t.Run("selection mode only lists candidates", func(t *testing.T) {
		h := newHarness(t, config.ModeSelection, "AAA", "BBB")
		h.broker.SetPrice("AAA", 50)
		require.NoError(t, h.runner.RefreshAccount(ctx))
		require.NoError(t, h.runner.RunTradingCycle(ctx))
		require.NoError(t, h.runner.RunRiskCycle(ctx))

		assert.Empty(t, h.broker.Orders())
		assert.Equal(t, []string{"AAA", "BBB"}, h.runner.Status().Candidates)
		assert.True(t, h.runner.Status().LastRuns[CycleRisk].Skipped)
	})
}

func TestStopAndResume(t *testing.T) {
	h := newHarness(t, config.ModeFull, "AAA")
	h.broker.SetPrice("AAA", 50)
	ctx := context.Background()
	require.NoError(t, h.runner.RefreshAccount(ctx))

	require.NoError(t, h.runner.Stop())
	require.NoError(t, h.runner.RunTradingCycle(ctx))
	require.NoError(t, h.runner.RunRiskCycle(ctx))
	assert.Empty(t, h.broker.Orders())
	assert.Equal(t, StateStopped, h.runner.State())

	h.runner.Resume()
	assert.Equal(t, StateIdle, h.runner.State())
	require.NoError(t, h.runner.RunTradingCycle(ctx))
	assert.Len(t, h.broker.Orders(), 1)
}
