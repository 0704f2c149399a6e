package di

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/tranche/internal/clients/alpaca"
	"github.com/aristath/tranche/internal/clients/paper"
	"github.com/aristath/tranche/internal/clients/yahoo"
	"github.com/aristath/tranche/internal/config"
	"github.com/aristath/tranche/internal/events"
	"github.com/aristath/tranche/internal/market_regime"
	"github.com/aristath/tranche/internal/modules/batchrisk"
	"github.com/aristath/tranche/internal/modules/indicators"
	"github.com/aristath/tranche/internal/modules/journal"
	"github.com/aristath/tranche/internal/modules/ledger"
	"github.com/aristath/tranche/internal/modules/scaling"
	"github.com/aristath/tranche/internal/modules/sizing"
	"github.com/aristath/tranche/internal/orchestrator"
	"github.com/aristath/tranche/internal/reliability"
	"github.com/aristath/tranche/internal/scheduler"
)

const (
	// snapshotCacheMaxAge bounds how stale a cached account may be when the
	// broker is unreachable
	snapshotCacheMaxAge = 24 * time.Hour
	indicatorTTL        = time.Hour
)

// NewBroker builds the broker client selected by cfg.BrokerMode
func NewBroker(cfg *config.Config, c *Container) (Broker, error) {
	switch cfg.BrokerMode {
	case "paper":
		return paper.NewBroker(cfg.AccountID, cfg.Paper.InitialCash, cfg.Paper.LotSize, c.Log), nil
	case "alpaca":
		return alpaca.NewAdapter(alpaca.Options{
			APIKey:    cfg.Alpaca.APIKey,
			APISecret: cfg.Alpaca.APISecret,
			BaseURL:   cfg.Alpaca.BaseURL,
		}, c.Log), nil
	default:
		return nil, fmt.Errorf("unknown broker mode %q", cfg.BrokerMode)
	}
}

// marketClock returns the broker's exchange clock when it has one. The paper
// broker trades around the clock.
func marketClock(b Broker) orchestrator.MarketClock {
	if clock, ok := b.(orchestrator.MarketClock); ok {
		return clock
	}
	return nil
}

// indexBars picks the source of the market index history. Yahoo bypasses
// the broker gateway and its rate limit.
func indexBars(cfg *config.Config, c *Container) indicators.BarSource {
	if cfg.IndexSource == "yahoo" {
		return yahoo.NewClient(c.Log)
	}
	return c.Gateway
}

// InitializeServices builds the ledger, the broker stack and the engines. A
// non-nil broker overrides cfg.BrokerMode.
func InitializeServices(ctx context.Context, c *Container, broker Broker) error {
	cfg := c.Config
	trading := cfg.Trading
	log := c.Log

	c.Bus = events.NewBus()
	c.Events = events.NewManager(c.Bus, log)

	c.Journal = journal.NewRepository(c.JournalDB.Conn(), log)
	c.SnapshotCache = journal.NewSnapshotCache(c.CacheDB.Conn(), snapshotCacheMaxAge, log)
	c.RegimeStore = market_regime.NewPersistence(c.JournalDB.Conn(), log)

	// The ledger starts degraded; restored batches are reconciled against
	// the broker on the first account refresh.
	c.Ledger = ledger.New(nil, log)
	active, err := c.Journal.LoadActiveBatches()
	if err != nil {
		return fmt.Errorf("failed to load active batches: %w", err)
	}
	c.Ledger.Restore(active)
	c.Ledger.AddObserver(c.Journal)
	log.Info().Int("batches", len(active)).Msg("Restored active batches from journal")

	if broker == nil {
		broker, err = NewBroker(cfg, c)
		if err != nil {
			return err
		}
	}
	c.Broker = broker
	c.Gateway = orchestrator.NewGateway(
		broker,
		orchestrator.NewRateLimiter(trading.RateLimit.MaxCalls, trading.RateLimit.Window),
		trading.Loop.BrokerTimeout,
		log,
	)

	c.Indicators = indicators.NewCache(c.Gateway, indicatorTTL, log)
	c.Market = market_regime.NewMonitor(indexBars(cfg, c), cfg.MarketIndex, c.RegimeStore, log)
	c.Sizing = sizing.NewEngine(c.Ledger, trading, sizing.NewStaticRestrictedList(trading.Sizing.RestrictedSymbols), log)
	c.Scaling = scaling.NewDetector(trading, c.Market, log)
	c.Risk = batchrisk.NewEngine(trading, log)
	c.Watchlist = scheduler.NewStaticWatchlist(cfg.Watchlist)

	c.Runner = orchestrator.NewRunner(orchestrator.Deps{
		Ledger:     c.Ledger,
		Broker:     c.Gateway,
		Sizing:     c.Sizing,
		Scaling:    c.Scaling,
		Risk:       c.Risk,
		Indicators: c.Indicators,
		Market:     c.Market,
		Hours:      marketClock(broker),
		Selector:   c.Watchlist,
		Journal:    c.Journal,
		Cache:      c.SnapshotCache,
		Events:     c.Events,
		Config:     trading,
		AccountID:  cfg.AccountID,
	}, log)

	if cfg.Backup.Enabled {
		store, err := reliability.NewR2Client(ctx, cfg.Backup, log)
		if err != nil {
			return fmt.Errorf("failed to create backup client: %w", err)
		}
		c.Backups = reliability.NewBackupService(store, map[string]reliability.Snapshotter{
			c.JournalDB.Name(): c.JournalDB,
		}, cfg.DataDir, cfg.Backup.Prefix, log)
	}

	log.Info().
		Str("broker", cfg.BrokerMode).
		Str("mode", string(trading.Mode)).
		Int("watchlist", len(cfg.Watchlist)).
		Msg("Services initialized")
	return nil
}
