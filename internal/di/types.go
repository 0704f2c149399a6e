// Package di wires the engine's dependencies.
package di

import (
	"github.com/rs/zerolog"

	"github.com/aristath/tranche/internal/config"
	"github.com/aristath/tranche/internal/database"
	"github.com/aristath/tranche/internal/domain"
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

// Broker is what the wiring needs from a concrete broker client
type Broker interface {
	domain.BrokerClient
	indicators.BarSource
}

// Container holds every long-lived component. It is built by Wire and
// closed with Close.
type Container struct {
	Config *config.Config
	Log    zerolog.Logger

	// Databases
	JournalDB *database.DB
	CacheDB   *database.DB

	// Events
	Bus    *events.Bus
	Events *events.Manager

	// Persistence
	Journal       *journal.Repository
	SnapshotCache *journal.SnapshotCache
	RegimeStore   *market_regime.Persistence

	// Broker access; Gateway wraps Broker with rate limiting and timeouts
	Broker  Broker
	Gateway *orchestrator.Gateway

	// Engines
	Ledger     *ledger.Ledger
	Indicators *indicators.Cache
	Market     *market_regime.Monitor
	Sizing     *sizing.Engine
	Scaling    *scaling.Detector
	Risk       *batchrisk.Engine
	Watchlist  *scheduler.StaticWatchlist
	Runner     *orchestrator.Runner

	// Background work
	Scheduler *scheduler.Scheduler
	Backups   *reliability.BackupService // nil unless backups are enabled
}

// Databases returns the open databases by name
func (c *Container) Databases() map[string]*database.DB {
	out := make(map[string]*database.DB, 2)
	if c.JournalDB != nil {
		out[database.NameJournal] = c.JournalDB
	}
	if c.CacheDB != nil {
		out[database.NameCache] = c.CacheDB
	}
	return out
}

// Close closes the databases. The scheduler must be stopped first.
func (c *Container) Close() {
	for name, db := range c.Databases() {
		if err := db.Close(); err != nil {
			c.Log.Error().Err(err).Str("database", name).Msg("Failed to close database")
		}
	}
}
