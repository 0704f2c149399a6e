// Package main is the entry point for the tranche engine: a tiered position
// and batch-risk manager that sizes entries, scales winners in levels and
// exits batches on stop, trailing, volatility, time and profit rules.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/tranche/internal/config"
	"github.com/aristath/tranche/internal/di"
	"github.com/aristath/tranche/internal/server"
	"github.com/aristath/tranche/pkg/logger"
)

// Version is set at build time with -ldflags "-X main.Version=..."
var Version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:   cfg.LogLevel,
		Pretty:  cfg.LogPretty,
		Service: "tranche",
	})
	logger.SetGlobalLogger(log)

	log.Info().
		Str("version", Version).
		Str("broker", cfg.BrokerMode).
		Str("mode", string(cfg.Trading.Mode)).
		Msg("Starting tranche")

	// jobCtx is the parent of every scheduled run; cancelling it aborts
	// in-flight cycles on shutdown.
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	container, err := di.Wire(jobCtx, cfg, log, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	srv := server.New(server.Config{
		Log:          log,
		Port:         cfg.Port,
		DevMode:      cfg.DevMode,
		Version:      Version,
		DataDir:      cfg.DataDir,
		Orchestrator: container.Runner,
		Ledger:       container.Ledger,
		Journal:      container.Journal,
		Risk:         container.Risk,
		Jobs:         container.Scheduler,
		Bus:          container.Bus,
		Regime:       container.RegimeStore,
		MarketIndex:  cfg.MarketIndex,
		Backups:      backupLister(container),
		Databases:    container.Databases(),
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Load the account and the market regime once before the first tick so
	// the cycles start from broker state.
	startupCtx, cancelStartup := context.WithTimeout(jobCtx, time.Minute)
	if err := container.Runner.RefreshAccount(startupCtx); err != nil {
		log.Warn().Err(err).Msg("Initial account refresh failed")
	}
	if err := container.Runner.RefreshMarket(startupCtx); err != nil {
		log.Warn().Err(err).Msg("Initial market regime refresh failed")
	}
	cancelStartup()

	container.Scheduler.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")

	if err := container.Runner.Stop(); err != nil {
		log.Warn().Err(err).Msg("Orchestrator was not running")
	}
	cancelJobs()
	container.Scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Stopped")
}

// backupLister avoids handing the server a typed nil when backups are off
func backupLister(c *di.Container) server.BackupLister {
	if c.Backups == nil {
		return nil
	}
	return c.Backups
}
