package di

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/tranche/internal/config"
)

// Wire initializes all dependencies and returns a fully configured container.
// Order of operations:
// 1. Open databases
// 2. Build the ledger, broker stack and engines
// 3. Register scheduled jobs
//
// broker is optional and overrides cfg.BrokerMode, which tests use to inject
// a scripted paper broker. ctx is the parent of every scheduled job run.
func Wire(ctx context.Context, cfg *config.Config, log zerolog.Logger, broker Broker) (*Container, error) {
	c, err := InitializeDatabases(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := InitializeServices(ctx, c, broker); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := RegisterJobs(ctx, c); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to register jobs: %w", err)
	}

	log.Info().Msg("Dependency injection wiring completed successfully")
	return c, nil
}
