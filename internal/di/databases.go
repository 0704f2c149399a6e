package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/tranche/internal/config"
	"github.com/aristath/tranche/internal/database"
	"github.com/aristath/tranche/internal/market_regime"
)

// InitializeDatabases opens the journal and cache databases and applies their
// schemas. The journal also holds the market regime history.
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{Config: cfg, Log: log}

	journalDB, err := database.New(database.Config{
		Path:    cfg.JournalPath(),
		Profile: database.ProfileLedger,
		Name:    database.NameJournal,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize journal database: %w", err)
	}
	c.JournalDB = journalDB

	cacheDB, err := database.New(database.Config{
		Path:    cfg.CachePath(),
		Profile: database.ProfileCache,
		Name:    database.NameCache,
	})
	if err != nil {
		journalDB.Close()
		return nil, fmt.Errorf("failed to initialize cache database: %w", err)
	}
	c.CacheDB = cacheDB

	if err := journalDB.Migrate(market_regime.Schema); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to apply schema to %s: %w", journalDB.Name(), err)
	}
	if err := cacheDB.Migrate(); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to apply schema to %s: %w", cacheDB.Name(), err)
	}

	log.Info().Str("data_dir", cfg.DataDir).Msg("Databases initialized and schemas applied")
	return c, nil
}
