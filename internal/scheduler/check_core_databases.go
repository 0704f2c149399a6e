package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aristath/tranche/internal/database"
)

// CheckDatabasesJob verifies the integrity of the journal and cache databases
type CheckDatabasesJob struct {
	JobBase
	databases map[string]*database.DB
}

// NewCheckDatabasesJob creates the job. Nil databases are skipped.
func NewCheckDatabasesJob(databases map[string]*database.DB) *CheckDatabasesJob {
	return &CheckDatabasesJob{databases: databases}
}

// Name returns the job name
func (j *CheckDatabasesJob) Name() string {
	return "check_databases"
}

// Run checks every database, failing on the first corrupt one
func (j *CheckDatabasesJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	names := make([]string, 0, len(j.databases))
	for name := range j.databases {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		db := j.databases[name]
		if db == nil {
			j.log.Warn().Str("database", name).Msg("Database not initialized, skipping")
			continue
		}
		if err := db.HealthCheck(ctx); err != nil {
			j.log.Error().Err(err).Str("database", name).Msg("Database integrity check failed")
			return fmt.Errorf("database %s is unhealthy: %w", name, err)
		}
		j.log.Debug().Str("database", name).Msg("Database integrity OK")
	}
	return nil
}
