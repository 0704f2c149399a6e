package reliability

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/aristath/tranche/internal/database"
)

// Disk thresholds for the data directory, in bytes
const (
	criticalFreeBytes = 500 * 1024 * 1024
	lowFreeBytes      = 5 * 1024 * 1024 * 1024

	// databases whose free pages exceed this share of all pages get vacuumed
	vacuumFreelistRatio = 0.2
)

// DiskUsageFunc reports usage for the filesystem holding path
type DiskUsageFunc func(ctx context.Context, path string) (*disk.UsageStat, error)

// MaintenanceJob checks free disk space for the data directory and reclaims
// space in fragmented databases.
type MaintenanceJob struct {
	databases map[string]*database.DB
	dataDir   string
	usage     DiskUsageFunc
	log       zerolog.Logger
}

// NewMaintenanceJob creates the job
func NewMaintenanceJob(databases map[string]*database.DB, dataDir string, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{
		databases: databases,
		dataDir:   dataDir,
		usage:     disk.UsageWithContext,
		log:       log.With().Str("job", "maintenance").Logger(),
	}
}

// Name returns the job name for the scheduler
func (j *MaintenanceJob) Name() string {
	return "maintenance"
}

// Run fails only when free disk space is critically low
func (j *MaintenanceJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	startTime := time.Now()
	if err := j.checkDiskSpace(ctx); err != nil {
		return err
	}

	names := make([]string, 0, len(j.databases))
	for name := range j.databases {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		db := j.databases[name]
		if db == nil {
			continue
		}
		if err := j.maybeVacuum(ctx, name, db); err != nil {
			j.log.Warn().Err(err).Str("database", name).Msg("VACUUM failed")
		}
	}

	j.log.Info().Dur("duration_ms", time.Since(startTime)).Msg("Maintenance completed")
	return nil
}

func (j *MaintenanceJob) checkDiskSpace(ctx context.Context) error {
	usage, err := j.usage(ctx, j.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read disk usage: %w", err)
	}

	availableGB := float64(usage.Free) / 1e9
	j.log.Debug().Float64("available_gb", availableGB).Float64("used_percent", usage.UsedPercent).Msg("Disk space check")

	switch {
	case usage.Free < criticalFreeBytes:
		j.log.Error().Float64("available_gb", availableGB).Msg("CRITICAL: Insufficient disk space")
		return fmt.Errorf("only %.2f GB free in %s", availableGB, j.dataDir)
	case usage.Free < lowFreeBytes:
		j.log.Warn().Float64("available_gb", availableGB).Msg("Disk space running low")
	}
	return nil
}

func (j *MaintenanceJob) maybeVacuum(ctx context.Context, name string, db *database.DB) error {
	before, err := db.GetStats()
	if err != nil {
		return err
	}
	if before.PageCount == 0 || float64(before.FreelistCount)/float64(before.PageCount) < vacuumFreelistRatio {
		return nil
	}

	if _, err := db.Conn().ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum %s: %w", name, err)
	}

	after, err := db.GetStats()
	if err != nil {
		return err
	}
	j.log.Info().
		Str("database", name).
		Int64("pages_before", before.PageCount).
		Int64("pages_after", after.PageCount).
		Msg("VACUUM completed")
	return nil
}
