package di

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/tranche/internal/orchestrator"
	"github.com/aristath/tranche/internal/reliability"
	"github.com/aristath/tranche/internal/scheduler"
)

// Job names, also used by the manual trigger endpoint
const (
	JobMarketRegime = "market_regime"
	JobBackup       = "backup"
)

const journalRetention = 90 * 24 * time.Hour

type scheduledJob struct {
	schedule string
	job      scheduler.Job
}

// RegisterJobs creates the scheduler and registers every background job. ctx
// bounds all job runs; cancel it on shutdown.
func RegisterJobs(ctx context.Context, c *Container) error {
	loop := c.Config.Trading.Loop
	c.Scheduler = scheduler.New(c.Log)

	cycle := func(name string, interval time.Duration, fn func(context.Context) error) scheduledJob {
		return scheduledJob{
			schedule: every(interval),
			job: &scheduler.FuncJob{
				JobName: name,
				Timeout: interval,
				Fn:      fn,
				Parent:  ctx,
			},
		}
	}

	dbs := c.Databases()
	checkDBs := scheduler.NewCheckDatabasesJob(dbs)
	checkDBs.SetLogger(c.Log.With().Str("job", checkDBs.Name()).Logger())
	wal := scheduler.NewCheckWALCheckpointsJob(dbs)
	wal.SetLogger(c.Log.With().Str("job", wal.Name()).Logger())
	prune := scheduler.NewPruneJournalJob(c.Journal, journalRetention)
	prune.SetLogger(c.Log.With().Str("job", prune.Name()).Logger())

	jobs := []scheduledJob{
		cycle(orchestrator.CycleAccount, loop.AccountRefreshInterval, c.Runner.RefreshAccount),
		cycle(orchestrator.CycleRisk, loop.RiskInterval, c.Runner.RunRiskCycle),
		cycle(orchestrator.CycleTrading, loop.SelectionInterval, c.Runner.RunTradingCycle),
		cycle(JobMarketRegime, loop.SelectionInterval, c.Runner.RefreshMarket),
		{schedule: "@every 1h", job: wal},
		{schedule: "0 3 * * *", job: checkDBs},
		{schedule: "30 3 * * *", job: prune},
		{schedule: "0 4 * * SUN", job: reliability.NewMaintenanceJob(dbs, c.Config.DataDir, c.Log)},
	}

	if c.Backups != nil {
		retention := c.Config.Backup.RetentionDays
		jobs = append(jobs, scheduledJob{
			schedule: c.Config.Backup.Schedule,
			job: &scheduler.FuncJob{
				JobName: JobBackup,
				Timeout: 30 * time.Minute,
				Fn: func(ctx context.Context) error {
					return c.Backups.Run(ctx, retention)
				},
				Parent: ctx,
			},
		})
	}

	for _, j := range jobs {
		if err := c.Scheduler.AddJob(j.schedule, j.job); err != nil {
			return fmt.Errorf("failed to register %s: %w", j.job.Name(), err)
		}
	}
	return nil
}

func every(d time.Duration) string {
	return "@every " + d.String()
}
