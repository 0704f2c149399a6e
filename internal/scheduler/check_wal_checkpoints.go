package scheduler

import (
	"sort"

	"github.com/aristath/tranche/internal/database"
)

// walTruncateFrames is the WAL size, in frames, above which a TRUNCATE
// checkpoint is forced
const walTruncateFrames = 1000

// CheckWALCheckpointsJob runs a passive checkpoint on every database and
// truncates WAL files that have grown large.
type CheckWALCheckpointsJob struct {
	JobBase
	databases map[string]*database.DB
}

// NewCheckWALCheckpointsJob creates a new CheckWALCheckpointsJob
func NewCheckWALCheckpointsJob(databases map[string]*database.DB) *CheckWALCheckpointsJob {
	return &CheckWALCheckpointsJob{databases: databases}
}

// Name returns the job name
func (j *CheckWALCheckpointsJob) Name() string {
	return "check_wal_checkpoints"
}

// Run executes the checkpoint pass. Per-database failures are logged only.
func (j *CheckWALCheckpointsJob) Run() error {
	names := make([]string, 0, len(j.databases))
	for name := range j.databases {
		names = append(names, name)
	}
	sort.Strings(names)

	checked := 0
	for _, name := range names {
		db := j.databases[name]
		if db == nil {
			continue
		}

		// busy, WAL frames, checkpointed frames
		var busy, frames, checkpointed int
		if err := db.Conn().QueryRow("PRAGMA wal_checkpoint(PASSIVE)").Scan(&busy, &frames, &checkpointed); err != nil {
			j.log.Warn().Err(err).Str("database", name).Msg("Failed to check WAL checkpoint")
			continue
		}
		checked++

		if frames <= walTruncateFrames {
			j.log.Debug().Str("database", name).Int("wal_frames", frames).Msg("WAL checkpoint status OK")
			continue
		}

		j.log.Warn().
			Str("database", name).
			Int("wal_frames", frames).
			Int("checkpointed", checkpointed).
			Msg("WAL file is large, truncating")
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			j.log.Warn().Err(err).Str("database", name).Msg("WAL truncate failed")
		}
	}

	j.log.Info().Int("checked", checked).Msg("WAL checkpoint check completed")
	return nil
}
