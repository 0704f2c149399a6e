package scheduler

import (
	"time"
)

// JournalPruner deletes closed batches older than a cutoff
type JournalPruner interface {
	PruneClosed(cutoff time.Time) (int64, error)
}

// PruneJournalJob keeps the batch journal bounded
type PruneJournalJob struct {
	JobBase
	pruner    JournalPruner
	retention time.Duration
}

// NewPruneJournalJob creates the job. Closed batches older than retention are
// deleted; active batches are kept regardless of age.
func NewPruneJournalJob(pruner JournalPruner, retention time.Duration) *PruneJournalJob {
	return &PruneJournalJob{pruner: pruner, retention: retention}
}

// Name returns the job name
func (j *PruneJournalJob) Name() string {
	return "prune_journal"
}

// Run deletes expired batches
func (j *PruneJournalJob) Run() error {
	n, err := j.pruner.PruneClosed(time.Now().Add(-j.retention))
	if err != nil {
		return err
	}
	j.log.Debug().Int64("deleted", n).Msg("Journal pruned")
	return nil
}
