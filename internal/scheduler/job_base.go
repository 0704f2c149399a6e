package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// ErrUnknownJob is returned by RunNow for unregistered names
var ErrUnknownJob = errors.New("unknown job")

// JobBase gives jobs a replaceable logger
type JobBase struct {
	log zerolog.Logger
}

// SetLogger sets the logger for the job
func (j *JobBase) SetLogger(log zerolog.Logger) {
	j.log = log
}

// Logger returns the job logger, a no-op logger until SetLogger is called
func (j *JobBase) Logger() zerolog.Logger {
	return j.log
}

// FuncJob adapts a context-aware function to Job. Each run gets a fresh
// context bounded by Timeout when set.
type FuncJob struct {
	JobName string
	Timeout time.Duration
	Fn      func(ctx context.Context) error
	Parent  context.Context
}

// Name returns the job name
func (j *FuncJob) Name() string {
	return j.JobName
}

// Run calls Fn
func (j *FuncJob) Run() error {
	parent := j.Parent
	if parent == nil {
		parent = context.Background()
	}
	ctx := parent
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, j.Timeout)
		defer cancel()
	}
	return j.Fn(ctx)
}
