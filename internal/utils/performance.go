package utils

import (
	"time"

	"github.com/rs/zerolog"
)

// SlowQuery is the journal write time above which MeasureDBQuery warns
const SlowQuery = 500 * time.Millisecond

// OperationTimer starts a clock for operation and returns the func that
// stops it. The stop func logs at debug, or at warn past slow, and returns
// the elapsed time. slow <= 0 never warns.
//
//	defer utils.OperationTimer("risk_cycle", 10*time.Second, log)()
func OperationTimer(operation string, slow time.Duration, log zerolog.Logger) func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		elapsed := time.Since(start)
		timingEvent(log, elapsed, slow).
			Str("operation", operation).
			Dur("elapsed", elapsed).
			Msg("Operation timed")
		return elapsed
	}
}

// MeasureDBQuery is OperationTimer for a write that touches rows
func MeasureDBQuery(queryName string, log zerolog.Logger) func(rowsAffected int64) {
	start := time.Now()
	return func(rowsAffected int64) {
		elapsed := time.Since(start)
		timingEvent(log, elapsed, SlowQuery).
			Str("query", queryName).
			Int64("rows", rowsAffected).
			Dur("elapsed", elapsed).
			Msg("Query timed")
	}
}

func timingEvent(log zerolog.Logger, elapsed, slow time.Duration) *zerolog.Event {
	if slow > 0 && elapsed > slow {
		return log.Warn().Bool("slow", true).Dur("threshold", slow)
	}
	return log.Debug()
}
