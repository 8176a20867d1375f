// Package estimate trains the m and u probabilities of comparison levels.
//
// EstimateU samples random record pairs, treats every sampled pair as a
// non-match and normalizes the level counts into u probabilities. Trainer runs
// expectation maximisation over the pairs produced by one blocking rule to
// estimate m (and optionally u). Both issue their SQL through a
// storage.Executor one pipeline at a time and write results back to the
// caller's model.Settings only after the whole run succeeded.
package estimate

import (
	"io"
	"log"
	"time"
)

// Logger is the minimal logging interface used by the estimators.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

func logfOf(l Logger) func(format string, v ...any) {
	if l == nil {
		return log.New(io.Discard, "", 0).Printf
	}
	return l.Printf
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }
