// Package metrics is the backend-neutral metrics facade used by the linkage
// engines. Engines call the package-level functions; the CLI installs a real
// backend (e.g. Datadog) with SetBackend. The default backend drops everything.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Metric names emitted by the engines.
const (
	StepTotal           = "linkage_step_total"
	StepDurationSeconds = "linkage_step_duration_seconds"
	CCIterationsTotal   = "linkage_cc_iterations_total"
	EMIterationsTotal   = "linkage_em_iterations_total"
	RecordsTotal        = "linkage_records_total"
)

// Labels are metric dimensions, e.g. {"step": "estimate_u", "status": "ok"}.
type Labels map[string]string

// Backend receives metric observations.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. A nil b restores the nop
// backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		backend = nopBackend{}
		return
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// IncCounter forwards to the installed backend.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram forwards to the installed backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush flushes the installed backend.
func Flush() error { return current().Flush() }

// RecordStep counts a finished step and observes its duration.
// status is "ok" when err is nil, otherwise "error".
func RecordStep(step string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	l := Labels{"step": step, "status": status}
	IncCounter(StepTotal, 1, l)
	ObserveHistogram(StepDurationSeconds, time.Since(start).Seconds(), l)
}

// RecordIterations counts solver iterations for the given engine metric.
func RecordIterations(name string, n int, converged bool) {
	if n <= 0 {
		return
	}
	IncCounter(name, float64(n), Labels{"converged": strconv.FormatBool(converged)})
}

// RecordRecords counts rows of a kind ("input", "pairs", "clusters", ...).
func RecordRecords(kind string, n int64) {
	if n <= 0 {
		return
	}
	IncCounter(RecordsTotal, float64(n), Labels{"kind": kind})
}
