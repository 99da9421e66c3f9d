// Package metrics is the tiny metrics facade the pipeline reports through.
//
// Pipeline code calls the Record* helpers; a process installs a concrete
// Backend (for example internal/metrics/datadog) with SetBackend. Until one is
// installed every call is a no-op.
package metrics

import (
	"sync"
	"time"
)

// Labels are metric dimensions, rendered as tags by backends.
type Labels map[string]string

// Backend receives metric events.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

// Metric names shared with backends.
const (
	StepTotal           = "etl_step_total"
	StepDurationSeconds = "etl_step_duration_seconds"
	RecordsTotal        = "etl_records_total"
	RejectionsTotal     = "etl_rejections_total"
	BatchesTotal        = "etl_batches_total"
)

// Record kinds for RecordsTotal.
const (
	KindRead      = "read"
	KindClean     = "clean"
	KindRejected  = "rejected"
	KindDimension = "dimension_inserted"
	KindFact      = "fact_inserted"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. A nil b restores the
// no-op backend.
func SetBackend(b Backend) {
	if b == nil {
		b = nopBackend{}
	}
	mu.Lock()
	backend = b
	mu.Unlock()
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush asks the installed backend to submit anything buffered.
func Flush() error {
	return current().Flush()
}

// RecordStep counts one pipeline step and observes its duration.
func RecordStep(job, step string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	l := Labels{"job": job, "step": step, "status": status}
	b := current()
	b.IncCounter(StepTotal, 1, l)
	b.ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordRecords adds n records of the given kind.
func RecordRecords(job, kind string, n int) {
	if n <= 0 {
		return
	}
	current().IncCounter(RecordsTotal, float64(n), Labels{"job": job, "kind": kind})
}

// RecordRejection adds n rejections for reason.
func RecordRejection(job, reason string, n int) {
	if n <= 0 {
		return
	}
	current().IncCounter(RejectionsTotal, float64(n), Labels{"job": job, "reason": reason})
}

// RecordBatch counts one write batch against table.
func RecordBatch(job, table string) {
	current().IncCounter(BatchesTotal, 1, Labels{"job": job, "table": table})
}
