// Package metrics is the thin instrumentation facade the pipeline code
// depends on. Concrete backends live in subpackages; the default backend
// drops everything, so instrumentation calls are always safe.
package metrics

import "sync"

// Labels are metric dimensions, e.g. {"stage": "dimension_load"}.
type Labels map[string]string

// Backend receives metric observations. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Metric names shared by the pipeline and the backends. Backends may ignore
// names they do not understand.
const (
	MetricRecordsTotal    = "dw_records_total"           // labels: kind
	MetricStageTotal      = "dw_stage_total"             // labels: stage, status
	MetricStageDuration   = "dw_stage_duration_seconds"  // labels: stage, status
	MetricBatchesTotal    = "dw_batches_total"           //
	MetricValidationTotal = "dw_validation_checks_total" // labels: rule, status
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. Passing nil restores
// the no-op default.
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

func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush forces buffered backends to submit. Backends that do not buffer
// simply do not implement the interface and Flush is a no-op.
func Flush() error {
	if f, ok := current().(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}
