package docsync

import "github.com/prometheus/client_golang/prometheus"

var FlushCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "docsync",
	Subsystem: "synchronizer",
	Name:      "flush_cycles",
}, []string{"collection"})

var FlushSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "docsync",
	Subsystem: "synchronizer",
	Name:      "flush_skipped",
}, []string{"collection"})

var FlushDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "docsync",
	Subsystem: "synchronizer",
	Name:      "flush_duration_seconds",
	Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
}, []string{"collection"})

var FlushedOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "docsync",
	Subsystem: "synchronizer",
	Name:      "flushed_operations",
}, []string{"collection", "kind"})

var WriteErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "docsync",
	Subsystem: "synchronizer",
	Name:      "write_errors",
}, []string{"collection", "kind"})

var DeferredRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "docsync",
	Subsystem: "synchronizer",
	Name:      "deferred_records",
}, []string{"collection", "lock"})

var IndexOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "docsync",
	Subsystem: "index_reconciler",
	Name:      "operations",
}, []string{"collection", "op", "result"})

// Collectors returns every docsync metric for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		FlushCycles,
		FlushSkipped,
		FlushDuration,
		FlushedOperations,
		WriteErrors,
		DeferredRecords,
		IndexOperations,
	}
}
