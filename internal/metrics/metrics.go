package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	totalSteps   atomic.Int64
	totalUpdates atomic.Int64
)

var (
	KVCacheUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kv_cache_updates_total",
		Help: "Total number of cache updates by layout and mode (advance, reorder)",
	}, []string{"layout", "mode"})

	KVCacheUpdateDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kv_cache_update_duration_seconds",
		Help:    "Host-side duration of a cache update, excluding queued device work",
		Buckets: []float64{1e-6, 5e-6, 1e-5, 5e-5, 1e-4, 5e-4, 1e-3, 5e-3, 1e-2, 5e-2},
	}, []string{"layout"})

	KVCacheCopyBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kv_cache_copy_bytes_total",
		Help: "Bytes copied while reordering beams",
	}, []string{"device"})

	KVCacheCopySpans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kv_cache_copy_spans_total",
		Help: "Bulk copy operations issued after span coalescing",
	}, []string{"device"})

	KVCacheAllocatedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kv_cache_allocated_bytes",
		Help: "Bytes currently held by cache allocators",
	}, []string{"device"})

	KVCacheAllocFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kv_cache_alloc_failures_total",
		Help: "Buffer allocations refused by the allocator",
	}, []string{"device"})

	KVCacheContractViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kv_cache_contract_violations_total",
		Help: "Update calls rejected before any copy",
	}, []string{"reason"})

	KVCacheSequenceLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kv_cache_sequence_length",
		Help:    "Present sequence length requested by updates",
		Buckets: []float64{16, 64, 128, 256, 512, 1024, 2048, 4096, 8192},
	})

	KVCacheSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_sessions",
		Help: "Caches constructed and not yet released",
	})

	KVCacheSnapshots = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kv_cache_snapshots_total",
		Help: "Cache snapshots written by sink (ipc, flight)",
	}, []string{"sink"})

	KVCacheSnapshotRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_snapshot_rows_total",
		Help: "Beam blocks written into snapshots",
	})

	StepDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "decode_step_duration_seconds",
		Help: "Duration of a full synthetic decode step (forward + select + update)",
	})
)

// RecordUpdate records a successful update.
func RecordUpdate(layout, mode string, newLength int, duration time.Duration) {
	KVCacheUpdates.WithLabelValues(layout, mode).Inc()
	KVCacheUpdateDuration.WithLabelValues(layout).Observe(duration.Seconds())
	KVCacheSequenceLength.Observe(float64(newLength))
	totalUpdates.Add(1)
}

// RecordCopy records bytes moved and copy operations issued by a reorder.
func RecordCopy(device string, bytes int64, spans int) {
	KVCacheCopyBytes.WithLabelValues(device).Add(float64(bytes))
	KVCacheCopySpans.WithLabelValues(device).Add(float64(spans))
}

func RecordAllocated(device string, bytes int64) {
	KVCacheAllocatedBytes.WithLabelValues(device).Set(float64(bytes))
}

func RecordAllocFailure(device string) {
	KVCacheAllocFailures.WithLabelValues(device).Inc()
}

func RecordContractViolation(reason string) {
	KVCacheContractViolations.WithLabelValues(reason).Inc()
}

func RecordSessionOpened() {
	KVCacheSessions.Inc()
}

func RecordSessionClosed() {
	KVCacheSessions.Dec()
}

func RecordSnapshot(sink string, rows int) {
	KVCacheSnapshots.WithLabelValues(sink).Inc()
	KVCacheSnapshotRows.Add(float64(rows))
}

func RecordStep(duration time.Duration) {
	StepDuration.Observe(duration.Seconds())
	totalSteps.Add(1)
}

// TotalUpdates is the number of updates recorded by this process.
func TotalUpdates() int64 {
	return totalUpdates.Load()
}

// TotalSteps is the number of decode steps recorded by this process.
func TotalSteps() int64 {
	return totalSteps.Load()
}
