package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_capacity_bytes",
		Help: "Total bytes reserved for KV pages across all layers",
	})

	KVCacheUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_used_bytes",
		Help: "Bytes of KV pages currently holding live tokens",
	})

	AppendedTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_appended_tokens_total",
		Help: "Tokens written into cache pages",
	})

	SkippedTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_skipped_tokens_total",
		Help: "Append entries carrying the skip sentinel",
	})

	PageCopies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_page_copies_total",
		Help: "Full-page copies performed (copy-on-write forks)",
	})

	CompactedSlots = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_compacted_slots_total",
		Help: "Token slots moved by compacting copies",
	})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "attention_kernel_duration_seconds",
		Help:    "Attention kernel execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"kernel"})

	KVLengthHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attention_kv_length_tokens",
		Help:    "Distribution of per-sequence KV lengths seen by the kernels",
		Buckets: []float64{16, 64, 256, 1024, 4096, 16384, 65536},
	})
)

// RecordKVCacheStats sets the capacity and usage gauges in one shot.
func RecordKVCacheStats(capacityBytes, usedBytes int64) {
	KVCacheCapacityBytes.Set(float64(capacityBytes))
	KVCacheUsedBytes.Set(float64(usedBytes))
}

// ObserveKernel records one kernel invocation duration.
func ObserveKernel(kernel string, d time.Duration) {
	KernelDuration.WithLabelValues(kernel).Observe(d.Seconds())
}
