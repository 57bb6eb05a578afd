package metrics

import (
	"testing"
	"time"
)

func TestRecordKVCacheStats(t *testing.T) {
	RecordKVCacheStats(1024*1024, 256*1024)
	RecordKVCacheStats(1024*1024, 512*1024)
	// Gauges update in place - just verify no panic.
}

func TestObserveKernel(t *testing.T) {
	ObserveKernel("prefill_paged", 5*time.Millisecond)
	ObserveKernel("decode", 500*time.Microsecond)
	ObserveKernel("prefill_latent", 2*time.Millisecond)
}

func TestCounters(t *testing.T) {
	AppendedTokens.Add(16)
	SkippedTokens.Add(2)
	PageCopies.Inc()
	CompactedSlots.Add(8)
	KVLengthHistogram.Observe(2048)
}
