package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordUpdate(t *testing.T) {
	before := testutil.ToFloat64(KVCacheUpdates.WithLabelValues("fused", "reorder"))
	total := TotalUpdates()

	RecordUpdate("fused", "reorder", 128, 50*time.Microsecond)
	RecordUpdate("fused", "reorder", 129, 40*time.Microsecond)

	after := testutil.ToFloat64(KVCacheUpdates.WithLabelValues("fused", "reorder"))
	if after-before != 2 {
		t.Errorf("expected 2 reorder updates, got %v", after-before)
	}
	if TotalUpdates()-total != 2 {
		t.Errorf("expected TotalUpdates to advance by 2, got %d", TotalUpdates()-total)
	}
}

func TestRecordCopy(t *testing.T) {
	bytesBefore := testutil.ToFloat64(KVCacheCopyBytes.WithLabelValues("cpu"))
	spansBefore := testutil.ToFloat64(KVCacheCopySpans.WithLabelValues("cpu"))

	RecordCopy("cpu", 4096, 3)

	if got := testutil.ToFloat64(KVCacheCopyBytes.WithLabelValues("cpu")) - bytesBefore; got != 4096 {
		t.Errorf("expected 4096 bytes, got %v", got)
	}
	if got := testutil.ToFloat64(KVCacheCopySpans.WithLabelValues("cpu")) - spansBefore; got != 3 {
		t.Errorf("expected 3 spans, got %v", got)
	}
}

func TestRecordAllocated(t *testing.T) {
	RecordAllocated("stream", 1<<20)
	RecordAllocated("stream", 1<<10)

	if got := testutil.ToFloat64(KVCacheAllocatedBytes.WithLabelValues("stream")); got != 1<<10 {
		t.Errorf("gauge should hold the latest value, got %v", got)
	}
}

func TestRecordFailures(t *testing.T) {
	before := testutil.ToFloat64(KVCacheContractViolations.WithLabelValues("mapping_size"))
	RecordContractViolation("mapping_size")
	if got := testutil.ToFloat64(KVCacheContractViolations.WithLabelValues("mapping_size")) - before; got != 1 {
		t.Errorf("expected one violation, got %v", got)
	}

	RecordAllocFailure("cpu")
}

func TestSessionsGauge(t *testing.T) {
	before := testutil.ToFloat64(KVCacheSessions)
	RecordSessionOpened()
	RecordSessionOpened()
	RecordSessionClosed()
	if got := testutil.ToFloat64(KVCacheSessions) - before; got != 1 {
		t.Errorf("expected one open session, got %v", got)
	}
	RecordSessionClosed()
}

func TestRecordSnapshotAndStep(t *testing.T) {
	steps := TotalSteps()
	RecordSnapshot("ipc", 12)
	RecordStep(2 * time.Millisecond)
	if TotalSteps() != steps+1 {
		t.Errorf("expected TotalSteps to advance")
	}
}
