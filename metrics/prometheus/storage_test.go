package prometheus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNilReceiver_AllMethodsAreSafe(t *testing.T) {
	var m *storageMetrics // nil concrete receiver

	m.ObserveStore(0, 1024, time.Millisecond)
	m.ObserveCommit(0, time.Millisecond)
	m.ObserveRollback(0)
	m.RecordFileCount(0, 3)
	m.RecordChannelDataSize(0, 4096)
	m.ObserveHousekeepingTick("gc", time.Millisecond, "completed")
	m.RecordBytesReclaimed(128)
	m.RecordConsolidationBatch(0, 5)
}

func TestObserveStore_RecordsCounterAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	sm := newStorageMetrics(reg).(*storageMetrics)

	sm.ObserveStore(2, 4096, 5*time.Millisecond)

	metricFamilies, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	found := false
	for _, mf := range metricFamilies {
		if mf.GetName() == "nebulastore_store_operations_total" {
			found = true
			if got := mf.Metric[0].Counter.GetValue(); got != 1 {
				t.Errorf("store_operations_total = %v, want 1", got)
			}
		}
	}
	if !found {
		t.Error("nebulastore_store_operations_total not found in registry")
	}
}

func TestRecordBytesReclaimed_AccumulatesAcrossCalls(t *testing.T) {
	reg := prometheus.NewRegistry()
	sm := newStorageMetrics(reg).(*storageMetrics)

	sm.RecordBytesReclaimed(100)
	sm.RecordBytesReclaimed(50)
	sm.RecordBytesReclaimed(-10) // non-positive, must be ignored

	var got dto.Metric
	if err := sm.bytesReclaimed.Write(&got); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got.Counter.GetValue() != 150 {
		t.Errorf("bytesReclaimed = %v, want 150", got.Counter.GetValue())
	}
}
