// Package prometheus implements metrics.StorageMetrics on top of
// client_golang, following the same promauto-construction style as every
// other concrete backend in the pack.
package prometheus

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nebulastore/nebulastore/metrics"
)

func init() {
	metrics.RegisterConstructor(func() metrics.StorageMetrics {
		return newStorageMetrics(prometheus.DefaultRegisterer)
	})
}

type storageMetrics struct {
	storeOperations  *prometheus.CounterVec
	storeDuration    *prometheus.HistogramVec
	storeBytes       *prometheus.HistogramVec
	commitDuration   *prometheus.HistogramVec
	rollbackTotal    *prometheus.CounterVec
	fileCount        *prometheus.GaugeVec
	channelDataSize  *prometheus.GaugeVec
	housekeepingTick *prometheus.HistogramVec
	bytesReclaimed   prometheus.Counter
	consolidationLen *prometheus.HistogramVec
}

func newStorageMetrics(reg prometheus.Registerer) metrics.StorageMetrics {
	return &storageMetrics{
		storeOperations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nebulastore_store_operations_total",
				Help: "Total number of store_chunks calls per channel",
			},
			[]string{"channel"},
		),
		storeDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nebulastore_store_duration_milliseconds",
				Help:    "Duration of store_chunks calls",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000},
			},
			[]string{"channel"},
		),
		storeBytes: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nebulastore_store_bytes",
				Help:    "Distribution of bytes stored per call",
				Buckets: []float64{4096, 32768, 131072, 524288, 1048576, 4194304, 10485760},
			},
			[]string{"channel"},
		),
		commitDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nebulastore_commit_duration_milliseconds",
				Help:    "Duration of commit_write calls",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000},
			},
			[]string{"channel"},
		),
		rollbackTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nebulastore_rollback_total",
				Help: "Total number of rollback_write calls per channel",
			},
			[]string{"channel"},
		),
		fileCount: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nebulastore_channel_file_count",
				Help: "Current tracked data file count per channel",
			},
			[]string{"channel"},
		),
		channelDataSize: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nebulastore_channel_data_size_bytes",
				Help: "Current total data size per channel",
			},
			[]string{"channel"},
		),
		housekeepingTick: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nebulastore_housekeeping_tick_duration_milliseconds",
				Help:    "Duration of each housekeeping sub-phase",
				Buckets: []float64{0.1, 1, 5, 10, 50, 100, 500},
			},
			[]string{"phase", "status"},
		),
		bytesReclaimed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "nebulastore_housekeeping_bytes_reclaimed_total",
				Help: "Total bytes reclaimed by garbage collection",
			},
		),
		consolidationLen: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nebulastore_consolidation_batch_files",
				Help:    "Distribution of file counts per consolidation batch",
				Buckets: []float64{1, 2, 3, 4, 5},
			},
			[]string{"channel"},
		),
	}
}

func channelLabel(channel uint16) string { return fmt.Sprintf("%d", channel) }

func (m *storageMetrics) ObserveStore(channel uint16, bytes int64, duration time.Duration) {
	if m == nil {
		return
	}
	label := channelLabel(channel)
	m.storeOperations.WithLabelValues(label).Inc()
	m.storeDuration.WithLabelValues(label).Observe(float64(duration.Milliseconds()))
	if bytes > 0 {
		m.storeBytes.WithLabelValues(label).Observe(float64(bytes))
	}
}

func (m *storageMetrics) ObserveCommit(channel uint16, duration time.Duration) {
	if m == nil {
		return
	}
	m.commitDuration.WithLabelValues(channelLabel(channel)).Observe(float64(duration.Milliseconds()))
}

func (m *storageMetrics) ObserveRollback(channel uint16) {
	if m == nil {
		return
	}
	m.rollbackTotal.WithLabelValues(channelLabel(channel)).Inc()
}

func (m *storageMetrics) RecordFileCount(channel uint16, count int) {
	if m == nil {
		return
	}
	m.fileCount.WithLabelValues(channelLabel(channel)).Set(float64(count))
}

func (m *storageMetrics) RecordChannelDataSize(channel uint16, bytes int64) {
	if m == nil {
		return
	}
	m.channelDataSize.WithLabelValues(channelLabel(channel)).Set(float64(bytes))
}

func (m *storageMetrics) ObserveHousekeepingTick(phase string, duration time.Duration, status string) {
	if m == nil {
		return
	}
	m.housekeepingTick.WithLabelValues(phase, status).Observe(float64(duration.Milliseconds()))
}

func (m *storageMetrics) RecordBytesReclaimed(bytes int64) {
	if m == nil || bytes <= 0 {
		return
	}
	m.bytesReclaimed.Add(float64(bytes))
}

func (m *storageMetrics) RecordConsolidationBatch(channel uint16, fileCount int) {
	if m == nil {
		return
	}
	m.consolidationLen.WithLabelValues(channelLabel(channel)).Observe(float64(fileCount))
}
