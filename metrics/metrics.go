// Package metrics defines the engine's nil-safe metrics interface and the
// indirection that lets a concrete Prometheus implementation register
// itself without metrics importing prometheus directly, avoiding an import
// cycle between this package and its concrete backend.
package metrics

import "time"

// StorageMetrics is implemented by every concrete metrics backend. Every
// method must be safe to call on a nil receiver, so callers can hold a nil
// StorageMetrics when metrics are disabled and pay zero overhead.
type StorageMetrics interface {
	ObserveStore(channel uint16, bytes int64, duration time.Duration)
	ObserveCommit(channel uint16, duration time.Duration)
	ObserveRollback(channel uint16)
	RecordFileCount(channel uint16, count int)
	RecordChannelDataSize(channel uint16, bytes int64)
	ObserveHousekeepingTick(phase string, duration time.Duration, status string)
	RecordBytesReclaimed(bytes int64)
	RecordConsolidationBatch(channel uint16, fileCount int)
}

var (
	enabled              bool
	newPrometheusMetrics func() StorageMetrics
)

// InitRegistry turns metrics collection on. Must be called before New for
// New to return a non-nil StorageMetrics.
func InitRegistry() { enabled = true }

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool { return enabled }

// New returns a StorageMetrics, or nil when metrics are disabled or no
// backend has registered itself — callers pass the nil interface straight
// through to their components, which treat a nil StorageMetrics as a no-op.
func New() StorageMetrics {
	if !enabled || newPrometheusMetrics == nil {
		return nil
	}
	return newPrometheusMetrics()
}

// RegisterConstructor is called by the prometheus backend's init() to wire
// itself in without metrics importing prometheus directly.
func RegisterConstructor(constructor func() StorageMetrics) {
	newPrometheusMetrics = constructor
}

// ObserveStore is a nil-safe convenience wrapper, mirroring the package-level
// helper style the teacher's own metrics package uses alongside its interface.
func ObserveStore(m StorageMetrics, channel uint16, bytes int64, duration time.Duration) {
	if m != nil {
		m.ObserveStore(channel, bytes, duration)
	}
}

// ObserveCommit is a nil-safe convenience wrapper.
func ObserveCommit(m StorageMetrics, channel uint16, duration time.Duration) {
	if m != nil {
		m.ObserveCommit(channel, duration)
	}
}

// ObserveRollback is a nil-safe convenience wrapper.
func ObserveRollback(m StorageMetrics, channel uint16) {
	if m != nil {
		m.ObserveRollback(channel)
	}
}

// RecordFileCount is a nil-safe convenience wrapper.
func RecordFileCount(m StorageMetrics, channel uint16, count int) {
	if m != nil {
		m.RecordFileCount(channel, count)
	}
}

// RecordChannelDataSize is a nil-safe convenience wrapper.
func RecordChannelDataSize(m StorageMetrics, channel uint16, bytes int64) {
	if m != nil {
		m.RecordChannelDataSize(channel, bytes)
	}
}

// ObserveHousekeepingTick is a nil-safe convenience wrapper.
func ObserveHousekeepingTick(m StorageMetrics, phase string, duration time.Duration, status string) {
	if m != nil {
		m.ObserveHousekeepingTick(phase, duration, status)
	}
}

// RecordBytesReclaimed is a nil-safe convenience wrapper.
func RecordBytesReclaimed(m StorageMetrics, bytes int64) {
	if m != nil {
		m.RecordBytesReclaimed(bytes)
	}
}

// RecordConsolidationBatch is a nil-safe convenience wrapper.
func RecordConsolidationBatch(m StorageMetrics, channel uint16, fileCount int) {
	if m != nil {
		m.RecordConsolidationBatch(channel, fileCount)
	}
}
