// Package housekeeping implements the periodic, time-budgeted maintenance
// loop (C6): garbage collection of orphan files, consolidation of small data
// files, and an optimization placeholder. One Manager runs across every
// channel of a storage instance.
package housekeeping

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nebulastore/nebulastore/datafile"
	"github.com/nebulastore/nebulastore/filemanager"
	"github.com/nebulastore/nebulastore/metrics"
)

// Status is the outcome of one sub-phase or of a full tick.
type Status int

const (
	StatusInProgress Status = iota
	StatusCompleted
	StatusTimeBudgetExceeded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusInProgress:
		return "in-progress"
	case StatusCompleted:
		return "completed"
	case StatusTimeBudgetExceeded:
		return "time-budget-exceeded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Budget controls the scheduler's ticker cadence and the time allotted to
// each tick's three sub-phases.
type Budget struct {
	Interval     time.Duration
	PerRunBudget time.Duration
}

// DefaultBudget matches spec.md §6's default 10ms per-run housekeeping budget.
func DefaultBudget() Budget {
	return Budget{Interval: time.Minute, PerRunBudget: 10 * time.Millisecond}
}

// ConsolidationBatch is the concrete shape of spec.md §4.6's "enqueue a
// consolidation task" language: a group of small source files slated to be
// merged into a fresh file on a subsequent transaction.
type ConsolidationBatch struct {
	ID          string
	Channel     uint16
	SourceFiles []uint64
	TotalBytes  uint64
	State       ConsolidationState
}

// ConsolidationState tracks a ConsolidationBatch's lifecycle.
type ConsolidationState int

const (
	ConsolidationPending ConsolidationState = iota
	ConsolidationTransferring
	ConsolidationDone
	ConsolidationFailed
)

const consolidationThreshold = 1 * 1024 * 1024 // 1 MiB, per spec.md §4.6
const consolidationBatchSize = 5

// Result is the outcome of one PerformTimeBudgetedHousekeeping or
// PerformFullHousekeeping call.
type Result struct {
	GC            PhaseResult
	Consolidation PhaseResult
	Optimization  PhaseResult
}

// PhaseResult is one sub-phase's outcome.
type PhaseResult struct {
	Status Status
	Cause  error
}

// counters are the monotonic, atomically updated statistics spec.md §4.6 requires.
type counters struct {
	totalGC                uint64
	totalConsolidations    uint64
	totalBytesReclaimed    uint64
	filesDeleted           uint64
	optimizationsPerformed uint64
	lastRunUnixNano        int64
}

// Manager runs the periodic housekeeping scheduler across every channel. The
// ticker callback must never run reentrantly — tickRunning is a try-lock CAS
// flag that skips an overlapping tick rather than queuing it, mirroring the
// teacher's started/stopCh lifecycle guard in its background uploader.
type Manager struct {
	channels []*filemanager.FileManager
	budget   Budget
	metrics  metrics.StorageMetrics

	counters counters

	mu                   sync.Mutex
	started              bool
	stopCh               chan struct{}
	stoppedCh            chan struct{}
	tickRunning          atomic.Bool
	consolidationBatches []ConsolidationBatch
}

// New builds a Manager over the given channels. m may be nil, in which case
// every observation below is a no-op.
func New(channels []*filemanager.FileManager, budget Budget, m metrics.StorageMetrics) *Manager {
	return &Manager{channels: channels, budget: budget, metrics: m}
}

// Start begins the periodic ticker. Safe to call only once.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.stopCh = make(chan struct{})
	m.stoppedCh = make(chan struct{})
	m.mu.Unlock()

	go m.loop(ctx)
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.stoppedCh)

	ticker := time.NewTicker(m.budget.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.tickRunning.CompareAndSwap(false, true) {
				continue // previous tick still in flight: skip, don't queue
			}
			m.PerformTimeBudgetedHousekeeping(ctx, m.budget)
			m.tickRunning.Store(false)
		}
	}
}

// Stop signals the scheduler to exit and waits up to timeout for it to do so.
func (m *Manager) Stop(timeout time.Duration) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	stopCh := m.stopCh
	stoppedCh := m.stoppedCh
	m.mu.Unlock()

	select {
	case <-stopCh:
	default:
		close(stopCh)
	}

	select {
	case <-stoppedCh:
	case <-time.After(timeout):
	}
}

// PerformTimeBudgetedHousekeeping runs GC (40% of budget), consolidation
// (40% of what's left), then optimization (the remainder), per spec.md
// §4.6. A budget of zero completes immediately having done no work.
func (m *Manager) PerformTimeBudgetedHousekeeping(ctx context.Context, budget Budget) Result {
	if budget.PerRunBudget <= 0 {
		return Result{
			GC:            PhaseResult{Status: StatusCompleted},
			Consolidation: PhaseResult{Status: StatusCompleted},
			Optimization:  PhaseResult{Status: StatusCompleted},
		}
	}

	gcBudget := time.Duration(float64(budget.PerRunBudget) * 0.4)
	remaining := budget.PerRunBudget - gcBudget
	consolidationBudget := time.Duration(float64(remaining) * 0.4)

	now := time.Now()
	gcDeadline := now.Add(gcBudget)
	consDeadline := now.Add(gcBudget + consolidationBudget)
	optDeadline := now.Add(budget.PerRunBudget)

	gcResult := m.runPhase("gc", func() Status { return m.garbageCollect(ctx, gcDeadline) })
	consResult := m.runPhase("consolidation", func() Status { return m.consolidate(ctx, consDeadline) })
	optResult := m.runPhase("optimization", func() Status { return m.optimize(ctx, optDeadline) })

	atomic.StoreInt64(&m.counters.lastRunUnixNano, time.Now().UnixNano())

	return Result{GC: gcResult, Consolidation: consResult, Optimization: optResult}
}

// runPhase gives every sub-phase uniform Failed-status recovery from a
// panic, so one misbehaving phase ends its own tick cleanly rather than
// taking the scheduler goroutine down with it.
func (m *Manager) runPhase(name string, fn func() Status) (result PhaseResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = PhaseResult{Status: StatusFailed, Cause: fmt.Errorf("%s panicked: %v", name, r)}
		}
		metrics.ObserveHousekeepingTick(m.metrics, name, time.Since(start), result.Status.String())
	}()
	return PhaseResult{Status: fn()}
}

// PerformFullHousekeeping runs the same three phases with an effectively
// unbounded budget; used during shutdown or on explicit request.
func (m *Manager) PerformFullHousekeeping(ctx context.Context) Result {
	const unbounded = 365 * 24 * time.Hour
	return m.PerformTimeBudgetedHousekeeping(ctx, Budget{PerRunBudget: unbounded})
}

func deadlineExceeded(deadline time.Time) bool {
	return !deadline.IsZero() && time.Now().After(deadline)
}

// garbageCollect deletes orphan files (*.tmp, *.bak, *.corrupted.*) under
// every channel directory, accumulating bytes_reclaimed and files_deleted.
func (m *Manager) garbageCollect(ctx context.Context, deadline time.Time) Status {
	status := StatusCompleted
	for _, fm := range m.channels {
		conn := fm.Connector()
		entries, err := conn.ListFiles(ctx, fm.Dir())
		if err != nil {
			return StatusFailed
		}
		for _, entry := range entries {
			if deadlineExceeded(deadline) {
				return StatusTimeBudgetExceeded
			}
			if !isOrphan(entry.Name) {
				continue
			}
			path, err := fm.Dir().Child(entry.Name)
			if err != nil {
				continue
			}
			if err := conn.DeleteFile(ctx, path); err != nil {
				status = StatusFailed
				continue
			}
			atomic.AddUint64(&m.counters.totalBytesReclaimed, entry.Size)
			atomic.AddUint64(&m.counters.filesDeleted, 1)
			metrics.RecordBytesReclaimed(m.metrics, int64(entry.Size))
		}
	}
	atomic.AddUint64(&m.counters.totalGC, 1)
	return status
}

func isOrphan(name string) bool {
	if strings.HasSuffix(name, ".tmp") || strings.HasSuffix(name, ".bak") {
		return true
	}
	base := filepath.Base(name)
	return strings.Contains(base, ".corrupted.")
}

// consolidate groups data files smaller than consolidationThreshold into
// batches of up to consolidationBatchSize and enqueues a ConsolidationBatch
// for each group whose files are all free of active users. Channels whose
// write controller has cleanup disabled are skipped. The actual
// merge — transferring entries into a fresh file and deleting the sources —
// is a follow-up transaction left to the File Manager, consistent with
// spec.md §4.6's "actual merge is a follow-up transaction" note.
func (m *Manager) consolidate(ctx context.Context, deadline time.Time) Status {
	status := StatusCompleted
	var batches []ConsolidationBatch
	for _, fm := range m.channels {
		if deadlineExceeded(deadline) {
			return StatusTimeBudgetExceeded
		}
		if err := fm.Controller().ValidateCleanupEnabled(); err != nil {
			continue
		}

		var candidates []uint64
		_ = fm.IterateStorageFiles(ctx, func(f *datafile.DataFile) error {
			if f.TotalLength() < consolidationThreshold && f.TotalLength() > 0 {
				candidates = append(candidates, f.FileNumber())
			}
			return nil
		})

		for start := 0; start < len(candidates); start += consolidationBatchSize {
			if deadlineExceeded(deadline) {
				return StatusTimeBudgetExceeded
			}
			end := start + consolidationBatchSize
			if end > len(candidates) {
				end = len(candidates)
			}
			group := candidates[start:end]

			allFree := true
			var totalBytes uint64
			for _, number := range group {
				f, ok := fm.File(number)
				if !ok || !f.CanDelete() {
					allFree = false
					break
				}
				totalBytes += f.TotalLength()
			}
			if !allFree {
				continue // a user holds one of these files: skip the group
			}

			batches = append(batches, ConsolidationBatch{
				ID:          uuid.NewString(),
				Channel:     fm.Channel(),
				SourceFiles: append([]uint64(nil), group...),
				TotalBytes:  totalBytes,
				State:       ConsolidationPending,
			})
			atomic.AddUint64(&m.counters.totalConsolidations, 1)
			metrics.RecordConsolidationBatch(m.metrics, fm.Channel(), len(group))
		}
	}

	m.mu.Lock()
	m.consolidationBatches = batches
	m.mu.Unlock()

	return status
}

// LastConsolidationBatches returns the batches enqueued by the most recent
// consolidation phase.
func (m *Manager) LastConsolidationBatches() []ConsolidationBatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ConsolidationBatch(nil), m.consolidationBatches...)
}

// optimize is the defragmentation/index-reorg placeholder spec.md §9 flags
// as unimplemented in the source; rather than silently replicate an
// unimplemented phase, it is an explicit no-op that still records the
// counter spec.md names, so callers can see it ran without claiming it did
// real defragmentation work.
func (m *Manager) optimize(_ context.Context, _ time.Time) Status {
	atomic.AddUint64(&m.counters.optimizationsPerformed, 1)
	return StatusCompleted
}

// Stats is a read-only snapshot of the monotonic counters.
type Stats struct {
	TotalGC                uint64
	TotalConsolidations    uint64
	TotalBytesReclaimed    uint64
	FilesDeleted           uint64
	OptimizationsPerformed uint64
	LastRun                time.Time
}

// Stats returns the current monotonic counters.
func (m *Manager) Stats() Stats {
	lastRunNano := atomic.LoadInt64(&m.counters.lastRunUnixNano)
	var lastRun time.Time
	if lastRunNano != 0 {
		lastRun = time.Unix(0, lastRunNano)
	}
	return Stats{
		TotalGC:                atomic.LoadUint64(&m.counters.totalGC),
		TotalConsolidations:    atomic.LoadUint64(&m.counters.totalConsolidations),
		TotalBytesReclaimed:    atomic.LoadUint64(&m.counters.totalBytesReclaimed),
		FilesDeleted:           atomic.LoadUint64(&m.counters.filesDeleted),
		OptimizationsPerformed: atomic.LoadUint64(&m.counters.optimizationsPerformed),
		LastRun:                lastRun,
	}
}
