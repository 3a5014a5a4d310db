package filemanager

import "github.com/nebulastore/nebulastore/datafile"

const (
	// DefaultFileMaxSize is the default per-data-file size ceiling (100 MiB).
	DefaultFileMaxSize uint64 = 100 * 1024 * 1024
	// DefaultTransactionFileMaxSize is the default log-rotation threshold (10 MiB).
	DefaultTransactionFileMaxSize uint64 = 10 * 1024 * 1024
)

// FileEvaluator is the policy object governing rollover and dissolving
// decisions. It holds no per-file state — every method is a pure function of
// its arguments plus the evaluator's own thresholds.
type FileEvaluator struct {
	FileMaxSize            uint64
	TransactionFileMaxSize uint64
	CleanupEnabled         bool
}

// NewFileEvaluator builds an evaluator with spec.md §4.5's defaults, overridable by the caller.
func NewFileEvaluator() *FileEvaluator {
	return &FileEvaluator{
		FileMaxSize:            DefaultFileMaxSize,
		TransactionFileMaxSize: DefaultTransactionFileMaxSize,
		CleanupEnabled:         true,
	}
}

// NeedsRollover reports whether appending a chunk of chunkLen bytes to
// currentTotalLength would exceed FileMaxSize.
func (e *FileEvaluator) NeedsRollover(currentTotalLength uint64, chunkLen uint64) bool {
	return currentTotalLength+chunkLen > e.FileMaxSize
}

// NeedsDissolving implements spec.md §4.5's policy: dissolve if total_length
// exceeds the max file size, or if the file is non-empty and less than half
// its bytes are still live.
func (e *FileEvaluator) NeedsDissolving(f *datafile.DataFile) bool {
	total := f.TotalLength()
	if total > e.FileMaxSize {
		return true
	}
	return total > 0 && f.DataLength() < total/2
}
