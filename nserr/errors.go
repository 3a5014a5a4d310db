// Package nserr defines the engine-wide error taxonomy used by every NebulaStore
// component: configuration, initialization, I/O, consistency, space, backup and
// lifecycle failures all carry a Kind so callers can branch on category instead of
// parsing messages.
package nserr

import "fmt"

// Kind categorizes an Error. Callers should switch on Kind, never on the message.
type Kind int

const (
	// Configuration covers invalid channel counts, unknown AFS types, conflicting sizes.
	Configuration Kind = iota
	// Initialization covers failure to open/create the storage directory or transaction log.
	Initialization
	// IoReading wraps a read failure against a specific path.
	IoReading
	// IoWriting wraps a write failure against a specific path.
	IoWriting
	// IoWritingChunk wraps a write failure against a specific data file during a store.
	IoWritingChunk
	// Consistency covers data-file/log mismatches discovered during recovery.
	Consistency
	// InsufficientSpace covers a full disk or an undersized buffer.
	InsufficientSpace
	// BackupChannelIndex covers a channel index mismatch during backup.
	BackupChannelIndex
	// BackupCopying covers a copy failure during backup.
	BackupCopying
	// BackupDisabled covers backup requested while disabled.
	BackupDisabled
	// NotRunning covers an operation attempted after shutdown.
	NotRunning
	// CommitSizeExceeded covers a chunk larger than the configured maximum file size.
	CommitSizeExceeded
	// Retired covers an operation on a retired file wrapper.
	Retired
	// CleanupDisabled covers delete/consolidation attempted while the write controller forbids it.
	CleanupDisabled
	// FileInUse covers a delete attempted against a file with active users.
	FileInUse
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case Initialization:
		return "initialization"
	case IoReading:
		return "io-reading"
	case IoWriting:
		return "io-writing"
	case IoWritingChunk:
		return "io-writing-chunk"
	case Consistency:
		return "consistency"
	case InsufficientSpace:
		return "insufficient-space"
	case BackupChannelIndex:
		return "backup-channel-index"
	case BackupCopying:
		return "backup-copying"
	case BackupDisabled:
		return "backup-disabled"
	case NotRunning:
		return "not-running"
	case CommitSizeExceeded:
		return "commit-size-exceeded"
	case Retired:
		return "retired"
	case CleanupDisabled:
		return "cleanup-disabled"
	case FileInUse:
		return "file-in-use"
	default:
		return "unknown"
	}
}

// Error is the engine's structured error type. Fields beyond Kind/Message are
// optional and populated only when the Kind makes them meaningful.
type Error struct {
	Kind    Kind
	Message string

	// Path is the filesystem/AFS path related to the error, when applicable.
	Path string
	// FileNumber is the data file involved, when applicable.
	FileNumber uint64
	// Channel is the channel index involved, when applicable.
	Channel uint16
	// Required and Available describe InsufficientSpace failures.
	Required  uint64
	Available uint64
	// Actual and Maximum describe CommitSizeExceeded failures.
	Actual  uint64
	Maximum uint64

	// Cause is the underlying error, if any.
	Cause error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Path != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Path)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap allows errors.Is/errors.As to see through to Cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so callers can do
// errors.Is(err, nserr.New(nserr.NotRunning, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates a bare Error of the given Kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given Kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// IoReadingErr builds an IoReading error for path.
func IoReadingErr(path string, cause error) *Error {
	return &Error{Kind: IoReading, Message: "failed reading", Path: path, Cause: cause}
}

// IoWritingErr builds an IoWriting error for path.
func IoWritingErr(path string, cause error) *Error {
	return &Error{Kind: IoWriting, Message: "failed writing", Path: path, Cause: cause}
}

// IoWritingChunkErr builds an IoWritingChunk error for fileNumber.
func IoWritingChunkErr(fileNumber uint64, cause error) *Error {
	return &Error{Kind: IoWritingChunk, Message: "failed writing chunk", FileNumber: fileNumber, Cause: cause}
}

// CommitSizeExceededErr builds a CommitSizeExceeded error.
func CommitSizeExceededErr(actual, maximum uint64) *Error {
	return &Error{
		Kind:    CommitSizeExceeded,
		Message: fmt.Sprintf("chunk of %d bytes exceeds maximum file size %d", actual, maximum),
		Actual:  actual,
		Maximum: maximum,
	}
}

// InsufficientSpaceErr builds an InsufficientSpace error.
func InsufficientSpaceErr(required, available uint64) *Error {
	return &Error{
		Kind:      InsufficientSpace,
		Message:   fmt.Sprintf("need %d bytes, only %d available", required, available),
		Required:  required,
		Available: available,
	}
}

// NotRunningErr builds a NotRunning error naming the operation that was attempted.
func NotRunningErr(operation string) *Error {
	return &Error{Kind: NotRunning, Message: fmt.Sprintf("%s attempted after shutdown", operation)}
}

// CleanupDisabledErr builds a CleanupDisabled error.
func CleanupDisabledErr() *Error {
	return &Error{Kind: CleanupDisabled, Message: "cleanup disabled by write controller"}
}

// RetiredErr builds a Retired error for the given file number.
func RetiredErr(fileNumber uint64) *Error {
	return &Error{Kind: Retired, Message: "file is retired", FileNumber: fileNumber}
}

// FileInUseErr builds a FileInUse error for a delete attempted against a file
// that still has active users.
func FileInUseErr(fileNumber uint64) *Error {
	return &Error{Kind: FileInUse, Message: "file still has active users", FileNumber: fileNumber}
}

// ConsistencyErr builds a Consistency error.
func ConsistencyErr(message string) *Error {
	return &Error{Kind: Consistency, Message: message}
}

// ConfigurationErr builds a Configuration error.
func ConfigurationErr(message string) *Error {
	return &Error{Kind: Configuration, Message: message}
}

// InitializationErr builds an Initialization error.
func InitializationErr(message string, cause error) *Error {
	return &Error{Kind: Initialization, Message: message, Cause: cause}
}
