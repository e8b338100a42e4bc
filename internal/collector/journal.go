package collector

import (
	"context"
	"errors"

	"actindex/internal/usn"
)

var (
	// ErrJournalNotActive is returned by VolumeHandle.Query when the volume has no journal.
	ErrJournalNotActive = errors.New("change journal not active")

	// ErrCursorExpired is returned by VolumeHandle.Read when the requested USN
	// was already purged or the journal was recreated.
	ErrCursorExpired = errors.New("journal cursor no longer valid")

	// ErrUnsupportedPlatform is returned by backends that cannot open journals
	// on the running operating system.
	ErrUnsupportedPlatform = errors.New("change journal not supported on this platform")
)

// Default parameters used when a journal has to be created.
const (
	DefaultJournalMaxSize         = 32 * 1024 * 1024
	DefaultJournalAllocationDelta = 4 * 1024 * 1024
)

// JournalInfo describes the state of a volume's change journal.
type JournalInfo struct {
	JournalID       uint64
	FirstUSN        int64
	NextUSN         int64
	LowestValidUSN  int64
	MaxUSN          int64
	MaximumSize     uint64
	AllocationDelta uint64
}

// ReadRequest parameterizes one bounded journal read.
type ReadRequest struct {
	StartUSN   int64
	JournalID  uint64
	ReasonMask usn.Reason
}

// ReferenceEntry is what the OS reports for a file opened by reference number.
type ReferenceEntry struct {
	Name        string
	ParentRef   uint64
	IsDirectory bool
}

// JournalOpener opens volume handles. Implementations are platform specific.
type JournalOpener interface {
	// Open opens the named volume (e.g. "C:") for journal access.
	Open(volume string) (VolumeHandle, error)
}

// VolumeHandle is an open volume. It is owned by exactly one Monitor;
// LookupReference is additionally called from the processing loop.
type VolumeHandle interface {
	// Query returns the journal state, or ErrJournalNotActive if there is none.
	Query() (JournalInfo, error)

	// Create creates the journal, or adjusts its size if it already exists.
	Create(maxSize, allocationDelta uint64) error

	// Read fills buf with a read result starting at req.StartUSN and returns
	// the number of bytes written. The first 8 bytes are the next USN.
	Read(ctx context.Context, req ReadRequest, buf []byte) (int, error)

	// LookupReference opens a file by reference number and reports its name
	// and parent. Failure is expected for deleted or inaccessible files.
	LookupReference(frn uint64) (ReferenceEntry, error)

	// Close releases the OS handle.
	Close() error
}
