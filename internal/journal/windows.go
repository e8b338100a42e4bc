//go:build windows

package journal

import (
	"context"
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"actindex/internal/collector"
	"actindex/internal/usn"
)

// Volume control codes.
const (
	fsctlQueryUSNJournal  = 0x000900f4
	fsctlCreateUSNJournal = 0x000900e7
	fsctlReadUSNJournal   = 0x000900bb
	fsctlReadFileUSNData  = 0x000900eb
)

const (
	errJournalDeleteInProgress windows.Errno = 1178
	errJournalNotActive        windows.Errno = 1179
	errJournalEntryDeleted     windows.Errno = 1181

	fileIDType = 0
)

var (
	modkernel32      = windows.NewLazySystemDLL("kernel32.dll")
	procOpenFileByID = modkernel32.NewProc("OpenFileById")
)

type usnJournalData struct {
	UsnJournalID    uint64
	FirstUsn        int64
	NextUsn         int64
	LowestValidUsn  int64
	MaxUsn          int64
	MaximumSize     uint64
	AllocationDelta uint64
}

type createUSNJournalData struct {
	MaximumSize     uint64
	AllocationDelta uint64
}

type readUSNJournalData struct {
	StartUsn          int64
	ReasonMask        uint32
	ReturnOnlyOnClose uint32
	Timeout           uint64
	BytesToWaitFor    uint64
	UsnJournalID      uint64
}

type fileIDDescriptor struct {
	Size   uint32
	Type   uint32
	FileID uint64
	_      uint64
}

// osOpener opens NTFS volumes through the Win32 device interface. Opening a
// volume requires administrative rights.
type osOpener struct{}

func newOSOpener() collector.JournalOpener { return osOpener{} }

func (osOpener) Open(volume string) (collector.VolumeHandle, error) {
	path, err := windows.UTF16PtrFromString(`\\.\` + volume)
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateFile(path,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil, windows.OPEN_EXISTING, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("CreateFile %s: %w", volume, err)
	}
	return &volumeHandle{volume: volume, h: h}, nil
}

type volumeHandle struct {
	volume string
	h      windows.Handle
}

func (v *volumeHandle) Query() (collector.JournalInfo, error) {
	var data usnJournalData
	var n uint32
	err := windows.DeviceIoControl(v.h, fsctlQueryUSNJournal, nil, 0,
		(*byte)(unsafe.Pointer(&data)), uint32(unsafe.Sizeof(data)), &n, nil)
	if err != nil {
		if errors.Is(err, errJournalNotActive) || errors.Is(err, errJournalDeleteInProgress) {
			return collector.JournalInfo{}, collector.ErrJournalNotActive
		}
		return collector.JournalInfo{}, fmt.Errorf("query journal on %s: %w", v.volume, err)
	}
	return collector.JournalInfo{
		JournalID:       data.UsnJournalID,
		FirstUSN:        data.FirstUsn,
		NextUSN:         data.NextUsn,
		LowestValidUSN:  data.LowestValidUsn,
		MaxUSN:          data.MaxUsn,
		MaximumSize:     data.MaximumSize,
		AllocationDelta: data.AllocationDelta,
	}, nil
}

func (v *volumeHandle) Create(maxSize, allocationDelta uint64) error {
	in := createUSNJournalData{MaximumSize: maxSize, AllocationDelta: allocationDelta}
	var n uint32
	err := windows.DeviceIoControl(v.h, fsctlCreateUSNJournal,
		(*byte)(unsafe.Pointer(&in)), uint32(unsafe.Sizeof(in)), nil, 0, &n, nil)
	if err != nil {
		return fmt.Errorf("create journal on %s: %w", v.volume, err)
	}
	return nil
}

// Read does not wait for new records; the caller polls.
func (v *volumeHandle) Read(ctx context.Context, req collector.ReadRequest, buf []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	in := readUSNJournalData{
		StartUsn:     req.StartUSN,
		ReasonMask:   uint32(req.ReasonMask),
		UsnJournalID: req.JournalID,
	}
	var n uint32
	err := windows.DeviceIoControl(v.h, fsctlReadUSNJournal,
		(*byte)(unsafe.Pointer(&in)), uint32(unsafe.Sizeof(in)),
		&buf[0], uint32(len(buf)), &n, nil)
	if err != nil {
		if errors.Is(err, errJournalEntryDeleted) || errors.Is(err, errJournalNotActive) || errors.Is(err, errJournalDeleteInProgress) {
			return 0, fmt.Errorf("read journal on %s at %d: %w", v.volume, req.StartUSN, collector.ErrCursorExpired)
		}
		return 0, fmt.Errorf("read journal on %s at %d: %w", v.volume, req.StartUSN, err)
	}
	return int(n), nil
}

func (v *volumeHandle) LookupReference(frn uint64) (collector.ReferenceEntry, error) {
	desc := fileIDDescriptor{Type: fileIDType, FileID: frn}
	desc.Size = uint32(unsafe.Sizeof(desc))

	r, _, callErr := procOpenFileByID.Call(
		uintptr(v.h),
		uintptr(unsafe.Pointer(&desc)),
		uintptr(windows.FILE_READ_ATTRIBUTES),
		uintptr(windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE),
		0,
		uintptr(windows.FILE_FLAG_BACKUP_SEMANTICS),
	)
	fh := windows.Handle(r)
	if fh == windows.InvalidHandle {
		return collector.ReferenceEntry{}, fmt.Errorf("OpenFileById %#x: %w", frn, callErr)
	}
	defer windows.CloseHandle(fh)

	buf := make([]byte, 1024)
	var n uint32
	if err := windows.DeviceIoControl(fh, fsctlReadFileUSNData, nil, 0, &buf[0], uint32(len(buf)), &n, nil); err != nil {
		return collector.ReferenceEntry{}, fmt.Errorf("read usn data of %#x: %w", frn, err)
	}
	rec, _, err := usn.Decode(buf[:n], 0)
	if err != nil {
		return collector.ReferenceEntry{}, fmt.Errorf("decode usn data of %#x: %w", frn, err)
	}
	return collector.ReferenceEntry{
		Name:        rec.FileName,
		ParentRef:   rec.ParentFileReferenceNumber,
		IsDirectory: rec.IsDirectory(),
	}, nil
}

func (v *volumeHandle) Close() error {
	return windows.CloseHandle(v.h)
}
