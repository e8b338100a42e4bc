package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"actindex/internal/collector"
	"actindex/internal/usn"
)

// ErrHandleClosed is returned by FakeJournal handles after Close.
var ErrHandleClosed = errors.New("fake journal: handle closed")

// FakeJournal is an in-memory JournalOpener. Each volume serves scripted read
// results and reference lookups; open and close calls are counted so tests
// can check for leaked handles.
type FakeJournal struct {
	mu      sync.Mutex
	volumes map[string]*FakeVolume
	opens   int
	closes  int
}

func NewFakeJournal() *FakeJournal {
	return &FakeJournal{volumes: make(map[string]*FakeVolume)}
}

// AddVolume registers a volume with an active journal described by info.
func (j *FakeJournal) AddVolume(name string, info collector.JournalInfo) *FakeVolume {
	j.mu.Lock()
	defer j.mu.Unlock()
	v := &FakeVolume{
		info:    info,
		active:  true,
		refs:    make(map[uint64]collector.ReferenceEntry),
		reading: make(chan struct{}, 64),
	}
	j.volumes[name] = v
	return v
}

func (j *FakeJournal) Open(volume string) (collector.VolumeHandle, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	v, ok := j.volumes[volume]
	if !ok {
		return nil, fmt.Errorf("fake journal: no volume %s", volume)
	}
	if v.openErr != nil {
		return nil, v.openErr
	}
	j.opens++
	return &fakeHandle{journal: j, volume: v, closed: make(chan struct{})}, nil
}

// OpenHandles returns the number of handles opened and not yet closed.
func (j *FakeJournal) OpenHandles() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.opens - j.closes
}

// Opens returns the total number of successful Open calls.
func (j *FakeJournal) Opens() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.opens
}

type fakeRead struct {
	buf []byte
	err error
}

// FakeVolume is the scripted state behind one volume.
type FakeVolume struct {
	mu      sync.Mutex
	info    collector.JournalInfo
	active  bool
	creates int
	openErr error
	queue   []fakeRead
	refs    map[uint64]collector.ReferenceEntry
	lookups int
	reads   []collector.ReadRequest
	block   bool
	hang    bool
	reading chan struct{}
}

// Deactivate makes Query report that no journal exists until Create is called.
func (v *FakeVolume) Deactivate() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.active = false
}

// FailOpen makes Open fail with err.
func (v *FakeVolume) FailOpen(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.openErr = err
}

// SetInfo replaces the journal description returned by Query.
func (v *FakeVolume) SetInfo(info collector.JournalInfo) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.info = info
}

// QueueRecords queues one read result holding records, reporting next as the
// next USN.
func (v *FakeVolume) QueueRecords(next int64, records ...usn.Record) {
	v.QueueBuffer(usn.BuildReadBuffer(next, records...))
}

// QueueBuffer queues one raw read result.
func (v *FakeVolume) QueueBuffer(buf []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.queue = append(v.queue, fakeRead{buf: buf})
}

// QueueError queues one failing read.
func (v *FakeVolume) QueueError(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.queue = append(v.queue, fakeRead{err: err})
}

// SetReference makes frn resolvable by LookupReference.
func (v *FakeVolume) SetReference(frn uint64, entry collector.ReferenceEntry) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.refs[frn] = entry
}

// BlockReads makes reads with an empty queue wait for cancellation instead
// of returning an empty result.
func (v *FakeVolume) BlockReads() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.block = true
}

// HangReads makes reads with an empty queue ignore cancellation and return
// only once the handle is closed.
func (v *FakeVolume) HangReads() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.block = true
	v.hang = true
}

// Reading receives a value each time a read starts.
func (v *FakeVolume) Reading() <-chan struct{} {
	return v.reading
}

// Reads returns the requests seen so far.
func (v *FakeVolume) Reads() []collector.ReadRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]collector.ReadRequest(nil), v.reads...)
}

// Creates returns the number of Create calls.
func (v *FakeVolume) Creates() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.creates
}

type fakeHandle struct {
	journal *FakeJournal
	volume  *FakeVolume
	closed  chan struct{}
	once    sync.Once
}

func (h *fakeHandle) isClosed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

func (h *fakeHandle) Query() (collector.JournalInfo, error) {
	if h.isClosed() {
		return collector.JournalInfo{}, ErrHandleClosed
	}
	v := h.volume
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.active {
		return collector.JournalInfo{}, collector.ErrJournalNotActive
	}
	return v.info, nil
}

func (h *fakeHandle) Create(maxSize, allocationDelta uint64) error {
	if h.isClosed() {
		return ErrHandleClosed
	}
	v := h.volume
	v.mu.Lock()
	defer v.mu.Unlock()
	v.creates++
	v.active = true
	v.info.MaximumSize = maxSize
	v.info.AllocationDelta = allocationDelta
	return nil
}

func (h *fakeHandle) Read(ctx context.Context, req collector.ReadRequest, buf []byte) (int, error) {
	if h.isClosed() {
		return 0, ErrHandleClosed
	}
	v := h.volume

	v.mu.Lock()
	v.reads = append(v.reads, req)
	var next *fakeRead
	if len(v.queue) > 0 {
		next = &v.queue[0]
		v.queue = v.queue[1:]
	}
	block, hang := v.block, v.hang
	v.mu.Unlock()

	select {
	case v.reading <- struct{}{}:
	default:
	}

	if next != nil {
		if next.err != nil {
			return 0, next.err
		}
		if len(next.buf) > len(buf) {
			return 0, fmt.Errorf("fake journal: result of %d bytes exceeds buffer of %d", len(next.buf), len(buf))
		}
		return copy(buf, next.buf), nil
	}

	if !block {
		return copy(buf, usn.BuildReadBuffer(req.StartUSN)), nil
	}
	if hang {
		<-h.closed
		return 0, ErrHandleClosed
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.closed:
		return 0, ErrHandleClosed
	}
}

func (h *fakeHandle) LookupReference(frn uint64) (collector.ReferenceEntry, error) {
	if h.isClosed() {
		return collector.ReferenceEntry{}, ErrHandleClosed
	}
	v := h.volume
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lookups++
	e, ok := v.refs[frn]
	if !ok {
		return collector.ReferenceEntry{}, fmt.Errorf("fake journal: reference %#x not found", frn)
	}
	return e, nil
}

func (h *fakeHandle) Close() error {
	h.once.Do(func() {
		close(h.closed)
		h.journal.mu.Lock()
		h.journal.closes++
		h.journal.mu.Unlock()
	})
	return nil
}
