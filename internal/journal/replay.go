package journal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"actindex/internal/collector"
	"actindex/internal/usn"
)

// minRecordLength is the smallest length a journal record can declare.
// Smaller values are treated as padding.
const minRecordLength = 8

var errNoReferenceLookup = errors.New("reference lookup not available for replayed journals")

// ReplayOpener serves journals from $J streams extracted from NTFS volumes.
// In an extracted stream the USN of a record is its byte offset, and the
// purged head of the journal is a run of zeros.
type ReplayOpener struct {
	files map[string]string
}

// NewReplayOpener creates an opener for the given volume -> file mapping.
func NewReplayOpener(files map[string]string) *ReplayOpener {
	m := make(map[string]string, len(files))
	for vol, p := range files {
		m[normalizeVolume(vol)] = p
	}
	return &ReplayOpener{files: m}
}

// Open opens the stream configured for volume.
func (o *ReplayOpener) Open(volume string) (collector.VolumeHandle, error) {
	p, ok := o.files[normalizeVolume(volume)]
	if !ok {
		return nil, fmt.Errorf("no replay file configured for volume %s", volume)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return nil, fmt.Errorf("resolving replay file %s: %w", p, err)
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("opening replay file for %s: %w", volume, err)
	}

	h := fnv.New64a()
	h.Write([]byte(abs))
	return &replayHandle{volume: volume, f: f, id: h.Sum64()}, nil
}

func normalizeVolume(v string) string {
	return strings.ToUpper(strings.TrimRight(v, `\`))
}

type replayHandle struct {
	volume string
	f      *os.File
	id     uint64

	mu      sync.Mutex
	scratch []byte
}

func (h *replayHandle) Query() (collector.JournalInfo, error) {
	fi, err := h.f.Stat()
	if err != nil {
		return collector.JournalInfo{}, fmt.Errorf("stat replay file for %s: %w", h.volume, err)
	}
	size := fi.Size()
	first, err := h.firstRecord(size)
	if err != nil {
		return collector.JournalInfo{}, err
	}
	return collector.JournalInfo{
		JournalID:      h.id,
		FirstUSN:       first,
		NextUSN:        size,
		LowestValidUSN: first,
		MaxUSN:         math.MaxInt64,
		MaximumSize:    uint64(size),
	}, nil
}

// firstRecord returns the offset of the first non-padding word, or size if
// the stream holds no records.
func (h *replayHandle) firstRecord(size int64) (int64, error) {
	chunk := make([]byte, 64*1024)
	for pos := int64(0); pos < size; pos += int64(len(chunk)) {
		n, err := h.f.ReadAt(chunk, pos)
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("scanning replay file for %s: %w", h.volume, err)
		}
		for p := 0; p+4 <= n; p += 8 {
			if binary.LittleEndian.Uint32(chunk[p:]) >= minRecordLength {
				return pos + int64(p), nil
			}
		}
		if n < len(chunk) {
			break
		}
	}
	return size, nil
}

// Create is a no-op: a replayed journal always exists.
func (h *replayHandle) Create(uint64, uint64) error {
	return nil
}

// Read copies the whole records starting at or after req.StartUSN that fit
// into buf. At the end of the stream it returns no records and the start
// position as the next USN, so callers keep polling a growing file.
func (h *replayHandle) Read(ctx context.Context, req collector.ReadRequest, buf []byte) (int, error) {
	if len(buf) < 8+minRecordLength {
		return 0, fmt.Errorf("read buffer of %d bytes too small", len(buf))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if cap(h.scratch) < len(buf)-8 {
		h.scratch = make([]byte, len(buf)-8)
	}
	chunk := h.scratch[:len(buf)-8]

	le := binary.LittleEndian
	pos := req.StartUSN
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		n, err := h.f.ReadAt(chunk, pos)
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("read replay file for %s at %d: %w", h.volume, pos, err)
		}
		data := chunk[:n]
		eof := n < len(chunk)

		skip := 0
		for skip+4 <= len(data) && le.Uint32(data[skip:]) < minRecordLength {
			skip += 8
		}
		if skip+4 > len(data) {
			// Only padding in this window.
			if eof {
				le.PutUint64(buf, uint64(pos+int64(min(skip, len(data)))))
				return 8, nil
			}
			pos += int64(skip)
			continue
		}

		out := 8
		p := skip
		for p+4 <= len(data) {
			length := int(le.Uint32(data[p:]))
			if length < minRecordLength || p+length > len(data) {
				break
			}
			rec := data[p : p+length]
			if keepRecord(rec, req.ReasonMask) {
				out += copy(buf[out:], rec)
			}
			p += length
		}

		if p == skip && !eof {
			if skip > 0 {
				pos += int64(skip)
				continue
			}
			return 0, fmt.Errorf("record at %d of replay file for %s is larger than the read buffer", pos, h.volume)
		}
		le.PutUint64(buf, uint64(pos+int64(p)))
		return out, nil
	}
}

// keepRecord applies the reason mask the way the OS does. Records that do
// not decode are passed through so the caller can count them.
func keepRecord(rec []byte, mask usn.Reason) bool {
	if mask == 0 {
		return true
	}
	r, _, err := usn.Decode(rec, 0)
	if err != nil {
		return true
	}
	return r.Reason&mask != 0
}

func (h *replayHandle) LookupReference(frn uint64) (collector.ReferenceEntry, error) {
	return collector.ReferenceEntry{}, fmt.Errorf("lookup %#x on %s: %w", frn, h.volume, errNoReferenceLookup)
}

func (h *replayHandle) Close() error {
	return h.f.Close()
}
