// Package usn decodes NTFS change-journal (USN) records as returned by
// FSCTL_READ_USN_JOURNAL and FSCTL_READ_FILE_USN_DATA.
//
// A read buffer starts with the 8-byte next USN followed by a packed
// sequence of variable-length records. Each record is self-describing
// through its RecordLength, which lets the decoder step over records it
// does not understand.
package usn

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
	"unicode/utf16"
)

var (
	// ErrEndOfBuffer signals that no further records are present.
	ErrEndOfBuffer = errors.New("end of record buffer")

	// ErrTruncated signals a record that claims to extend past the buffer.
	// The remainder of the buffer cannot be trusted.
	ErrTruncated = errors.New("truncated record")

	// ErrUnsupportedVersion signals a record whose major version is not 2 or 3.
	// The record can be skipped using its declared length.
	ErrUnsupportedVersion = errors.New("unsupported record version")

	// ErrMalformed signals a record whose internal offsets are inconsistent.
	// The record can be skipped using its declared length.
	ErrMalformed = errors.New("malformed record")
)

// InvalidName replaces file names whose UTF-16 encoding cannot be decoded.
const InvalidName = "<invalid-utf16-name>"

const (
	v2HeaderSize = 60
	v3HeaderSize = 76

	// filetimeEpochDelta is the number of 100ns ticks between 1601-01-01 and 1970-01-01.
	filetimeEpochDelta = 116444736000000000
)

// Record is one decoded journal record.
type Record struct {
	Length                    uint32
	MajorVersion              uint16
	MinorVersion              uint16
	FileReferenceNumber       uint64
	ParentFileReferenceNumber uint64
	USN                       int64
	Timestamp                 time.Time
	Reason                    Reason
	SourceInfo                uint32
	SecurityID                uint32
	FileAttributes            Attributes
	FileName                  string
}

// IsDirectory reports whether the record describes a directory.
func (r Record) IsDirectory() bool {
	return r.FileAttributes.IsDirectory()
}

// recordLayout holds the byte offsets of the fixed fields for one major version.
type recordLayout struct {
	headerSize int
	frn        int
	parent     int
	usn        int
	timestamp  int
	reason     int
	sourceInfo int
	securityID int
	attributes int
	nameLength int
	nameOffset int
}

// v3 file ids are 128 bits; the low 64 bits hold the NTFS file reference.
var layouts = map[uint16]recordLayout{
	2: {headerSize: v2HeaderSize, frn: 8, parent: 16, usn: 24, timestamp: 32, reason: 40, sourceInfo: 44, securityID: 48, attributes: 52, nameLength: 56, nameOffset: 58},
	3: {headerSize: v3HeaderSize, frn: 8, parent: 24, usn: 40, timestamp: 48, reason: 56, sourceInfo: 60, securityID: 64, attributes: 68, nameLength: 72, nameOffset: 74},
}

// Decode decodes the record starting at offset within buf.
//
// On success it returns the record and the offset of the following record.
// ErrUnsupportedVersion and ErrMalformed also return a valid next offset so
// the caller can skip the record. ErrEndOfBuffer and ErrTruncated mean the
// caller must stop. Decode never reads outside buf.
func Decode(buf []byte, offset int) (Record, int, error) {
	if offset < 0 || offset+4 > len(buf) {
		return Record{}, len(buf), ErrEndOfBuffer
	}

	le := binary.LittleEndian
	length := int(le.Uint32(buf[offset:]))
	if length == 0 {
		return Record{}, len(buf), ErrEndOfBuffer
	}
	if length > len(buf)-offset {
		return Record{}, len(buf), fmt.Errorf("%w: length %d at offset %d exceeds buffer of %d bytes", ErrTruncated, length, offset, len(buf))
	}
	next := offset + length
	if length < 8 {
		return Record{}, next, fmt.Errorf("%w: length %d too small for header", ErrMalformed, length)
	}

	rec := buf[offset:next]
	major := le.Uint16(rec[4:])
	minor := le.Uint16(rec[6:])
	layout, ok := layouts[major]
	if !ok {
		return Record{}, next, fmt.Errorf("%w: %d.%d", ErrUnsupportedVersion, major, minor)
	}
	if length < layout.headerSize {
		return Record{}, next, fmt.Errorf("%w: length %d shorter than v%d header", ErrMalformed, length, major)
	}

	nameLen := int(le.Uint16(rec[layout.nameLength:]))
	nameOff := int(le.Uint16(rec[layout.nameOffset:]))
	if nameOff < layout.headerSize || nameOff+nameLen > length {
		return Record{}, next, fmt.Errorf("%w: file name [%d,+%d) outside record of %d bytes", ErrMalformed, nameOff, nameLen, length)
	}

	r := Record{
		Length:                    uint32(length),
		MajorVersion:              major,
		MinorVersion:              minor,
		FileReferenceNumber:       le.Uint64(rec[layout.frn:]),
		ParentFileReferenceNumber: le.Uint64(rec[layout.parent:]),
		USN:                       int64(le.Uint64(rec[layout.usn:])),
		Timestamp:                 FiletimeToTime(le.Uint64(rec[layout.timestamp:])),
		Reason:                    Reason(le.Uint32(rec[layout.reason:])),
		SourceInfo:                le.Uint32(rec[layout.sourceInfo:]),
		SecurityID:                le.Uint32(rec[layout.securityID:]),
		FileAttributes:            Attributes(le.Uint32(rec[layout.attributes:])),
		FileName:                  decodeName(rec[nameOff : nameOff+nameLen]),
	}
	return r, next, nil
}

// decodeName decodes little-endian UTF-16. Odd lengths and unpaired
// surrogates yield InvalidName.
func decodeName(b []byte) string {
	if len(b)%2 != 0 {
		return InvalidName
	}
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	for i := 0; i < len(units); i++ {
		u := units[i]
		switch {
		case u >= 0xD800 && u < 0xDC00:
			if i+1 >= len(units) || units[i+1] < 0xDC00 || units[i+1] > 0xDFFF {
				return InvalidName
			}
			i++
		case u >= 0xDC00 && u <= 0xDFFF:
			return InvalidName
		}
	}
	return string(utf16.Decode(units))
}

// ParseReadBuffer decodes a buffer returned by a journal read: the first
// 8 bytes are the next USN to read, the rest is a packed record sequence.
// Records that cannot be decoded are counted in skipped.
func ParseReadBuffer(buf []byte) (next int64, records []Record, skipped int, err error) {
	if len(buf) < 8 {
		return 0, nil, 0, fmt.Errorf("%w: read buffer of %d bytes has no next-USN header", ErrTruncated, len(buf))
	}
	next = int64(binary.LittleEndian.Uint64(buf))

	offset := 8
	for {
		rec, nextOffset, derr := Decode(buf, offset)
		switch {
		case derr == nil:
			records = append(records, rec)
		case errors.Is(derr, ErrEndOfBuffer):
			return next, records, skipped, nil
		case errors.Is(derr, ErrTruncated):
			return next, records, skipped + 1, nil
		default:
			skipped++
		}
		offset = nextOffset
	}
}

// FiletimeToTime converts 100ns ticks since 1601-01-01 to a UTC time.
func FiletimeToTime(ticks uint64) time.Time {
	d := int64(ticks) - filetimeEpochDelta
	return time.Unix(d/1e7, (d%1e7)*100).UTC()
}

// TimeToFiletime converts a time to 100ns ticks since 1601-01-01.
func TimeToFiletime(t time.Time) uint64 {
	return uint64(t.UnixNano()/100 + filetimeEpochDelta)
}
