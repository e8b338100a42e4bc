package usn

import (
	"encoding/binary"
	"unicode/utf16"
)

// AppendRecord encodes r in the journal wire format and appends it to buf.
// Records with MajorVersion 3 use the 128-bit id layout; all others are
// written as version 2. Length is computed and 8-byte aligned.
func AppendRecord(buf []byte, r Record) []byte {
	major := r.MajorVersion
	if major != 3 {
		major = 2
	}
	layout := layouts[major]

	name := utf16.Encode([]rune(r.FileName))
	nameLen := 2 * len(name)
	length := align8(layout.headerSize + nameLen)

	rec := make([]byte, length)
	le := binary.LittleEndian
	le.PutUint32(rec[0:], uint32(length))
	le.PutUint16(rec[4:], major)
	le.PutUint16(rec[6:], r.MinorVersion)
	le.PutUint64(rec[layout.frn:], r.FileReferenceNumber)
	le.PutUint64(rec[layout.parent:], r.ParentFileReferenceNumber)
	le.PutUint64(rec[layout.usn:], uint64(r.USN))
	le.PutUint64(rec[layout.timestamp:], TimeToFiletime(r.Timestamp))
	le.PutUint32(rec[layout.reason:], uint32(r.Reason))
	le.PutUint32(rec[layout.sourceInfo:], r.SourceInfo)
	le.PutUint32(rec[layout.securityID:], r.SecurityID)
	le.PutUint32(rec[layout.attributes:], uint32(r.FileAttributes))
	le.PutUint16(rec[layout.nameLength:], uint16(nameLen))
	le.PutUint16(rec[layout.nameOffset:], uint16(layout.headerSize))
	for i, u := range name {
		le.PutUint16(rec[layout.headerSize+2*i:], u)
	}
	return append(buf, rec...)
}

// BuildReadBuffer produces a buffer shaped like a journal read result:
// the next USN followed by the encoded records.
func BuildReadBuffer(next int64, records ...Record) []byte {
	buf := make([]byte, 8, 8+len(records)*(v2HeaderSize+32))
	binary.LittleEndian.PutUint64(buf, uint64(next))
	for _, r := range records {
		buf = AppendRecord(buf, r)
	}
	return buf
}

func align8(n int) int {
	return (n + 7) &^ 7
}
