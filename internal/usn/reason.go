package usn

import (
	"fmt"
	"strings"
)

// Reason is the bitmask of change reasons carried by a journal record.
type Reason uint32

const (
	ReasonDataOverwrite       Reason = 0x00000001
	ReasonDataExtend          Reason = 0x00000002
	ReasonDataTruncation      Reason = 0x00000004
	ReasonNamedDataOverwrite  Reason = 0x00000010
	ReasonNamedDataExtend     Reason = 0x00000020
	ReasonNamedDataTruncation Reason = 0x00000040
	ReasonFileCreate          Reason = 0x00000100
	ReasonFileDelete          Reason = 0x00000200
	ReasonEAChange            Reason = 0x00000400
	ReasonSecurityChange      Reason = 0x00000800
	ReasonRenameOldName       Reason = 0x00001000
	ReasonRenameNewName       Reason = 0x00002000
	ReasonIndexableChange     Reason = 0x00004000
	ReasonBasicInfoChange     Reason = 0x00008000
	ReasonHardLinkChange      Reason = 0x00010000
	ReasonCompressionChange   Reason = 0x00020000
	ReasonEncryptionChange    Reason = 0x00040000
	ReasonObjectIDChange      Reason = 0x00080000
	ReasonReparsePointChange  Reason = 0x00100000
	ReasonStreamChange        Reason = 0x00200000
	ReasonTransactedChange    Reason = 0x00400000
	ReasonIntegrityChange     Reason = 0x00800000
	ReasonClose               Reason = 0x80000000

	// ReasonAll requests every reason from the kernel.
	ReasonAll Reason = 0xFFFFFFFF
)

var reasonNames = []struct {
	flag Reason
	name string
}{
	{ReasonDataOverwrite, "DATA_OVERWRITE"},
	{ReasonDataExtend, "DATA_EXTEND"},
	{ReasonDataTruncation, "DATA_TRUNCATION"},
	{ReasonNamedDataOverwrite, "NAMED_DATA_OVERWRITE"},
	{ReasonNamedDataExtend, "NAMED_DATA_EXTEND"},
	{ReasonNamedDataTruncation, "NAMED_DATA_TRUNCATION"},
	{ReasonFileCreate, "FILE_CREATE"},
	{ReasonFileDelete, "FILE_DELETE"},
	{ReasonEAChange, "EA_CHANGE"},
	{ReasonSecurityChange, "SECURITY_CHANGE"},
	{ReasonRenameOldName, "RENAME_OLD_NAME"},
	{ReasonRenameNewName, "RENAME_NEW_NAME"},
	{ReasonIndexableChange, "INDEXABLE_CHANGE"},
	{ReasonBasicInfoChange, "BASIC_INFO_CHANGE"},
	{ReasonHardLinkChange, "HARD_LINK_CHANGE"},
	{ReasonCompressionChange, "COMPRESSION_CHANGE"},
	{ReasonEncryptionChange, "ENCRYPTION_CHANGE"},
	{ReasonObjectIDChange, "OBJECT_ID_CHANGE"},
	{ReasonReparsePointChange, "REPARSE_POINT_CHANGE"},
	{ReasonStreamChange, "STREAM_CHANGE"},
	{ReasonTransactedChange, "TRANSACTED_CHANGE"},
	{ReasonIntegrityChange, "INTEGRITY_CHANGE"},
	{ReasonClose, "CLOSE"},
}

// Has reports whether any of the bits in flags are set.
func (r Reason) Has(flags Reason) bool {
	return r&flags != 0
}

// Names returns the names of the set flags in ascending bit order.
// Unknown bits are rendered as hex.
func (r Reason) Names() []string {
	var names []string
	remaining := r
	for _, rn := range reasonNames {
		if r&rn.flag != 0 {
			names = append(names, rn.name)
			remaining &^= rn.flag
		}
	}
	if remaining != 0 {
		names = append(names, fmt.Sprintf("0x%08x", uint32(remaining)))
	}
	return names
}

func (r Reason) String() string {
	if r == 0 {
		return "NONE"
	}
	return strings.Join(r.Names(), "|")
}

// Attributes is the FILE_ATTRIBUTE_* bitmask of a journal record.
type Attributes uint32

const (
	AttributeReadOnly   Attributes = 0x00000001
	AttributeHidden     Attributes = 0x00000002
	AttributeSystem     Attributes = 0x00000004
	AttributeDirectory  Attributes = 0x00000010
	AttributeArchive    Attributes = 0x00000020
	AttributeTemporary  Attributes = 0x00000100
	AttributeReparse    Attributes = 0x00000400
	AttributeCompressed Attributes = 0x00000800
	AttributeEncrypted  Attributes = 0x00004000
)

// IsDirectory reports whether the directory attribute is set.
func (a Attributes) IsDirectory() bool {
	return a&AttributeDirectory != 0
}
