package collector

import (
	"fmt"
	"strings"
	"time"

	"actindex/internal/usn"
)

// ActivityType is the classified kind of a file activity.
type ActivityType int

const (
	ActivityOther ActivityType = iota
	ActivityCreate
	ActivityModify
	ActivityDelete
	ActivityRename
	ActivitySecurityChange
	ActivityAttributeChange
	ActivityClose
)

var activityNames = map[ActivityType]string{
	ActivityOther:           "OTHER",
	ActivityCreate:          "CREATE",
	ActivityModify:          "MODIFY",
	ActivityDelete:          "DELETE",
	ActivityRename:          "RENAME",
	ActivitySecurityChange:  "SECURITY_CHANGE",
	ActivityAttributeChange: "ATTRIBUTE_CHANGE",
	ActivityClose:           "CLOSE",
}

func (a ActivityType) String() string {
	if name, ok := activityNames[a]; ok {
		return name
	}
	return fmt.Sprintf("ActivityType(%d)", int(a))
}

// ParseActivityType is the inverse of ActivityType.String.
func ParseActivityType(s string) (ActivityType, error) {
	for t, name := range activityNames {
		if strings.EqualFold(name, s) {
			return t, nil
		}
	}
	return ActivityOther, fmt.Errorf("unknown activity type: %q", s)
}

// Signal tags attached to attachment detections.
const (
	SignalDownloadDirectory  = "download_directory"
	SignalRecentMailActivity = "recent_outlook_activity"
	SignalMailActivityWindow = "outlook_activity_window"
	SignalAttachmentName     = "attachment_filename"
	SignalMailProcess        = "outlook_process"
	SignalMailboxExactMatch  = "mailbox_exact_match"
	SignalMailboxFuzzyMatch  = "mailbox_fuzzy_match"
)

// Well-known keys of FileActivityEvent.Attributes.
const (
	AttrReasonFlags    = "reason_flags"
	AttrFileAttributes = "file_attributes"
	AttrSourceInfo     = "source_info"
	AttrSecurityID     = "security_id"
	AttrRecordVersion  = "record_version"
	AttrRenamePhase    = "rename_phase"
	AttrPathPartial    = "path_partial"
)

// FileActivityEvent is one classified file activity. Events are published by
// value; Attributes and Attachment must be treated as read-only.
type FileActivityEvent struct {
	ActivityID        string
	USN               int64
	Timestamp         time.Time
	FileRef           uint64
	ParentRef         uint64
	Activity          ActivityType
	Reason            usn.Reason
	FileName          string
	Path              string
	Volume            string
	ProcessID         int
	ProcessName       string
	PreviousFileName  string
	PreviousParentRef uint64
	IsDirectory       bool
	Attributes        map[string]string

	// Attachment is set when the event was detected or matched as a saved
	// email attachment.
	Attachment *AttachmentInfo

	// Matched is set once the mail correlator rewrote the event.
	Matched bool

	// Seq is the store's change sequence at the last append or rewrite.
	Seq uint64
}

// AttachmentInfo carries the email side of an attachment detection.
type AttachmentInfo struct {
	Sender       string
	Subject      string
	EmailTime    time.Time
	OriginalName string
	Confidence   float64
	Signals      []string
	EmailID      string
}

// EmailAttachmentEvent is a file activity identified as a saved email attachment.
type EmailAttachmentEvent struct {
	FileActivityEvent
	AttachmentInfo
}

// AsEmailAttachment returns the event as an EmailAttachmentEvent if it carries
// attachment information.
func (e FileActivityEvent) AsEmailAttachment() (EmailAttachmentEvent, bool) {
	if e.Attachment == nil {
		return EmailAttachmentEvent{}, false
	}
	return EmailAttachmentEvent{FileActivityEvent: e, AttachmentInfo: *e.Attachment}, true
}

// VolumeMetadata tracks the journal cursor range observed on one volume.
type VolumeMetadata struct {
	JournalID uint64
	FirstUSN  int64
	LastUSN   int64
	Observed  bool
}

// CollectorMetadata summarizes a collector run.
type CollectorMetadata struct {
	StartTime     time.Time
	Volumes       []string
	Journals      map[string]VolumeMetadata
	ActivityCount int64
	MachineName   string
}

func (m CollectorMetadata) clone() CollectorMetadata {
	c := m
	c.Volumes = append([]string(nil), m.Volumes...)
	c.Journals = make(map[string]VolumeMetadata, len(m.Journals))
	for k, v := range m.Journals {
		c.Journals[k] = v
	}
	return c
}
