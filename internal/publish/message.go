// Package publish forwards recorded file activities to a message bus so
// other systems can consume them as they are recorded.
package publish

import (
	"strconv"
	"time"

	"actindex/internal/collector"
)

// ActivityMessage is the JSON wire form of a file activity.
type ActivityMessage struct {
	HostID            string            `json:"host_id"`
	ActivityID        string            `json:"activity_id"`
	Seq               uint64            `json:"seq"`
	USN               int64             `json:"usn"`
	Timestamp         time.Time         `json:"timestamp"`
	Activity          string            `json:"activity"`
	Reasons           []string          `json:"reasons"`
	Volume            string            `json:"volume"`
	Path              string            `json:"path"`
	FileName          string            `json:"file_name"`
	FileRef           string            `json:"file_ref"`
	ParentRef         string            `json:"parent_ref"`
	IsDirectory       bool              `json:"is_directory"`
	ProcessID         int               `json:"process_id,omitempty"`
	ProcessName       string            `json:"process_name,omitempty"`
	PreviousFileName  string            `json:"previous_file_name,omitempty"`
	PreviousParentRef string            `json:"previous_parent_ref,omitempty"`
	Attributes        map[string]string `json:"attributes,omitempty"`
	Attachment        *AttachmentDetail `json:"attachment,omitempty"`
	Matched           bool              `json:"matched"`
}

// AttachmentDetail is the email side of an attachment detection.
type AttachmentDetail struct {
	Sender       string     `json:"sender,omitempty"`
	Subject      string     `json:"subject,omitempty"`
	EmailTime    *time.Time `json:"email_time,omitempty"`
	OriginalName string     `json:"original_name,omitempty"`
	Confidence   float64    `json:"confidence"`
	Signals      []string   `json:"signals,omitempty"`
	EmailID      string     `json:"email_id,omitempty"`
}

// NewActivityMessage converts ev for publishing. File references are
// rendered in hex, the way NTFS tools print them.
func NewActivityMessage(hostID string, ev collector.FileActivityEvent) ActivityMessage {
	msg := ActivityMessage{
		HostID:           hostID,
		ActivityID:       ev.ActivityID,
		Seq:              ev.Seq,
		USN:              ev.USN,
		Timestamp:        ev.Timestamp,
		Activity:         ev.Activity.String(),
		Reasons:          ev.Reason.Names(),
		Volume:           ev.Volume,
		Path:             ev.Path,
		FileName:         ev.FileName,
		FileRef:          hexRef(ev.FileRef),
		ParentRef:        hexRef(ev.ParentRef),
		IsDirectory:      ev.IsDirectory,
		ProcessID:        ev.ProcessID,
		ProcessName:      ev.ProcessName,
		PreviousFileName: ev.PreviousFileName,
		Attributes:       ev.Attributes,
		Matched:          ev.Matched,
	}
	if ev.PreviousParentRef != 0 {
		msg.PreviousParentRef = hexRef(ev.PreviousParentRef)
	}
	if a := ev.Attachment; a != nil {
		d := &AttachmentDetail{
			Sender:       a.Sender,
			Subject:      a.Subject,
			OriginalName: a.OriginalName,
			Confidence:   a.Confidence,
			Signals:      a.Signals,
			EmailID:      a.EmailID,
		}
		if !a.EmailTime.IsZero() {
			t := a.EmailTime
			d.EmailTime = &t
		}
		msg.Attachment = d
	}
	return msg
}

func hexRef(ref uint64) string {
	return "0x" + strconv.FormatUint(ref, 16)
}
