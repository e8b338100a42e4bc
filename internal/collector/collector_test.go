package collector_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"actindex/internal/collector"
	"actindex/internal/mailbox"
	"actindex/internal/testutil"
	"actindex/internal/usn"
)

const (
	rootRef      = 0x0005000000000005
	usersRef     = 0x0001000000000100
	aliceRef     = 0x0001000000000101
	downloadsRef = 0x0001000000000102
	outlookRef   = 0x0001000000000103
	reportRef    = 0x0001000000000a2b
)

func record(usnValue int64, reason usn.Reason, frn, parent uint64, name string, at time.Time) usn.Record {
	return usn.Record{
		MajorVersion:              2,
		FileReferenceNumber:       frn,
		ParentFileReferenceNumber: parent,
		USN:                       usnValue,
		Timestamp:                 at,
		Reason:                    reason,
		FileAttributes:            usn.AttributeArchive,
		FileName:                  name,
	}
}

func testOptions() collector.Options {
	opts := collector.DefaultOptions()
	opts.PollInterval = 5 * time.Millisecond
	opts.RetryBackoff = 10 * time.Millisecond
	opts.IdleTimeout = 10 * time.Millisecond
	opts.StopTimeout = 2 * time.Second
	opts.MachineName = "WS-TEST"
	return opts
}

func newJournal() (*testutil.FakeJournal, *testutil.FakeVolume) {
	j := testutil.NewFakeJournal()
	v := j.AddVolume("C:", collector.JournalInfo{JournalID: 0x1d, FirstUSN: 100, NextUSN: 100})
	v.SetReference(usersRef, collector.ReferenceEntry{Name: "Users", ParentRef: rootRef, IsDirectory: true})
	v.SetReference(aliceRef, collector.ReferenceEntry{Name: "alice", ParentRef: usersRef, IsDirectory: true})
	v.SetReference(downloadsRef, collector.ReferenceEntry{Name: "Downloads", ParentRef: aliceRef, IsDirectory: true})
	v.SetReference(outlookRef, collector.ReferenceEntry{Name: "Outlook", ParentRef: aliceRef, IsDirectory: true})
	return j, v
}

func startCollector(t *testing.T, j collector.JournalOpener, opts collector.Options, mb collector.Mailbox) *collector.Collector {
	t.Helper()
	c, err := collector.New(opts, j, mb, nil, collector.NewNopLogger(), testutil.FixedClock(), testutil.NewStubIDGenerator())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { c.Stop() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCollector_CreateModifyDelete(t *testing.T) {
	j, vol := newJournal()
	at := testutil.JournalTime(0)
	vol.QueueRecords(103,
		record(100, usn.ReasonFileCreate, reportRef, rootRef, "report.txt", at),
		record(101, usn.ReasonDataOverwrite, reportRef, rootRef, "report.txt", at.Add(time.Second)),
		record(102, usn.ReasonFileDelete, reportRef, rootRef, "report.txt", at.Add(2*time.Second)),
	)

	c := startCollector(t, j, testOptions(), nil)
	waitFor(t, "three events", func() bool { return len(c.All()) == 3 })

	events := c.All()
	want := []collector.ActivityType{collector.ActivityCreate, collector.ActivityModify, collector.ActivityDelete}
	for i, ev := range events {
		if ev.Activity != want[i] {
			t.Errorf("events[%d].Activity = %v, want %v", i, ev.Activity, want[i])
		}
		if ev.FileRef != reportRef {
			t.Errorf("events[%d].FileRef = %#x, want %#x", i, ev.FileRef, uint64(reportRef))
		}
		if ev.USN != int64(100+i) {
			t.Errorf("events[%d].USN = %d, want %d", i, ev.USN, 100+i)
		}
		if ev.Path != `C:\report.txt` {
			t.Errorf("events[%d].Path = %q", i, ev.Path)
		}
		if ev.Volume != "C:" {
			t.Errorf("events[%d].Volume = %q", i, ev.Volume)
		}
		if ev.ActivityID == "" {
			t.Errorf("events[%d] has no activity id", i)
		}
	}

	meta := c.Metadata()
	if meta.ActivityCount != 3 || meta.MachineName != "WS-TEST" {
		t.Errorf("metadata = %+v", meta)
	}
	if !meta.StartTime.Equal(testutil.ReferenceTime) {
		t.Errorf("StartTime = %v", meta.StartTime)
	}
	vm := meta.Journals["C:"]
	if vm.JournalID != 0x1d || vm.FirstUSN != 100 || vm.LastUSN != 102 {
		t.Errorf("volume metadata = %+v", vm)
	}

	// The cursor starts at the first USN and advances to the reported next USN.
	waitFor(t, "second read", func() bool { return len(vol.Reads()) >= 2 })
	reads := vol.Reads()
	if reads[0].StartUSN != 100 || reads[1].StartUSN != 103 {
		t.Errorf("read cursors = %d, %d; want 100, 103", reads[0].StartUSN, reads[1].StartUSN)
	}
	if reads[0].JournalID != 0x1d {
		t.Errorf("read journal id = %#x", reads[0].JournalID)
	}

	if err := c.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if n := j.OpenHandles(); n != 0 {
		t.Errorf("open handles after Stop = %d, want 0", n)
	}
}

func TestCollector_AttachmentAfterMailActivity(t *testing.T) {
	j, vol := newJournal()
	at := testutil.JournalTime(0)
	vol.QueueRecords(202,
		record(200, usn.ReasonDataExtend, 0x0001000000000300, outlookRef, "alice@example.com.ost", at),
		record(201, usn.ReasonFileCreate, 0x0001000000000301, downloadsRef, "invoice_att.pdf", at.Add(10*time.Second)),
	)

	c := startCollector(t, j, testOptions(), nil)
	waitFor(t, "two events", func() bool { return len(c.All()) == 2 })

	atts := c.EmailAttachments(0.8)
	if len(atts) != 1 {
		t.Fatalf("EmailAttachments(0.8) = %d events, want 1", len(atts))
	}
	a := atts[0]
	if a.Path != `C:\Users\alice\Downloads\invoice_att.pdf` {
		t.Errorf("Path = %q", a.Path)
	}
	if a.Confidence < 0.8 || a.Confidence > 1 {
		t.Errorf("Confidence = %v", a.Confidence)
	}
	for _, sig := range []string{collector.SignalDownloadDirectory, collector.SignalRecentMailActivity} {
		if !slices.Contains(a.Signals, sig) {
			t.Errorf("Signals = %v, missing %s", a.Signals, sig)
		}
	}
}

func TestCollector_StopDuringRead(t *testing.T) {
	j, vol := newJournal()
	vol.BlockReads()

	c := startCollector(t, j, testOptions(), nil)
	<-vol.Reading()

	if err := c.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if n := j.OpenHandles(); n != 0 {
		t.Errorf("open handles after Stop = %d, want 0", n)
	}
	if st := c.MonitorStates()["C:"]; st != collector.StateClosed {
		t.Errorf("monitor state = %v, want closed", st)
	}
}

// slowAttribution delays every record so Stop finds a backlog to drain.
type slowAttribution struct{ delay time.Duration }

func (a slowAttribution) Attribute(string, usn.Record) (int, string, bool) {
	time.Sleep(a.delay)
	return 0, "", false
}

func TestCollector_StopDrainsBeforeReleasingHandles(t *testing.T) {
	j, vol := newJournal()
	at := testutil.JournalTime(0)
	const count = 30
	records := make([]usn.Record, 0, count)
	for i := 0; i < count; i++ {
		dir := uint64(0x0001000000001000 + i)
		vol.SetReference(dir, collector.ReferenceEntry{Name: fmt.Sprintf("project%02d", i), ParentRef: rootRef, IsDirectory: true})
		records = append(records, record(int64(1000+i), usn.ReasonFileCreate, uint64(0x0001000000002000+i), dir, "notes.txt", at))
	}
	vol.QueueRecords(1000+count, records...)

	c, err := collector.New(testOptions(), j, nil, slowAttribution{delay: 20 * time.Millisecond}, collector.NewNopLogger(), testutil.FixedClock(), testutil.NewStubIDGenerator())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "cursor past records", func() bool { return len(vol.Reads()) >= 2 })

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if n := j.OpenHandles(); n != 0 {
		t.Errorf("open handles after Stop = %d, want 0", n)
	}

	events := c.All()
	if len(events) != count {
		t.Errorf("got %d events, want %d", len(events), count)
	}
	for _, ev := range events {
		if ev.Attributes[collector.AttrPathPartial] == "true" {
			t.Errorf("usn %d path %q resolved partially", ev.USN, ev.Path)
		}
	}
}

func TestCollector_StopTimeoutStillReleasesHandle(t *testing.T) {
	j, vol := newJournal()
	vol.HangReads()

	opts := testOptions()
	opts.StopTimeout = 50 * time.Millisecond
	c := startCollector(t, j, opts, nil)
	<-vol.Reading()

	start := time.Now()
	err := c.Stop()
	if !errors.Is(err, collector.ErrShutdownTimeout) {
		t.Errorf("Stop() error = %v, want ErrShutdownTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Stop() took %v", elapsed)
	}
	if n := j.OpenHandles(); n != 0 {
		t.Errorf("open handles after Stop = %d, want 0", n)
	}
}

func TestCollector_RenamePairing(t *testing.T) {
	j, vol := newJournal()
	at := testutil.JournalTime(0)
	frn := uint64(0x0001000000000400)
	vol.QueueRecords(302,
		record(300, usn.ReasonRenameOldName, frn, downloadsRef, "draft.docx", at),
		record(301, usn.ReasonRenameNewName|usn.ReasonClose, frn, downloadsRef, "final.docx", at),
	)

	c := startCollector(t, j, testOptions(), nil)
	waitFor(t, "two events", func() bool { return len(c.All()) == 2 })

	events := c.All()
	if events[0].Path != `C:\Users\alice\Downloads\draft.docx` || events[0].PreviousFileName != "" {
		t.Errorf("old half = %+v", events[0])
	}
	newer := events[1]
	if newer.Activity != collector.ActivityRename {
		t.Errorf("new half activity = %v", newer.Activity)
	}
	if newer.PreviousFileName != "draft.docx" {
		t.Errorf("PreviousFileName = %q, want draft.docx", newer.PreviousFileName)
	}
	if newer.Path != `C:\Users\alice\Downloads\final.docx` {
		t.Errorf("Path = %q", newer.Path)
	}
	if newer.Attributes[collector.AttrRenamePhase] != "new" {
		t.Errorf("rename phase = %q", newer.Attributes[collector.AttrRenamePhase])
	}
}

func TestCollector_RenameClosingRecord(t *testing.T) {
	frn := uint64(0x0001000000000400)
	queue := func(vol *testutil.FakeVolume) {
		at := testutil.JournalTime(0)
		vol.QueueRecords(303,
			record(300, usn.ReasonRenameOldName, frn, downloadsRef, "draft.docx", at),
			record(301, usn.ReasonRenameNewName, frn, downloadsRef, "final.docx", at),
			record(302, usn.ReasonRenameNewName|usn.ReasonClose, frn, downloadsRef, "final.docx", at),
		)
	}

	t.Run("close suppressed", func(t *testing.T) {
		j, vol := newJournal()
		queue(vol)
		c := startCollector(t, j, testOptions(), nil)
		waitFor(t, "cursor past records", func() bool {
			reads := vol.Reads()
			return len(reads) >= 2 && reads[1].StartUSN == 303
		})
		waitFor(t, "rename events", func() bool { return len(c.All()) >= 2 })
		c.Stop()

		events := c.All()
		if len(events) != 2 {
			t.Fatalf("got %d events, want 2: %+v", len(events), events)
		}
		if events[1].USN != 301 || events[1].PreviousFileName != "draft.docx" {
			t.Errorf("new half = %+v", events[1])
		}
		for _, ev := range events {
			if ev.Activity != collector.ActivityRename {
				t.Errorf("usn %d activity = %v, want RENAME", ev.USN, ev.Activity)
			}
		}
	})

	t.Run("close included", func(t *testing.T) {
		j, vol := newJournal()
		queue(vol)
		opts := testOptions()
		opts.IncludeClose = true
		c := startCollector(t, j, opts, nil)
		waitFor(t, "three events", func() bool { return len(c.All()) == 3 })

		closing := c.All()[2]
		if closing.USN != 302 || closing.Activity != collector.ActivityClose {
			t.Errorf("closing record = usn %d %v, want usn 302 CLOSE", closing.USN, closing.Activity)
		}
		if closing.PreviousFileName != "" {
			t.Errorf("closing record PreviousFileName = %q, want empty", closing.PreviousFileName)
		}
	})
}

func TestCollector_Filters(t *testing.T) {
	j, vol := newJournal()
	at := testutil.JournalTime(0)
	vol.QueueRecords(405,
		record(400, usn.ReasonClose, 0x501, rootRef, "a.txt", at),
		record(401, usn.ReasonFileCreate, 0x502, rootRef, "scratch.tmp", at),
		record(402, usn.ReasonFileCreate, 0x503, downloadsRef, "desktop.ini", at),
		record(403, usn.ReasonFileCreate, 0x504, rootRef, "keep.txt", at),
		record(404, usn.ReasonFileCreate, 0x505, 0x0001000000000999, "lost.txt", at),
	)

	opts := testOptions()
	opts.ExcludeExtensions = []string{"tmp"}
	opts.ExcludePaths = []string{"desktop.ini"}
	c := startCollector(t, j, opts, nil)
	waitFor(t, "cursor past records", func() bool {
		reads := vol.Reads()
		return len(reads) >= 2 && len(c.All()) == 2
	})

	events := c.All()
	if events[0].FileName != "keep.txt" {
		t.Errorf("events[0] = %q, want keep.txt", events[0].FileName)
	}
	lost := events[1]
	if lost.Path != `C:\...\lost.txt` || lost.Attributes[collector.AttrPathPartial] != "true" {
		t.Errorf("unresolvable event path = %q attrs = %v", lost.Path, lost.Attributes)
	}
}

func TestCollector_IncludeClose(t *testing.T) {
	j, vol := newJournal()
	vol.QueueRecords(501, record(500, usn.ReasonClose, 0x601, rootRef, "a.txt", testutil.JournalTime(0)))

	opts := testOptions()
	opts.IncludeClose = true
	c := startCollector(t, j, opts, nil)
	waitFor(t, "close event", func() bool { return len(c.All()) == 1 })

	if got := c.All()[0].Activity; got != collector.ActivityClose {
		t.Errorf("Activity = %v, want CLOSE", got)
	}
}

func TestCollector_CreatesMissingJournal(t *testing.T) {
	j, vol := newJournal()
	vol.Deactivate()

	startCollector(t, j, testOptions(), nil)
	if n := vol.Creates(); n != 1 {
		t.Errorf("Create calls = %d, want 1", n)
	}
}

func TestCollector_TransientReadErrorDoesNotAdvance(t *testing.T) {
	j, vol := newJournal()
	vol.QueueError(errors.New("device not ready"))
	vol.QueueRecords(101, record(100, usn.ReasonFileCreate, 0x701, rootRef, "a.txt", testutil.JournalTime(0)))

	c := startCollector(t, j, testOptions(), nil)
	waitFor(t, "event after retry", func() bool { return len(c.All()) == 1 })

	reads := vol.Reads()
	if reads[0].StartUSN != 100 || reads[1].StartUSN != 100 {
		t.Errorf("read cursors = %d, %d; want retry at 100", reads[0].StartUSN, reads[1].StartUSN)
	}
	if !c.Running() {
		t.Error("collector stopped after a transient error")
	}
}

func TestCollector_CursorExpiryRestartsFromFirst(t *testing.T) {
	j, vol := newJournal()
	vol.SetInfo(collector.JournalInfo{JournalID: 0x1d, FirstUSN: 100, NextUSN: 900})
	vol.QueueError(collector.ErrCursorExpired)

	opts := testOptions()
	opts.StartPosition = collector.StartNext
	startCollector(t, j, opts, nil)
	waitFor(t, "read after reset", func() bool { return len(vol.Reads()) >= 2 })

	reads := vol.Reads()
	if reads[0].StartUSN != 900 {
		t.Errorf("first read at %d, want 900", reads[0].StartUSN)
	}
	if reads[1].StartUSN != 100 {
		t.Errorf("read after expiry at %d, want 100", reads[1].StartUSN)
	}
}

func TestCollector_CursorExpiryBacksOffWhenQueryFails(t *testing.T) {
	j, vol := newJournal()
	opts := testOptions()
	opts.RetryBackoff = time.Second
	c := startCollector(t, j, opts, nil)
	<-vol.Reading()

	vol.Deactivate()
	for i := 0; i < 50; i++ {
		vol.QueueError(collector.ErrCursorExpired)
	}
	before := len(vol.Reads())
	time.Sleep(150 * time.Millisecond)

	// One read hits the expired cursor, the failed query then waits out
	// the retry backoff. A read already in flight may add one more.
	if n := len(vol.Reads()) - before; n > 2 {
		t.Errorf("reads within 150ms of a failed reset = %d, want at most 2", n)
	}
	if !c.Running() {
		t.Error("collector stopped after a failed reset")
	}
}

func TestCollector_MailCorrelation(t *testing.T) {
	j, vol := newJournal()
	mb := mailbox.NewMemoryMailbox()
	mb.Add(collector.MailMessage{
		ID:          "<q3@example.com>",
		Sender:      "cfo@example.com",
		Subject:     "Q3 numbers",
		Received:    testutil.JournalTime(0),
		Attachments: []collector.MailAttachment{{Name: "Q3 Results.xlsx", Size: 2048}},
	})
	vol.QueueRecords(801, record(800, usn.ReasonFileCreate, 0x801, downloadsRef, "Q3_Results.xlsx", testutil.JournalTime(2*time.Minute)))

	opts := testOptions()
	opts.MailCorrelation = true
	opts.MailPollInterval = 10 * time.Millisecond
	c := startCollector(t, j, opts, mb)

	waitFor(t, "matched attachment", func() bool {
		events := c.All()
		return len(events) == 1 && events[0].Matched
	})

	ev := c.All()[0]
	if ev.Attachment.Sender != "cfo@example.com" || ev.Attachment.Subject != "Q3 numbers" {
		t.Errorf("attachment = %+v", ev.Attachment)
	}
	if !slices.Contains(ev.Attachment.Signals, collector.SignalMailboxFuzzyMatch) {
		t.Errorf("Signals = %v", ev.Attachment.Signals)
	}

	changed, _ := c.ChangedSince(0)
	if len(changed) != 1 || !changed[0].Matched {
		t.Errorf("ChangedSince(0) = %+v", changed)
	}
}

func TestCollector_ConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*collector.Options)
		field  string
	}{
		{"no volumes", func(o *collector.Options) { o.Volumes = nil }, "volumes"},
		{"not a drive", func(o *collector.Options) { o.Volumes = []string{`\\server\share`} }, "volumes"},
		{"duplicate volume", func(o *collector.Options) { o.Volumes = []string{"C:", `c:\`} }, "volumes"},
		{"tiny buffer", func(o *collector.Options) { o.BufferSize = 16 }, "buffer_size"},
		{"start position", func(o *collector.Options) { o.StartPosition = "middle" }, "start_position"},
		{"threshold", func(o *collector.Options) { o.AttachmentThreshold = 1.5 }, "attachment_threshold"},
		{"mail without mailbox", func(o *collector.Options) { o.MailCorrelation = true }, "mail"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions()
			tt.mutate(&opts)
			_, err := collector.New(opts, testutil.NewFakeJournal(), nil, nil, collector.NewNopLogger(), testutil.FixedClock(), testutil.NewStubIDGenerator())
			var cfgErr *collector.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("New() error = %v, want *ConfigError", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("Field = %q, want %q", cfgErr.Field, tt.field)
			}
		})
	}
}

func TestCollector_StartFailureReleasesOpenedVolumes(t *testing.T) {
	j, _ := newJournal()
	d := j.AddVolume("D:", collector.JournalInfo{})
	d.FailOpen(errors.New("access denied"))

	opts := testOptions()
	opts.Volumes = []string{"C:", "D:"}
	c, err := collector.New(opts, j, nil, nil, collector.NewNopLogger(), testutil.FixedClock(), testutil.NewStubIDGenerator())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = c.Start(context.Background())
	var cfgErr *collector.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Start() error = %v, want *ConfigError", err)
	}
	if j.Opens() != 1 || j.OpenHandles() != 0 {
		t.Errorf("opens = %d, open handles = %d; want 1, 0", j.Opens(), j.OpenHandles())
	}
	if c.Running() {
		t.Error("collector running after failed Start")
	}
}

func TestCollector_StartTwice(t *testing.T) {
	j, _ := newJournal()
	c := startCollector(t, j, testOptions(), nil)
	if err := c.Start(context.Background()); !errors.Is(err, collector.ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestCollector_QueriesWhileRunning(t *testing.T) {
	j, vol := newJournal()
	at := testutil.JournalTime(0)
	vol.QueueRecords(902,
		record(900, usn.ReasonFileCreate, 0x901, downloadsRef, "a.pdf", at),
		record(901, usn.ReasonFileCreate, 0x902, rootRef, "b.txt", at.Add(time.Hour)),
	)

	c := startCollector(t, j, testOptions(), nil)
	waitFor(t, "events", func() bool { return len(c.All()) == 2 })

	if got := c.ByPath(`C:\Users\alice\Downloads`); len(got) != 1 || got[0].FileName != "a.pdf" {
		t.Errorf("ByPath() = %+v", got)
	}
	if got := c.ByTimeRange(at.Add(time.Minute), at.Add(2*time.Hour)); len(got) != 1 || got[0].FileName != "b.txt" {
		t.Errorf("ByTimeRange() = %+v", got)
	}
	first := c.All()[0]
	if got, ok := c.ByID(first.ActivityID); !ok || got.FileName != first.FileName {
		t.Errorf("ByID() = %+v, %v", got, ok)
	}
	if got := c.ByProcess("outlook.exe"); len(got) != 0 {
		t.Errorf("ByProcess() = %+v, want none without attribution", got)
	}

	c.Clear()
	if len(c.All()) != 0 {
		t.Error("All() not empty after Clear")
	}
}
