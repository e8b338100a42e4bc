package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"actindex/internal/app"
	"actindex/internal/collector"
	"actindex/internal/database"
	"actindex/internal/testutil"
	"actindex/internal/usn"
)

const (
	rootRef   = 0x0005000000000005
	reportRef = 0x0001000000000a2b
)

type captureRecorder struct {
	mu       sync.Mutex
	batches  [][]collector.FileActivityEvent
	failNext bool
	started  int
	finished []string
}

func (r *captureRecorder) RecordActivities(_ context.Context, events []collector.FileActivityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext {
		r.failNext = false
		return errors.New("disk full")
	}
	r.batches = append(r.batches, events)
	return nil
}

func (r *captureRecorder) StartRun(context.Context, collector.CollectorMetadata) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
	return int64(r.started), nil
}

func (r *captureRecorder) FinishRun(_ context.Context, _ int64, _ collector.CollectorMetadata, status string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, status)
	return nil
}

func (r *captureRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b)
	}
	return n
}

type captureSink struct {
	mu     sync.Mutex
	events []collector.FileActivityEvent
	err    error
	closed bool
}

func (s *captureSink) Publish(_ context.Context, events []collector.FileActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, events...)
	return nil
}

func (s *captureSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func record(usnValue int64, reason usn.Reason, name string, at time.Time) usn.Record {
	return usn.Record{
		MajorVersion:              2,
		FileReferenceNumber:       reportRef,
		ParentFileReferenceNumber: rootRef,
		USN:                       usnValue,
		Timestamp:                 at,
		Reason:                    reason,
		FileAttributes:            usn.AttributeArchive,
		FileName:                  name,
	}
}

func newCollector(t *testing.T) (*collector.Collector, *testutil.FakeVolume) {
	t.Helper()
	j := testutil.NewFakeJournal()
	vol := j.AddVolume("C:", collector.JournalInfo{JournalID: 0x1d, FirstUSN: 100, NextUSN: 100})

	opts := collector.DefaultOptions()
	opts.PollInterval = 5 * time.Millisecond
	opts.RetryBackoff = 10 * time.Millisecond
	opts.IdleTimeout = 10 * time.Millisecond
	opts.StopTimeout = 2 * time.Second
	opts.MachineName = "WS-TEST"

	c, err := collector.New(opts, j, nil, nil, collector.NewNopLogger(), testutil.FixedClock(), testutil.NewStubIDGenerator())
	if err != nil {
		t.Fatalf("collector.New() error = %v", err)
	}
	return c, vol
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

func TestWatcher_Flush(t *testing.T) {
	c, vol := newCollector(t)
	at := testutil.JournalTime(0)
	vol.QueueRecords(102,
		record(100, usn.ReasonFileCreate, "report.txt", at),
		record(101, usn.ReasonDataExtend, "report.txt", at.Add(time.Second)),
	)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { c.Stop() })
	waitFor(t, "two events", func() bool { return len(c.All()) == 2 })

	rec := &captureRecorder{}
	sink := &captureSink{}
	w := app.NewWatcher(c, rec, sink, nil, collector.NewNopLogger(), testutil.FixedClock(), time.Hour)

	n, err := w.Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Flush() = %d, want 2", n)
	}
	if len(sink.events) != 2 {
		t.Errorf("published %d events, want 2", len(sink.events))
	}

	t.Run("nothing new", func(t *testing.T) {
		n, err := w.Flush(context.Background())
		if err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
		if n != 0 {
			t.Errorf("Flush() = %d, want 0", n)
		}
	})
}

func TestWatcher_FlushRetriesAfterRecorderError(t *testing.T) {
	c, vol := newCollector(t)
	vol.QueueRecords(101, record(100, usn.ReasonFileCreate, "report.txt", testutil.JournalTime(0)))
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { c.Stop() })
	waitFor(t, "one event", func() bool { return len(c.All()) == 1 })

	rec := &captureRecorder{failNext: true}
	sink := &captureSink{}
	w := app.NewWatcher(c, rec, sink, nil, collector.NewNopLogger(), testutil.FixedClock(), time.Hour)

	if _, err := w.Flush(context.Background()); err == nil {
		t.Fatal("Flush() expected error from recorder")
	}
	if len(sink.events) != 0 {
		t.Errorf("published %d events after failed record, want 0", len(sink.events))
	}

	n, err := w.Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if n != 1 {
		t.Errorf("retry Flush() = %d, want 1", n)
	}
}

func TestWatcher_PublishErrorDoesNotBlockRecording(t *testing.T) {
	c, vol := newCollector(t)
	vol.QueueRecords(101, record(100, usn.ReasonFileCreate, "report.txt", testutil.JournalTime(0)))
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { c.Stop() })
	waitFor(t, "one event", func() bool { return len(c.All()) == 1 })

	rec := &captureRecorder{}
	sink := &captureSink{err: errors.New("nats: connection closed")}
	w := app.NewWatcher(c, rec, sink, nil, collector.NewNopLogger(), testutil.FixedClock(), time.Hour)

	if _, err := w.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if n, _ := w.Flush(context.Background()); n != 0 {
		t.Errorf("second Flush() = %d, want 0", n)
	}
	if got := rec.count(); got != 1 {
		t.Errorf("recorded %d events, want 1", got)
	}
}

func TestWatcher_FlushReleasesRecordedEvents(t *testing.T) {
	c, vol := newCollector(t)
	at := testutil.JournalTime(0)
	const count = 50
	records := make([]usn.Record, 0, count)
	for i := 0; i < count; i++ {
		records = append(records, record(int64(100+i), usn.ReasonFileCreate, "report.txt", at))
	}
	vol.QueueRecords(100+count, records...)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { c.Stop() })
	waitFor(t, "all events", func() bool { return len(c.All()) == count })

	clock := testutil.FixedClock()
	rec := &captureRecorder{}
	w := app.NewWatcher(c, rec, nil, nil, collector.NewNopLogger(), clock, time.Hour)

	t.Run("kept within match window", func(t *testing.T) {
		if _, err := w.Flush(context.Background()); err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
		if got := c.Store().Len(); got != count {
			t.Errorf("held events = %d, want %d", got, count)
		}
	})

	t.Run("released after match window", func(t *testing.T) {
		clock.Advance(collector.MatchWindow + time.Minute)
		if _, err := w.Flush(context.Background()); err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
		if got := c.Store().Len(); got != 0 {
			t.Errorf("held events = %d, want 0", got)
		}
		if got := rec.count(); got != count {
			t.Errorf("recorded %d events, want %d", got, count)
		}
	})

	t.Run("unrecorded events are kept", func(t *testing.T) {
		vol.QueueRecords(100+count+1, record(int64(100+count), usn.ReasonDataExtend, "report.txt", at))
		waitFor(t, "new event", func() bool { return c.Store().Len() == 1 })
		rec.failNext = true
		if _, err := w.Flush(context.Background()); err == nil {
			t.Fatal("Flush() expected error from recorder")
		}
		if got := c.Store().Len(); got != 1 {
			t.Errorf("held events after failed record = %d, want 1", got)
		}
	})
}

func TestWatcher_Run(t *testing.T) {
	c, vol := newCollector(t)
	vol.QueueRecords(101, record(100, usn.ReasonFileCreate, "report.txt", testutil.JournalTime(0)))

	db, err := database.NewSQLiteDatabase(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteDatabase() error = %v", err)
	}
	defer db.Close()

	sink := &captureSink{}
	w := app.NewWatcher(c, db, sink, nil, collector.NewNopLogger(), testutil.FixedClock(), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitFor(t, "recorded activity", func() bool {
		stats, err := db.Stats(context.Background())
		return err == nil && stats.Activities == 1
	})
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	if c.Running() {
		t.Error("collector still running after Run returned")
	}
	if !sink.closed {
		t.Error("sink not closed")
	}

	runs, err := db.ListRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("ListRuns() = %d runs, want 1", len(runs))
	}
	if runs[0].ID != w.RunID() {
		t.Errorf("run id = %d, want %d", runs[0].ID, w.RunID())
	}
	if runs[0].Status != "stopped" {
		t.Errorf("run status = %q, want %q", runs[0].Status, "stopped")
	}
	if runs[0].ActivityCount != 1 {
		t.Errorf("run activity count = %d, want 1", runs[0].ActivityCount)
	}
}

func TestWatcher_RunStartFailure(t *testing.T) {
	j := testutil.NewFakeJournal()
	j.AddVolume("C:", collector.JournalInfo{}).FailOpen(errors.New("access denied"))

	opts := collector.DefaultOptions()
	opts.MachineName = "WS-TEST"
	c, err := collector.New(opts, j, nil, nil, collector.NewNopLogger(), testutil.FixedClock(), testutil.NewStubIDGenerator())
	if err != nil {
		t.Fatalf("collector.New() error = %v", err)
	}

	rec := &captureRecorder{}
	w := app.NewWatcher(c, rec, nil, nil, collector.NewNopLogger(), testutil.FixedClock(), time.Hour)
	if err := w.Run(context.Background()); err == nil {
		t.Fatal("Run() expected error")
	}
	if rec.started != 0 {
		t.Errorf("StartRun called %d times, want 0", rec.started)
	}
}
