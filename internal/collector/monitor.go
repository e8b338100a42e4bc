package collector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"actindex/internal/metrics"
	"actindex/internal/usn"
)

// Start positions of a new monitor.
const (
	StartFirst = "first"
	StartNext  = "next"
)

// DefaultRetryBackoff is the delay after a failed journal read.
const DefaultRetryBackoff = 5 * time.Second

// MonitorState is the lifecycle state of a Monitor.
type MonitorState int32

const (
	StateIdle MonitorState = iota
	StateOpened
	StatePolling
	StateStopping
	StateClosed
)

func (s MonitorState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpened:
		return "opened"
	case StatePolling:
		return "polling"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	}
	return "MonitorState(" + strconv.Itoa(int(s)) + ")"
}

// rawRecord is a decoded journal record on its way to the processing loop.
type rawRecord struct {
	volume string
	record usn.Record
}

type monitorOptions struct {
	bufferSize    int
	pollInterval  time.Duration
	retryBackoff  time.Duration
	startPosition string
	reasonMask    usn.Reason
}

// Monitor owns one volume handle and its journal cursor. Decoded records
// are forwarded to the shared backlog channel; a full channel blocks the
// monitor.
type Monitor struct {
	volume    string
	opener    JournalOpener
	opts      monitorOptions
	out       chan<- rawRecord
	onJournal func(volume string, journalID uint64)
	logger    Logger

	mu        sync.Mutex
	state     MonitorState
	handle    VolumeHandle
	journalID uint64
	cursor    int64
	closeOnce sync.Once
	closeErr  error

	done chan struct{}
}

func newMonitor(volume string, opener JournalOpener, out chan<- rawRecord, opts monitorOptions, onJournal func(string, uint64), logger Logger) *Monitor {
	return &Monitor{
		volume:    volume,
		opener:    opener,
		opts:      opts,
		out:       out,
		onJournal: onJournal,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (m *Monitor) State() MonitorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Cursor returns the next USN the monitor will read.
func (m *Monitor) Cursor() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor
}

func (m *Monitor) setState(s MonitorState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return
	}
	m.state = s
}

// open opens the volume and positions the cursor. A missing journal is
// created with default parameters.
func (m *Monitor) open() error {
	h, err := m.opener.Open(m.volume)
	if err != nil {
		return fmt.Errorf("failed to open volume %s: %w", m.volume, err)
	}

	info, err := h.Query()
	if errors.Is(err, ErrJournalNotActive) {
		m.logger.Info("creating change journal", "volume", m.volume)
		if err := h.Create(DefaultJournalMaxSize, DefaultJournalAllocationDelta); err != nil {
			h.Close()
			return fmt.Errorf("failed to create journal on %s: %w", m.volume, err)
		}
		info, err = h.Query()
	}
	if err != nil {
		h.Close()
		return fmt.Errorf("failed to query journal on %s: %w", m.volume, err)
	}

	m.mu.Lock()
	m.handle = h
	m.journalID = info.JournalID
	m.cursor = info.FirstUSN
	if m.opts.startPosition == StartNext {
		m.cursor = info.NextUSN
	}
	m.state = StateOpened
	cursor := m.cursor
	m.mu.Unlock()

	if m.onJournal != nil {
		m.onJournal(m.volume, info.JournalID)
	}
	metrics.JournalCursor.WithLabelValues(m.volume).Set(float64(cursor))
	m.logger.Info("monitor opened", "volume", m.volume, "journal_id", fmt.Sprintf("%#x", info.JournalID), "cursor", cursor)
	return nil
}

// run polls the journal until ctx is cancelled. Read failures never end
// the loop.
func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	defer m.setState(StateStopping)

	m.setState(StatePolling)
	buf := make([]byte, m.opts.bufferSize)

	for {
		if ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		req := ReadRequest{StartUSN: m.cursor, JournalID: m.journalID, ReasonMask: m.opts.reasonMask}
		h := m.handle
		m.mu.Unlock()

		metrics.JournalReads.WithLabelValues(m.volume).Inc()
		n, err := h.Read(ctx, req, buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.JournalReadErrors.WithLabelValues(m.volume).Inc()
			if errors.Is(err, ErrCursorExpired) {
				if !m.resetCursor() && !sleepCtx(ctx, m.opts.retryBackoff) {
					return
				}
				continue
			}
			m.logger.Warn("journal read failed", "volume", m.volume, "usn", req.StartUSN, "error", err)
			if !sleepCtx(ctx, m.opts.retryBackoff) {
				return
			}
			continue
		}

		next, records, skipped, err := usn.ParseReadBuffer(buf[:n])
		if err != nil {
			metrics.JournalReadErrors.WithLabelValues(m.volume).Inc()
			m.logger.Warn("journal buffer unreadable", "volume", m.volume, "bytes", n, "error", err)
			if !sleepCtx(ctx, m.opts.retryBackoff) {
				return
			}
			continue
		}
		if skipped > 0 {
			metrics.RecordsSkipped.WithLabelValues(m.volume).Add(float64(skipped))
			m.logger.Debug("skipped journal records", "volume", m.volume, "count", skipped)
		}
		metrics.RecordsDecoded.WithLabelValues(m.volume).Add(float64(len(records)))

		for _, rec := range records {
			select {
			case m.out <- rawRecord{volume: m.volume, record: rec}:
				metrics.BacklogDepth.Inc()
			case <-ctx.Done():
				return
			}
		}

		m.mu.Lock()
		if next > m.cursor {
			m.cursor = next
		}
		cursor := m.cursor
		m.mu.Unlock()
		metrics.JournalCursor.WithLabelValues(m.volume).Set(float64(cursor))

		if !sleepCtx(ctx, m.opts.pollInterval) {
			return
		}
	}
}

// resetCursor re-queries the journal after the cursor fell out of the valid
// range and restarts from the first available USN. It reports false when
// the journal could not be queried and the cursor was left unchanged.
func (m *Monitor) resetCursor() bool {
	m.mu.Lock()
	h := m.handle
	old := m.cursor
	m.mu.Unlock()

	info, err := h.Query()
	if err != nil {
		m.logger.Warn("journal query after cursor expiry failed", "volume", m.volume, "error", err)
		return false
	}

	m.mu.Lock()
	m.journalID = info.JournalID
	m.cursor = info.FirstUSN
	m.mu.Unlock()

	if m.onJournal != nil {
		m.onJournal(m.volume, info.JournalID)
	}
	metrics.JournalCursorResets.WithLabelValues(m.volume).Inc()
	m.logger.Warn("journal cursor expired, restarting from first usn",
		"volume", m.volume, "old_usn", old, "new_usn", info.FirstUSN, "journal_id", fmt.Sprintf("%#x", info.JournalID))
	return true
}

// wait blocks until run returned or the deadline passed.
func (m *Monitor) wait(deadline <-chan time.Time) bool {
	select {
	case <-m.done:
		return true
	case <-deadline:
		return false
	}
}

// close releases the volume handle. It is safe to call more than once and
// from any state.
func (m *Monitor) close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		h := m.handle
		m.state = StateClosed
		m.mu.Unlock()
		if h != nil {
			m.closeErr = h.Close()
		}
	})
	return m.closeErr
}

// lookup exposes the handle for path resolution. It returns nil before the
// volume is opened.
func (m *Monitor) lookup() ReferenceLookup {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == nil {
		return nil
	}
	return m.handle
}

// sleepCtx sleeps for d and reports false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
