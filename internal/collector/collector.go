// Package collector turns per-volume change journals into a stream of
// classified file activities, detects saved email attachments and keeps the
// results in an in-memory store for recorders to pick up.
package collector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"actindex/internal/metrics"
	"actindex/internal/usn"
)

// Defaults applied by DefaultOptions.
const (
	DefaultBufferSize   = 64 * 1024
	DefaultPollInterval = time.Second
	DefaultMaxBacklog   = 10000
	DefaultStopTimeout  = 5 * time.Second

	minBufferSize = 4096
)

var volumePattern = regexp.MustCompile(`^[A-Za-z]:$`)

// Options configures a Collector.
type Options struct {
	Volumes       []string
	BufferSize    int
	PollInterval  time.Duration
	IncludeClose  bool
	MaxBacklog    int
	StartPosition string

	ExcludePaths      []string
	ExcludeProcesses  []string
	ExcludeExtensions []string

	PathCacheSize  int
	RenameLookback int

	AttachmentDetection bool
	AttachmentThreshold float64
	MailClient          string

	MailCorrelation  bool
	MailPollInterval time.Duration

	StopTimeout  time.Duration
	RetryBackoff time.Duration
	IdleTimeout  time.Duration

	MachineName string
}

// DefaultOptions returns options for monitoring volume C: with attachment
// detection enabled.
func DefaultOptions() Options {
	return Options{
		Volumes:             []string{"C:"},
		BufferSize:          DefaultBufferSize,
		PollInterval:        DefaultPollInterval,
		MaxBacklog:          DefaultMaxBacklog,
		StartPosition:       StartFirst,
		PathCacheSize:       DefaultPathCacheSize,
		RenameLookback:      DefaultRenameLookback,
		AttachmentDetection: true,
		AttachmentThreshold: DefaultAttachmentThreshold,
		MailClient:          DefaultMailClient,
		MailPollInterval:    DefaultMailPollInterval,
		StopTimeout:         DefaultStopTimeout,
		RetryBackoff:        DefaultRetryBackoff,
		IdleTimeout:         DefaultIdleTimeout,
	}
}

// validate normalizes o in place and reports the first invalid field.
func (o *Options) validate() error {
	if len(o.Volumes) == 0 {
		return &ConfigError{Field: "volumes", Reason: "at least one volume is required"}
	}
	seen := make(map[string]bool)
	for i, v := range o.Volumes {
		v = strings.ToUpper(strings.TrimRight(strings.TrimSpace(v), `\`))
		if !volumePattern.MatchString(v) {
			return &ConfigError{Field: "volumes", Reason: fmt.Sprintf("%q is not a drive letter volume", o.Volumes[i])}
		}
		if seen[v] {
			return &ConfigError{Field: "volumes", Reason: fmt.Sprintf("%q listed twice", v)}
		}
		seen[v] = true
		o.Volumes[i] = v
	}

	if o.BufferSize == 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.BufferSize < minBufferSize {
		return &ConfigError{Field: "buffer_size", Reason: fmt.Sprintf("must be at least %d bytes", minBufferSize)}
	}
	if o.PollInterval < 0 {
		return &ConfigError{Field: "poll_interval", Reason: "must not be negative"}
	}
	if o.MaxBacklog == 0 {
		o.MaxBacklog = DefaultMaxBacklog
	}
	if o.MaxBacklog < 0 {
		return &ConfigError{Field: "max_backlog", Reason: "must be positive"}
	}

	switch o.StartPosition {
	case "":
		o.StartPosition = StartFirst
	case StartFirst, StartNext:
	default:
		return &ConfigError{Field: "start_position", Reason: fmt.Sprintf("unknown position %q (want %q or %q)", o.StartPosition, StartFirst, StartNext)}
	}

	if o.AttachmentThreshold < 0 || o.AttachmentThreshold > 1 {
		return &ConfigError{Field: "attachment_threshold", Reason: "must be within [0,1]"}
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.MailPollInterval <= 0 {
		o.MailPollInterval = DefaultMailPollInterval
	}
	return nil
}

// Collector is the facade over the monitors, the processing loop, the
// optional mail correlator and the event store.
type Collector struct {
	opts       Options
	opener     JournalOpener
	mailbox    Mailbox
	attributor ProcessAttributor
	logger     Logger
	clock      Clock
	idgen      IDGenerator

	store *EventStore

	mu             sync.Mutex
	running        bool
	cancel         context.CancelFunc
	monitors       []*Monitor
	processorDone  chan struct{}
	correlatorDone chan struct{}
	correlator     *Correlator
}

// New validates opts and creates a stopped Collector. mailbox is required
// only when mail correlation is enabled; attributor may be nil.
func New(opts Options, opener JournalOpener, mailbox Mailbox, attributor ProcessAttributor, logger Logger, clock Clock, idgen IDGenerator) (*Collector, error) {
	opts.Volumes = append([]string(nil), opts.Volumes...)
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opener == nil {
		return nil, &ConfigError{Field: "journal", Reason: "no journal backend"}
	}
	if opts.MailCorrelation && mailbox == nil {
		return nil, &ConfigError{Field: "mail", Reason: "mail correlation enabled without a mailbox"}
	}
	if attributor == nil {
		attributor = NoAttribution{}
	}

	machine := opts.MachineName
	if machine == "" {
		machine, _ = os.Hostname()
	}

	return &Collector{
		opts:       opts,
		opener:     opener,
		mailbox:    mailbox,
		attributor: attributor,
		logger:     logger,
		clock:      clock,
		idgen:      idgen,
		store: newEventStore(CollectorMetadata{
			Volumes:     append([]string(nil), opts.Volumes...),
			MachineName: machine,
		}),
	}, nil
}

// Start opens every volume and launches the workers. If any volume fails to
// open, the already opened ones are closed and a *ConfigError is returned
// before any goroutine is started.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrAlreadyStarted
	}

	backlog := make(chan rawRecord, c.opts.MaxBacklog)
	mopts := monitorOptions{
		bufferSize:    c.opts.BufferSize,
		pollInterval:  c.opts.PollInterval,
		retryBackoff:  c.opts.RetryBackoff,
		startPosition: c.opts.StartPosition,
		reasonMask:    usn.ReasonAll,
	}

	monitors := make([]*Monitor, 0, len(c.opts.Volumes))
	for _, volume := range c.opts.Volumes {
		m := newMonitor(volume, c.opener, backlog, mopts, c.store.setJournal, c.logger)
		if err := m.open(); err != nil {
			for _, opened := range monitors {
				opened.close()
			}
			return &ConfigError{Field: "volumes", Reason: fmt.Sprintf("cannot monitor %s", volume), Err: err}
		}
		monitors = append(monitors, m)
	}

	lookups := make(map[string]func() ReferenceLookup, len(monitors))
	for _, m := range monitors {
		lookups[m.volume] = m.lookup
	}

	proc := &processor{
		includeClose: c.opts.IncludeClose,
		idleTimeout:  c.opts.IdleTimeout,
		cacheSize:    c.opts.PathCacheSize,
		filter:       NewExclusionFilter(c.opts.ExcludePaths, c.opts.ExcludeProcesses, c.opts.ExcludeExtensions),
		pairer:       newRenamePairer(c.opts.RenameLookback),
		attributor:   c.attributor,
		lookups:      lookups,
		caches:       make(map[string]*PathCache),
		store:        c.store,
		idgen:        c.idgen,
		logger:       c.logger,
	}
	if c.opts.AttachmentDetection {
		proc.scorer = NewAttachmentScorer(c.opts.MailClient, c.opts.AttachmentThreshold)
	}

	c.store.setStartTime(c.clock.Now())

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.monitors = monitors
	c.processorDone = make(chan struct{})
	metrics.BacklogCapacity.Set(float64(c.opts.MaxBacklog))

	for _, m := range monitors {
		go m.run(runCtx)
	}
	go proc.run(runCtx, backlog, c.processorDone)

	c.correlator = nil
	c.correlatorDone = nil
	if c.opts.MailCorrelation {
		c.correlator = newCorrelator(c.mailbox, c.store, c.opts.MailPollInterval, c.clock, c.logger)
		c.correlatorDone = make(chan struct{})
		go c.correlator.run(runCtx, c.correlatorDone)
	}

	c.running = true
	c.logger.Info("collector started", "volumes", strings.Join(c.opts.Volumes, ","), "backlog", c.opts.MaxBacklog)
	return nil
}

// Stop cancels all workers and waits up to the stop timeout for the
// monitors, then for the processing loop and correlator. Volume handles are
// released last so records drained at shutdown still resolve their paths.
// Handles are released even when a worker does not exit in time; that case
// is reported as ErrShutdownTimeout.
func (c *Collector) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	c.running = false
	c.cancel()

	var errs []error
	deadline := time.After(c.opts.StopTimeout)
	for _, m := range c.monitors {
		if !m.wait(deadline) {
			c.logger.Warn("monitor did not stop in time", "volume", m.volume, "timeout", c.opts.StopTimeout)
			errs = append(errs, fmt.Errorf("monitor %s: %w", m.volume, ErrShutdownTimeout))
		}
	}

	workerDeadline := time.After(c.opts.StopTimeout)
	select {
	case <-c.processorDone:
	case <-workerDeadline:
		c.logger.Warn("processing loop did not stop in time", "timeout", c.opts.StopTimeout)
		errs = append(errs, fmt.Errorf("processing loop: %w", ErrShutdownTimeout))
	}
	if c.correlatorDone != nil {
		select {
		case <-c.correlatorDone:
		case <-workerDeadline:
			c.logger.Warn("mail correlator did not stop in time", "timeout", c.opts.StopTimeout)
			errs = append(errs, fmt.Errorf("mail correlator: %w", ErrShutdownTimeout))
		}
	}

	for _, m := range c.monitors {
		if err := m.close(); err != nil {
			c.logger.Warn("failed to close volume", "volume", m.volume, "error", err)
		}
	}

	meta := c.store.Metadata()
	c.logger.Info("collector stopped", "activities", meta.ActivityCount)
	return errors.Join(errs...)
}

// Running reports whether Start succeeded and Stop was not called yet.
func (c *Collector) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// MonitorStates returns the lifecycle state of each monitor by volume.
func (c *Collector) MonitorStates() map[string]MonitorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	states := make(map[string]MonitorState, len(c.monitors))
	for _, m := range c.monitors {
		states[m.volume] = m.State()
	}
	return states
}

// Store exposes the event store for incremental readers.
func (c *Collector) Store() *EventStore { return c.store }

// All returns every event still held in memory, in arrival order.
func (c *Collector) All() []FileActivityEvent { return c.store.All() }

// ByID returns the event with the given activity id.
func (c *Collector) ByID(id string) (FileActivityEvent, bool) { return c.store.ByID(id) }

// ByPath returns events at or below path, compared case-insensitively.
func (c *Collector) ByPath(path string) []FileActivityEvent { return c.store.ByPath(path) }

// ByProcess returns events attributed to the named process.
func (c *Collector) ByProcess(name string) []FileActivityEvent { return c.store.ByProcess(name) }

// Clear drops the held events; metadata keeps counting.
func (c *Collector) Clear() { c.store.Clear() }

// Metadata returns a snapshot of the collector metadata.
func (c *Collector) Metadata() CollectorMetadata { return c.store.Metadata() }

// ByTimeRange returns events with start <= Timestamp <= end.
func (c *Collector) ByTimeRange(start, end time.Time) []FileActivityEvent {
	return c.store.ByTimeRange(start, end)
}

// EmailAttachments returns attachment detections with at least minConfidence.
func (c *Collector) EmailAttachments(minConfidence float64) []EmailAttachmentEvent {
	return c.store.EmailAttachments(minConfidence)
}

// ChangedSince returns events appended or rewritten after seq and the
// sequence to pass on the next call.
func (c *Collector) ChangedSince(seq uint64) ([]FileActivityEvent, uint64) {
	return c.store.ChangedSince(seq)
}

// Prune drops events with a change sequence up to seq whose timestamp is
// before cutoff. It returns the number of events dropped.
func (c *Collector) Prune(seq uint64, cutoff time.Time) int {
	return c.store.Prune(seq, cutoff)
}
