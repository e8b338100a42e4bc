package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"actindex/internal/collector"
	"actindex/internal/metrics"
	"actindex/internal/publish"
)

// DefaultFlushInterval is used when no flush interval is configured.
const DefaultFlushInterval = 5 * time.Second

// Recorder persists collected activities and run bookkeeping.
type Recorder interface {
	RecordActivities(ctx context.Context, events []collector.FileActivityEvent) error
	StartRun(ctx context.Context, meta collector.CollectorMetadata) (int64, error)
	FinishRun(ctx context.Context, id int64, meta collector.CollectorMetadata, status string, finished time.Time) error
}

// mailboxWatcher is implemented by mailboxes that can watch their source.
type mailboxWatcher interface {
	Watch(ctx context.Context) error
}

// Watcher runs a collector and periodically flushes new and rewritten
// activities to the recorder and the publish sink.
type Watcher struct {
	collector *collector.Collector
	recorder  Recorder
	sink      publish.Sink
	mailbox   collector.Mailbox
	logger    collector.Logger
	clock     collector.Clock
	interval  time.Duration

	run *collectorRun
	seq uint64
}

// NewWatcher creates a Watcher. mailbox may be nil; when it can watch its
// source the watch is started with the collector.
func NewWatcher(c *collector.Collector, recorder Recorder, sink publish.Sink, mailbox collector.Mailbox, logger collector.Logger, clock collector.Clock, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if sink == nil {
		sink = publish.NopSink{}
	}
	return &Watcher{
		collector: c,
		recorder:  recorder,
		sink:      sink,
		mailbox:   mailbox,
		logger:    logger,
		clock:     clock,
		interval:  interval,
		run:       newCollectorRun(),
	}
}

// Run starts the collector and flushes until ctx is cancelled. It then
// stops the collector, flushes what remains and records the run outcome.
// A failed start is returned before any run is recorded.
func (w *Watcher) Run(ctx context.Context) error {
	// The collector and the bookkeeping run on their own context: Stop owns
	// the shutdown ordering and the final writes happen after ctx is done.
	bg := context.Background()
	if err := w.collector.Start(bg); err != nil {
		return err
	}

	id, err := w.recorder.StartRun(bg, w.collector.Metadata())
	if err != nil {
		w.logger.Warn("failed to record run start", "error", err)
	} else {
		w.run.ID = id
	}

	if mw, ok := w.mailbox.(mailboxWatcher); ok {
		if err := mw.Watch(ctx); err != nil {
			w.logger.Warn("mailbox watch unavailable, falling back to polling", "error", err)
		}
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var flushErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			if _, err := w.Flush(bg); err != nil {
				w.logger.Error("flush failed", "error", err)
			}
		}
	}

	stopErr := w.collector.Stop()
	if _, err := w.Flush(bg); err != nil {
		flushErr = fmt.Errorf("final flush: %w", err)
	}
	if err := w.sink.Close(); err != nil {
		w.logger.Warn("failed to close publisher", "error", err)
	}

	w.run.Status = runStatusStopped
	if stopErr != nil || flushErr != nil {
		w.run.Status = runStatusError
	}
	if w.run.Persisted() {
		if err := w.recorder.FinishRun(bg, w.run.ID, w.collector.Metadata(), w.run.Status, w.clock.Now()); err != nil {
			w.logger.Warn("failed to record run end", "run", w.run.ID, "error", err)
		}
	}
	return errors.Join(stopErr, flushErr)
}

// Flush records everything that changed since the previous flush and
// publishes it. The cursor advances once the recorder has the batch; a
// publish failure is logged and counted but does not hold back recording.
// Recorded events older than the mail match window are then dropped from
// memory; newer ones stay so the correlator can still rewrite them.
func (w *Watcher) Flush(ctx context.Context) (int, error) {
	start := time.Now()
	events, next := w.collector.ChangedSince(w.seq)
	if len(events) == 0 {
		w.seq = next
		w.prune()
		return 0, nil
	}

	if err := w.recorder.RecordActivities(ctx, events); err != nil {
		metrics.FlushErrors.WithLabelValues("database").Inc()
		return 0, err
	}
	w.seq = next
	metrics.FlushDuration.Observe(time.Since(start).Seconds())
	pruned := w.prune()

	if err := w.sink.Publish(ctx, events); err != nil {
		metrics.FlushErrors.WithLabelValues("publish").Inc()
		w.logger.Warn("failed to publish activities", "count", len(events), "error", err)
	}
	w.logger.Debug("flushed activities", "count", len(events), "seq", next, "pruned", pruned)
	return len(events), nil
}

func (w *Watcher) prune() int {
	return w.collector.Prune(w.seq, w.clock.Now().Add(-collector.MatchWindow))
}

// RunID returns the recorded id of the current run, or 0.
func (w *Watcher) RunID() int64 {
	return w.run.ID
}
