package collector

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"actindex/internal/metrics"
	"actindex/internal/usn"
)

// DefaultIdleTimeout is how long the processing loop waits for a record
// before running its idle housekeeping.
const DefaultIdleTimeout = time.Second

// processor is the single consumer of the backlog channel. It owns the path
// caches, the rename pairer and the attachment scorer.
type processor struct {
	includeClose bool
	idleTimeout  time.Duration
	cacheSize    int

	filter     *ExclusionFilter
	pairer     *renamePairer
	scorer     *AttachmentScorer // nil when attachment detection is disabled
	attributor ProcessAttributor
	lookups    map[string]func() ReferenceLookup
	caches     map[string]*PathCache

	store  *EventStore
	idgen  IDGenerator
	logger Logger
}

// run drains in until ctx is cancelled. Records already queued at
// cancellation are still processed.
func (p *processor) run(ctx context.Context, in <-chan rawRecord, done chan<- struct{}) {
	defer close(done)

	idle := time.NewTimer(p.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case r := <-in:
			metrics.BacklogDepth.Dec()
			p.handle(r)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.idleTimeout)
		case <-idle.C:
			p.logIdle()
			idle.Reset(p.idleTimeout)
		case <-ctx.Done():
			p.drain(in)
			return
		}
	}
}

func (p *processor) drain(in <-chan rawRecord) {
	for {
		select {
		case r := <-in:
			metrics.BacklogDepth.Dec()
			p.handle(r)
		default:
			return
		}
	}
}

func (p *processor) logIdle() {
	for volume, c := range p.caches {
		hits, misses, partial := c.Stats()
		p.logger.Debug("processor idle", "volume", volume, "cached_paths", c.Len(), "hits", hits, "misses", misses, "partial", partial)
	}
}

// handle turns one decoded record into a stored event, or drops it.
func (p *processor) handle(r rawRecord) {
	rec := r.record

	pid, pname, _ := p.attributor.Attribute(r.volume, rec)
	if p.filter.ExcludesProcess(pname) {
		metrics.ActivitiesFiltered.WithLabelValues("process").Inc()
		return
	}
	if !rec.IsDirectory() && p.filter.ExcludesExtension(rec.FileName) {
		metrics.ActivitiesFiltered.WithLabelValues("extension").Inc()
		return
	}

	activity := Classify(rec.Reason)
	if activity == ActivityRename && p.pairer.closes(rec) {
		activity = ActivityClose
	}
	if activity == ActivityClose && !p.includeClose {
		metrics.ActivitiesFiltered.WithLabelValues("close").Inc()
		return
	}

	cache := p.cache(r.volume)
	path, complete := cache.Resolve(rec.FileReferenceNumber, rec.ParentFileReferenceNumber, rec.FileName)
	if complete {
		metrics.PathResolutions.WithLabelValues("complete").Inc()
	} else {
		metrics.PathResolutions.WithLabelValues("partial").Inc()
	}

	// Paths of deleted or renamed-away entries must not be served again.
	if activity == ActivityDelete || (activity == ActivityRename && rec.Reason.Has(usn.ReasonRenameOldName)) {
		cache.Invalidate(rec.FileReferenceNumber, rec.IsDirectory())
	}

	if p.filter.ExcludesPath(path) {
		metrics.ActivitiesFiltered.WithLabelValues("path").Inc()
		return
	}

	ev := FileActivityEvent{
		ActivityID:  p.idgen.New(),
		USN:         rec.USN,
		Timestamp:   rec.Timestamp,
		FileRef:     rec.FileReferenceNumber,
		ParentRef:   rec.ParentFileReferenceNumber,
		Activity:    activity,
		Reason:      rec.Reason,
		FileName:    rec.FileName,
		Path:        path,
		Volume:      r.volume,
		ProcessID:   pid,
		ProcessName: pname,
		IsDirectory: rec.IsDirectory(),
		Attributes:  recordAttributes(rec),
	}
	if !complete {
		ev.Attributes[AttrPathPartial] = "true"
	}

	p.pairer.pair(&ev)

	if p.scorer != nil {
		if p.scorer.IsMailClientActivity(ev) {
			p.scorer.ObserveMailActivity(ev.Timestamp)
		}
		if info, ok := p.scorer.Evaluate(ev); ok {
			ev.Attachment = info
			metrics.AttachmentsDetected.WithLabelValues("heuristic").Inc()
			p.logger.Info("attachment detected", "path", ev.Path, "confidence", info.Confidence, "signals", info.Signals)
		}
	}

	p.store.append(ev)
	metrics.ActivitiesTotal.WithLabelValues(activity.String()).Inc()
}

func (p *processor) cache(volume string) *PathCache {
	if c, ok := p.caches[volume]; ok {
		return c
	}
	var lookup ReferenceLookup
	if get, ok := p.lookups[volume]; ok {
		lookup = get()
	}
	c := NewPathCache(volume, lookup, p.cacheSize)
	p.caches[volume] = c
	return c
}

func recordAttributes(rec usn.Record) map[string]string {
	return map[string]string{
		AttrReasonFlags:    rec.Reason.String(),
		AttrFileAttributes: fmt.Sprintf("0x%08x", uint32(rec.FileAttributes)),
		AttrSourceInfo:     strconv.FormatUint(uint64(rec.SourceInfo), 10),
		AttrSecurityID:     strconv.FormatUint(uint64(rec.SecurityID), 10),
		AttrRecordVersion:  fmt.Sprintf("%d.%d", rec.MajorVersion, rec.MinorVersion),
	}
}
