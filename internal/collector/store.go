package collector

import (
	"strings"
	"sync"
	"time"
)

// EventStore is the in-memory event sequence and metadata of one Collector.
// Appends come from the processing loop and rewrites from the correlator;
// readers get copies under a read lock.
type EventStore struct {
	mu     sync.RWMutex
	events []FileActivityEvent
	byID   map[string]int
	seq    uint64
	meta   CollectorMetadata
}

func newEventStore(meta CollectorMetadata) *EventStore {
	if meta.Journals == nil {
		meta.Journals = make(map[string]VolumeMetadata)
	}
	return &EventStore{
		byID: make(map[string]int),
		meta: meta,
	}
}

// append stores ev, assigns its change sequence and updates the running
// metadata. The stored copy is returned.
func (s *EventStore) append(ev FileActivityEvent) FileActivityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	ev.Seq = s.seq
	s.byID[ev.ActivityID] = len(s.events)
	s.events = append(s.events, ev)

	s.meta.ActivityCount++
	vm := s.meta.Journals[ev.Volume]
	if !vm.Observed || ev.USN < vm.FirstUSN {
		vm.FirstUSN = ev.USN
	}
	if !vm.Observed || ev.USN > vm.LastUSN {
		vm.LastUSN = ev.USN
	}
	vm.Observed = true
	s.meta.Journals[ev.Volume] = vm
	return ev
}

func (s *EventStore) setStartTime(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta.StartTime = t
}

// setJournal records the journal id of volume.
func (s *EventStore) setJournal(volume string, journalID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm := s.meta.Journals[volume]
	vm.JournalID = journalID
	s.meta.Journals[volume] = vm
}

// rewriteMatched attaches info to the event with the given id unless it was
// already matched. It reports whether the rewrite happened.
func (s *EventStore) rewriteMatched(id string, info AttachmentInfo) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.byID[id]
	if !ok || s.events[i].Matched {
		return false
	}
	s.seq++
	ev := s.events[i]
	ev.Attachment = &info
	ev.Matched = true
	ev.Seq = s.seq
	s.events[i] = ev
	return true
}

// unmatched returns copies of events that have not been matched yet and
// satisfy keep.
func (s *EventStore) unmatched(keep func(FileActivityEvent) bool) []FileActivityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []FileActivityEvent
	for _, ev := range s.events {
		if !ev.Matched && keep(ev) {
			out = append(out, ev)
		}
	}
	return out
}

func (s *EventStore) filter(keep func(FileActivityEvent) bool) []FileActivityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []FileActivityEvent{}
	for _, ev := range s.events {
		if keep(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// All returns every stored event in arrival order.
func (s *EventStore) All() []FileActivityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]FileActivityEvent{}, s.events...)
}

// ByID returns the event with the given activity id.
func (s *EventStore) ByID(id string) (FileActivityEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return FileActivityEvent{}, false
	}
	return s.events[i], true
}

// ByPath returns events whose path equals p or lies below it. Comparison is
// case-insensitive.
func (s *EventStore) ByPath(p string) []FileActivityEvent {
	p = strings.TrimRight(strings.ToLower(p), pathSeparator)
	return s.filter(func(ev FileActivityEvent) bool {
		lower := strings.ToLower(ev.Path)
		return lower == p || strings.HasPrefix(lower, p+pathSeparator)
	})
}

// ByTimeRange returns events with start <= Timestamp <= end.
func (s *EventStore) ByTimeRange(start, end time.Time) []FileActivityEvent {
	return s.filter(func(ev FileActivityEvent) bool {
		return !ev.Timestamp.Before(start) && !ev.Timestamp.After(end)
	})
}

// ByProcess returns events attributed to the named process.
func (s *EventStore) ByProcess(name string) []FileActivityEvent {
	return s.filter(func(ev FileActivityEvent) bool {
		return ev.ProcessName != "" && strings.EqualFold(ev.ProcessName, name)
	})
}

// EmailAttachments returns attachment events with at least minConfidence.
func (s *EventStore) EmailAttachments(minConfidence float64) []EmailAttachmentEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []EmailAttachmentEvent{}
	for _, ev := range s.events {
		if a, ok := ev.AsEmailAttachment(); ok && a.Confidence >= minConfidence {
			out = append(out, a)
		}
	}
	return out
}

// ChangedSince returns events appended or rewritten after seq, in arrival
// order, and the current sequence to pass on the next call.
func (s *EventStore) ChangedSince(seq uint64) ([]FileActivityEvent, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []FileActivityEvent
	for _, ev := range s.events {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out, s.seq
}

// Clear drops all stored events. Metadata and the change sequence keep
// running.
func (s *EventStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
	s.byID = make(map[string]int)
}

// Prune drops events already handed out up to seq whose timestamp is
// before cutoff. Events rewritten after seq are kept until the next flush.
func (s *EventStore) Prune(seq uint64, cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	for _, ev := range s.events {
		if ev.Seq <= seq && ev.Timestamp.Before(cutoff) {
			continue
		}
		kept = append(kept, ev)
	}
	dropped := len(s.events) - len(kept)
	if dropped == 0 {
		return 0
	}
	clear(s.events[len(kept):])
	s.events = kept
	s.byID = make(map[string]int, len(kept))
	for i, ev := range kept {
		s.byID[ev.ActivityID] = i
	}
	return dropped
}

// Len returns the number of stored events.
func (s *EventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Metadata returns a copy of the collector metadata.
func (s *EventStore) Metadata() CollectorMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.clone()
}
