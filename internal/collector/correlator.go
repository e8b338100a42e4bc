package collector

import (
	"context"
	"path"
	"regexp"
	"strings"
	"time"

	"actindex/internal/metrics"
)

const (
	// DefaultMailPollInterval is the mailbox poll period of the correlator.
	DefaultMailPollInterval = time.Minute

	// MatchWindow bounds the delay between receiving a message and saving
	// one of its attachments.
	MatchWindow = time.Hour

	// MatchThreshold is the minimum combined score of an accepted match.
	MatchThreshold = 0.7

	mailIndexRetention = 24 * time.Hour
)

// MailAttachment is one attachment of a mailbox message.
type MailAttachment struct {
	Name string
	Size int64
}

// MailMessage is the part of a mailbox message the correlator indexes.
type MailMessage struct {
	ID          string
	Sender      string
	Subject     string
	Received    time.Time
	Attachments []MailAttachment
}

// Mailbox is a source of received mail.
type Mailbox interface {
	// Fetch returns messages received at or after since.
	Fetch(ctx context.Context, since time.Time) ([]MailMessage, error)
}

// Notifier is implemented by mailboxes that can signal changes, letting the
// correlator poll immediately instead of waiting for its timer.
type Notifier interface {
	Changes() <-chan struct{}
}

type mailIndexEntry struct {
	messageID string
	sender    string
	subject   string
	received  time.Time
	name      string
	size      int64
}

// Correlator matches stored CREATE events against mailbox attachments and
// rewrites matched events with the message details.
type Correlator struct {
	mailbox  Mailbox
	store    *EventStore
	interval time.Duration
	clock    Clock
	logger   Logger

	index map[string][]mailIndexEntry // lower-case attachment name
	seen  map[string]bool             // message ids already indexed
	since time.Time
}

func newCorrelator(mailbox Mailbox, store *EventStore, interval time.Duration, clock Clock, logger Logger) *Correlator {
	if interval <= 0 {
		interval = DefaultMailPollInterval
	}
	return &Correlator{
		mailbox:  mailbox,
		store:    store,
		interval: interval,
		clock:    clock,
		logger:   logger,
		index:    make(map[string][]mailIndexEntry),
		seen:     make(map[string]bool),
		since:    clock.Now().Add(-MatchWindow),
	}
}

func (c *Correlator) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	var changes <-chan struct{}
	if n, ok := c.mailbox.(Notifier); ok {
		changes = n.Changes()
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.poll(ctx)
		case <-changes:
			c.poll(ctx)
		}
	}
}

// poll refreshes the index from the mailbox and runs one matching pass.
// It returns the number of rewritten events.
func (c *Correlator) poll(ctx context.Context) int {
	metrics.MailboxPolls.Inc()
	msgs, err := c.mailbox.Fetch(ctx, c.since)
	if err != nil {
		if ctx.Err() == nil {
			metrics.MailboxErrors.Inc()
			c.logger.Warn("mailbox poll failed", "error", err)
		}
		return c.match()
	}
	for _, m := range msgs {
		c.add(m)
	}
	c.prune()
	metrics.MailboxIndexSize.Set(float64(c.indexSize()))
	return c.match()
}

func (c *Correlator) add(m MailMessage) {
	if m.ID != "" && c.seen[m.ID] {
		return
	}
	if m.ID != "" {
		c.seen[m.ID] = true
	}
	for _, a := range m.Attachments {
		if a.Name == "" {
			continue
		}
		key := strings.ToLower(a.Name)
		c.index[key] = append(c.index[key], mailIndexEntry{
			messageID: m.ID,
			sender:    m.Sender,
			subject:   m.Subject,
			received:  m.Received,
			name:      a.Name,
			size:      a.Size,
		})
	}
	// Keep the fetch window wide enough to see messages received just
	// before an attachment is saved.
	if s := m.Received.Add(-MatchWindow); s.After(c.since) {
		c.since = s
	}
}

func (c *Correlator) prune() {
	cutoff := c.clock.Now().Add(-mailIndexRetention)
	for key, entries := range c.index {
		kept := entries[:0]
		for _, e := range entries {
			if !e.received.Before(cutoff) {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(c.index, key)
			continue
		}
		c.index[key] = kept
	}
}

func (c *Correlator) indexSize() int {
	n := 0
	for _, entries := range c.index {
		n += len(entries)
	}
	return n
}

// match scans unmatched CREATE events in attachment-like directories.
func (c *Correlator) match() int {
	if len(c.index) == 0 {
		return 0
	}
	candidates := c.store.unmatched(func(ev FileActivityEvent) bool {
		return ev.Activity == ActivityCreate && !ev.IsDirectory && inAttachmentDirectory(ev.Path)
	})

	matched := 0
	for _, ev := range candidates {
		info, ok := c.bestMatch(ev)
		if !ok {
			continue
		}
		if c.store.rewriteMatched(ev.ActivityID, info) {
			matched++
			metrics.AttachmentsDetected.WithLabelValues("mailbox").Inc()
			c.logger.Info("attachment matched to mail", "path", ev.Path, "sender", info.Sender, "subject", info.Subject, "confidence", info.Confidence)
		}
	}
	return matched
}

// bestMatch returns the highest scoring mailbox attachment for ev. Exact
// name matches are preferred over fuzzy ones.
func (c *Correlator) bestMatch(ev FileActivityEvent) (AttachmentInfo, bool) {
	var (
		best     mailIndexEntry
		bestScr  float64
		bestSig  string
		haveBest bool
	)

	for _, e := range c.index[strings.ToLower(ev.FileName)] {
		ts, ok := timeScore(ev.Timestamp.Sub(e.received))
		if !ok {
			continue
		}
		if s := 0.7 + 0.3*ts; !haveBest || s > bestScr {
			best, bestScr, bestSig, haveBest = e, s, SignalMailboxExactMatch, true
		}
	}

	if !haveBest {
		for key, entries := range c.index {
			ns := nameSimilarity(ev.FileName, key)
			if ns <= 0 {
				continue
			}
			for _, e := range entries {
				ts, ok := timeScore(ev.Timestamp.Sub(e.received))
				if !ok {
					continue
				}
				if s := 0.6*ns + 0.4*ts; s >= MatchThreshold && (!haveBest || s > bestScr) {
					best, bestScr, bestSig, haveBest = e, s, SignalMailboxFuzzyMatch, true
				}
			}
		}
	}

	if !haveBest || bestScr < MatchThreshold {
		return AttachmentInfo{}, false
	}

	var signals []string
	if ev.Attachment != nil {
		signals = append(signals, ev.Attachment.Signals...)
	}
	signals = append(signals, bestSig)

	return AttachmentInfo{
		Sender:       best.sender,
		Subject:      best.subject,
		EmailTime:    best.received,
		OriginalName: best.name,
		Confidence:   clamp01(bestScr),
		Signals:      signals,
		EmailID:      best.messageID,
	}, true
}

// timeScore decays linearly from 1 at the receive time to 0 at MatchWindow.
// Files created before the message was received never match.
func timeScore(delta time.Duration) (float64, bool) {
	if delta < 0 || delta > MatchWindow {
		return 0, false
	}
	return 1 - float64(delta)/float64(MatchWindow), true
}

var (
	duplicateSuffix = regexp.MustCompile(`\s*(\(\d+\)|- copy)$`)
	nameSeparators  = regexp.MustCompile(`[\s_\-.]+`)
)

// nameSimilarity scores how likely saved is a renamed copy of original.
func nameSimilarity(saved, original string) float64 {
	a, b := strings.ToLower(saved), strings.ToLower(original)
	if a == b {
		return 1.0
	}

	aExt, bExt := path.Ext(a), path.Ext(b)
	aStem, bStem := strings.TrimSuffix(a, aExt), strings.TrimSuffix(b, bExt)

	if aExt == bExt && duplicateSuffix.ReplaceAllString(aStem, "") == duplicateSuffix.ReplaceAllString(bStem, "") {
		return 0.9
	}
	if nameSeparators.ReplaceAllString(a, "") == nameSeparators.ReplaceAllString(b, "") {
		return 0.85
	}
	aStem, bStem = nameSeparators.ReplaceAllString(aStem, ""), nameSeparators.ReplaceAllString(bStem, "")
	if aExt == bExt && aStem != "" && bStem != "" && (strings.Contains(aStem, bStem) || strings.Contains(bStem, aStem)) {
		return 0.8
	}

	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return float64(n) / float64(max(len(a), len(b)))
}
