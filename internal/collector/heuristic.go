package collector

import (
	"path"
	"strings"
	"time"
)

const (
	// DefaultAttachmentThreshold is the minimum score converted into an attachment event.
	DefaultAttachmentThreshold = 0.1

	// DefaultMailClient is the executable name of the mail client.
	DefaultMailClient = "outlook.exe"

	mailProcessConfidence = 0.95

	recentMailWindow   = 30 * time.Second
	mailActivityWindow = 5 * time.Minute

	weightDownloadDirectory = 0.3
	weightRecentMail        = 0.5
	weightMailWindow        = 0.2
	weightAttachmentName    = 0.3

	maxMailMarkers = 256
)

// Directory fragments where mail clients and browsers drop saved attachments.
var attachmentDirectories = []string{
	`\downloads\`,
	`\temp\`,
	`\tmp\`,
	`\inetcache\`,
	`\temporary internet files\`,
	`\content.outlook\`,
}

var attachmentNameFragments = []string{"att", "attach", "fw_", "fwd_", "re_"}

// mailStoreExtensions are data files the mail client writes while active.
var mailStoreExtensions = map[string]bool{".ost": true, ".pst": true}

// AttachmentScorer estimates whether a CREATE event is a saved email
// attachment. It keeps a rolling window of mail-client activity markers and
// is owned by the processing loop.
type AttachmentScorer struct {
	mailClient string
	threshold  float64
	markers    []time.Time
	next       int
}

// NewAttachmentScorer creates a scorer. Empty or non-positive arguments fall
// back to DefaultMailClient and DefaultAttachmentThreshold.
func NewAttachmentScorer(mailClient string, threshold float64) *AttachmentScorer {
	if mailClient == "" {
		mailClient = DefaultMailClient
	}
	if threshold <= 0 {
		threshold = DefaultAttachmentThreshold
	}
	return &AttachmentScorer{
		mailClient: strings.ToLower(mailClient),
		threshold:  threshold,
		markers:    make([]time.Time, 0, maxMailMarkers),
	}
}

// IsMailClientActivity reports whether ev indicates the mail client is active:
// the owning process is the mail client, or the event touches the client's
// secure temp folder or its mail stores.
func (s *AttachmentScorer) IsMailClientActivity(ev FileActivityEvent) bool {
	if s.isMailProcess(ev.ProcessName) {
		return true
	}
	lower := strings.ToLower(ev.Path)
	if strings.Contains(lower, `\content.outlook\`) {
		return true
	}
	return mailStoreExtensions[strings.ToLower(path.Ext(ev.FileName))]
}

// ObserveMailActivity records a mail-client marker at t.
func (s *AttachmentScorer) ObserveMailActivity(t time.Time) {
	if len(s.markers) < maxMailMarkers {
		s.markers = append(s.markers, t)
		return
	}
	s.markers[s.next] = t
	s.next = (s.next + 1) % maxMailMarkers
}

// Score computes the additive attachment confidence of ev, clamped to [0,1],
// together with the contributing signals.
func (s *AttachmentScorer) Score(ev FileActivityEvent) (float64, []string) {
	var score float64
	var signals []string

	if inAttachmentDirectory(ev.Path) {
		score += weightDownloadDirectory
		signals = append(signals, SignalDownloadDirectory)
	}

	if delta, ok := s.sinceMailActivity(ev.Timestamp); ok {
		switch {
		case delta <= recentMailWindow:
			score += weightRecentMail
			signals = append(signals, SignalRecentMailActivity)
		case delta <= mailActivityWindow:
			score += weightMailWindow
			signals = append(signals, SignalMailActivityWindow)
		}
	}

	if hasAttachmentName(ev.FileName) {
		score += weightAttachmentName
		signals = append(signals, SignalAttachmentName)
	}

	return clamp01(score), signals
}

// Evaluate decides whether ev is converted into an attachment event.
// Events owned by the mail client are converted unconditionally.
func (s *AttachmentScorer) Evaluate(ev FileActivityEvent) (*AttachmentInfo, bool) {
	if ev.Activity != ActivityCreate || ev.IsDirectory {
		return nil, false
	}
	if s.isMailProcess(ev.ProcessName) {
		return &AttachmentInfo{
			OriginalName: ev.FileName,
			Confidence:   mailProcessConfidence,
			Signals:      []string{SignalMailProcess},
		}, true
	}

	score, signals := s.Score(ev)
	if len(signals) == 0 || score < s.threshold {
		return nil, false
	}
	return &AttachmentInfo{
		OriginalName: ev.FileName,
		Confidence:   score,
		Signals:      signals,
	}, true
}

// sinceMailActivity returns the distance from t back to the most recent
// marker at or before t.
func (s *AttachmentScorer) sinceMailActivity(t time.Time) (time.Duration, bool) {
	best := time.Duration(-1)
	for _, m := range s.markers {
		d := t.Sub(m)
		if d < 0 {
			continue
		}
		if best < 0 || d < best {
			best = d
		}
	}
	return best, best >= 0
}

func (s *AttachmentScorer) isMailProcess(name string) bool {
	return name != "" && strings.Contains(strings.ToLower(name), s.mailClient)
}

func inAttachmentDirectory(p string) bool {
	lower := strings.ToLower(p)
	for _, dir := range attachmentDirectories {
		if strings.Contains(lower, dir) {
			return true
		}
	}
	return false
}

func hasAttachmentName(name string) bool {
	lower := strings.ToLower(name)
	for _, frag := range attachmentNameFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
