package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Journal monitor metrics
	JournalReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actindex_journal_reads_total",
			Help: "Total number of journal reads issued",
		},
		[]string{"volume"},
	)

	JournalReadErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actindex_journal_read_errors_total",
			Help: "Total number of failed journal reads",
		},
		[]string{"volume"},
	)

	JournalCursorResets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actindex_journal_cursor_resets_total",
			Help: "Total number of cursor resets after the journal wrapped or was recreated",
		},
		[]string{"volume"},
	)

	RecordsDecoded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actindex_records_decoded_total",
			Help: "Total number of journal records decoded",
		},
		[]string{"volume"},
	)

	RecordsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actindex_records_skipped_total",
			Help: "Total number of malformed or unsupported journal records skipped",
		},
		[]string{"volume"},
	)

	JournalCursor = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "actindex_journal_cursor_usn",
			Help: "Next USN the monitor will read",
		},
		[]string{"volume"},
	)

	// Queue metrics
	BacklogDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "actindex_backlog_depth",
			Help: "Current number of decoded records waiting for processing",
		},
	)

	BacklogCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "actindex_backlog_capacity",
			Help: "Maximum number of queued records",
		},
	)

	// Processing metrics
	ActivitiesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actindex_activities_total",
			Help: "Total number of recorded activities",
		},
		[]string{"type"},
	)

	ActivitiesFiltered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actindex_activities_filtered_total",
			Help: "Total number of records dropped by filters",
		},
		[]string{"reason"},
	)

	PathResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actindex_path_resolutions_total",
			Help: "Total number of path resolutions",
		},
		[]string{"result"},
	)

	AttachmentsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actindex_attachments_detected_total",
			Help: "Total number of activities identified as saved email attachments",
		},
		[]string{"source"},
	)

	// Mail correlator metrics
	MailboxPolls = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "actindex_mailbox_polls_total",
			Help: "Total number of mailbox polls",
		},
	)

	MailboxErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "actindex_mailbox_errors_total",
			Help: "Total number of failed mailbox polls",
		},
	)

	MailboxIndexSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "actindex_mailbox_index_size",
			Help: "Number of attachment names in the mailbox index",
		},
	)

	// Recorder metrics
	FlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "actindex_flush_duration_seconds",
			Help:    "Duration of recorder flushes in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	FlushErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actindex_flush_errors_total",
			Help: "Total number of failed recorder flushes",
		},
		[]string{"sink"},
	)

	// Export metrics
	ExportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actindex_exports_total",
			Help: "Total number of snapshot exports by archive and result",
		},
		[]string{"archive", "result"},
	)

	ExportBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actindex_export_bytes_total",
			Help: "Total number of snapshot bytes written to archives",
		},
		[]string{"archive"},
	)
)
