package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"

	"actindex/internal/collector"
	"actindex/internal/database/migrations"
	"actindex/internal/usn"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase records collector activities in SQLite. Activities are
// upserted by activity id, so re-recording an event rewritten by the mail
// correlator replaces the stored row.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
	sb   squirrel.StatementBuilderType
}

// ActivityQuery selects recorded activities. Zero fields do not filter.
type ActivityQuery struct {
	PathPrefix    string // path or directory, case-insensitive
	Process       string // process name, case-insensitive
	Activity      string // activity type name, e.g. "CREATE"
	Start, End    time.Time
	MinConfidence float64 // >0 restricts to attachment detections
	Limit         int
}

// Run is one recorded collector run.
type Run struct {
	ID            int64
	MachineName   string
	Volumes       []string
	StartedAt     time.Time
	FinishedAt    time.Time
	ActivityCount int64
	Status        string
	Journals      map[string]collector.VolumeMetadata
}

// Stats summarizes the recorded activities.
type Stats struct {
	Activities  int64
	ByActivity  map[string]int64
	Attachments int64
	Matched     int64
	First, Last time.Time
}

// NewSQLiteDatabase opens the database at path and applies pending migrations.
// path can be a file path or ":memory:" for an in-memory database.
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", path, err)
	}
	return &SQLiteDatabase{
		db:   db,
		path: path,
		sb:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
	}, nil
}

// OpenConnection opens and configures a SQLite connection. The pool is
// limited to one connection: PRAGMAs are per connection and an in-memory
// database exists only on the connection that created it.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

var activityColumns = []string{
	"a.id", "a.seq", "a.usn", "a.occurred_at", "a.activity", "a.reason", "a.path", "a.file_name",
	"a.volume", "a.file_ref", "a.parent_ref", "a.is_directory", "a.process_id", "a.process_name",
	"a.previous_file_name", "a.previous_parent_ref", "a.attributes", "a.matched",
	"t.activity_id", "t.sender", "t.subject", "t.email_time", "t.original_name", "t.confidence",
	"t.signals", "t.email_id",
}

// RecordActivities upserts events in one transaction.
func (s *SQLiteDatabase) RecordActivities(ctx context.Context, events []collector.FileActivityEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	for _, ev := range events {
		attrs, err := json.Marshal(ev.Attributes)
		if err != nil {
			return fmt.Errorf("encoding attributes of %s: %w", ev.ActivityID, err)
		}
		if ev.Attributes == nil {
			attrs = []byte("{}")
		}

		insert := s.sb.Insert("activities").
			Columns("id", "seq", "usn", "occurred_at", "activity", "reason", "path", "path_lower", "file_name",
				"volume", "file_ref", "parent_ref", "is_directory", "process_id", "process_name",
				"previous_file_name", "previous_parent_ref", "attributes", "matched", "recorded_at").
			Values(ev.ActivityID, int64(ev.Seq), ev.USN, ev.Timestamp.UnixNano(), ev.Activity.String(), int64(ev.Reason),
				ev.Path, strings.ToLower(ev.Path), ev.FileName, ev.Volume, int64(ev.FileRef), int64(ev.ParentRef),
				ev.IsDirectory, ev.ProcessID, ev.ProcessName, ev.PreviousFileName, int64(ev.PreviousParentRef),
				string(attrs), ev.Matched, now).
			Suffix(`ON CONFLICT (id) DO UPDATE SET
				seq = excluded.seq, path = excluded.path, path_lower = excluded.path_lower,
				process_id = excluded.process_id, process_name = excluded.process_name,
				attributes = excluded.attributes, matched = excluded.matched, recorded_at = excluded.recorded_at`)
		if _, err := insert.RunWith(tx).ExecContext(ctx); err != nil {
			return fmt.Errorf("recording activity %s: %w", ev.ActivityID, err)
		}

		if ev.Attachment == nil {
			continue
		}
		a := ev.Attachment
		att := s.sb.Insert("attachments").
			Columns("activity_id", "sender", "subject", "email_time", "original_name", "confidence", "signals", "email_id").
			Values(ev.ActivityID, a.Sender, a.Subject, unixNano(a.EmailTime), a.OriginalName, a.Confidence,
				strings.Join(a.Signals, ","), a.EmailID).
			Suffix(`ON CONFLICT (activity_id) DO UPDATE SET
				sender = excluded.sender, subject = excluded.subject, email_time = excluded.email_time,
				original_name = excluded.original_name, confidence = excluded.confidence,
				signals = excluded.signals, email_id = excluded.email_id`)
		if _, err := att.RunWith(tx).ExecContext(ctx); err != nil {
			return fmt.Errorf("recording attachment of %s: %w", ev.ActivityID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing activities: %w", err)
	}
	return nil
}

// FindActivity returns the activity with the given id, or nil if not found.
func (s *SQLiteDatabase) FindActivity(ctx context.Context, id string) (*collector.FileActivityEvent, error) {
	events, err := s.query(ctx, s.selectActivities().Where(squirrel.Eq{"a.id": id}))
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

// Search returns the activities matching q, oldest first.
func (s *SQLiteDatabase) Search(ctx context.Context, q ActivityQuery) ([]collector.FileActivityEvent, error) {
	sel := s.selectActivities()
	if q.PathPrefix != "" {
		p := strings.ToLower(strings.TrimRight(q.PathPrefix, `\`))
		sel = sel.Where(squirrel.Or{
			squirrel.Eq{"a.path_lower": p},
			squirrel.Expr(`a.path_lower LIKE ? ESCAPE '!'`, likeEscape(p+`\`)+"%"),
		})
	}
	if q.Process != "" {
		sel = sel.Where("a.process_name = ? COLLATE NOCASE", q.Process)
	}
	if q.Activity != "" {
		t, err := collector.ParseActivityType(q.Activity)
		if err != nil {
			return nil, err
		}
		sel = sel.Where(squirrel.Eq{"a.activity": t.String()})
	}
	if !q.Start.IsZero() {
		sel = sel.Where(squirrel.GtOrEq{"a.occurred_at": q.Start.UnixNano()})
	}
	if !q.End.IsZero() {
		sel = sel.Where(squirrel.LtOrEq{"a.occurred_at": q.End.UnixNano()})
	}
	if q.MinConfidence > 0 {
		sel = sel.Where(squirrel.GtOrEq{"t.confidence": q.MinConfidence})
	}
	if q.Limit > 0 {
		sel = sel.Limit(uint64(q.Limit))
	}
	return s.query(ctx, sel)
}

// Attachments returns the activities recorded as email attachments with at
// least minConfidence.
func (s *SQLiteDatabase) Attachments(ctx context.Context, minConfidence float64, limit int) ([]collector.EmailAttachmentEvent, error) {
	sel := s.selectActivities().
		Where("t.activity_id IS NOT NULL").
		Where(squirrel.GtOrEq{"t.confidence": minConfidence})
	if limit > 0 {
		sel = sel.Limit(uint64(limit))
	}
	events, err := s.query(ctx, sel)
	if err != nil {
		return nil, err
	}
	out := make([]collector.EmailAttachmentEvent, 0, len(events))
	for _, ev := range events {
		if a, ok := ev.AsEmailAttachment(); ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *SQLiteDatabase) selectActivities() squirrel.SelectBuilder {
	return s.sb.Select(activityColumns...).
		From("activities a").
		LeftJoin("attachments t ON t.activity_id = a.id").
		OrderBy("a.occurred_at ASC", "a.usn ASC")
}

func (s *SQLiteDatabase) query(ctx context.Context, sel squirrel.SelectBuilder) ([]collector.FileActivityEvent, error) {
	rows, err := sel.RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying activities: %w", err)
	}
	defer rows.Close()

	events := []collector.FileActivityEvent{}
	for rows.Next() {
		ev, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading activities: %w", err)
	}
	return events, nil
}

func scanActivity(rows *sql.Rows) (collector.FileActivityEvent, error) {
	var (
		ev                               collector.FileActivityEvent
		seq, occurred, reason            int64
		fileRef, parentRef, prevParent   int64
		activity, attrs                  string
		attID, sender, subject, original sql.NullString
		signals, emailID                 sql.NullString
		emailTime                        sql.NullInt64
		confidence                       sql.NullFloat64
	)
	err := rows.Scan(&ev.ActivityID, &seq, &ev.USN, &occurred, &activity, &reason, &ev.Path, &ev.FileName,
		&ev.Volume, &fileRef, &parentRef, &ev.IsDirectory, &ev.ProcessID, &ev.ProcessName,
		&ev.PreviousFileName, &prevParent, &attrs, &ev.Matched,
		&attID, &sender, &subject, &emailTime, &original, &confidence, &signals, &emailID)
	if err != nil {
		return ev, fmt.Errorf("scanning activity: %w", err)
	}

	ev.Seq = uint64(seq)
	ev.Timestamp = time.Unix(0, occurred).UTC()
	ev.Reason = usn.Reason(reason)
	ev.FileRef = uint64(fileRef)
	ev.ParentRef = uint64(parentRef)
	ev.PreviousParentRef = uint64(prevParent)
	if t, err := collector.ParseActivityType(activity); err == nil {
		ev.Activity = t
	}
	if err := json.Unmarshal([]byte(attrs), &ev.Attributes); err != nil {
		return ev, fmt.Errorf("decoding attributes of %s: %w", ev.ActivityID, err)
	}

	if attID.Valid {
		info := &collector.AttachmentInfo{
			Sender:       sender.String,
			Subject:      subject.String,
			OriginalName: original.String,
			Confidence:   confidence.Float64,
			EmailID:      emailID.String,
		}
		if emailTime.Int64 != 0 {
			info.EmailTime = time.Unix(0, emailTime.Int64).UTC()
		}
		if signals.String != "" {
			info.Signals = strings.Split(signals.String, ",")
		}
		ev.Attachment = info
	}
	return ev, nil
}

// StartRun records the start of a collector run and returns its id.
func (s *SQLiteDatabase) StartRun(ctx context.Context, meta collector.CollectorMetadata) (int64, error) {
	res, err := s.sb.Insert("collector_runs").
		Columns("machine_name", "volumes", "started_at").
		Values(meta.MachineName, strings.Join(meta.Volumes, ","), meta.StartTime.UnixNano()).
		RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("starting run: %w", err)
	}
	return res.LastInsertId()
}

// FinishRun stores the final metadata of a run.
func (s *SQLiteDatabase) FinishRun(ctx context.Context, id int64, meta collector.CollectorMetadata, status string, finished time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := s.sb.Update("collector_runs").
		Set("finished_at", finished.UnixNano()).
		Set("activity_count", meta.ActivityCount).
		Set("status", status).
		Where(squirrel.Eq{"id": id}).
		RunWith(tx).ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("finishing run %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finishing run %d: %w", id, sql.ErrNoRows)
	}

	for vol, j := range meta.Journals {
		if !j.Observed {
			continue
		}
		_, err := s.sb.Insert("run_journals").
			Columns("run_id", "volume", "journal_id", "first_usn", "last_usn").
			Values(id, vol, int64(j.JournalID), j.FirstUSN, j.LastUSN).
			Suffix("ON CONFLICT (run_id, volume) DO UPDATE SET journal_id = excluded.journal_id, first_usn = excluded.first_usn, last_usn = excluded.last_usn").
			RunWith(tx).ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("recording journal of %s: %w", vol, err)
		}
	}
	return tx.Commit()
}

// ListRuns returns the most recent runs, newest first.
func (s *SQLiteDatabase) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	sel := s.sb.Select("id", "machine_name", "volumes", "started_at", "finished_at", "activity_count", "status").
		From("collector_runs").
		OrderBy("id DESC")
	if limit > 0 {
		sel = sel.Limit(uint64(limit))
	}
	rows, err := sel.RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	var runs []Run
	for rows.Next() {
		var (
			r                 Run
			volumes           string
			started, finished int64
		)
		if err := rows.Scan(&r.ID, &r.MachineName, &volumes, &started, &finished, &r.ActivityCount, &r.Status); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		if volumes != "" {
			r.Volumes = strings.Split(volumes, ",")
		}
		r.StartedAt = time.Unix(0, started).UTC()
		if finished != 0 {
			r.FinishedAt = time.Unix(0, finished).UTC()
		}
		runs = append(runs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading runs: %w", err)
	}

	for i := range runs {
		journals, err := s.runJournals(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Journals = journals
	}
	return runs, nil
}

func (s *SQLiteDatabase) runJournals(ctx context.Context, runID int64) (map[string]collector.VolumeMetadata, error) {
	rows, err := s.sb.Select("volume", "journal_id", "first_usn", "last_usn").
		From("run_journals").
		Where(squirrel.Eq{"run_id": runID}).
		RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing journals of run %d: %w", runID, err)
	}
	defer rows.Close()

	out := make(map[string]collector.VolumeMetadata)
	for rows.Next() {
		var (
			vol string
			id  int64
			vm  = collector.VolumeMetadata{Observed: true}
		)
		if err := rows.Scan(&vol, &id, &vm.FirstUSN, &vm.LastUSN); err != nil {
			return nil, fmt.Errorf("scanning journal: %w", err)
		}
		vm.JournalID = uint64(id)
		out[vol] = vm
	}
	return out, rows.Err()
}

// Stats counts the recorded activities.
func (s *SQLiteDatabase) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByActivity: make(map[string]int64)}

	rows, err := s.sb.Select("activity", "COUNT(*)").From("activities").GroupBy("activity").
		RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return st, fmt.Errorf("counting activities: %w", err)
	}
	for rows.Next() {
		var (
			name string
			n    int64
		)
		if err := rows.Scan(&name, &n); err != nil {
			rows.Close()
			return st, fmt.Errorf("scanning counts: %w", err)
		}
		st.ByActivity[name] = n
		st.Activities += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("reading counts: %w", err)
	}

	var first, last sql.NullInt64
	err = s.sb.Select("MIN(occurred_at)", "MAX(occurred_at)", "COALESCE(SUM(matched), 0)").From("activities").
		RunWith(s.db).QueryRowContext(ctx).Scan(&first, &last, &st.Matched)
	if err != nil {
		return st, fmt.Errorf("reading activity range: %w", err)
	}
	if first.Valid {
		st.First = time.Unix(0, first.Int64).UTC()
		st.Last = time.Unix(0, last.Int64).UTC()
	}

	err = s.sb.Select("COUNT(*)").From("attachments").RunWith(s.db).QueryRowContext(ctx).Scan(&st.Attachments)
	if err != nil {
		return st, fmt.Errorf("counting attachments: %w", err)
	}
	return st, nil
}

// ActivityNames returns the activity type names in st, sorted.
func (st Stats) ActivityNames() []string {
	names := make([]string, 0, len(st.ByActivity))
	for name := range st.ByActivity {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// BackupTo writes a consistent copy of the database to destPath using VACUUM INTO.
// destPath must not exist.
func (s *SQLiteDatabase) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// likeEscape escapes LIKE wildcards with '!'.
func likeEscape(s string) string {
	r := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
	return r.Replace(s)
}
