package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"actindex/internal/archive"
	"actindex/internal/collector"
	"actindex/internal/config"
	"actindex/internal/database"
	"actindex/internal/encryption"
	"actindex/internal/journal"
	"actindex/internal/mailbox"
	"actindex/internal/metrics"
	"actindex/internal/publish"
)

// App is the application layer between the CLI and the collector and
// recorder. It constructs all dependencies from config, exposes high-level
// operations and closes the database and log on Close.
type App struct {
	cfg       *config.Config
	db        *database.SQLiteDatabase
	encryptor encryption.Encryptor
	archives  []archive.Archive
	logger    *slog.Logger
	logFile   *os.File
	runID     string
	clock     collector.Clock
	level     slog.Level
}

// Option customizes an App.
type Option func(*App)

// WithLogLevel sets the minimum level written to the log.
func WithLogLevel(level slog.Level) Option {
	return func(a *App) { a.level = level }
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c collector.Clock) Option {
	return func(a *App) { a.clock = c }
}

// NewApp creates a fully wired App from the given config. command names the
// CLI command being run and is logged with every record. The caller must
// call Close when done.
func NewApp(cfg *config.Config, command string, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, clock: collector.RealClock{}, level: slog.LevelInfo}
	for _, opt := range opts {
		opt(a)
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}
	a.encryptor = enc

	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.HostID)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}
	if err := db.CheckMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}
	a.db = db

	a.runID = a.clock.Now().UTC().Format("20060102T150405Z")
	logger, logFile, err := newLogger(cfg.LogDir, a.runID, a.level)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	a.logger = logger.With("command", command)
	a.logFile = logFile
	return a, nil
}

// Config returns the configuration the app was built from.
func (a *App) Config() *config.Config {
	return a.cfg
}

// Logger returns the collector-facing logger of the app.
func (a *App) Logger() collector.Logger {
	return &slogAdapter{l: a.logger}
}

// Database returns the activity database.
func (a *App) Database() *database.SQLiteDatabase {
	return a.db
}

// NewWatcher builds the collector and its recorder, mailbox and publisher
// from config.
func (a *App) NewWatcher() (*Watcher, error) {
	logger := a.Logger()

	opener, err := journal.NewOpenerFromConfig(a.cfg.Collector)
	if err != nil {
		return nil, fmt.Errorf("creating journal opener: %w", err)
	}

	var mb collector.Mailbox
	if a.cfg.Mail.Enabled {
		mb, err = mailbox.NewMailboxFromConfig(a.cfg.Mail, logger)
		if err != nil {
			return nil, fmt.Errorf("creating mailbox: %w", err)
		}
	}

	opts, err := CollectorOptions(a.cfg)
	if err != nil {
		return nil, err
	}
	c, err := collector.New(opts, opener, mb, collector.NoAttribution{}, logger, a.clock, collector.UUIDGenerator{})
	if err != nil {
		return nil, fmt.Errorf("creating collector: %w", err)
	}

	sink, err := publish.NewSinkFromConfig(a.cfg.Publish, a.cfg.HostID, logger)
	if err != nil {
		return nil, fmt.Errorf("creating publisher: %w", err)
	}

	watched := mb
	if !a.cfg.Mail.Watch {
		watched = nil
	}
	return NewWatcher(c, a.db, sink, watched, logger, a.clock, a.cfg.Collector.FlushInterval.Duration), nil
}

// Search returns recorded activities matching q.
func (a *App) Search(ctx context.Context, q database.ActivityQuery) ([]collector.FileActivityEvent, error) {
	return a.db.Search(ctx, q)
}

// Attachments returns recorded email attachment detections.
func (a *App) Attachments(ctx context.Context, minConfidence float64, limit int) ([]collector.EmailAttachmentEvent, error) {
	return a.db.Attachments(ctx, minConfidence, limit)
}

// Status summarizes the database and its most recent runs.
type Status struct {
	Stats database.Stats
	Runs  []database.Run
}

// Status returns the activity statistics and up to runLimit recent runs.
func (a *App) Status(ctx context.Context, runLimit int) (*Status, error) {
	stats, err := a.db.Stats(ctx)
	if err != nil {
		return nil, err
	}
	runs, err := a.db.ListRuns(ctx, runLimit)
	if err != nil {
		return nil, err
	}
	return &Status{Stats: stats, Runs: runs}, nil
}

// SetupKeys generates the encryption key pair and returns the recipient.
func (a *App) SetupKeys(passphrase string) (string, error) {
	recipient, err := a.encryptor.Setup(passphrase)
	if err != nil {
		return "", err
	}
	a.logger.Info("encryption keys created", "encryption", a.encryptor.Name())
	return recipient, nil
}

// Archives returns the configured archives, creating them on first use.
func (a *App) Archives(ctx context.Context) ([]archive.Archive, error) {
	if a.archives != nil {
		return a.archives, nil
	}
	if len(a.cfg.Archives) == 0 {
		return nil, fmt.Errorf("no archives configured")
	}
	archives, err := archive.NewArchivesFromConfig(ctx, a.cfg.Archives)
	if err != nil {
		return nil, err
	}
	a.archives = archives
	return archives, nil
}

func (a *App) archiveByName(ctx context.Context, name string) (archive.Archive, error) {
	archives, err := a.Archives(ctx)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return archives[0], nil
	}
	for _, ar := range archives {
		if ar.Name() == name {
			return ar, nil
		}
	}
	return nil, fmt.Errorf("archive %q not configured", name)
}

// ExportResult is the outcome of exporting to one archive.
type ExportResult struct {
	Archive  string
	Manifest archive.Manifest
	Err      error
}

// Export snapshots the database, encrypts it and uploads it to every
// configured archive. An archive failure does not stop the others; the
// joined errors are returned together with the per-archive results.
func (a *App) Export(ctx context.Context) ([]ExportResult, error) {
	if !a.encryptor.IsConfigured() {
		return nil, fmt.Errorf("encryption keys are not set up: run 'actindex keys init'")
	}
	archives, err := a.Archives(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := a.db.Stats(ctx)
	if err != nil {
		return nil, err
	}

	tmpDir, err := os.MkdirTemp("", "actindex-export-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	plainPath := filepath.Join(tmpDir, "snapshot.db")
	if err := a.db.BackupTo(plainPath); err != nil {
		return nil, err
	}
	sealedPath := filepath.Join(tmpDir, "snapshot.db.enc")
	size, err := a.encryptFile(plainPath, sealedPath)
	if err != nil {
		return nil, err
	}

	now := a.clock.Now().UTC()
	m := archive.Manifest{
		HostID:     a.cfg.HostID,
		Version:    now.UnixMilli(),
		CreatedAt:  now,
		Size:       size,
		Encryption: a.encryptor.Name(),
		Activities: stats.Activities,
	}

	results := make([]ExportResult, 0, len(archives))
	var errs []error
	for _, ar := range archives {
		res := ExportResult{Archive: ar.Name()}
		res.Manifest, res.Err = a.exportTo(ctx, ar, m, sealedPath)
		if res.Err != nil {
			metrics.ExportsTotal.WithLabelValues(ar.Name(), "error").Inc()
			a.logger.Error("export failed", "archive", ar.Name(), "error", res.Err)
			errs = append(errs, res.Err)
		} else {
			metrics.ExportsTotal.WithLabelValues(ar.Name(), "ok").Inc()
			metrics.ExportBytes.WithLabelValues(ar.Name()).Add(float64(size))
			a.logger.Info("exported snapshot", "archive", ar.Name(), "version", m.Version, "size", size)
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

func (a *App) encryptFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("opening snapshot: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return 0, fmt.Errorf("creating encrypted snapshot: %w", err)
	}
	if err := a.encryptor.Encrypt(in, out); err != nil {
		out.Close()
		return 0, fmt.Errorf("encrypting snapshot: %w", err)
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("closing encrypted snapshot: %w", err)
	}

	info, err := os.Stat(dst)
	if err != nil {
		return 0, fmt.Errorf("stat encrypted snapshot: %w", err)
	}
	return info.Size(), nil
}

func (a *App) exportTo(ctx context.Context, ar archive.Archive, m archive.Manifest, path string) (archive.Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return m, fmt.Errorf("opening encrypted snapshot: %w", err)
	}
	defer f.Close()
	return archive.PutSnapshot(ctx, ar, m, f)
}

// Fetch downloads the latest snapshot of hostID from the named archive (the
// first archive when name is empty), decrypts it with passphrase and writes
// it to dest. dest must not exist.
func (a *App) Fetch(ctx context.Context, name, hostID, passphrase, dest string) (archive.Manifest, error) {
	if hostID == "" {
		hostID = a.cfg.HostID
	}
	if _, err := os.Stat(dest); err == nil {
		return archive.Manifest{}, fmt.Errorf("%s already exists", dest)
	}
	ar, err := a.archiveByName(ctx, name)
	if err != nil {
		return archive.Manifest{}, err
	}

	sealed, err := os.CreateTemp("", "actindex-fetch-*")
	if err != nil {
		return archive.Manifest{}, fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(sealed.Name())
	defer sealed.Close()

	m, err := archive.FetchSnapshot(ctx, ar, hostID, sealed)
	if err != nil {
		return m, err
	}
	if _, err := sealed.Seek(0, io.SeekStart); err != nil {
		return m, fmt.Errorf("rewinding snapshot: %w", err)
	}

	var dec encryption.Decrypter
	switch m.Encryption {
	case "none", "":
		dec, _ = encryption.NoneEncryptor{}.Unlock("")
	case a.encryptor.Name():
		if dec, err = a.encryptor.Unlock(passphrase); err != nil {
			return m, err
		}
	default:
		return m, fmt.Errorf("snapshot is encrypted with %q but %q is configured", m.Encryption, a.encryptor.Name())
	}

	if err := writeFileAtomic(dest, func(w io.Writer) error { return dec.Decrypt(sealed, w) }); err != nil {
		return m, fmt.Errorf("decrypting snapshot: %w", err)
	}
	a.logger.Info("fetched snapshot", "archive", ar.Name(), "host", hostID, "version", m.Version, "dest", dest)
	return m, nil
}

// writeFileAtomic writes dest through a temp file in the same directory.
func writeFileAtomic(dest string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".actindex-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

// Close closes the database and the log file.
func (a *App) Close() error {
	var firstErr error
	if err := a.db.Close(); err != nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
