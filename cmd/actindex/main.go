package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"actindex/internal/app"
	"actindex/internal/config"
	"actindex/internal/database"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var (
	verbose  bool
	logLevel string
)

// loadConfig reads the config file from the default location.
func loadConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// command identifies the CLI command being run (e.g. "watch", "export").
func newApp(command string) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	level, err := parseLevel()
	if err != nil {
		return nil, err
	}

	a, err := app.NewApp(cfg, command, app.WithLogLevel(level))
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

func parseLevel() (slog.Level, error) {
	if verbose {
		return slog.LevelDebug, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", logLevel)
	}
	return level, nil
}

var rootCmd = &cobra.Command{
	Use:          "actindex",
	Short:        "NTFS file activity indexer",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		hostID, _ := cmd.Flags().GetString("host-id")
		if hostID == "" {
			hostID = defaultHostID()
		}

		cfg := config.NewConfig(hostID, defaults["base_dir"])
		cfg.Mail.MboxPath = defaults["mbox_path"]
		cfg.Collector.ExcludeFile = defaults["exclude_file"]

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Host ID: %s\n", hostID)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

// defaultHostID names the host after the machine, falling back to a random
// id when the hostname is unavailable.
func defaultHostID() string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return strings.ToUpper(name)
	}
	return uuid.New().String()
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Host ID:    %s\n", cfg.HostID)
		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:    %s\n", cfg.LogDir)
		fmt.Printf("Volumes:    %s\n", strings.Join(cfg.Collector.Volumes, ", "))
		fmt.Printf("Journal:    %s\n", cfg.Collector.Journal)
		fmt.Printf("Database:   %s\n", cfg.Database.Type)
		fmt.Printf("Encryption: %s\n", cfg.Encryption.Type)
		fmt.Printf("Publish:    %s\n", cfg.Publish.Type)
		if cfg.Mail.Enabled {
			fmt.Printf("Mailbox:    %s %s\n", cfg.Mail.Type, cfg.Mail.MboxPath)
		}
		for _, ar := range cfg.Archives {
			fmt.Printf("Archive:    %s (%s)\n", ar.Name, ar.Type)
		}
		return nil
	},
}

// watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Collect file activity until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("watch")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg := a.Config()
		if cfg.Metrics.ListenAddr != "" {
			go func() {
				if err := app.ServeMetrics(ctx, cfg.Metrics.ListenAddr, a.Logger()); err != nil {
					a.Logger().Error("metrics server failed", "error", err)
				}
			}()
		}

		w, err := a.NewWatcher()
		if err != nil {
			return err
		}
		fmt.Printf("Watching %s (Ctrl-C to stop)\n", strings.Join(cfg.Collector.Volumes, ", "))
		if err := w.Run(ctx); err != nil {
			return fmt.Errorf("watch failed: %w", err)
		}
		fmt.Printf("Stopped run #%d\n", w.RunID())
		return nil
	},
}

// search command
var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search recorded activity",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := queryFromFlags(cmd)
		if err != nil {
			return err
		}

		a, err := newApp("search")
		if err != nil {
			return err
		}
		defer a.Close()

		events, err := a.Search(cmd.Context(), q)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("No activity found.")
			return nil
		}
		for _, ev := range events {
			process := ev.ProcessName
			if process == "" {
				process = "-"
			}
			fmt.Printf("%s  %-16s  %-12s  %s\n",
				ev.Timestamp.Local().Format("2006-01-02 15:04:05"),
				ev.Activity,
				process,
				ev.Path,
			)
		}
		return nil
	},
}

func queryFromFlags(cmd *cobra.Command) (database.ActivityQuery, error) {
	var q database.ActivityQuery
	q.PathPrefix, _ = cmd.Flags().GetString("path")
	q.Process, _ = cmd.Flags().GetString("process")
	q.Activity, _ = cmd.Flags().GetString("activity")
	q.MinConfidence, _ = cmd.Flags().GetFloat64("min-confidence")
	q.Limit, _ = cmd.Flags().GetInt("limit")

	since, _ := cmd.Flags().GetString("since")
	until, _ := cmd.Flags().GetString("until")
	var err error
	if q.Start, err = parseTimeFlag(since); err != nil {
		return q, fmt.Errorf("--since: %w", err)
	}
	if q.End, err = parseTimeFlag(until); err != nil {
		return q, fmt.Errorf("--until: %w", err)
	}
	return q, nil
}

// parseTimeFlag accepts RFC 3339 timestamps, dates, or durations counted
// back from now such as "24h".
func parseTimeFlag(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, time.Local); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as time or duration", s)
}

// attachments command
var attachmentsCmd = &cobra.Command{
	Use:   "attachments",
	Short: "List files detected as saved email attachments",
	RunE: func(cmd *cobra.Command, args []string) error {
		minConfidence, _ := cmd.Flags().GetFloat64("min-confidence")
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp("attachments")
		if err != nil {
			return err
		}
		defer a.Close()

		found, err := a.Attachments(cmd.Context(), minConfidence, limit)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			fmt.Println("No attachments found.")
			return nil
		}
		for _, at := range found {
			from := at.Sender
			if from == "" {
				from = "(unknown sender)"
			}
			fmt.Printf("%s  %.2f  %s\n    from %s", at.Timestamp.Local().Format("2006-01-02 15:04:05"), at.Confidence, at.Path, from)
			if at.Subject != "" {
				fmt.Printf(" %q", at.Subject)
			}
			if len(at.Signals) > 0 {
				fmt.Printf("  [%s]", strings.Join(at.Signals, ","))
			}
			fmt.Println()
		}
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recorded activity and recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		runs, _ := cmd.Flags().GetInt("runs")

		a, err := newApp("status")
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.Status(cmd.Context(), runs)
		if err != nil {
			return err
		}

		fmt.Printf("Activities:  %d\n", st.Stats.Activities)
		for _, name := range st.Stats.ActivityNames() {
			fmt.Printf("  %-16s %d\n", name, st.Stats.ByActivity[name])
		}
		fmt.Printf("Attachments: %d (%d matched to mail)\n", st.Stats.Attachments, st.Stats.Matched)
		if !st.Stats.First.IsZero() {
			fmt.Printf("Range:       %s .. %s\n",
				st.Stats.First.Local().Format("2006-01-02 15:04:05"),
				st.Stats.Last.Local().Format("2006-01-02 15:04:05"))
		}

		if len(st.Runs) == 0 {
			return nil
		}
		fmt.Println("\nRuns:")
		for _, r := range st.Runs {
			duration := ""
			if !r.FinishedAt.IsZero() {
				duration = r.FinishedAt.Sub(r.StartedAt).Truncate(time.Second).String()
			}
			fmt.Printf("#%d  %s  %-8s  %-10s  %6d  %s\n",
				r.ID,
				r.StartedAt.Local().Format("2006-01-02 15:04:05"),
				strings.Join(r.Volumes, ","),
				r.Status,
				r.ActivityCount,
				duration,
			)
		}
		return nil
	},
}

// export command
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Upload an encrypted database snapshot to all archives",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("export")
		if err != nil {
			return err
		}
		defer a.Close()

		results, err := a.Export(cmd.Context())
		for _, r := range results {
			if r.Err != nil {
				fmt.Printf("%-12s  FAILED  %v\n", r.Archive, r.Err)
				continue
			}
			fmt.Printf("%-12s  ok      version %d  %d bytes  %d activities\n",
				r.Archive, r.Manifest.Version, r.Manifest.Size, r.Manifest.Activities)
		}
		if err != nil {
			return fmt.Errorf("export failed: %w", err)
		}
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage snapshot encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("keys-init")
		if err != nil {
			return err
		}
		defer a.Close()

		passphrase, err := readPassphrase("Passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Repeat passphrase: ")
		if err != nil {
			return err
		}
		if passphrase != confirm {
			return errors.New("passphrases do not match")
		}

		recipient, err := a.SetupKeys(passphrase)
		if err != nil {
			return fmt.Errorf("setting up keys: %w", err)
		}
		fmt.Printf("Encryption keys created.\nRecipient: %s\n", recipient)
		return nil
	},
}

// archive command
var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Work with exported snapshots",
}

var archiveFetchCmd = &cobra.Command{
	Use:   "fetch DEST",
	Short: "Download and decrypt the latest snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("archive")
		hostID, _ := cmd.Flags().GetString("host")

		a, err := newApp("archive-fetch")
		if err != nil {
			return err
		}
		defer a.Close()

		var passphrase string
		if t := a.Config().Encryption.Type; t == "age" || t == "" {
			if passphrase, err = readPassphrase("Passphrase: "); err != nil {
				return err
			}
		}

		m, err := a.Fetch(cmd.Context(), name, hostID, passphrase, args[0])
		if err != nil {
			return fmt.Errorf("fetch failed: %w", err)
		}
		fmt.Printf("Fetched %s version %d (%d activities, exported %s) to %s\n",
			m.HostID, m.Version, m.Activities, m.CreatedAt.Local().Format("2006-01-02 15:04:05"), args[0])
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Minimum log level (debug, info, warn, error)")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configInitCmd.Flags().String("host-id", "", "Host id recorded with runs and snapshots (default: hostname)")

	// search flags
	searchCmd.Flags().StringP("path", "p", "", "Path or directory prefix")
	searchCmd.Flags().String("process", "", "Process name")
	searchCmd.Flags().StringP("activity", "a", "", "Activity type (CREATE, MODIFY, DELETE, RENAME, ...)")
	searchCmd.Flags().String("since", "", "Start time (RFC 3339, YYYY-MM-DD, or a duration such as 24h)")
	searchCmd.Flags().String("until", "", "End time (RFC 3339, YYYY-MM-DD, or a duration)")
	searchCmd.Flags().Float64("min-confidence", 0, "Only attachment detections at or above this confidence")
	searchCmd.Flags().IntP("limit", "n", 100, "Maximum number of results")

	attachmentsCmd.Flags().Float64("min-confidence", 0.1, "Minimum detection confidence")
	attachmentsCmd.Flags().IntP("limit", "n", 50, "Maximum number of results")

	statusCmd.Flags().Int("runs", 10, "Number of recent runs to show")

	keysCmd.AddCommand(keysInitCmd)

	archiveCmd.AddCommand(archiveFetchCmd)
	archiveFetchCmd.Flags().String("archive", "", "Archive name (default: first configured)")
	archiveFetchCmd.Flags().String("host", "", "Host id to fetch (default: this host)")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(attachmentsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(archiveCmd)
}
