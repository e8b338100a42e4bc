package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for actindex.
type Config struct {
	HostID     string           `toml:"host_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Collector  CollectorConfig  `toml:"collector"`
	Mail       MailConfig       `toml:"mail"`
	Database   DatabaseConfig   `toml:"database"`
	Archives   []ArchiveConfig  `toml:"archives"`
	Encryption EncryptionConfig `toml:"encryption"`
	Publish    PublishConfig    `toml:"publish"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// Duration is a time.Duration written as a string such as "1s" or "5m".
type Duration struct {
	time.Duration
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// CollectorConfig holds the journal collection settings. Zero values fall
// back to the collector defaults.
type CollectorConfig struct {
	Journal     string            `toml:"journal"`                // "os" (default) or "replay"
	ReplayFiles map[string]string `toml:"replay_files,omitempty"` // volume -> extracted $J file, only used for journal=replay

	Volumes             []string `toml:"volumes"`
	BufferSize          int      `toml:"buffer_size,omitempty"`
	PollInterval        Duration `toml:"poll_interval,omitempty"`
	IncludeClose        bool     `toml:"include_close"`
	MaxBacklog          int      `toml:"max_backlog,omitempty"`
	StartPosition       string   `toml:"start_position,omitempty"` // "first" or "next"
	ExcludePaths        []string `toml:"exclude_paths"`
	ExcludeProcesses    []string `toml:"exclude_processes"`
	ExcludeExtensions   []string `toml:"exclude_extensions"`
	ExcludeFile         string   `toml:"exclude_file,omitempty"` // extra path patterns, one per line
	PathCacheSize       int      `toml:"path_cache_size,omitempty"`
	AttachmentDetection *bool    `toml:"attachment_detection,omitempty"` // unset means enabled
	AttachmentThreshold float64  `toml:"attachment_threshold,omitempty"`
	MailClient          string   `toml:"mail_client,omitempty"`
	StopTimeout         Duration `toml:"stop_timeout,omitempty"`
	FlushInterval       Duration `toml:"flush_interval,omitempty"`
}

// MailConfig configures the mailbox used for attachment correlation.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type MailConfig struct {
	Enabled      bool     `toml:"enabled"`
	Type         string   `toml:"type"`                // "mbox" or "memory"
	MboxPath     string   `toml:"mbox_path,omitempty"` // only used for type=mbox
	PollInterval Duration `toml:"poll_interval,omitempty"`
	Watch        bool     `toml:"watch"` // only used for type=mbox
}

// EncryptionConfig holds paths to the age key pair used for encryption.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default), "test" or "none"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// ArchiveConfig represents configuration for an export destination.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type ArchiveConfig struct {
	Type string `toml:"type"` // "memory", "s3", or "filesystem"
	Name string `toml:"name"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"`

	// Static credentials; when empty the default AWS credential chain is used.
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`
}

// DatabaseConfig represents configuration for the activity database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// PublishConfig configures the optional activity publisher.
type PublishConfig struct {
	Type    string `toml:"type"` // "nats" or "none"
	URL     string `toml:"url,omitempty"`
	Subject string `toml:"subject,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint served by watch.
type MetricsConfig struct {
	ListenAddr string `toml:"listen_addr,omitempty"` // empty disables the endpoint
}

// Bool returns a pointer to v for optional boolean settings.
func Bool(v bool) *bool { return &v }

// NewConfig creates a new Config with the provided values and default paths.
func NewConfig(hostID, baseDir string) *Config {
	return &Config{
		HostID:  hostID,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Collector: CollectorConfig{
			Journal:             "os",
			Volumes:             []string{"C:"},
			PollInterval:        Duration{time.Second},
			StartPosition:       "first",
			AttachmentDetection: Bool(true),
			AttachmentThreshold: 0.1,
			MailClient:          "outlook.exe",
			StopTimeout:         Duration{5 * time.Second},
			FlushInterval:       Duration{5 * time.Second},
		},
		Mail: MailConfig{
			Type:         "mbox",
			PollInterval: Duration{time.Minute},
			Watch:        true,
		},
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "actindex.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "actindex.key"),
		},
		Publish: PublishConfig{Type: "none"},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes cfg to a new config file at path. It refuses to overwrite an
// existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
