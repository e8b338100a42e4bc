package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	original := NewConfig("test-host-abc", "/home/user/.local/share/actindex")
	original.Collector.Volumes = []string{"C:", "D:"}
	original.Collector.Journal = "replay"
	original.Collector.ReplayFiles = map[string]string{"C:": "/evidence/c_J.bin"}
	original.Collector.ExcludePaths = []string{`\Windows\`, "*.tmp"}
	original.Collector.PollInterval = Duration{250 * time.Millisecond}
	original.Archives = []ArchiveConfig{
		{Type: "filesystem", Name: "local", FSRoot: "/backup/actindex"},
	}
	original.Publish = PublishConfig{Type: "nats", URL: "nats://localhost:4222", Subject: "actindex.activity"}

	var buf bytes.Buffer
	m := &Manager{}

	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !strings.Contains(buf.String(), `poll_interval = "250ms"`) {
		t.Errorf("durations not written as strings:\n%s", buf.String())
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.HostID != original.HostID {
		t.Errorf("HostID = %q, want %q", got.HostID, original.HostID)
	}
	if got.LogDir != original.LogDir {
		t.Errorf("LogDir = %q, want %q", got.LogDir, original.LogDir)
	}
	if len(got.Collector.Volumes) != 2 || got.Collector.Volumes[1] != "D:" {
		t.Errorf("Collector.Volumes = %v", got.Collector.Volumes)
	}
	if got.Collector.PollInterval.Duration != 250*time.Millisecond {
		t.Errorf("Collector.PollInterval = %v, want 250ms", got.Collector.PollInterval)
	}
	if got.Collector.StopTimeout.Duration != 5*time.Second {
		t.Errorf("Collector.StopTimeout = %v, want 5s", got.Collector.StopTimeout)
	}
	if got.Collector.ReplayFiles["C:"] != "/evidence/c_J.bin" {
		t.Errorf("Collector.ReplayFiles = %v", got.Collector.ReplayFiles)
	}
	if got.Collector.AttachmentDetection == nil || !*got.Collector.AttachmentDetection {
		t.Errorf("Collector.AttachmentDetection = %v, want true", got.Collector.AttachmentDetection)
	}
	if len(got.Collector.ExcludePaths) != 2 {
		t.Fatalf("len(Collector.ExcludePaths) = %d, want 2", len(got.Collector.ExcludePaths))
	}
	if len(got.Archives) != 1 || got.Archives[0].FSRoot != "/backup/actindex" {
		t.Errorf("Archives = %+v", got.Archives)
	}
	if got.Database.Type != "sqlite" {
		t.Errorf("Database.Type = %q, want %q", got.Database.Type, "sqlite")
	}
	if got.Publish.Subject != "actindex.activity" {
		t.Errorf("Publish.Subject = %q", got.Publish.Subject)
	}
}

func TestDuration_UnmarshalText(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"1s", time.Second, false},
		{"5m", 5 * time.Minute, false},
		{"1h30m", 90 * time.Minute, false},
		{"soon", 0, true},
		{"10", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var d Duration
			err := d.UnmarshalText([]byte(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("UnmarshalText(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if d.Duration != tt.want {
				t.Errorf("UnmarshalText(%q) = %v, want %v", tt.in, d.Duration, tt.want)
			}
		})
	}
}

func TestManager_ReadRejectsBadDuration(t *testing.T) {
	m := &Manager{}
	_, err := m.Read(strings.NewReader("[collector]\npoll_interval = \"fast\"\n"))
	if err == nil {
		t.Fatal("Read() expected error for invalid duration")
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("host-1", "/data/actindex")

	if cfg.HostID != "host-1" {
		t.Errorf("HostID = %q, want %q", cfg.HostID, "host-1")
	}
	if cfg.LogDir != "/data/actindex/log" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/data/actindex/log")
	}
	if cfg.Database.DataDir != "/data/actindex/db" {
		t.Errorf("Database.DataDir = %q", cfg.Database.DataDir)
	}
	if cfg.Encryption.PublicKeyPath != "/data/actindex/keys/actindex.pub" {
		t.Errorf("Encryption.PublicKeyPath = %q", cfg.Encryption.PublicKeyPath)
	}
	if cfg.Encryption.PrivateKeyPath != "/data/actindex/keys/actindex.key" {
		t.Errorf("Encryption.PrivateKeyPath = %q", cfg.Encryption.PrivateKeyPath)
	}
	if cfg.Collector.Journal != "os" || cfg.Collector.StartPosition != "first" {
		t.Errorf("Collector = %+v", cfg.Collector)
	}
	if len(cfg.Collector.Volumes) != 1 || cfg.Collector.Volumes[0] != "C:" {
		t.Errorf("Collector.Volumes = %v, want [C:]", cfg.Collector.Volumes)
	}
}

func TestInit(t *testing.T) {
	t.Run("creates config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "nested", "actindex.toml")
		cfg := NewConfig("h1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		if _, err := os.Stat(path); err != nil {
			t.Fatalf("config file not created: %v", err)
		}
	})

	t.Run("fails if file already exists", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "actindex.toml")
		cfg := NewConfig("h1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("first Init() error = %v", err)
		}

		if err := Init(path, cfg); err == nil {
			t.Fatal("second Init() expected error")
		}
	})
}

func TestReadFromFile(t *testing.T) {
	t.Run("reads valid config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "actindex.toml")
		cfg := NewConfig("read-test", dir)
		cfg.Database = DatabaseConfig{Type: "memory"}

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.HostID != "read-test" {
			t.Errorf("HostID = %q, want %q", got.HostID, "read-test")
		}
		if got.Database.Type != "memory" {
			t.Errorf("Database.Type = %q, want memory", got.Database.Type)
		}
	})

	t.Run("returns error for missing file", func(t *testing.T) {
		if _, err := ReadFromFile("/nonexistent/path/actindex.toml"); err == nil {
			t.Fatal("ReadFromFile() expected error for missing file")
		}
	})
}
