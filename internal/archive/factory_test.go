package archive

import (
	"context"
	"path/filepath"
	"testing"

	"actindex/internal/config"
)

func TestNewArchiveFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.ArchiveConfig
		wantErr bool
	}{
		{
			name: "memory archive",
			cfg:  config.ArchiveConfig{Type: "memory", Name: "test-memory"},
		},
		{
			name: "filesystem archive",
			cfg:  config.ArchiveConfig{Type: "filesystem", Name: "test-fs", FSRoot: filepath.Join(t.TempDir(), "archive")},
		},
		{
			name:    "filesystem archive without root",
			cfg:     config.ArchiveConfig{Type: "filesystem", Name: "test-fs"},
			wantErr: true,
		},
		{
			name:    "s3 archive without bucket",
			cfg:     config.ArchiveConfig{Type: "s3", Name: "test-s3"},
			wantErr: true,
		},
		{
			name:    "unknown archive type",
			cfg:     config.ArchiveConfig{Type: "unknown", Name: "test-unknown"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewArchiveFromConfig(context.Background(), tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewArchiveFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Name() != tt.cfg.Name {
				t.Errorf("Name() = %q, want %q", got.Name(), tt.cfg.Name)
			}
			if err := got.ValidateSetup(context.Background()); err != nil {
				t.Errorf("ValidateSetup() error = %v", err)
			}
		})
	}
}

func TestNewArchivesFromConfig(t *testing.T) {
	t.Run("builds all", func(t *testing.T) {
		got, err := NewArchivesFromConfig(context.Background(), []config.ArchiveConfig{
			{Type: "memory", Name: "a"},
			{Type: "memory", Name: "b"},
		})
		if err != nil || len(got) != 2 {
			t.Fatalf("NewArchivesFromConfig() = %v, %v", got, err)
		}
	})

	t.Run("duplicate names", func(t *testing.T) {
		_, err := NewArchivesFromConfig(context.Background(), []config.ArchiveConfig{
			{Type: "memory", Name: "a"},
			{Type: "memory", Name: "a"},
		})
		if err == nil {
			t.Error("NewArchivesFromConfig() expected duplicate name error")
		}
	})
}
