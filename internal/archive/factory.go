package archive

import (
	"context"
	"fmt"

	"actindex/internal/config"
)

// NewArchiveFromConfig creates an Archive implementation based on the archive config type.
func NewArchiveFromConfig(ctx context.Context, cfg config.ArchiveConfig) (Archive, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryArchive(cfg.Name), nil
	case "s3":
		return NewS3Archive(ctx, cfg)
	case "filesystem":
		if cfg.FSRoot == "" {
			return nil, fmt.Errorf("filesystem archive requires fs_root to be set")
		}
		return NewFileSystemArchive(cfg.Name, cfg.FSRoot)
	default:
		return nil, fmt.Errorf("unknown archive type: %s", cfg.Type)
	}
}

// NewArchivesFromConfig creates every configured archive. Names must be unique.
func NewArchivesFromConfig(ctx context.Context, cfgs []config.ArchiveConfig) ([]Archive, error) {
	seen := make(map[string]bool, len(cfgs))
	archives := make([]Archive, 0, len(cfgs))
	for _, c := range cfgs {
		if seen[c.Name] {
			return nil, fmt.Errorf("duplicate archive name %q", c.Name)
		}
		seen[c.Name] = true
		a, err := NewArchiveFromConfig(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("archive %q: %w", c.Name, err)
		}
		archives = append(archives, a)
	}
	return archives, nil
}
