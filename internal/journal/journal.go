// Package journal provides the change-journal backends used by the collector:
// live NTFS volumes through the operating system, and replay of $J streams
// extracted from a volume image.
package journal

import (
	"fmt"

	"actindex/internal/collector"
	"actindex/internal/config"
)

// NewOpenerFromConfig creates a JournalOpener based on the collector journal type.
func NewOpenerFromConfig(cfg config.CollectorConfig) (collector.JournalOpener, error) {
	switch cfg.Journal {
	case "", "os":
		return newOSOpener(), nil
	case "replay":
		if len(cfg.ReplayFiles) == 0 {
			return nil, fmt.Errorf("replay journal requires replay_files to be set")
		}
		return NewReplayOpener(cfg.ReplayFiles), nil
	default:
		return nil, fmt.Errorf("unknown journal type: %s", cfg.Journal)
	}
}
