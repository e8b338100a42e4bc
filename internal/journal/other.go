//go:build !windows

package journal

import (
	"fmt"

	"actindex/internal/collector"
)

type osOpener struct{}

func newOSOpener() collector.JournalOpener { return osOpener{} }

func (osOpener) Open(volume string) (collector.VolumeHandle, error) {
	return nil, fmt.Errorf("open %s: %w", volume, collector.ErrUnsupportedPlatform)
}
