// Package archive stores exported snapshots of the activity database
// outside the host.
//
// Layout inside an archive, for every host:
//
//	<hostID>/
//	  manifest.json              (latest snapshot, written last)
//	  snapshots/<version>.db     (database snapshot, optionally encrypted)
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
)

// Archive is an export destination. Keys are slash-separated relative paths.
// All operations stream so snapshots are never held in memory by callers.
type Archive interface {
	// Name identifies the archive in configuration and logs.
	Name() string

	// Put stores size bytes read from r under key, replacing any previous object.
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// Get writes the object stored under key to w. Missing objects return an
	// error wrapping ErrNotFound.
	Get(ctx context.Context, key string, w io.Writer) error

	// ValidateSetup verifies that the archive is reachable and writable.
	ValidateSetup(ctx context.Context) error
}

// ErrNotFound is returned by Get for a key that was never stored.
var ErrNotFound = errors.New("object not found")

func validateKey(key string) error {
	if !fs.ValidPath(key) || key == "." {
		return fmt.Errorf("invalid archive key %q", key)
	}
	return nil
}

// sizeCheckReader counts the bytes read from r so Put can verify them
// against the declared size.
type sizeCheckReader struct {
	r io.Reader
	n int64
}

func (s *sizeCheckReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	s.n += int64(n)
	return n, err
}

func (s *sizeCheckReader) check(expected int64) error {
	if s.n != expected {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expected, s.n)
	}
	return nil
}
