package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strconv"
	"time"
)

// Manifest describes the latest snapshot exported by a host.
type Manifest struct {
	HostID     string    `json:"host_id"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	Size       int64     `json:"size"`
	SHA256     string    `json:"sha256"`
	Encryption string    `json:"encryption"`
	Activities int64     `json:"activities"`
}

// Key returns the archive key of the snapshot described by m.
func (m Manifest) Key() string {
	return path.Join(m.HostID, "snapshots", strconv.FormatInt(m.Version, 10)+".db")
}

func manifestKey(hostID string) string {
	return path.Join(hostID, "manifest.json")
}

// PutSnapshot uploads m.Size bytes from r as the snapshot described by m and
// then the manifest. The manifest is written last so an interrupted export
// leaves the previous snapshot current. It returns m with SHA256 filled in.
func PutSnapshot(ctx context.Context, a Archive, m Manifest, r io.Reader) (Manifest, error) {
	if m.HostID == "" {
		return m, fmt.Errorf("snapshot manifest has no host id")
	}
	h := sha256.New()
	if err := a.Put(ctx, m.Key(), io.TeeReader(r, h), m.Size); err != nil {
		return m, fmt.Errorf("archive %s: %w", a.Name(), err)
	}
	m.SHA256 = hex.EncodeToString(h.Sum(nil))

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return m, fmt.Errorf("encoding manifest: %w", err)
	}
	if err := a.Put(ctx, manifestKey(m.HostID), bytes.NewReader(data), int64(len(data))); err != nil {
		return m, fmt.Errorf("archive %s: %w", a.Name(), err)
	}
	return m, nil
}

// LatestManifest returns the manifest of the last completed export of hostID.
func LatestManifest(ctx context.Context, a Archive, hostID string) (Manifest, error) {
	var buf bytes.Buffer
	if err := a.Get(ctx, manifestKey(hostID), &buf); err != nil {
		return Manifest{}, fmt.Errorf("archive %s: %w", a.Name(), err)
	}
	var m Manifest
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		return Manifest{}, fmt.Errorf("archive %s: decoding manifest: %w", a.Name(), err)
	}
	return m, nil
}

// FetchSnapshot writes the latest snapshot of hostID to w and verifies its
// checksum. On a checksum mismatch w has already received the bad data.
func FetchSnapshot(ctx context.Context, a Archive, hostID string, w io.Writer) (Manifest, error) {
	m, err := LatestManifest(ctx, a, hostID)
	if err != nil {
		return m, err
	}

	h := sha256.New()
	if err := a.Get(ctx, m.Key(), io.MultiWriter(w, h)); err != nil {
		return m, fmt.Errorf("archive %s: %w", a.Name(), err)
	}
	if sum := hex.EncodeToString(h.Sum(nil)); sum != m.SHA256 {
		return m, fmt.Errorf("archive %s: snapshot %s checksum mismatch: got %s, want %s", a.Name(), m.Key(), sum, m.SHA256)
	}
	return m, nil
}
