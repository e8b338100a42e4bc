package archive

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// archives returns one fresh instance of every local implementation.
func archives(t *testing.T) map[string]Archive {
	t.Helper()
	fsa, err := NewFileSystemArchive("fs", filepath.Join(t.TempDir(), "archive"))
	if err != nil {
		t.Fatalf("NewFileSystemArchive() error = %v", err)
	}
	return map[string]Archive{
		"filesystem": fsa,
		"memory":     NewMemoryArchive("mem"),
	}
}

func TestArchive_PutGet(t *testing.T) {
	ctx := context.Background()
	for name, a := range archives(t) {
		t.Run(name, func(t *testing.T) {
			tests := []struct {
				name    string
				key     string
				data    string
				size    int64
				wantErr bool
			}{
				{name: "nested key", key: "host-1/snapshots/1.db", data: "hello world", size: 11},
				{name: "empty object", key: "host-1/empty", data: "", size: 0},
				{name: "size mismatch", key: "host-1/short", data: "hello", size: 100, wantErr: true},
				{name: "absolute key", key: "/etc/passwd", data: "x", size: 1, wantErr: true},
				{name: "escaping key", key: "../outside", data: "x", size: 1, wantErr: true},
			}
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					err := a.Put(ctx, tt.key, strings.NewReader(tt.data), tt.size)
					if (err != nil) != tt.wantErr {
						t.Fatalf("Put() error = %v, wantErr %v", err, tt.wantErr)
					}
					if tt.wantErr {
						return
					}
					var buf bytes.Buffer
					if err := a.Get(ctx, tt.key, &buf); err != nil {
						t.Fatalf("Get() error = %v", err)
					}
					if buf.String() != tt.data {
						t.Errorf("Get() = %q, want %q", buf.String(), tt.data)
					}
				})
			}
		})
	}
}

func TestArchive_PutReplaces(t *testing.T) {
	ctx := context.Background()
	for name, a := range archives(t) {
		t.Run(name, func(t *testing.T) {
			if err := a.Put(ctx, "k", strings.NewReader("first"), 5); err != nil {
				t.Fatal(err)
			}
			if err := a.Put(ctx, "k", strings.NewReader("second"), 6); err != nil {
				t.Fatal(err)
			}
			var buf bytes.Buffer
			if err := a.Get(ctx, "k", &buf); err != nil {
				t.Fatal(err)
			}
			if buf.String() != "second" {
				t.Errorf("Get() = %q, want second", buf.String())
			}
		})
	}
}

func TestArchive_GetMissing(t *testing.T) {
	for name, a := range archives(t) {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			err := a.Get(context.Background(), "host-1/manifest.json", &buf)
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("Get() error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestArchive_ValidateSetup(t *testing.T) {
	for name, a := range archives(t) {
		t.Run(name, func(t *testing.T) {
			if err := a.ValidateSetup(context.Background()); err != nil {
				t.Errorf("ValidateSetup() error = %v", err)
			}
		})
	}
}

func TestFileSystemArchive_FailedPutLeavesNoFiles(t *testing.T) {
	root := t.TempDir()
	a, err := NewFileSystemArchive("fs", root)
	if err != nil {
		t.Fatal(err)
	}

	if err := a.Put(context.Background(), "host-1/x.db", strings.NewReader("abc"), 10); err == nil {
		t.Fatal("Put() expected size mismatch error")
	}

	entries, err := os.ReadDir(filepath.Join(root, "host-1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("directory not clean after failed put: %v", entries)
	}
}

func TestFileSystemArchive_ValidateSetupRootIsFile(t *testing.T) {
	root := filepath.Join(t.TempDir(), "archive")
	a, err := NewFileSystemArchive("fs", root)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(root); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(root, []byte("not a dir"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := a.ValidateSetup(context.Background()); err == nil {
		t.Error("ValidateSetup() expected error when root is a file")
	}
}

func TestArchive_PutHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for name, a := range archives(t) {
		t.Run(name, func(t *testing.T) {
			if err := a.Put(ctx, "k", strings.NewReader("data"), 4); err == nil {
				t.Error("Put() with cancelled context expected error")
			}
		})
	}
}

func TestMemoryArchive_Keys(t *testing.T) {
	m := NewMemoryArchive("mem")
	ctx := context.Background()
	for _, k := range []string{"b/2", "a/1"} {
		if err := m.Put(ctx, k, strings.NewReader("x"), 1); err != nil {
			t.Fatal(err)
		}
	}
	got := m.Keys()
	if len(got) != 2 || got[0] != "a/1" || got[1] != "b/2" {
		t.Errorf("Keys() = %v", got)
	}
}
