package mmap

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.bin")
	want := []byte("layer weights")
	if err := os.WriteFile(path, want, 0o644); err != nil {
		t.Fatal(err)
	}

	for _, useMmap := range []bool{true, false} {
		f, err := Open(path, useMmap)
		if err != nil {
			t.Fatalf("Open(mmap=%v): %v", useMmap, err)
		}
		if string(f.Data) != string(want) {
			t.Errorf("mmap=%v: data = %q", useMmap, f.Data)
		}
		if !useMmap && f.Mapped() {
			t.Error("read path reported a mapping")
		}
		if err := f.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
		if f.Data != nil {
			t.Error("Close should drop the data slice")
		}
	}
}

func TestOpenEmptyAndMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.bin")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := Open(path, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Data) != 0 {
		t.Fatalf("expected empty data, got %d bytes", len(f.Data))
	}
	f.Close()

	if _, err := Open(filepath.Join(t.TempDir(), "missing.bin"), true); err == nil {
		t.Fatal("expected error for missing file")
	}
}
