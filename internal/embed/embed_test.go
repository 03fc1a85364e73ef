package embed

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/google/go-cmp/cmp"
)

func writeTable(t *testing.T, rows [][]float32) string {
	t.Helper()
	var data []byte
	for _, r := range rows {
		data = append(data, bfloat16.EncodeFloat32(r)...)
	}
	path := filepath.Join(t.TempDir(), "embeds.bf16")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTable(t *testing.T) {
	path := writeTable(t, [][]float32{{1, 2, 3}, {-1, 0.5, 4}})
	for _, useMmap := range []bool{false, true} {
		tab, err := Open(path, 2, 3, useMmap)
		if err != nil {
			t.Fatal(err)
		}
		if tab.RowBytes() != 6 || tab.Width() != 3 || tab.Vocab() != 2 {
			t.Fatalf("geometry %d/%d/%d", tab.Vocab(), tab.Width(), tab.RowBytes())
		}
		got, err := tab.Float32Row(1)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]float32{-1, 0.5, 4}, got); diff != "" {
			t.Errorf("mmap=%v row 1 (-want +got):\n%s", useMmap, diff)
		}
		rows, err := tab.Rows([]int{1, 0})
		if err != nil || len(rows) != 12 {
			t.Fatalf("Rows = %d bytes, %v", len(rows), err)
		}
		if _, err := tab.Row(2); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("Row(2): err = %v", err)
		}
		if _, err := tab.Row(-1); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("Row(-1): err = %v", err)
		}
		if err := tab.Close(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestOpenRejectsWrongSize(t *testing.T) {
	path := writeTable(t, [][]float32{{1, 2}})
	if _, err := Open(path, 2, 2, false); err == nil {
		t.Fatal("expected size mismatch")
	}
	if _, err := Open(path, 0, 2, false); err == nil {
		t.Fatal("expected geometry error")
	}
	if _, err := FromBytes(make([]byte, 3), 1, 2); err == nil {
		t.Fatal("expected FromBytes size error")
	}
}
