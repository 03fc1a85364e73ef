// Package embed reads token embeddings from a raw bf16 table of
// [vocab x width] rows.
package embed

import (
	"errors"
	"fmt"

	bfloat16 "github.com/d4l3k/go-bfloat16"

	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/mmap"
)

// ErrOutOfRange is returned for token ids outside the table.
var ErrOutOfRange = errors.New("token id outside embedding table")

const elemSize = 2

type Table struct {
	file  *mmap.File
	data  []byte
	vocab int
	width int
}

// Open loads the table at path. The file must hold exactly vocab*width bf16
// values.
func Open(path string, vocab, width int, useMmap bool) (*Table, error) {
	if vocab <= 0 || width <= 0 {
		return nil, fmt.Errorf("invalid embedding geometry %dx%d", vocab, width)
	}
	f, err := mmap.Open(path, useMmap)
	if err != nil {
		return nil, fmt.Errorf("open embedding table: %w", err)
	}
	if want := vocab * width * elemSize; len(f.Data) != want {
		_ = f.Close()
		return nil, fmt.Errorf("embedding table %s is %d bytes, want %d for %dx%d bf16", path, len(f.Data), want, vocab, width)
	}
	logger.Log.Info("embedding table loaded", "path", path, "vocab", vocab, "width", width, "mmap", f.Mapped())
	return &Table{file: f, data: f.Data, vocab: vocab, width: width}, nil
}

// FromBytes wraps an in-memory table.
func FromBytes(data []byte, vocab, width int) (*Table, error) {
	if vocab <= 0 || width <= 0 || len(data) != vocab*width*elemSize {
		return nil, fmt.Errorf("embedding data of %d bytes does not match %dx%d bf16", len(data), vocab, width)
	}
	return &Table{data: data, vocab: vocab, width: width}, nil
}

func (t *Table) Vocab() int { return t.vocab }

// Width is the row length in elements.
func (t *Table) Width() int { return t.width }

// RowBytes is the row length in bytes.
func (t *Table) RowBytes() int { return t.width * elemSize }

// Row returns the raw bf16 row of id. The slice aliases the table.
func (t *Table) Row(id int) ([]byte, error) {
	if id < 0 || id >= t.vocab {
		return nil, fmt.Errorf("%w: %d (vocab %d)", ErrOutOfRange, id, t.vocab)
	}
	off := id * t.RowBytes()
	return t.data[off : off+t.RowBytes() : off+t.RowBytes()], nil
}

// Rows concatenates the rows of ids.
func (t *Table) Rows(ids []int) ([]byte, error) {
	out := make([]byte, 0, len(ids)*t.RowBytes())
	for _, id := range ids {
		row, err := t.Row(id)
		if err != nil {
			return nil, err
		}
		out = append(out, row...)
	}
	return out, nil
}

// Float32Row decodes the row of id.
func (t *Table) Float32Row(id int) ([]float32, error) {
	row, err := t.Row(id)
	if err != nil {
		return nil, err
	}
	return bfloat16.DecodeFloat32(row), nil
}

func (t *Table) Close() error {
	t.data = nil
	if t.file != nil {
		return t.file.Close()
	}
	return nil
}
