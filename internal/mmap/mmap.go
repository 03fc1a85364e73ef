// Package mmap exposes read-only files as byte slices.
package mmap

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// File is the contents of a file, either mapped or read into memory.
type File struct {
	Data    []byte
	mmapped bool
}

// Open returns the whole file at path. With useMmap it maps the file
// read-only and falls back to reading when mapping is unavailable. The
// returned file must be closed to release a mapping.
func Open(path string, useMmap bool) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%s: %d bytes cannot be addressed", path, size64)
	}
	size := int(size64)
	if size == 0 {
		return &File{Data: []byte{}}, nil
	}

	if useMmap {
		data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
		if err == nil {
			return &File{Data: data, mmapped: true}, nil
		}
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return &File{Data: data}, nil
}

// Mapped reports whether Data is backed by a mapping.
func (f *File) Mapped() bool {
	return f.mmapped
}

// Close releases the mapping. Data must not be used afterwards.
func (f *File) Close() error {
	if f.mmapped && f.Data != nil {
		err := unix.Munmap(f.Data)
		f.Data = nil
		f.mmapped = false
		return err
	}
	f.Data = nil
	return nil
}
