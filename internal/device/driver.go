package device

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned for operations submitted to an actor after Shutdown.
	ErrClosed = errors.New("device actor closed")
	// ErrInitTimeout is returned when a device context does not come up in time.
	ErrInitTimeout = errors.New("device init timed out")
	// ErrOutOfMemory is returned by Malloc when the device has no room left.
	ErrOutOfMemory = errors.New("device out of memory")
	// ErrBadPointer is returned when a device pointer does not resolve to a
	// live allocation on the device it was used with.
	ErrBadPointer = errors.New("bad device pointer")
)

// Ptr is an address in a device's physical memory space.
type Ptr uint64

// Add offsets p by n bytes.
func (p Ptr) Add(n int) Ptr {
	return p + Ptr(n)
}

func (p Ptr) String() string {
	return fmt.Sprintf("0x%x", uint64(p))
}

// Driver opens device contexts. A vendor runtime binding implements it; the
// HostDriver emulates accelerators in process memory.
type Driver interface {
	Open(id int) (Device, error)
}

// Device is one opened accelerator context. Its methods may only be called
// from the actor goroutine that opened it.
type Device interface {
	ID() int
	Malloc(size int) (Ptr, error)
	Free(p Ptr) error
	// CopyToDevice copies len(src) bytes from host memory to dst.
	CopyToDevice(dst Ptr, src []byte) error
	// CopyToHost copies len(dst) bytes from src into host memory.
	CopyToHost(dst []byte, src Ptr) error
	// Copy copies n bytes between two addresses on this device.
	Copy(dst, src Ptr, n int) error
	// CopyPeer copies n bytes from src on this device to dst on peer.
	CopyPeer(peer Device, dst, src Ptr, n int) error
	// Flush writes back host cache lines covering host so the device sees them.
	Flush(host []byte) error
	// Invalidate drops host cache lines covering host so the next read sees
	// what the device wrote.
	Invalidate(host []byte) error
	FreeMemory() (free, total int64, err error)
	Close() error
}

// MemoryInfo is one row of a device memory report.
type MemoryInfo struct {
	Device int
	Free   int64
	Total  int64
}

func (m MemoryInfo) Used() int64 {
	return m.Total - m.Free
}
