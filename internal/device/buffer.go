package device

import (
	"context"
	"fmt"
	"sync"
)

type coherence int

const (
	coherent coherence = iota
	// host mirror written, device copy stale
	hostNewer
	// device written, host mirror stale
	deviceNewer
)

// Buffer is a device allocation paired with a lazily created host mirror.
// The device side is authoritative until the host mirror is first synced.
// HostView and DevicePtr bring the side being read up to date first,
// invalidating before a device-to-host copy and flushing before a
// host-to-device copy, so the two address spaces never diverge silently.
type Buffer struct {
	actor *Actor
	ptr   Ptr
	size  int
	owned bool

	mu    sync.Mutex
	host  []byte
	state coherence
}

// Alloc allocates size bytes on the actor's device.
func Alloc(ctx context.Context, a *Actor, size int) (*Buffer, error) {
	p, err := Call(ctx, a, func(dev Device) (Ptr, error) { return dev.Malloc(size) })
	if err != nil {
		return nil, err
	}
	return &Buffer{actor: a, ptr: p, size: size, owned: true, state: deviceNewer}, nil
}

// Wrap adopts memory owned by someone else, such as a compute engine's I/O
// tensor. Release leaves wrapped memory alone.
func Wrap(a *Actor, p Ptr, size int) *Buffer {
	return &Buffer{actor: a, ptr: p, size: size, state: deviceNewer}
}

func (b *Buffer) Size() int { return b.size }

func (b *Buffer) Actor() *Actor { return b.actor }

func (b *Buffer) DeviceID() int { return b.actor.ID() }

// RawPtr returns the device address without synchronizing.
func (b *Buffer) RawPtr() Ptr { return b.ptr }

func (b *Buffer) mirror() []byte {
	if b.host == nil {
		b.host = make([]byte, b.size)
	}
	return b.host
}

func (b *Buffer) pullLocked(ctx context.Context) error {
	host := b.mirror()
	if b.state != deviceNewer {
		return nil
	}
	err := b.actor.Do(ctx, func(dev Device) error {
		if err := dev.Invalidate(host); err != nil {
			return err
		}
		return dev.CopyToHost(host, b.ptr)
	})
	if err != nil {
		return fmt.Errorf("sync %d bytes to host from device %d: %w", b.size, b.actor.ID(), err)
	}
	b.state = coherent
	return nil
}

func (b *Buffer) pushLocked(ctx context.Context) error {
	if b.state != hostNewer {
		return nil
	}
	host := b.host
	err := b.actor.Do(ctx, func(dev Device) error {
		if err := dev.Flush(host); err != nil {
			return err
		}
		return dev.CopyToDevice(b.ptr, host)
	})
	if err != nil {
		return fmt.Errorf("sync %d bytes to device %d: %w", b.size, b.actor.ID(), err)
	}
	b.state = coherent
	return nil
}

// HostView returns the host mirror holding the device's current contents.
// The slice stays valid until the next device-side write; callers must not
// modify it, use Write instead.
func (b *Buffer) HostView(ctx context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.pullLocked(ctx); err != nil {
		return nil, err
	}
	return b.host, nil
}

// DevicePtr returns the device address after pushing pending host writes.
func (b *Buffer) DevicePtr(ctx context.Context) (Ptr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.pushLocked(ctx); err != nil {
		return 0, err
	}
	return b.ptr, nil
}

// Write stores data at off in the host mirror. The device copy is refreshed
// on the next DevicePtr.
func (b *Buffer) Write(ctx context.Context, off int, data []byte) error {
	if off < 0 || off+len(data) > b.size {
		return fmt.Errorf("write %d bytes at %d into %d byte buffer: out of range", len(data), off, b.size)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if off != 0 || len(data) != b.size {
		if err := b.pullLocked(ctx); err != nil {
			return err
		}
	}
	copy(b.mirror()[off:], data)
	b.state = hostNewer
	return nil
}

// MarkDeviceWritten records that device-side work changed the buffer. Any
// pending host write must have been pushed with DevicePtr beforehand.
func (b *Buffer) MarkDeviceWritten() {
	b.mu.Lock()
	b.state = deviceNewer
	b.mu.Unlock()
}

// Sync pushes pending host writes to the device.
func (b *Buffer) Sync(ctx context.Context) error {
	_, err := b.DevicePtr(ctx)
	return err
}

// CopyFrom copies n bytes from src at srcOff into b at dstOff with a single
// device-side copy. Both buffers must live on the same device.
func (b *Buffer) CopyFrom(ctx context.Context, src *Buffer, dstOff, srcOff, n int) error {
	if src.actor != b.actor {
		return fmt.Errorf("device copy from device %d to device %d: buffers not colocated", src.DeviceID(), b.DeviceID())
	}
	if srcOff < 0 || srcOff+n > src.size || dstOff < 0 || dstOff+n > b.size {
		return fmt.Errorf("device copy of %d bytes (%d->%d) exceeds buffers (%d, %d)", n, srcOff, dstOff, src.size, b.size)
	}
	sp, err := src.DevicePtr(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.pushLocked(ctx); err != nil {
		return err
	}
	err = b.actor.Do(ctx, func(dev Device) error {
		return dev.Copy(b.ptr.Add(dstOff), sp.Add(srcOff), n)
	})
	if err != nil {
		return fmt.Errorf("device copy on device %d: %w", b.DeviceID(), err)
	}
	b.state = deviceNewer
	return nil
}

// CopyFromPeer copies n bytes from src on a peer device into b with a direct
// device-to-device transfer issued on the source device.
func (b *Buffer) CopyFromPeer(ctx context.Context, src *Buffer, n int) error {
	if n > src.size || n > b.size {
		return fmt.Errorf("peer copy of %d bytes exceeds buffers (%d, %d)", n, src.size, b.size)
	}
	sp, err := src.DevicePtr(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.pushLocked(ctx); err != nil {
		return err
	}
	// The destination context is borrowed from its own actor goroutine so the
	// source actor can address it.
	peer, err := Call(ctx, b.actor, func(dev Device) (Device, error) { return dev, nil })
	if err != nil {
		return err
	}
	err = src.actor.Do(ctx, func(dev Device) error {
		return dev.CopyPeer(peer, b.ptr, sp, n)
	})
	if err != nil {
		return fmt.Errorf("peer copy device %d -> %d: %w", src.DeviceID(), b.DeviceID(), err)
	}
	b.state = deviceNewer
	return nil
}

// Release frees memory the buffer allocated itself.
func (b *Buffer) Release(ctx context.Context) error {
	if !b.owned {
		return nil
	}
	b.owned = false
	return b.actor.Do(ctx, func(dev Device) error { return dev.Free(b.ptr) })
}
