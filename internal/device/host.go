package device

import (
	"fmt"
	"sort"
	"sync"
)

const hostAlign = 128

// HostStats counts the operations a HostDriver device has executed.
type HostStats struct {
	Allocs       int
	ToDevice     int
	ToHost       int
	DeviceCopies int
	PeerCopies   int
	Flushes      int
	Invalidates  int
}

// HostDriver emulates accelerators in process memory. Every device gets its
// own address space and allocations never alias across devices, so a pointer
// used on the wrong device fails with ErrBadPointer.
type HostDriver struct {
	// Capacity is the memory size of each emulated device in bytes.
	Capacity int64
	// OpenHook, when set, runs before a device is opened. Tests use it to
	// inject failures and delays.
	OpenHook func(id int) error

	mu      sync.Mutex
	devices map[int]*hostDevice
}

func NewHostDriver(capacity int64) *HostDriver {
	return &HostDriver{Capacity: capacity, devices: make(map[int]*hostDevice)}
}

func (d *HostDriver) Open(id int) (Device, error) {
	if d.OpenHook != nil {
		if err := d.OpenHook(id); err != nil {
			return nil, err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.devices == nil {
		d.devices = make(map[int]*hostDevice)
	}
	if dev, ok := d.devices[id]; ok && dev.open {
		return nil, fmt.Errorf("device %d already open", id)
	}
	dev := &hostDevice{
		id:       id,
		capacity: d.Capacity,
		base:     Ptr(uint64(id+1) << 40),
		open:     true,
	}
	dev.next = dev.base
	d.devices[id] = dev
	return dev, nil
}

// Stats returns a snapshot of the counters for device id.
func (d *HostDriver) Stats(id int) HostStats {
	d.mu.Lock()
	dev := d.devices[id]
	d.mu.Unlock()
	if dev == nil {
		return HostStats{}
	}
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.stats
}

// Peek copies n bytes at p on device id without going through an actor.
// It is meant for tests that inspect device memory.
func (d *HostDriver) Peek(id int, p Ptr, n int) ([]byte, error) {
	d.mu.Lock()
	dev := d.devices[id]
	d.mu.Unlock()
	if dev == nil {
		return nil, fmt.Errorf("device %d not open", id)
	}
	dev.mu.Lock()
	defer dev.mu.Unlock()
	src, err := dev.resolve(p, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, src)
	return out, nil
}

type allocation struct {
	base Ptr
	data []byte
}

type hostDevice struct {
	mu       sync.Mutex
	id       int
	capacity int64
	used     int64
	base     Ptr
	next     Ptr
	allocs   []allocation
	stats    HostStats
	open     bool
}

func (h *hostDevice) ID() int { return h.id }

func (h *hostDevice) Malloc(size int) (Ptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if size <= 0 {
		return 0, fmt.Errorf("malloc %d bytes on device %d: size must be positive", size, h.id)
	}
	if h.capacity > 0 && h.used+int64(size) > h.capacity {
		return 0, fmt.Errorf("malloc %d bytes on device %d (%d free): %w", size, h.id, h.capacity-h.used, ErrOutOfMemory)
	}
	p := h.next
	h.allocs = append(h.allocs, allocation{base: p, data: make([]byte, size)})
	h.next = p.Add((size + hostAlign - 1) / hostAlign * hostAlign).Add(hostAlign)
	h.used += int64(size)
	h.stats.Allocs++
	return p, nil
}

func (h *hostDevice) Free(p Ptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := h.find(p)
	if i < 0 || h.allocs[i].base != p {
		return fmt.Errorf("free %s on device %d: %w", p, h.id, ErrBadPointer)
	}
	h.used -= int64(len(h.allocs[i].data))
	h.allocs = append(h.allocs[:i], h.allocs[i+1:]...)
	return nil
}

// find returns the index of the allocation containing p, or -1.
func (h *hostDevice) find(p Ptr) int {
	i := sort.Search(len(h.allocs), func(i int) bool { return h.allocs[i].base > p }) - 1
	if i < 0 {
		return -1
	}
	a := h.allocs[i]
	if p >= a.base.Add(len(a.data)) {
		return -1
	}
	return i
}

func (h *hostDevice) resolve(p Ptr, n int) ([]byte, error) {
	i := h.find(p)
	if i < 0 {
		return nil, fmt.Errorf("%s on device %d: %w", p, h.id, ErrBadPointer)
	}
	a := h.allocs[i]
	off := int(p - a.base)
	if n < 0 || off+n > len(a.data) {
		return nil, fmt.Errorf("%s+%d on device %d overruns %d byte allocation: %w", p, n, h.id, len(a.data), ErrBadPointer)
	}
	return a.data[off : off+n], nil
}

func (h *hostDevice) CopyToDevice(dst Ptr, src []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.resolve(dst, len(src))
	if err != nil {
		return err
	}
	copy(d, src)
	h.stats.ToDevice++
	return nil
}

func (h *hostDevice) CopyToHost(dst []byte, src Ptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, err := h.resolve(src, len(dst))
	if err != nil {
		return err
	}
	copy(dst, s)
	h.stats.ToHost++
	return nil
}

func (h *hostDevice) Copy(dst, src Ptr, n int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, err := h.resolve(src, n)
	if err != nil {
		return err
	}
	d, err := h.resolve(dst, n)
	if err != nil {
		return err
	}
	copy(d, s)
	h.stats.DeviceCopies++
	return nil
}

func (h *hostDevice) CopyPeer(peer Device, dst, src Ptr, n int) error {
	p, ok := peer.(*hostDevice)
	if !ok {
		return fmt.Errorf("peer copy from device %d to %T: unsupported peer", h.id, peer)
	}
	if p == h {
		return h.Copy(dst, src, n)
	}
	h.mu.Lock()
	s, err := h.resolve(src, n)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	buf := make([]byte, n)
	copy(buf, s)
	h.stats.PeerCopies++
	h.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	d, err := p.resolve(dst, n)
	if err != nil {
		return err
	}
	copy(d, buf)
	return nil
}

func (h *hostDevice) Flush(host []byte) error {
	h.mu.Lock()
	h.stats.Flushes++
	h.mu.Unlock()
	return nil
}

func (h *hostDevice) Invalidate(host []byte) error {
	h.mu.Lock()
	h.stats.Invalidates++
	h.mu.Unlock()
	return nil
}

func (h *hostDevice) FreeMemory() (int64, int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.capacity <= 0 {
		return 0, 0, nil
	}
	return h.capacity - h.used, h.capacity, nil
}

func (h *hostDevice) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.open = false
	h.allocs = nil
	h.used = 0
	return nil
}
