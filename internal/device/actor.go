package device

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/metrics"
)

const mailboxSize = 64

// Op is an operation executed on a device's actor goroutine.
type Op func(dev Device) error

type request struct {
	op   Op
	done chan error
}

// Actor owns one device context. A single goroutine, locked to its OS thread
// for vendor runtimes with thread-bound contexts, drains a FIFO mailbox so
// every allocation, copy and dispatch for the device runs in submission
// order. Submission is safe from any goroutine.
type Actor struct {
	id     int
	driver Driver
	log    *logger.Logger

	mu      sync.RWMutex
	closed  bool
	mailbox chan request
	stopped chan struct{}

	pending  atomic.Int64
	closeErr error
}

// Start opens device id on a new actor goroutine. It fails with
// ErrInitTimeout if the driver does not finish opening within timeout.
func Start(driver Driver, id int, timeout time.Duration) (*Actor, error) {
	a := &Actor{
		id:      id,
		driver:  driver,
		log:     logger.Log.With("device", id),
		mailbox: make(chan request, mailboxSize),
		stopped: make(chan struct{}),
	}
	ready := make(chan error, 1)
	go a.loop(ready)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-ready:
		if err != nil {
			metrics.RecordDeviceError(id)
			return nil, fmt.Errorf("init device %d: %w", id, err)
		}
	case <-timer.C:
		a.mu.Lock()
		a.closed = true
		close(a.mailbox)
		a.mu.Unlock()
		metrics.RecordDeviceError(id)
		return nil, fmt.Errorf("init device %d after %s: %w", id, timeout, ErrInitTimeout)
	}
	a.log.Debug("device actor started")
	return a, nil
}

func (a *Actor) loop(ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(a.stopped)

	dev, err := a.driver.Open(a.id)
	if err != nil {
		ready <- err
		return
	}
	ready <- nil

	for req := range a.mailbox {
		a.exec(dev, req)
	}
	a.closeErr = dev.Close()
}

func (a *Actor) exec(dev Device, req request) {
	defer func() {
		if r := recover(); r != nil {
			req.done <- fmt.Errorf("device %d: operation panicked: %v", a.id, r)
		}
	}()
	metrics.RecordQueueDepth(a.id, int(a.pending.Add(-1)))
	err := req.op(dev)
	if err != nil {
		metrics.RecordDeviceError(a.id)
	}
	req.done <- err
}

// ID returns the device id the actor owns.
func (a *Actor) ID() int {
	return a.id
}

func (a *Actor) enqueue(ctx context.Context, req request) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return fmt.Errorf("device %d: %w", a.id, ErrClosed)
	}
	metrics.RecordQueueDepth(a.id, int(a.pending.Add(1)))
	select {
	case a.mailbox <- req:
		return nil
	case <-ctx.Done():
		metrics.RecordQueueDepth(a.id, int(a.pending.Add(-1)))
		return ctx.Err()
	}
}

// Do runs op on the device and waits for it. ctx bounds only the wait for a
// mailbox slot: once queued an operation always runs to completion, so device
// state is never left half written.
func (a *Actor) Do(ctx context.Context, op Op) error {
	done := make(chan error, 1)
	if err := a.enqueue(ctx, request{op: op, done: done}); err != nil {
		return err
	}
	return <-done
}

// Go queues op and returns a channel that receives its result.
func (a *Actor) Go(ctx context.Context, op Op) <-chan error {
	done := make(chan error, 1)
	if err := a.enqueue(ctx, request{op: op, done: done}); err != nil {
		done <- err
	}
	return done
}

// Call runs fn on the actor and returns its value.
func Call[T any](ctx context.Context, a *Actor, fn func(dev Device) (T, error)) (T, error) {
	var out T
	err := a.Do(ctx, func(dev Device) error {
		v, err := fn(dev)
		out = v
		return err
	})
	return out, err
}

// Pending reports how many operations are queued or running.
func (a *Actor) Pending() int {
	return int(a.pending.Load())
}

// Memory queries free and total device memory.
func (a *Actor) Memory(ctx context.Context) (MemoryInfo, error) {
	info := MemoryInfo{Device: a.id}
	err := a.Do(ctx, func(dev Device) error {
		free, total, err := dev.FreeMemory()
		info.Free, info.Total = free, total
		return err
	})
	if err == nil {
		metrics.RecordDeviceFree(a.id, info.Free)
	}
	return info, err
}

// Shutdown stops accepting operations, drains the mailbox and releases the
// device context. It is safe to call more than once.
func (a *Actor) Shutdown() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.mailbox)
	}
	a.mu.Unlock()
	<-a.stopped
	a.log.Debug("device actor stopped")
	return a.closeErr
}
