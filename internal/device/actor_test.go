package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func startHost(t *testing.T, d *HostDriver, id int) *Actor {
	t.Helper()
	a, err := Start(d, id, time.Second)
	if err != nil {
		t.Fatalf("Start(%d): %v", id, err)
	}
	t.Cleanup(func() { a.Shutdown() })
	return a
}

func TestActorRunsOperationsInOrder(t *testing.T) {
	a := startHost(t, NewHostDriver(0), 0)

	var mu sync.Mutex
	var order []int
	var chans []<-chan error
	for i := 0; i < 100; i++ {
		chans = append(chans, a.Go(context.Background(), func(dev Device) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}
	for _, c := range chans {
		if err := <-c; err != nil {
			t.Fatal(err)
		}
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("operation %d ran at position %d", v, i)
		}
	}
}

func TestActorSerializesConcurrentCallers(t *testing.T) {
	a := startHost(t, NewHostDriver(0), 1)

	var running, maxRunning int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				err := a.Do(context.Background(), func(dev Device) error {
					mu.Lock()
					running++
					if running > maxRunning {
						maxRunning = running
					}
					mu.Unlock()
					time.Sleep(50 * time.Microsecond)
					mu.Lock()
					running--
					mu.Unlock()
					return nil
				})
				if err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()
	if maxRunning != 1 {
		t.Fatalf("expected one operation at a time, saw %d", maxRunning)
	}
}

func TestActorReturnsOperationErrors(t *testing.T) {
	a := startHost(t, NewHostDriver(0), 0)
	boom := errors.New("boom")
	if err := a.Do(context.Background(), func(Device) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	err := a.Do(context.Background(), func(Device) error { panic("kaboom") })
	if err == nil {
		t.Fatal("expected panic to surface as error")
	}
	// The actor survives a panicking operation.
	if err := a.Do(context.Background(), func(Device) error { return nil }); err != nil {
		t.Fatalf("actor dead after panic: %v", err)
	}
}

func TestCallReturnsValue(t *testing.T) {
	a := startHost(t, NewHostDriver(1<<20), 0)
	p, err := Call(context.Background(), a, func(dev Device) (Ptr, error) { return dev.Malloc(64) })
	if err != nil {
		t.Fatal(err)
	}
	if p == 0 {
		t.Fatal("expected non-zero pointer")
	}
	info, err := a.Memory(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if info.Used() != 64 {
		t.Fatalf("used = %d, want 64", info.Used())
	}
}

func TestShutdownDrainsQueue(t *testing.T) {
	a, err := Start(NewHostDriver(0), 0, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	release := make(chan struct{})
	first := a.Go(context.Background(), func(Device) error { <-release; return nil })

	var ran int
	var rest []<-chan error
	for i := 0; i < 10; i++ {
		rest = append(rest, a.Go(context.Background(), func(Device) error { ran++; return nil }))
	}

	done := make(chan error)
	go func() { done <- a.Shutdown() }()
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-first; err != nil {
		t.Fatal(err)
	}
	for _, c := range rest {
		if err := <-c; err != nil {
			t.Fatal(err)
		}
	}
	if ran != 10 {
		t.Fatalf("expected 10 queued ops to drain, ran %d", ran)
	}

	if err := a.Do(context.Background(), func(Device) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after shutdown, got %v", err)
	}
	if err := a.Shutdown(); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestStartFailure(t *testing.T) {
	d := NewHostDriver(0)
	d.OpenHook = func(id int) error { return errors.New("no such device") }
	if _, err := Start(d, 7, time.Second); err == nil {
		t.Fatal("expected init error")
	}
}

func TestStartTimeout(t *testing.T) {
	d := NewHostDriver(0)
	unblock := make(chan struct{})
	defer close(unblock)
	d.OpenHook = func(id int) error { <-unblock; return nil }

	_, err := Start(d, 0, 20*time.Millisecond)
	if !errors.Is(err, ErrInitTimeout) {
		t.Fatalf("expected ErrInitTimeout, got %v", err)
	}
}
