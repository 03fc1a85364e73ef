package device

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-quiver/internal/logger"
)

// Registry owns the actors for a set of devices. It is built once at startup
// and torn down at shutdown; nothing about it is process-global, so tests can
// run several registries side by side.
type Registry struct {
	actors map[int]*Actor
	ids    []int
}

// OpenRegistry starts one actor per id concurrently. If any device fails to
// come up, the ones that did are shut down again and the first error is
// returned.
func OpenRegistry(ctx context.Context, driver Driver, ids []int, timeout time.Duration) (*Registry, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("open registry: no devices")
	}
	actors := make([]*Actor, len(ids))
	g, _ := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			a, err := Start(driver, id, timeout)
			if err != nil {
				return err
			}
			actors[i] = a
			return nil
		})
	}
	err := g.Wait()

	r := &Registry{actors: make(map[int]*Actor, len(ids))}
	for i, a := range actors {
		if a == nil {
			continue
		}
		if _, dup := r.actors[ids[i]]; dup {
			err = fmt.Errorf("open registry: device %d listed twice", ids[i])
			a.Shutdown()
			continue
		}
		r.actors[ids[i]] = a
		r.ids = append(r.ids, ids[i])
	}
	if err != nil {
		r.Close()
		return nil, err
	}
	logger.Log.Info("devices ready", "devices", r.ids)
	return r, nil
}

// Get returns the actor for device id.
func (r *Registry) Get(id int) (*Actor, error) {
	a, ok := r.actors[id]
	if !ok {
		return nil, fmt.Errorf("device %d not in registry %v", id, r.ids)
	}
	return a, nil
}

// IDs returns the device ids in the order they were requested.
func (r *Registry) IDs() []int {
	return append([]int(nil), r.ids...)
}

// MemoryReport queries every device for free memory, sorted by device id.
func (r *Registry) MemoryReport(ctx context.Context) ([]MemoryInfo, error) {
	out := make([]MemoryInfo, len(r.ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range r.ids {
		a := r.actors[id]
		g.Go(func() error {
			info, err := a.Memory(gctx)
			if err != nil {
				return fmt.Errorf("memory of device %d: %w", id, err)
			}
			out[i] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out, nil
}

// Close shuts every actor down in parallel and reports the first failure.
func (r *Registry) Close() error {
	var g errgroup.Group
	for _, a := range r.actors {
		g.Go(a.Shutdown)
	}
	return g.Wait()
}
