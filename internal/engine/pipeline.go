// Package engine drives autoregressive generation through a model whose
// layers are spread over several devices.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/embed"
	"github.com/23skdu/longbow-quiver/internal/handoff"
	"github.com/23skdu/longbow-quiver/internal/kvcache"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/placement"
	"github.com/23skdu/longbow-quiver/internal/runner"
	"github.com/23skdu/longbow-quiver/internal/sampler"
	"github.com/23skdu/longbow-quiver/internal/trace"
)

// ErrPrecondition aborts a single request whose input the loaded model
// cannot take. The engine stays usable.
var ErrPrecondition = errors.New("request precondition failed")

// Tokenizer is the text side of the pipeline.
type Tokenizer interface {
	Encode(ctx context.Context, text string, imagePrompt bool) ([]int, error)
	Decode(ctx context.Context, ids []int) (string, error)
	IsEnd(id int) bool
}

// Deps are the collaborators an Engine is built from. Sampler defaults to
// arg-max and Router to one built from the configured peer pairs. Recorder
// is optional; the caller owns it.
type Deps struct {
	Registry   *device.Registry
	Loader     runner.Loader
	Tokenizer  Tokenizer
	Embeddings *embed.Table
	Sampler    sampler.Sampler
	Router     *handoff.Router
	Recorder   *trace.Recorder
}

// ports are the per-pass tensors of one layer group.
type ports struct {
	in, mask, indices, out *device.TensorHandle
}

func bindPorts(m runner.Runner, g runner.Group) (*ports, error) {
	p := &ports{}
	for id, dst := range map[runner.TensorID]**device.TensorHandle{
		runner.Input:   &p.in,
		runner.Mask:    &p.mask,
		runner.Indices: &p.indices,
		runner.Output:  &p.out,
	} {
		t, err := runner.MustTensor(m, g, id)
		if err != nil {
			return nil, err
		}
		*dst = t
	}
	return p, nil
}

type layer struct {
	index   int
	device  int
	actor   *device.Actor
	model   runner.Runner
	decode  *ports
	prefill *ports
}

// Engine runs one generation request at a time. Stop and Status may be
// called from any goroutine.
type Engine struct {
	layers []*layer
	post   runner.Runner
	plan   *placement.Plan

	postIn, postOut, postTopK *device.TensorHandle

	cache      *kvcache.Store
	maxTokens  int
	prefillCap int

	router   *handoff.Router
	tok      Tokenizer
	embeds   *embed.Table
	sampler  sampler.Sampler
	recorder *trace.Recorder

	streamBatch int

	mu      sync.Mutex
	mask    *decodeMask
	history []int
	delta   int

	stop     atomic.Bool
	state    atomic.Int32
	cursor   atomic.Int64
	requests atomic.Uint64
	last     atomic.Value

	log *logger.Logger
}

// New places the layers on the registry's devices, loads every model part
// and checks that the parts agree on the cache geometry.
func New(ctx context.Context, cfg config.Config, deps Deps) (*Engine, error) {
	if deps.Registry == nil || deps.Loader == nil || deps.Tokenizer == nil || deps.Embeddings == nil {
		return nil, errors.New("engine: registry, loader, tokenizer and embeddings are required")
	}
	plan, err := placement.NewPlan(cfg.Devices, cfg.Layers)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		plan:        plan,
		router:      deps.Router,
		tok:         deps.Tokenizer,
		embeds:      deps.Embeddings,
		sampler:     deps.Sampler,
		recorder:    deps.Recorder,
		streamBatch: cfg.StreamBatch,
		log:         logger.Log.With("component", "engine"),
	}
	if e.router == nil {
		e.router = handoff.New(cfg.PeerPairs)
	}
	if e.sampler == nil {
		e.sampler = sampler.ArgMax{}
	}
	if e.streamBatch <= 0 {
		e.streamBatch = 3
	}
	e.last.Store(Reason(""))

	if err := e.load(ctx, cfg, deps); err != nil {
		e.Close(ctx)
		return nil, err
	}
	if err := e.bind(); err != nil {
		e.Close(ctx)
		return nil, err
	}
	e.mask = newDecodeMask(e.maxTokens + 1)
	e.log.Info("engine ready",
		"layers", len(e.layers),
		"placement", plan.String(),
		"max_tokens", e.maxTokens,
		"kv_slots", e.cache.Slots(),
		"prefill", e.prefillCap)
	return e, nil
}

// load brings up every layer, one goroutine per device, then the post head
// on the device of the last layer.
func (e *Engine) load(ctx context.Context, cfg config.Config, deps Deps) error {
	groups := e.plan.Groups()
	actors := make([]*device.Actor, len(groups))
	for i, grp := range groups {
		a, err := deps.Registry.Get(grp.Device)
		if err != nil {
			return fmt.Errorf("%w: %v", config.ErrInvalid, err)
		}
		actors[i] = a
	}

	e.layers = make([]*layer, cfg.Layers)
	g, gctx := errgroup.WithContext(ctx)
	for gi, grp := range groups {
		a := actors[gi]
		g.Go(func() error {
			for i := grp.First; i < grp.First+grp.Count; i++ {
				ref := runner.ModelRef{Kind: runner.KindLayer, Index: i, Path: cfg.LayerPath(i), Mmap: cfg.MmapLayers}
				m, err := deps.Loader.Load(gctx, a, ref)
				if err != nil {
					return fmt.Errorf("init axmodel %s on device %d: %w", ref, grp.Device, err)
				}
				e.layers[i] = &layer{index: i, device: grp.Device, actor: a, model: m}
				if info, err := a.Memory(gctx); err == nil {
					e.log.Debug("layer loaded", "layer", i, "device", grp.Device, "free_mb", info.Free>>20)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	a, err := deps.Registry.Get(e.plan.Last())
	if err != nil {
		return err
	}
	ref := runner.ModelRef{Kind: runner.KindPost, Path: cfg.PostModel, Mmap: cfg.MmapLayers}
	e.post, err = deps.Loader.Load(ctx, a, ref)
	if err != nil {
		return fmt.Errorf("init post model %s on device %d: %w", ref, a.ID(), err)
	}
	return nil
}

// bind looks up every tensor the pipeline touches and derives the sequence
// limits from them.
func (e *Engine) bind() error {
	kv := make([]kvcache.Layer, len(e.layers))
	for i, l := range e.layers {
		var err error
		if l.decode, err = bindPorts(l.model, runner.Decode); err != nil {
			return err
		}
		tensors := make(map[runner.TensorID]*device.TensorHandle)
		for _, id := range []runner.TensorID{runner.KCache, runner.VCache, runner.KCacheOut, runner.VCacheOut} {
			if tensors[id], err = runner.MustTensor(l.model, runner.Decode, id); err != nil {
				return err
			}
		}
		kv[i] = kvcache.Layer{
			K: tensors[runner.KCache], V: tensors[runner.VCache],
			KOut: tensors[runner.KCacheOut], VOut: tensors[runner.VCacheOut],
		}
		if l.model.HasGroup(runner.Prefill) {
			if l.prefill, err = bindPorts(l.model, runner.Prefill); err != nil {
				return err
			}
			if kv[i].PrefillK, err = runner.MustTensor(l.model, runner.Prefill, runner.KCacheOut); err != nil {
				return err
			}
			if kv[i].PrefillV, err = runner.MustTensor(l.model, runner.Prefill, runner.VCacheOut); err != nil {
				return err
			}
		}
	}

	cache, err := kvcache.New(kv)
	if err != nil {
		return err
	}
	e.cache = cache

	first := e.layers[0]
	e.maxTokens = first.decode.mask.Elements() - 1
	if e.maxTokens <= 0 {
		return fmt.Errorf("%w: decode mask of layer 0 holds %d entries", config.ErrInvalid, first.decode.mask.Elements())
	}
	if e.maxTokens > cache.Slots() {
		return fmt.Errorf("%w: max_token_len(%d) > kv_cache_num(%d)", config.ErrInvalid, e.maxTokens, cache.Slots())
	}
	if first.prefill != nil && len(first.prefill.in.Shape) > 0 {
		e.prefillCap = first.prefill.in.Shape[0]
	}
	for _, l := range e.layers {
		if n := l.decode.mask.Elements() - 1; n != e.maxTokens {
			return fmt.Errorf("%w: layer %d max_token_len %d, layer 0 has %d", config.ErrInvalid, l.index, n, e.maxTokens)
		}
		if (l.prefill != nil) != (first.prefill != nil) {
			return fmt.Errorf("%w: layer %d disagrees with layer 0 on the prefill group", config.ErrInvalid, l.index)
		}
		if l.prefill != nil && l.prefill.mask.Elements() != e.prefillCap*e.prefillCap {
			return fmt.Errorf("%w: layer %d prefill mask is not %dx%d", config.ErrInvalid, l.index, e.prefillCap, e.prefillCap)
		}
	}
	if e.prefillCap > e.maxTokens {
		return fmt.Errorf("%w: prefill capacity %d exceeds max_token_len %d", config.ErrInvalid, e.prefillCap, e.maxTokens)
	}
	if e.embeds.RowBytes() != first.decode.in.Bytes() {
		return fmt.Errorf("%w: embedding rows are %d bytes, layer 0 input is %d", config.ErrInvalid, e.embeds.RowBytes(), first.decode.in.Bytes())
	}

	if e.postIn, err = runner.MustTensor(e.post, runner.Decode, runner.Input); err != nil {
		return err
	}
	if e.postOut, err = runner.MustTensor(e.post, runner.Decode, runner.Output); err != nil {
		return err
	}
	e.postTopK, _ = e.post.Tensor(runner.Decode, runner.TopKIndices)
	return nil
}

// MaxTokens is the number of positions a sequence may occupy.
func (e *Engine) MaxTokens() int { return e.maxTokens }

// PrefillCapacity is the batch size of a prefill pass, zero without one.
func (e *Engine) PrefillCapacity() int { return e.prefillCap }

// EmbeddingRowBytes is the size of one prompt embedding row.
func (e *Engine) EmbeddingRowBytes() int { return e.embeds.RowBytes() }

// Plan returns the layer placement.
func (e *Engine) Plan() *placement.Plan { return e.plan }

// Stop asks the running request to end at the next step or layer boundary.
// A stop that arrives before a request starts ends that request.
func (e *Engine) Stop() {
	e.stop.Store(true)
}

func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) setState(s State) { e.state.Store(int32(s)) }

// Status is a snapshot of the engine for monitoring.
type Status struct {
	State      string `json:"state"`
	Cursor     int    `json:"cursor"`
	MaxTokens  int    `json:"max_tokens"`
	KVSlots    int    `json:"kv_slots"`
	Prefill    int    `json:"prefill_capacity"`
	Layers     int    `json:"layers"`
	Devices    []int  `json:"devices"`
	Requests   uint64 `json:"requests"`
	LastReason string `json:"last_reason,omitempty"`
}

func (e *Engine) Status() Status {
	return Status{
		State:      e.State().String(),
		Cursor:     int(e.cursor.Load()),
		MaxTokens:  e.maxTokens,
		KVSlots:    e.cache.Slots(),
		Prefill:    e.prefillCap,
		Layers:     len(e.layers),
		Devices:    append([]int(nil), e.plan.Devices...),
		Requests:   e.requests.Load(),
		LastReason: string(e.last.Load().(Reason)),
	}
}

// Reset drops the conversation context. The next request starts at slot 0.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetContext()
	e.stop.Store(false)
	e.setState(StateIdle)
	e.log.Info("context reset")
}

func (e *Engine) resetContext() {
	e.cache.Reset()
	e.mask.reset()
	e.history = e.history[:0]
	e.delta = 0
	e.cursor.Store(0)
}

// Close releases every loaded model part. Devices belong to the registry.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	for _, l := range e.layers {
		if l != nil && l.model != nil {
			errs = append(errs, l.model.Close(ctx))
		}
	}
	if e.post != nil {
		errs = append(errs, e.post.Close(ctx))
		e.post = nil
	}
	e.layers = nil
	return errors.Join(errs...)
}
