package runner

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	bfloat16 "github.com/d4l3k/go-bfloat16"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/mmap"
)

// Geometry describes the I/O tensors a simulated model part declares.
type Geometry struct {
	// Hidden is the activation width in elements.
	Hidden int
	// KVRow is the width of one key or value cache row in elements.
	KVRow int
	// Slots is the number of KV cache rows.
	Slots int
	// MaxTokens sets the decode mask width to MaxTokens+1. Zero means Slots.
	MaxTokens int
	// Prefill is the batch capacity of the prefill group. Zero omits the group.
	Prefill int
	// Vocab is the logit count of the post head.
	Vocab int
	// TopK adds a topk_indices output of that many entries to the post head.
	TopK int
	// MRoPE declares three index axes per position instead of one.
	MRoPE bool
	// VisionInput and VisionTokens size the vision encoder I/O.
	VisionInput  int
	VisionTokens int
}

func (g Geometry) maskWidth() int {
	if g.MaxTokens > 0 {
		return g.MaxTokens + 1
	}
	return g.Slots + 1
}

func (g Geometry) axes() int {
	if g.MRoPE {
		return 3
	}
	return 1
}

// Step is one simulated forward pass. In holds host copies of the input
// tensors; Forward fills Out, which is pre-sized to each output tensor.
type Step struct {
	Ref   ModelRef
	Group Group
	// Rows is the number of positions in the pass.
	Rows int
	In   map[TensorID][]byte
	Out  map[TensorID][]byte
}

// Forward computes a simulated forward pass.
type Forward func(s *Step) error

// SimLoader builds Sim engines. It stands in for a vendor compute engine in
// tests and in host-backend dry runs.
type SimLoader struct {
	Geometry Geometry
	Layer    Forward
	Post     Forward
	Vision   Forward
	// ReadWeights opens each model path and keeps its bytes for the engine's
	// lifetime, as a real loader would.
	ReadWeights bool
}

type tensorSpec struct {
	id    TensorID
	shape []int
	dtype device.DType
}

func (l *SimLoader) specs(kind Kind, g Group) []tensorSpec {
	geo := l.Geometry
	switch kind {
	case KindLayer:
		if g == Prefill {
			p := geo.Prefill
			return []tensorSpec{
				{Input, []int{p, geo.Hidden}, device.BF16},
				{Mask, []int{p, p}, device.BF16},
				{Indices, []int{geo.axes(), p}, device.U32},
				{KCacheOut, []int{p, geo.KVRow}, device.BF16},
				{VCacheOut, []int{p, geo.KVRow}, device.BF16},
				{Output, []int{p, geo.Hidden}, device.BF16},
			}
		}
		return []tensorSpec{
			{Input, []int{1, geo.Hidden}, device.BF16},
			{Mask, []int{1, geo.maskWidth()}, device.BF16},
			{Indices, []int{geo.axes(), 1}, device.U32},
			{KCache, []int{geo.Slots, geo.KVRow}, device.BF16},
			{VCache, []int{geo.Slots, geo.KVRow}, device.BF16},
			{KCacheOut, []int{1, geo.KVRow}, device.BF16},
			{VCacheOut, []int{1, geo.KVRow}, device.BF16},
			{Output, []int{1, geo.Hidden}, device.BF16},
		}
	case KindPost:
		out := []tensorSpec{
			{Input, []int{1, geo.Hidden}, device.BF16},
			{Output, []int{1, geo.Vocab}, device.BF16},
		}
		if geo.TopK > 0 {
			out = append(out, tensorSpec{TopKIndices, []int{geo.TopK}, device.U32})
		}
		return out
	case KindVision:
		return []tensorSpec{
			{Input, []int{geo.VisionInput}, device.U8},
			{Output, []int{geo.VisionTokens, geo.Hidden}, device.BF16},
		}
	}
	return nil
}

func (l *SimLoader) forward(kind Kind) Forward {
	switch kind {
	case KindLayer:
		if l.Layer != nil {
			return l.Layer
		}
		return PassThrough
	case KindPost:
		if l.Post != nil {
			return l.Post
		}
		return HashLogits
	case KindVision:
		if l.Vision != nil {
			return l.Vision
		}
		return ZeroForward
	}
	return ZeroForward
}

func (l *SimLoader) Load(ctx context.Context, a *device.Actor, ref ModelRef) (Runner, error) {
	s := &Sim{
		ref:     ref,
		actor:   a,
		forward: l.forward(ref.Kind),
		groups:  make(map[Group]map[TensorID]*device.TensorHandle),
	}
	if l.ReadWeights {
		w, err := mmap.Open(ref.Path, ref.Mmap)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", ref, err)
		}
		s.weights = w
	}

	groups := []Group{Decode}
	if ref.Kind == KindLayer && l.Geometry.Prefill > 0 {
		groups = append(groups, Prefill)
	}
	for _, g := range groups {
		io := make(map[TensorID]*device.TensorHandle)
		s.groups[g] = io
		for _, spec := range l.specs(ref.Kind, g) {
			n := spec.dtype.Size()
			for _, d := range spec.shape {
				n *= d
			}
			buf, err := device.Alloc(ctx, a, n)
			if err != nil {
				s.Close(ctx)
				return nil, fmt.Errorf("load %s: allocate %s: %w", ref, spec.id, err)
			}
			h, err := device.NewTensorHandle(spec.id.String(), spec.shape, spec.dtype, buf)
			if err != nil {
				buf.Release(ctx)
				s.Close(ctx)
				return nil, err
			}
			io[spec.id] = h
		}
	}
	logger.Log.Debug("simulated model loaded", "model", ref.String(), "device", a.ID())
	return s, nil
}

// Sim is a compute engine emulated on the host. Its tensors are real device
// allocations and every forward pass runs on the owning device actor.
type Sim struct {
	ref     ModelRef
	actor   *device.Actor
	forward Forward
	groups  map[Group]map[TensorID]*device.TensorHandle
	weights *mmap.File
}

func (s *Sim) DeviceID() int { return s.actor.ID() }

func (s *Sim) HasGroup(g Group) bool {
	_, ok := s.groups[g]
	return ok
}

func (s *Sim) Tensor(g Group, id TensorID) (*device.TensorHandle, bool) {
	t, ok := s.groups[g][id]
	return t, ok
}

// Weights returns the loaded model bytes, if the loader read them.
func (s *Sim) Weights() []byte {
	if s.weights == nil {
		return nil
	}
	return s.weights.Data
}

func (s *Sim) Run(ctx context.Context, g Group) error {
	io, ok := s.groups[g]
	if !ok {
		return fmt.Errorf("%s: no %s group", s.ref, g)
	}
	for id, t := range io {
		if !id.IsOutput() {
			if err := t.Buf.Sync(ctx); err != nil {
				return err
			}
		}
	}
	err := s.actor.Do(ctx, func(dev device.Device) error {
		step := &Step{Ref: s.ref, Group: g, Rows: 1, In: make(map[TensorID][]byte), Out: make(map[TensorID][]byte)}
		if in, ok := io[Input]; ok && g == Prefill {
			step.Rows = in.Shape[0]
		}
		for id, t := range io {
			buf := make([]byte, t.Bytes())
			if id.IsOutput() {
				step.Out[id] = buf
				continue
			}
			if err := dev.CopyToHost(buf, t.Buf.RawPtr()); err != nil {
				return err
			}
			step.In[id] = buf
		}
		if err := s.forward(step); err != nil {
			return err
		}
		for id, out := range step.Out {
			if err := dev.CopyToDevice(io[id].Buf.RawPtr(), out); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("run %s %s: %w", s.ref, g, err)
	}
	for id, t := range io {
		if id.IsOutput() {
			t.Buf.MarkDeviceWritten()
		}
	}
	return nil
}

func (s *Sim) Close(ctx context.Context) error {
	var errs []error
	for _, io := range s.groups {
		for _, t := range io {
			errs = append(errs, t.Buf.Release(ctx))
		}
	}
	s.groups = nil
	if s.weights != nil {
		errs = append(errs, s.weights.Close())
		s.weights = nil
	}
	return errors.Join(errs...)
}

// PassThrough copies input to output and fills each position's cache rows
// with the leading bytes of its activation.
func PassThrough(s *Step) error {
	in := s.In[Input]
	copy(s.Out[Output], in)
	width := len(in) / s.Rows
	for _, id := range []TensorID{KCacheOut, VCacheOut} {
		kv := s.Out[id]
		if len(kv) == 0 {
			continue
		}
		row := len(kv) / s.Rows
		for r := 0; r < s.Rows; r++ {
			copy(kv[r*row:(r+1)*row], in[r*width:r*width+min(width, row)])
		}
	}
	return nil
}

// HashLogits produces one-hot logits whose hot index is a hash of the input
// activation.
func HashLogits(s *Step) error {
	logits := s.Out[Output]
	vocab := len(logits) / 2
	if vocab == 0 {
		return nil
	}
	h := fnv.New32a()
	h.Write(s.In[Input])
	hot := int(h.Sum32() % uint32(vocab))
	vals := make([]float32, vocab)
	vals[hot] = 1
	copy(logits, bfloat16.EncodeFloat32(vals))
	return nil
}

// ZeroForward leaves every output zeroed.
func ZeroForward(*Step) error { return nil }
