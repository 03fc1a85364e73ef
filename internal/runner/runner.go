// Package runner defines the contract between the generation pipeline and the
// compute engine that executes one compiled model part on a device.
package runner

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/device"
)

// TensorID names an engine I/O tensor. String returns the name the compiled
// model uses for it.
type TensorID int

const (
	Input TensorID = iota
	Mask
	Indices
	KCache
	VCache
	KCacheOut
	VCacheOut
	Output
	TopKIndices
)

var tensorNames = [...]string{
	Input:       "input",
	Mask:        "mask",
	Indices:     "indices",
	KCache:      "K_cache",
	VCache:      "V_cache",
	KCacheOut:   "K_cache_out",
	VCacheOut:   "V_cache_out",
	Output:      "output",
	TopKIndices: "topk_indices",
}

func (id TensorID) String() string {
	if id >= 0 && int(id) < len(tensorNames) {
		return tensorNames[id]
	}
	return fmt.Sprintf("tensor(%d)", int(id))
}

// IsOutput reports whether the engine writes the tensor.
func (id TensorID) IsOutput() bool {
	switch id {
	case KCacheOut, VCacheOut, Output, TopKIndices:
		return true
	}
	return false
}

// ParseTensorID maps an engine tensor name back to its identifier.
func ParseTensorID(name string) (TensorID, bool) {
	for i, n := range tensorNames {
		if n == name {
			return TensorID(i), true
		}
	}
	return 0, false
}

// Group selects one of a compiled model's shape variants.
type Group int

const (
	// Decode processes a single position.
	Decode Group = 0
	// Prefill processes a fixed-capacity batch of positions.
	Prefill Group = 1
)

func (g Group) String() string {
	switch g {
	case Decode:
		return "decode"
	case Prefill:
		return "prefill"
	}
	return fmt.Sprintf("group(%d)", int(g))
}

type Kind int

const (
	KindLayer Kind = iota
	KindPost
	KindVision
)

func (k Kind) String() string {
	switch k {
	case KindLayer:
		return "layer"
	case KindPost:
		return "post"
	case KindVision:
		return "vision"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ModelRef identifies a compiled model part to load.
type ModelRef struct {
	Kind  Kind
	Index int
	Path  string
	Mmap  bool
}

func (r ModelRef) String() string {
	if r.Kind == KindLayer {
		return fmt.Sprintf("layer %d (%s)", r.Index, r.Path)
	}
	return fmt.Sprintf("%s (%s)", r.Kind, r.Path)
}

// Runner is one loaded model part bound to a device. All of its tensors live
// on that device.
type Runner interface {
	DeviceID() int
	// Tensor returns the I/O tensor id of group g, or false when the group
	// does not declare it.
	Tensor(g Group, id TensorID) (*device.TensorHandle, bool)
	// HasGroup reports whether the model was compiled with group g.
	HasGroup(g Group) bool
	// Run executes one forward pass of group g. Pending host writes to input
	// tensors are pushed first; output tensors are device-written afterwards.
	Run(ctx context.Context, g Group) error
	Close(ctx context.Context) error
}

// Loader loads model parts onto device actors.
type Loader interface {
	Load(ctx context.Context, a *device.Actor, ref ModelRef) (Runner, error)
}

// MustTensor returns the tensor or an error naming the missing tensor.
func MustTensor(r Runner, g Group, id TensorID) (*device.TensorHandle, error) {
	t, ok := r.Tensor(g, id)
	if !ok {
		return nil, fmt.Errorf("model on device %d has no %s tensor %q", r.DeviceID(), g, id)
	}
	return t, nil
}
