package vision

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/runner"
)

// Encoder runs the vision model, one temporal group per forward pass.
type Encoder struct {
	model   runner.Runner
	in, out *device.TensorHandle
}

// NewEncoder wraps a loaded vision model. Its input must hold one temporal
// group of patches and its output the embeddings of that group.
func NewEncoder(model runner.Runner, o Options) (*Encoder, error) {
	in, err := runner.MustTensor(model, runner.Decode, runner.Input)
	if err != nil {
		return nil, err
	}
	out, err := runner.MustTensor(model, runner.Decode, runner.Output)
	if err != nil {
		return nil, err
	}
	if in.Bytes() < o.GroupBytes() {
		return nil, fmt.Errorf("vision input holds %d bytes, a patch group needs %d", in.Bytes(), o.GroupBytes())
	}
	return &Encoder{model: model, in: in, out: out}, nil
}

// OutputBytes is the size of one group's embeddings.
func (e *Encoder) OutputBytes() int { return e.out.Bytes() }

// Encode returns the bf16 embeddings of every group, concatenated.
func (e *Encoder) Encode(ctx context.Context, p *Patches) ([]byte, error) {
	in, out := e.in, e.out
	start := time.Now()
	embeds := make([]byte, 0, len(p.Groups)*out.Bytes())
	for i, group := range p.Groups {
		if len(group) > in.Bytes() {
			return nil, fmt.Errorf("patch group %d is %d bytes, vision input holds %d", i, len(group), in.Bytes())
		}
		if err := in.Buf.Write(ctx, 0, group); err != nil {
			return nil, err
		}
		if err := e.model.Run(ctx, runner.Decode); err != nil {
			return nil, fmt.Errorf("vision group %d: %w", i, err)
		}
		view, err := out.Buf.HostView(ctx)
		if err != nil {
			return nil, err
		}
		embeds = append(embeds, view...)
	}
	logger.Log.Debug("vision encoded", "groups", len(p.Groups), "bytes", len(embeds), "elapsed", time.Since(start))
	return embeds, nil
}

// SpliceVision overwrites the embedding rows of the run of media tokens in
// ids with the vision embeddings. embeds holds one row of rowBytes per id.
// The run must be exactly as long as the vision embeddings.
func SpliceVision(embeds []byte, rowBytes int, ids []int, media int, vision []byte) error {
	if rowBytes <= 0 || len(embeds) != len(ids)*rowBytes {
		return fmt.Errorf("embeddings of %d bytes do not match %d ids of %d bytes", len(embeds), len(ids), rowBytes)
	}
	if len(vision)%rowBytes != 0 {
		return fmt.Errorf("vision embeddings of %d bytes are not whole %d byte rows", len(vision), rowBytes)
	}
	first, count := -1, 0
	for i, id := range ids {
		if id != media {
			continue
		}
		if first < 0 {
			first = i
		} else if i != first+count {
			return fmt.Errorf("media tokens are not contiguous at %d", i)
		}
		count++
	}
	if first < 0 {
		return fmt.Errorf("no media token %d in prompt", media)
	}
	if rows := len(vision) / rowBytes; rows != count {
		return fmt.Errorf("prompt has %d media tokens, encoder produced %d rows", count, rows)
	}
	copy(embeds[first*rowBytes:], vision)
	return nil
}
