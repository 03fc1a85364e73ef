// Package kvcache keeps the per-layer key/value caches of a generation
// sequence. Each layer owns two device tensors of [slots x row] that the
// layer's compute engine reads as K_cache and V_cache; the store appends the
// rows the engine emits as K_cache_out and V_cache_out.
package kvcache

import (
	"context"
	"errors"
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/metrics"
)

var (
	// ErrOverflow is returned when an append would pass the last slot.
	ErrOverflow = errors.New("kv cache overflow")
	// ErrOutOfOrder is returned when a slot is written out of sequence or twice.
	ErrOutOfOrder = errors.New("kv cache slot written out of order")
)

// Layer binds one layer's cache tensors. K and V are the caches themselves,
// KOut and VOut the single-row decode outputs. PrefillK and PrefillV hold the
// per-position rows of a prefill pass and may be nil.
type Layer struct {
	K, V               *device.TensorHandle
	KOut, VOut         *device.TensorHandle
	PrefillK, PrefillV *device.TensorHandle
}

// Store is the KV cache for one sequence. Slot i holds the rows produced for
// position i. Rows are appended per layer and become part of the sequence
// when Commit is called after every layer has written the step.
type Store struct {
	layers   []Layer
	rowBytes int
	slots    int

	cursor int
	next   []int

	log *logger.Logger
}

// New checks that every layer agrees on the cache geometry and returns an
// empty store. The row size comes from the decode output tensor and the slot
// count from the cache tensor.
func New(layers []Layer) (*Store, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("%w: kv cache needs at least one layer", config.ErrInvalid)
	}
	s := &Store{layers: layers, next: make([]int, len(layers)), log: logger.Log.With("component", "kvcache")}
	for i, l := range layers {
		if l.K == nil || l.V == nil || l.KOut == nil || l.VOut == nil {
			return nil, fmt.Errorf("%w: layer %d is missing cache tensors", config.ErrInvalid, i)
		}
		row := l.KOut.Bytes()
		if row == 0 || l.VOut.Bytes() != row {
			return nil, fmt.Errorf("%w: layer %d cache rows: K %d bytes, V %d bytes", config.ErrInvalid, i, row, l.VOut.Bytes())
		}
		slots := l.K.Bytes() / row
		if l.V.Bytes()/row != slots {
			return nil, fmt.Errorf("%w: layer %d K and V caches differ in size", config.ErrInvalid, i)
		}
		if i == 0 {
			s.rowBytes, s.slots = row, slots
		} else if row != s.rowBytes || slots != s.slots {
			return nil, fmt.Errorf("%w: layer %d cache geometry %dx%d differs from layer 0 %dx%d",
				config.ErrInvalid, i, slots, row, s.slots, s.rowBytes)
		}
		if l.PrefillK != nil && (l.PrefillV == nil || l.PrefillK.Bytes()%row != 0) {
			return nil, fmt.Errorf("%w: layer %d prefill cache outputs do not hold whole rows", config.ErrInvalid, i)
		}
	}
	if s.slots == 0 {
		return nil, fmt.Errorf("%w: kv cache has no slots", config.ErrInvalid)
	}
	metrics.RecordKVCacheStats(s.slots, 0)
	s.log.Debug("kv cache ready", "layers", len(layers), "slots", s.slots, "row_bytes", s.rowBytes)
	return s, nil
}

// Slots is the number of positions the cache can hold.
func (s *Store) Slots() int { return s.slots }

// RowBytes is the size of one key or value row.
func (s *Store) RowBytes() int { return s.rowBytes }

// Cursor is the first slot not yet committed.
func (s *Store) Cursor() int { return s.cursor }

// Remaining is the number of free slots.
func (s *Store) Remaining() int { return s.slots - s.cursor }

// Full reports whether every slot is committed.
func (s *Store) Full() bool { return s.cursor >= s.slots }

// Written returns the next slot layer will write.
func (s *Store) Written(layer int) int { return s.next[layer] }

func (s *Store) check(layer, slot, n int) error {
	if layer < 0 || layer >= len(s.layers) {
		return fmt.Errorf("kv cache layer %d out of range [0,%d)", layer, len(s.layers))
	}
	if slot != s.next[layer] {
		return fmt.Errorf("%w: layer %d slot %d, expected %d", ErrOutOfOrder, layer, slot, s.next[layer])
	}
	if slot+n > s.slots {
		return fmt.Errorf("%w: layer %d slots %d..%d of %d", ErrOverflow, layer, slot, slot+n-1, s.slots)
	}
	return nil
}

// AppendDecode copies the layer's decode output row into slot.
func (s *Store) AppendDecode(ctx context.Context, layer, slot int) error {
	if err := s.check(layer, slot, 1); err != nil {
		return err
	}
	l := s.layers[layer]
	off := slot * s.rowBytes
	if err := l.K.Buf.CopyFrom(ctx, l.KOut.Buf, off, 0, s.rowBytes); err != nil {
		return fmt.Errorf("layer %d K slot %d: %w", layer, slot, err)
	}
	if err := l.V.Buf.CopyFrom(ctx, l.VOut.Buf, off, 0, s.rowBytes); err != nil {
		return fmt.Errorf("layer %d V slot %d: %w", layer, slot, err)
	}
	s.next[layer]++
	return nil
}

// AppendPrefill copies the first n rows of the layer's prefill outputs into
// the slots starting at the layer's next slot. Padding rows beyond n are not
// copied.
func (s *Store) AppendPrefill(ctx context.Context, layer, n int) error {
	if layer < 0 || layer >= len(s.layers) {
		return fmt.Errorf("kv cache layer %d out of range [0,%d)", layer, len(s.layers))
	}
	l := s.layers[layer]
	if l.PrefillK == nil {
		return fmt.Errorf("layer %d has no prefill cache outputs", layer)
	}
	if n <= 0 || n*s.rowBytes > l.PrefillK.Bytes() {
		return fmt.Errorf("layer %d prefill of %d rows exceeds capacity %d", layer, n, l.PrefillK.Bytes()/s.rowBytes)
	}
	slot := s.next[layer]
	if err := s.check(layer, slot, n); err != nil {
		return err
	}
	off, size := slot*s.rowBytes, n*s.rowBytes
	if err := l.K.Buf.CopyFrom(ctx, l.PrefillK.Buf, off, 0, size); err != nil {
		return fmt.Errorf("layer %d K prefill: %w", layer, err)
	}
	if err := l.V.Buf.CopyFrom(ctx, l.PrefillV.Buf, off, 0, size); err != nil {
		return fmt.Errorf("layer %d V prefill: %w", layer, err)
	}
	s.next[layer] += n
	return nil
}

// Commit makes the rows written since the last commit part of the sequence.
// Every layer must have written the same slots.
func (s *Store) Commit() error {
	n := s.next[0]
	for i, v := range s.next {
		if v != n {
			return fmt.Errorf("%w: layer %d is at slot %d, layer 0 at %d", ErrOutOfOrder, i, v, n)
		}
	}
	s.cursor = n
	metrics.RecordKVCacheStats(s.slots, s.cursor)
	return nil
}

// Rollback discards rows written since the last commit. Their slots are
// written again by the next step.
func (s *Store) Rollback() {
	dropped := 0
	for i := range s.next {
		dropped += s.next[i] - s.cursor
		s.next[i] = s.cursor
	}
	if dropped > 0 {
		s.log.Debug("rolled back uncommitted rows", "cursor", s.cursor, "rows", dropped)
	}
}

// Reset empties the cache. Device memory is kept; stale rows are masked out
// by the engine until overwritten.
func (s *Store) Reset() {
	s.cursor = 0
	for i := range s.next {
		s.next[i] = 0
	}
	metrics.RecordKVCacheStats(s.slots, 0)
}
