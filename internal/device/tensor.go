package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

type DType int

const (
	BF16 DType = iota
	F16
	F32
	U32
	U8
)

func (d DType) Size() int {
	switch d {
	case F32, U32:
		return 4
	case U8:
		return 1
	default:
		return 2
	}
}

func (d DType) String() string {
	switch d {
	case BF16:
		return "bf16"
	case F16:
		return "f16"
	case F32:
		return "f32"
	case U32:
		return "u32"
	case U8:
		return "u8"
	}
	return fmt.Sprintf("dtype(%d)", int(d))
}

// TensorHandle is a named, typed view over a coherent device buffer. Name is
// the identifier the compute engine uses for the tensor.
type TensorHandle struct {
	Name  string
	Shape []int
	DType DType
	Buf   *Buffer
}

// NewTensorHandle wraps buf. The byte size of buf must cover the shape.
func NewTensorHandle(name string, shape []int, dtype DType, buf *Buffer) (*TensorHandle, error) {
	n := dtype.Size()
	for _, d := range shape {
		n *= d
	}
	if n > buf.Size() {
		return nil, fmt.Errorf("tensor %s shape %v (%d bytes) exceeds %d byte buffer", name, shape, n, buf.Size())
	}
	return &TensorHandle{Name: name, Shape: append([]int(nil), shape...), DType: dtype, Buf: buf}, nil
}

// Bytes is the byte size of the underlying buffer.
func (t *TensorHandle) Bytes() int { return t.Buf.Size() }

// Elements is the number of dtype elements the buffer holds.
func (t *TensorHandle) Elements() int { return t.Buf.Size() / t.DType.Size() }

func (t *TensorHandle) DeviceID() int { return t.Buf.DeviceID() }

// Float16View decodes an f16 tensor.
func (t *TensorHandle) Float16View(ctx context.Context) ([]float16.Float16, error) {
	if t.DType != F16 {
		return nil, fmt.Errorf("tensor %s is %s, not f16", t.Name, t.DType)
	}
	raw, err := t.Buf.HostView(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]float16.Float16, len(raw)/2)
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:]))
	}
	return out, nil
}

// Float32View decodes any floating point tensor to float32.
func (t *TensorHandle) Float32View(ctx context.Context) ([]float32, error) {
	raw, err := t.Buf.HostView(ctx)
	if err != nil {
		return nil, err
	}
	return DecodeFloat32(t.DType, raw)
}

// WriteFloat32 encodes vals in the tensor's dtype at element offset off.
func (t *TensorHandle) WriteFloat32(ctx context.Context, off int, vals []float32) error {
	raw, err := EncodeFloat32(t.DType, vals)
	if err != nil {
		return fmt.Errorf("tensor %s: %w", t.Name, err)
	}
	return t.Buf.Write(ctx, off*t.DType.Size(), raw)
}

// WriteUint32 writes little endian indices at element offset off.
func (t *TensorHandle) WriteUint32(ctx context.Context, off int, vals []uint32) error {
	if t.DType != U32 {
		return fmt.Errorf("tensor %s is %s, not u32", t.Name, t.DType)
	}
	raw := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(raw[4*i:], v)
	}
	return t.Buf.Write(ctx, 4*off, raw)
}

// Uint32View decodes a u32 tensor.
func (t *TensorHandle) Uint32View(ctx context.Context) ([]uint32, error) {
	if t.DType != U32 {
		return nil, fmt.Errorf("tensor %s is %s, not u32", t.Name, t.DType)
	}
	raw, err := t.Buf.HostView(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, len(raw)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(raw[4*i:])
	}
	return out, nil
}

// DecodeFloat32 converts raw little endian bytes of dtype d to float32.
func DecodeFloat32(d DType, raw []byte) ([]float32, error) {
	switch d {
	case BF16:
		return bfloat16.DecodeFloat32(raw), nil
	case F16:
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
		}
		return out, nil
	case F32:
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
		return out, nil
	}
	return nil, fmt.Errorf("cannot decode %s as float", d)
}

// EncodeFloat32 converts vals to raw little endian bytes of dtype d.
func EncodeFloat32(d DType, vals []float32) ([]byte, error) {
	switch d {
	case BF16:
		return bfloat16.EncodeFloat32(vals), nil
	case F16:
		out := make([]byte, 2*len(vals))
		for i, v := range vals {
			binary.LittleEndian.PutUint16(out[2*i:], float16.Fromfloat32(v).Bits())
		}
		return out, nil
	case F32:
		out := make([]byte, 4*len(vals))
		for i, v := range vals {
			binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
		}
		return out, nil
	}
	return nil, fmt.Errorf("cannot encode float as %s", d)
}
