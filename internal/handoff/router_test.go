package handoff

import (
	"context"
	"testing"
	"time"

	"github.com/23skdu/longbow-quiver/internal/device"
)

type fixture struct {
	driver *device.HostDriver
	reg    *device.Registry
}

func newFixture(t *testing.T, ids ...int) *fixture {
	t.Helper()
	d := device.NewHostDriver(1 << 20)
	reg, err := device.OpenRegistry(context.Background(), d, ids, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })
	return &fixture{driver: d, reg: reg}
}

func (f *fixture) tensor(t *testing.T, id int, name string, vals []float32) *device.TensorHandle {
	t.Helper()
	ctx := context.Background()
	a, err := f.reg.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	buf, err := device.Alloc(ctx, a, 2*len(vals))
	if err != nil {
		t.Fatal(err)
	}
	h, err := device.NewTensorHandle(name, []int{len(vals)}, device.BF16, buf)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.WriteFloat32(ctx, 0, vals); err != nil {
		t.Fatal(err)
	}
	if err := buf.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	// Treat the contents as produced by a forward pass.
	buf.MarkDeviceWritten()
	return h
}

func TestPathFor(t *testing.T) {
	r := New([][2]int{{1, 2}})
	tests := []struct {
		src, dst int
		want     Path
	}{
		{0, 0, PathDevice},
		{0, 1, PathHost},
		{1, 2, PathPeer},
		{2, 1, PathPeer},
		{2, 3, PathHost},
	}
	for _, tt := range tests {
		if got := r.PathFor(tt.src, tt.dst); got != tt.want {
			t.Errorf("PathFor(%d, %d) = %s, want %s", tt.src, tt.dst, got, tt.want)
		}
	}
}

func TestSameDeviceUsesOneDeviceCopy(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	src := f.tensor(t, 0, "output", []float32{1, 2, 3, 4})
	dst := f.tensor(t, 0, "input", []float32{0, 0, 0, 0})

	before := f.driver.Stats(0)
	path, err := New(nil).Move(ctx, src, dst)
	if err != nil {
		t.Fatal(err)
	}
	after := f.driver.Stats(0)
	if path != PathDevice {
		t.Fatalf("path = %s", path)
	}
	if after.DeviceCopies-before.DeviceCopies != 1 {
		t.Errorf("expected one device copy, got %d", after.DeviceCopies-before.DeviceCopies)
	}
	if after.ToHost != before.ToHost || after.ToDevice != before.ToDevice {
		t.Errorf("same-device hand-off touched the host: before %+v after %+v", before, after)
	}

	got, _ := dst.Float32View(ctx)
	if got[2] != 3 {
		t.Fatalf("dst = %v", got)
	}
}

func TestCrossDeviceStagesThroughHost(t *testing.T) {
	f := newFixture(t, 0, 1)
	ctx := context.Background()
	src := f.tensor(t, 0, "output", []float32{5, 6, 7, 8})
	dst := f.tensor(t, 1, "input", []float32{0, 0, 0, 0})

	s0, s1 := f.driver.Stats(0), f.driver.Stats(1)
	path, err := New(nil).Move(ctx, src, dst)
	if err != nil {
		t.Fatal(err)
	}
	a0, a1 := f.driver.Stats(0), f.driver.Stats(1)
	if path != PathHost {
		t.Fatalf("path = %s", path)
	}
	if a0.ToHost-s0.ToHost != 1 || a0.Invalidates-s0.Invalidates != 1 {
		t.Errorf("source device: want one invalidate + download, before %+v after %+v", s0, a0)
	}
	if a1.ToDevice-s1.ToDevice != 1 || a1.Flushes-s1.Flushes != 1 {
		t.Errorf("destination device: want one flush + upload, before %+v after %+v", s1, a1)
	}
	if a0.DeviceCopies != s0.DeviceCopies || a1.DeviceCopies != s1.DeviceCopies {
		t.Error("cross-device hand-off must not issue device copies")
	}

	ptr, _ := dst.Buf.DevicePtr(ctx)
	raw, err := f.driver.Peek(1, ptr, dst.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	vals, _ := device.DecodeFloat32(device.BF16, raw)
	if vals[0] != 5 || vals[3] != 8 {
		t.Fatalf("destination device holds %v", vals)
	}
}

func TestPeerPairUsesDirectCopy(t *testing.T) {
	f := newFixture(t, 0, 1)
	ctx := context.Background()
	src := f.tensor(t, 0, "output", []float32{1, 1})
	dst := f.tensor(t, 1, "input", []float32{0, 0})

	path, err := New([][2]int{{0, 1}}).Move(ctx, src, dst)
	if err != nil {
		t.Fatal(err)
	}
	if path != PathPeer {
		t.Fatalf("path = %s", path)
	}
	if f.driver.Stats(0).PeerCopies != 1 {
		t.Fatalf("expected a peer copy, stats %+v", f.driver.Stats(0))
	}
	got, _ := dst.Float32View(ctx)
	if got[0] != 1 || got[1] != 1 {
		t.Fatalf("dst = %v", got)
	}
}

func TestMoveRangeSelectsRow(t *testing.T) {
	f := newFixture(t, 0, 1)
	ctx := context.Background()
	src := f.tensor(t, 0, "output", []float32{1, 2, 3, 4, 5, 6})
	dst := f.tensor(t, 1, "input", []float32{0, 0})
	r := New(nil)

	if _, err := r.MoveRange(ctx, src, 4*2, dst, 4); err != nil {
		t.Fatal(err)
	}
	got, _ := dst.Float32View(ctx)
	if got[0] != 5 || got[1] != 6 {
		t.Fatalf("dst = %v, want last row [5 6]", got)
	}
	if _, err := r.MoveRange(ctx, src, 10, dst, 4); err == nil {
		t.Fatal("expected out of range error")
	}
}

func TestUpload(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	dst := f.tensor(t, 0, "input", []float32{0, 0})
	r := New(nil)

	row, _ := device.EncodeFloat32(device.BF16, []float32{9, 8})
	if err := r.Upload(ctx, row, dst); err != nil {
		t.Fatal(err)
	}
	ptr, _ := dst.Buf.DevicePtr(ctx)
	raw, _ := f.driver.Peek(0, ptr, 4)
	vals, _ := device.DecodeFloat32(device.BF16, raw)
	if vals[0] != 9 || vals[1] != 8 {
		t.Fatalf("device holds %v", vals)
	}
	if err := r.Upload(ctx, make([]byte, 8), dst); err == nil {
		t.Fatal("expected oversize upload to fail")
	}
}
