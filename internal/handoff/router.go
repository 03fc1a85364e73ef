// Package handoff moves activations between model parts that may live on
// different devices.
package handoff

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/metrics"
)

// Path is the copy strategy chosen for a hand-off.
type Path string

const (
	// PathDevice is a single copy within one device.
	PathDevice Path = "device"
	// PathPeer is a direct copy between two peer-capable devices.
	PathPeer Path = "peer"
	// PathHost stages the data through host memory.
	PathHost Path = "host"
)

// Router picks the copy path for each hand-off from device colocation. Pairs
// of distinct devices only qualify for a direct copy when configured as peers.
type Router struct {
	peers map[[2]int]bool
	log   *logger.Logger
}

// New returns a router. Each pair in peers is usable in both directions.
func New(peers [][2]int) *Router {
	r := &Router{peers: make(map[[2]int]bool), log: logger.Log.With("component", "router")}
	for _, p := range peers {
		r.peers[[2]int{p[0], p[1]}] = true
		r.peers[[2]int{p[1], p[0]}] = true
	}
	return r
}

// PathFor returns the copy path between two devices.
func (r *Router) PathFor(src, dst int) Path {
	switch {
	case src == dst:
		return PathDevice
	case r.peers[[2]int{src, dst}]:
		return PathPeer
	default:
		return PathHost
	}
}

// Move copies the first dst.Bytes() bytes of src into dst.
func (r *Router) Move(ctx context.Context, src, dst *device.TensorHandle) (Path, error) {
	return r.MoveRange(ctx, src, 0, dst, dst.Bytes())
}

// MoveRange copies n bytes starting at srcOff of src to the start of dst.
func (r *Router) MoveRange(ctx context.Context, src *device.TensorHandle, srcOff int, dst *device.TensorHandle, n int) (Path, error) {
	if srcOff < 0 || srcOff+n > src.Bytes() || n > dst.Bytes() {
		return "", fmt.Errorf("hand-off %s[%d:%d] -> %s (%d bytes): out of range", src.Name, srcOff, srcOff+n, dst.Name, dst.Bytes())
	}
	path := r.PathFor(src.DeviceID(), dst.DeviceID())
	var err error
	switch path {
	case PathDevice:
		err = dst.Buf.CopyFrom(ctx, src.Buf, 0, srcOff, n)
	case PathPeer:
		if srcOff != 0 {
			err = r.viaHost(ctx, src, srcOff, dst, n)
			path = PathHost
		} else {
			err = dst.Buf.CopyFromPeer(ctx, src.Buf, n)
		}
	default:
		err = r.viaHost(ctx, src, srcOff, dst, n)
	}
	if err != nil {
		return path, fmt.Errorf("hand-off %s (device %d) -> %s (device %d) via %s: %w",
			src.Name, src.DeviceID(), dst.Name, dst.DeviceID(), path, err)
	}
	metrics.RecordHandoff(string(path), n)
	r.log.Debug("hand-off", "src_device", src.DeviceID(), "dst_device", dst.DeviceID(), "path", string(path), "bytes", n)
	return path, nil
}

// viaHost downloads from the source device and uploads to the destination.
// The coherent buffers invalidate before the download and flush before the
// upload.
func (r *Router) viaHost(ctx context.Context, src *device.TensorHandle, srcOff int, dst *device.TensorHandle, n int) error {
	view, err := src.Buf.HostView(ctx)
	if err != nil {
		return err
	}
	if err := dst.Buf.Write(ctx, 0, view[srcOff:srcOff+n]); err != nil {
		return err
	}
	return dst.Buf.Sync(ctx)
}

// Upload writes host data, such as an embedding row, into dst on its device.
func (r *Router) Upload(ctx context.Context, data []byte, dst *device.TensorHandle) error {
	if len(data) > dst.Bytes() {
		return fmt.Errorf("upload %d bytes into %s (%d bytes): too large", len(data), dst.Name, dst.Bytes())
	}
	if err := dst.Buf.Write(ctx, 0, data); err != nil {
		return err
	}
	if err := dst.Buf.Sync(ctx); err != nil {
		return err
	}
	metrics.RecordHandoff(string(PathHost), len(data))
	return nil
}
