// Package placement assigns model layers to devices.
package placement

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-quiver/internal/config"
)

// Assign returns the device index for every layer. Layers are split as
// evenly as possible in contiguous blocks: with r = layerCount % deviceCount
// the first r devices get one extra layer. Degenerate counts yield nil.
func Assign(deviceCount, layerCount int) []int {
	if deviceCount <= 0 || layerCount <= 0 {
		return nil
	}
	base, extra := layerCount/deviceCount, layerCount%deviceCount
	out := make([]int, 0, layerCount)
	for d := 0; d < deviceCount; d++ {
		n := base
		if d < extra {
			n++
		}
		for i := 0; i < n; i++ {
			out = append(out, d)
		}
	}
	return out
}

// Group is the contiguous block of layers placed on one device.
type Group struct {
	Device int
	First  int
	Count  int
}

func (g Group) String() string {
	if g.Count == 0 {
		return fmt.Sprintf("ID:%d Layers:0", g.Device)
	}
	return fmt.Sprintf("ID:%d Layers:%d(%d..%d)", g.Device, g.Count, g.First, g.First+g.Count-1)
}

// Plan maps each layer to a concrete device id.
type Plan struct {
	Devices []int
	layers  []int
}

// NewPlan places layerCount layers on the given device ids in list order.
func NewPlan(deviceIDs []int, layerCount int) (*Plan, error) {
	idx := Assign(len(deviceIDs), layerCount)
	if idx == nil {
		return nil, fmt.Errorf("%w: cannot place %d layers on %d devices", config.ErrInvalid, layerCount, len(deviceIDs))
	}
	p := &Plan{Devices: append([]int(nil), deviceIDs...), layers: make([]int, len(idx))}
	for layer, d := range idx {
		p.layers[layer] = deviceIDs[d]
	}
	return p, nil
}

// Layers is the number of placed layers.
func (p *Plan) Layers() int { return len(p.layers) }

// DeviceOf returns the device id hosting layer.
func (p *Plan) DeviceOf(layer int) int { return p.layers[layer] }

// Last returns the device id of the final layer, which also hosts the post head.
func (p *Plan) Last() int { return p.layers[len(p.layers)-1] }

// Groups returns one entry per device in list order.
func (p *Plan) Groups() []Group {
	groups := make([]Group, len(p.Devices))
	for i, id := range p.Devices {
		groups[i] = Group{Device: id, First: -1}
	}
	d := 0
	for layer, id := range p.layers {
		for p.Devices[d] != id {
			d++
		}
		if groups[d].First < 0 {
			groups[d].First = layer
		}
		groups[d].Count++
	}
	for i := range groups {
		if groups[i].First < 0 {
			groups[i].First = 0
		}
	}
	return groups
}

// Counts returns the number of layers per device in list order.
func (p *Plan) Counts() []int {
	groups := p.Groups()
	out := make([]int, len(groups))
	for i, g := range groups {
		out[i] = g.Count
	}
	return out
}

func (p *Plan) String() string {
	parts := make([]string, 0, len(p.Devices))
	for _, g := range p.Groups() {
		parts = append(parts, g.String())
	}
	return fmt.Sprintf("%d[%s]", len(p.layers), strings.Join(parts, " "))
}
