// Package vision prepares images and video frames for the vision encoder and
// splices the encoder output into a prompt's embeddings.
package vision

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/image/draw"

	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/mrope"
)

const channels = 3

// Options is the patch geometry of the vision encoder.
type Options struct {
	PatchSize         int
	TemporalPatchSize int
	MergeSize         int
	Width             int
	Height            int
}

func OptionsFrom(v config.Vision) Options {
	return Options{
		PatchSize:         v.PatchSize,
		TemporalPatchSize: v.TemporalPatchSize,
		MergeSize:         v.MergeSize,
		Width:             v.Width,
		Height:            v.Height,
	}
}

func (o Options) validate() error {
	if o.PatchSize <= 0 || o.TemporalPatchSize <= 0 || o.MergeSize <= 0 {
		return fmt.Errorf("invalid patch geometry %+v", o)
	}
	unit := o.PatchSize * o.MergeSize
	if o.Width <= 0 || o.Height <= 0 || o.Width%unit != 0 || o.Height%unit != 0 {
		return fmt.Errorf("target %dx%d is not a multiple of %d", o.Width, o.Height, unit)
	}
	return nil
}

// GroupBytes is the size of one temporal group of patches.
func (o Options) GroupBytes() int {
	return o.TemporalPatchSize * o.Width * o.Height * channels
}

// GroupTokens is the number of merged tokens one temporal group produces.
func (o Options) GroupTokens() int {
	return (o.Height / o.PatchSize / o.MergeSize) * (o.Width / o.PatchSize / o.MergeSize)
}

// Patches is preprocessed pixel data, one byte slice per temporal group.
type Patches struct {
	Grid   mrope.Grid
	Groups [][]byte
}

// Tokens is the number of merged tokens the patches produce.
func (p *Patches) Tokens(merge int) int {
	return p.Grid.Tokens(merge)
}

// LoadImages decodes the image at path, or every image in the directory at
// path in name order.
func LoadImages(path string) ([]image.Image, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	paths := []string{path}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		paths = paths[:0]
		for _, e := range entries {
			if !e.IsDir() {
				paths = append(paths, filepath.Join(path, e.Name()))
			}
		}
		sort.Strings(paths)
	}
	var imgs []image.Image
	for _, p := range paths {
		img, err := decode(p)
		if err != nil {
			return nil, err
		}
		imgs = append(imgs, img)
	}
	if len(imgs) == 0 {
		return nil, fmt.Errorf("no images in %s", path)
	}
	return imgs, nil
}

func decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// rgb resizes img to the target size and returns packed RGB bytes.
func rgb(img image.Image, w, h int) []byte {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	}
	out := make([]byte, 0, w*h*channels)
	for i := 0; i < len(dst.Pix); i += 4 {
		out = append(out, dst.Pix[i], dst.Pix[i+1], dst.Pix[i+2])
	}
	return out
}

// Preprocess resizes frames to the target geometry and reorders their pixels
// into patch order. A single image is one frame. The frame list is padded to
// a multiple of the temporal patch size by repeating the last frame.
//
// Within a temporal group, patches are ordered by merge window (row, then
// column), then by position inside the window. Each patch holds its temporal
// frames in turn, each frame's pixels row by row, RGB per pixel.
func Preprocess(frames []image.Image, o Options) (*Patches, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames to preprocess")
	}
	pixels := make([][]byte, 0, len(frames))
	for _, f := range frames {
		pixels = append(pixels, rgb(f, o.Width, o.Height))
	}
	for len(pixels)%o.TemporalPatchSize != 0 {
		pixels = append(pixels, pixels[len(pixels)-1])
	}

	ps, tps, m := o.PatchSize, o.TemporalPatchSize, o.MergeSize
	grid := mrope.Grid{T: len(pixels) / tps, H: o.Height / ps, W: o.Width / ps}
	rowStride := o.Width * channels

	out := &Patches{Grid: grid}
	for t := 0; t < grid.T; t++ {
		group := make([]byte, 0, o.GroupBytes())
		for wy := 0; wy < grid.H/m; wy++ {
			for wx := 0; wx < grid.W/m; wx++ {
				for my := 0; my < m; my++ {
					for mx := 0; mx < m; mx++ {
						y0 := (wy*m + my) * ps
						x0 := (wx*m + mx) * ps
						for f := 0; f < tps; f++ {
							frame := pixels[t*tps+f]
							for py := 0; py < ps; py++ {
								off := (y0+py)*rowStride + x0*channels
								group = append(group, frame[off:off+ps*channels]...)
							}
						}
					}
				}
			}
		}
		out.Groups = append(out.Groups, group)
	}
	return out, nil
}
