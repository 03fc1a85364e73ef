package vision

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/google/go-cmp/cmp"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/mrope"
	"github.com/23skdu/longbow-quiver/internal/runner"
)

// frame returns a w x h image whose red channel encodes the pixel position
// and whose green channel is the frame number.
func frame(w, h, n int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(y*w + x), G: uint8(n), B: 200, A: 255})
		}
	}
	return img
}

func TestPreprocessSingleImage(t *testing.T) {
	o := Options{PatchSize: 1, TemporalPatchSize: 2, MergeSize: 2, Width: 4, Height: 2}
	p, err := Preprocess([]image.Image{frame(4, 2, 0)}, o)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(mrope.Grid{T: 1, H: 2, W: 4}, p.Grid); diff != "" {
		t.Fatalf("grid (-want +got):\n%s", diff)
	}
	if len(p.Groups) != 1 || len(p.Groups[0]) != o.GroupBytes() {
		t.Fatalf("groups = %d, bytes %d", len(p.Groups), len(p.Groups[0]))
	}
	if p.Tokens(2) != 2 || o.GroupTokens() != 2 {
		t.Fatalf("tokens = %d / %d", p.Tokens(2), o.GroupTokens())
	}

	// Two 2x2 merge windows. Each window visits (0,0) (0,1) (1,0) (1,1) and
	// every patch repeats the padded frame.
	var reds []uint8
	g := p.Groups[0]
	for i := 0; i < len(g); i += 3 {
		reds = append(reds, g[i])
		if g[i+2] != 200 {
			t.Fatalf("channel order broken at byte %d", i)
		}
	}
	want := []uint8{0, 0, 1, 1, 4, 4, 5, 5, 2, 2, 3, 3, 6, 6, 7, 7}
	if diff := cmp.Diff(want, reds); diff != "" {
		t.Errorf("patch order (-want +got):\n%s", diff)
	}
}

func TestPreprocessTemporal(t *testing.T) {
	o := Options{PatchSize: 2, TemporalPatchSize: 2, MergeSize: 1, Width: 2, Height: 2}
	frames := []image.Image{frame(2, 2, 0), frame(2, 2, 1), frame(2, 2, 2)}
	p, err := Preprocess(frames, o)
	if err != nil {
		t.Fatal(err)
	}
	if p.Grid.T != 2 || len(p.Groups) != 2 {
		t.Fatalf("grid %+v, %d groups", p.Grid, len(p.Groups))
	}
	// one patch: frame a pixels then frame b pixels
	greens := func(g []byte) []uint8 {
		var out []uint8
		for i := 1; i < len(g); i += 3 {
			out = append(out, g[i])
		}
		return out
	}
	if diff := cmp.Diff([]uint8{0, 0, 0, 0, 1, 1, 1, 1}, greens(p.Groups[0])); diff != "" {
		t.Errorf("group 0 frames (-want +got):\n%s", diff)
	}
	// the odd frame is repeated to fill the last group
	if diff := cmp.Diff([]uint8{2, 2, 2, 2, 2, 2, 2, 2}, greens(p.Groups[1])); diff != "" {
		t.Errorf("group 1 frames (-want +got):\n%s", diff)
	}
}

func TestPreprocessResizes(t *testing.T) {
	o := Options{PatchSize: 2, TemporalPatchSize: 1, MergeSize: 2, Width: 4, Height: 4}
	p, err := Preprocess([]image.Image{frame(9, 7, 0)}, o)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Groups[0]) != 4*4*3 {
		t.Fatalf("resized group is %d bytes", len(p.Groups[0]))
	}
	if _, err := Preprocess(nil, o); err == nil {
		t.Error("expected error for no frames")
	}
	o.Width = 6
	if _, err := Preprocess([]image.Image{frame(4, 4, 0)}, o); err == nil {
		t.Error("expected error for width not a multiple of patch*merge")
	}
}

func TestLoadImages(t *testing.T) {
	dir := t.TempDir()
	for i, name := range []string{"b.png", "a.png"} {
		f, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		png.Encode(f, frame(2, 2, i))
		f.Close()
	}
	imgs, err := LoadImages(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(imgs) != 2 {
		t.Fatalf("loaded %d images", len(imgs))
	}
	// name order: a.png was written second
	if _, g, _, _ := imgs[0].At(0, 0).RGBA(); g>>8 != 1 {
		t.Errorf("first image green = %d, want 1", g>>8)
	}

	one, err := LoadImages(filepath.Join(dir, "b.png"))
	if err != nil || len(one) != 1 {
		t.Fatalf("single file: %d, %v", len(one), err)
	}
	if _, err := LoadImages(filepath.Join(dir, "missing.png")); err == nil {
		t.Fatal("expected error")
	}
}

func TestEncoder(t *testing.T) {
	ctx := context.Background()
	a, err := device.Start(device.NewHostDriver(1<<20), 0, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Shutdown()

	o := Options{PatchSize: 1, TemporalPatchSize: 1, MergeSize: 1, Width: 2, Height: 1}
	// each output element carries the first input byte
	l := &runner.SimLoader{
		Geometry: runner.Geometry{Hidden: 2, VisionInput: o.GroupBytes(), VisionTokens: o.GroupTokens()},
		Vision: func(s *runner.Step) error {
			vals := make([]float32, len(s.Out[runner.Output])/2)
			for i := range vals {
				vals[i] = float32(s.In[runner.Input][0])
			}
			copy(s.Out[runner.Output], bfloat16.EncodeFloat32(vals))
			return nil
		},
	}
	model, err := l.Load(ctx, a, runner.ModelRef{Kind: runner.KindVision})
	if err != nil {
		t.Fatal(err)
	}
	defer model.Close(ctx)

	enc, err := NewEncoder(model, o)
	if err != nil {
		t.Fatal(err)
	}
	p, err := Preprocess([]image.Image{frame(2, 1, 0), frame(2, 1, 0)}, o)
	if err != nil {
		t.Fatal(err)
	}
	// make the groups distinguishable
	p.Groups[1][0] = 9

	embeds, err := enc.Encode(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if len(embeds) != 2*enc.OutputBytes() {
		t.Fatalf("embeds = %d bytes", len(embeds))
	}
	got := bfloat16.DecodeFloat32(embeds)
	if diff := cmp.Diff([]float32{0, 0, 0, 0, 9, 9, 9, 9}, got); diff != "" {
		t.Errorf("embeddings (-want +got):\n%s", diff)
	}

	big := Options{PatchSize: 1, TemporalPatchSize: 1, MergeSize: 1, Width: 8, Height: 8}
	if _, err := NewEncoder(model, big); err == nil {
		t.Error("expected error for undersized vision input")
	}
}

func TestSpliceVision(t *testing.T) {
	const media = 99
	ids := []int{1, 2, media, media, 3}
	embeds := make([]byte, len(ids)*2)
	for i := range embeds {
		embeds[i] = 0xAA
	}
	vision := []byte{1, 2, 3, 4}

	if err := SpliceVision(embeds, 2, ids, media, vision); err != nil {
		t.Fatal(err)
	}
	want := []byte{0xAA, 0xAA, 0xAA, 0xAA, 1, 2, 3, 4, 0xAA, 0xAA}
	if diff := cmp.Diff(want, embeds); diff != "" {
		t.Errorf("spliced (-want +got):\n%s", diff)
	}

	tests := []struct {
		name   string
		ids    []int
		vision []byte
	}{
		{"no media", []int{1, 2, 3, 4, 5}, vision},
		{"row count mismatch", ids, []byte{1, 2}},
		{"split run", []int{media, 1, media, 2, 3}, vision},
		{"partial row", ids, []byte{1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := SpliceVision(make([]byte, 10), 2, tt.ids, media, tt.vision); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
