// Package mrope builds multimodal rotary position indices. Every token gets a
// (temporal, row, column) triple: text tokens advance all three axes together,
// while the tokens of a vision block share a temporal coordinate per frame
// group and take their row and column from the merged patch grid.
package mrope

import (
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrNoGrid is returned when a vision block is present but no grid
	// describes it.
	ErrNoGrid = errors.New("vision block without grid")
	// ErrMultipleSegments is returned for more than one vision block.
	ErrMultipleSegments = errors.New("more than one vision segment")
	// ErrMalformed is returned when the token sequence does not match the grid.
	ErrMalformed = errors.New("malformed vision segment")
)

// Grid is the temporal, height and width patch count of one image or video.
type Grid struct {
	T, H, W int
}

// Tokens returns the number of tokens the grid occupies after merging.
func (g Grid) Tokens(merge int) int {
	return g.T * (g.H / merge) * (g.W / merge)
}

// Options are the model constants the builder needs.
type Options struct {
	MergeSize       int
	TokensPerSecond float64
	ImageToken      int
	VideoToken      int
	VisionStart     int
}

// Input is one token sequence with the grids of its vision content.
type Input struct {
	IDs        []int
	ImageGrids []Grid
	VideoGrids []Grid
	// SecondsPerGrid is the duration covered by one temporal grid step of
	// each video. Missing entries default to one second.
	SecondsPerGrid []float64
}

// Index holds one position per token on each axis.
type Index struct {
	T, H, W []int
}

// Text returns the index of an n token text-only sequence.
func Text(n int) Index {
	var ix Index
	ix.appendText(n, 0)
	return ix
}

func (ix *Index) appendText(n, start int) {
	for i := 0; i < n; i++ {
		ix.T = append(ix.T, start+i)
		ix.H = append(ix.H, start+i)
		ix.W = append(ix.W, start+i)
	}
}

// Len is the number of tokens indexed.
func (ix Index) Len() int { return len(ix.T) }

// At returns the triple for token i.
func (ix Index) At(i int) [3]int {
	return [3]int{ix.T[i], ix.H[i], ix.W[i]}
}

// Max is the largest index on any axis, or -1 for an empty index.
func (ix Index) Max() int {
	m := -1
	for _, axis := range [][]int{ix.T, ix.H, ix.W} {
		if len(axis) > 0 {
			m = max(m, slices.Max(axis))
		}
	}
	return m
}

// Delta is the offset decode positions must add after this sequence:
// the next position is Max()+1 while the cache cursor is Len().
func (ix Index) Delta() int {
	return ix.Max() + 1 - ix.Len()
}

// Rows lays the index out as axes rows of width entries each, row-major, the
// way an indices tensor of shape [axes, width] expects it. Entries past Len
// are zero. A single axis uses the temporal positions.
func (ix Index) Rows(axes, width int) ([]uint32, error) {
	if axes != 1 && axes != 3 {
		return nil, fmt.Errorf("indices with %d axes: want 1 or 3", axes)
	}
	if ix.Len() > width {
		return nil, fmt.Errorf("%d positions do not fit a %d wide indices tensor", ix.Len(), width)
	}
	out := make([]uint32, axes*width)
	for a, axis := range [][]int{ix.T, ix.H, ix.W}[:axes] {
		for i, v := range axis {
			out[a*width+i] = uint32(v)
		}
	}
	return out, nil
}

// Build computes the position index of in. Sequences without vision grids
// and without a vision block are indexed as text. Exactly one vision block is
// supported; anything else is rejected.
func Build(opts Options, in Input) (Index, error) {
	if opts.MergeSize <= 0 {
		return Index{}, fmt.Errorf("%w: merge size %d", ErrMalformed, opts.MergeSize)
	}
	ids := in.IDs
	starts := 0
	startAt := -1
	for i, id := range ids {
		if id == opts.VisionStart {
			if startAt < 0 {
				startAt = i
			}
			starts++
		}
	}
	grids := len(in.ImageGrids) + len(in.VideoGrids)
	if starts > 1 || grids > 1 {
		return Index{}, fmt.Errorf("%w: %d vision start markers, %d grids", ErrMultipleSegments, starts, grids)
	}
	if startAt < 0 {
		if grids > 0 {
			return Index{}, fmt.Errorf("%w: grid supplied but no vision start marker", ErrMalformed)
		}
		return Text(len(ids)), nil
	}
	if startAt+1 >= len(ids) {
		return Index{}, fmt.Errorf("%w: vision start marker ends the sequence", ErrMalformed)
	}

	var (
		media int
		grid  Grid
		spg   float64
	)
	switch ids[startAt+1] {
	case opts.ImageToken:
		if len(in.ImageGrids) == 0 {
			return Index{}, fmt.Errorf("%w: image tokens at %d", ErrNoGrid, startAt+1)
		}
		media, grid = opts.ImageToken, in.ImageGrids[0]
	case opts.VideoToken:
		if len(in.VideoGrids) == 0 {
			return Index{}, fmt.Errorf("%w: video tokens at %d", ErrNoGrid, startAt+1)
		}
		media, grid, spg = opts.VideoToken, in.VideoGrids[0], 1.0
		if len(in.SecondsPerGrid) > 0 {
			spg = in.SecondsPerGrid[0]
		}
	default:
		return Index{}, fmt.Errorf("%w: token %d after vision start is neither image nor video", ErrMalformed, ids[startAt+1])
	}

	m := opts.MergeSize
	if grid.T <= 0 || grid.H <= 0 || grid.W <= 0 || grid.H%m != 0 || grid.W%m != 0 {
		return Index{}, fmt.Errorf("%w: grid %+v with merge size %d", ErrMalformed, grid, m)
	}
	ed := startAt + 1
	n := grid.Tokens(m)
	if ed+n > len(ids) {
		return Index{}, fmt.Errorf("%w: grid needs %d tokens from %d, sequence has %d", ErrMalformed, n, ed, len(ids))
	}
	for i := ed; i < ed+n; i++ {
		if ids[i] != media {
			return Index{}, fmt.Errorf("%w: token %d at %d inside a %d token vision block", ErrMalformed, ids[i], i, n)
		}
	}

	var ix Index
	ix.appendText(ed, 0)
	textLen := ed
	gh, gw := grid.H/m, grid.W/m
	for t := 0; t < grid.T; t++ {
		tpos := int(float64(t)*spg*opts.TokensPerSecond) + textLen
		for h := 0; h < gh; h++ {
			for w := 0; w < gw; w++ {
				ix.T = append(ix.T, tpos)
				ix.H = append(ix.H, h+textLen)
				ix.W = append(ix.W, w+textLen)
			}
		}
	}
	if st := ed + n; st < len(ids) {
		ix.appendText(len(ids)-st, ix.Max()+1)
	}
	return ix, nil
}
