// Package position computes the position-index tensors fed to each shard.
//
// Text-only models use a single flat axis. Multimodal models with
// multi-axis rotary embeddings use three parallel axes (temporal, height,
// width): text tokens advance all three axes together while the tokens of a
// vision block are laid out over the block's merged grid.
package position

import (
	"errors"
	"fmt"
)

// ErrGrid is returned when a vision block's token count disagrees with its
// grid geometry.
var ErrGrid = errors.New("vision grid mismatch")

// Axis names for rotary indices.
const (
	AxisTemporal = iota
	AxisHeight
	AxisWidth
)

// Index holds one position value per token per axis. Axes is 1 for flat
// indices and 3 for rotary ones.
type Index struct {
	Values [][]int32

	// Next is the first position a token appended after this index takes.
	Next int
}

// Axes returns the number of axes.
func (ix Index) Axes() int { return len(ix.Values) }

// Len returns the number of tokens covered.
func (ix Index) Len() int {
	if len(ix.Values) == 0 {
		return 0
	}
	return len(ix.Values[0])
}

// Slice returns the sub-index for tokens [from, from+n). The returned
// index shares storage with ix.
func (ix Index) Slice(from, n int) Index {
	out := Index{Values: make([][]int32, len(ix.Values)), Next: ix.Next}
	for a := range ix.Values {
		out.Values[a] = ix.Values[a][from : from+n]
	}
	return out
}

// At returns the position of token i on axis a.
func (ix Index) At(a, i int) int32 { return ix.Values[a][i] }

// Flat returns a single-axis index for n tokens starting at start.
func Flat(start, n int) Index {
	vals := make([]int32, n)
	for i := range vals {
		vals[i] = int32(start + i)
	}
	return Index{Values: [][]int32{vals}, Next: start + n}
}

// Uniform returns an index of n tokens starting at start with every axis
// advancing together. Decode steps of rotary models use it.
func Uniform(axes, start, n int) Index {
	ix := Index{Values: make([][]int32, axes), Next: start + n}
	for a := range ix.Values {
		vals := make([]int32, n)
		for i := range vals {
			vals[i] = int32(start + i)
		}
		ix.Values[a] = vals
	}
	return ix
}

// Grid is a vision block's patch grid before spatial merging.
type Grid struct {
	Temporal int `yaml:"temporal" json:"temporal" cbor:"temporal"`
	Height   int `yaml:"height" json:"height" cbor:"height"`
	Width    int `yaml:"width" json:"width" cbor:"width"`
}

// Merged returns the grid as seen by the language model after a
// mergeSize × mergeSize spatial merge.
func (g Grid) Merged(mergeSize int) Grid {
	if mergeSize < 1 {
		mergeSize = 1
	}
	return Grid{Temporal: g.Temporal, Height: g.Height / mergeSize, Width: g.Width / mergeSize}
}

// Tokens returns how many tokens the grid occupies.
func (g Grid) Tokens() int { return g.Temporal * g.Height * g.Width }

// Block places one vision block in a token sequence.
type Block struct {
	Offset int
	Grid   Grid // already merged
}

// Rotary computes the three-axis index for n tokens whose vision blocks are
// described by blocks (sorted by offset, offsets relative to the first
// token). Text positions continue from start.
func Rotary(start, n int, blocks []Block) (Index, error) {
	ix := Index{Values: [][]int32{make([]int32, n), make([]int32, n), make([]int32, n)}}
	next := start
	i := 0
	for _, b := range blocks {
		if b.Offset < i || b.Offset+b.Grid.Tokens() > n {
			return Index{}, fmt.Errorf("%w: block at %d with %d tokens outside sequence of %d", ErrGrid, b.Offset, b.Grid.Tokens(), n)
		}
		for ; i < b.Offset; i++ {
			ix.Values[AxisTemporal][i] = int32(next)
			ix.Values[AxisHeight][i] = int32(next)
			ix.Values[AxisWidth][i] = int32(next)
			next++
		}
		maxPos := next - 1
		for t := 0; t < b.Grid.Temporal; t++ {
			for h := 0; h < b.Grid.Height; h++ {
				for w := 0; w < b.Grid.Width; w++ {
					ix.Values[AxisTemporal][i] = int32(next + t)
					ix.Values[AxisHeight][i] = int32(next + h)
					ix.Values[AxisWidth][i] = int32(next + w)
					maxPos = max(maxPos, next+t, next+h, next+w)
					i++
				}
			}
		}
		next = maxPos + 1
	}
	for ; i < n; i++ {
		ix.Values[AxisTemporal][i] = int32(next)
		ix.Values[AxisHeight][i] = int32(next)
		ix.Values[AxisWidth][i] = int32(next)
		next++
	}
	ix.Next = next
	return ix, nil
}
