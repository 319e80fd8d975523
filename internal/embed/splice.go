package embed

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-nock/internal/position"
)

// ErrPlacement is returned when a multimodal block and the placeholder run
// reserved for it disagree.
var ErrPlacement = errors.New("embedding block does not match placeholder run")

// Block is a precomputed image or video embedding block.
type Block struct {
	// Offset is the index of the first placeholder token the block replaces.
	Offset int
	// Rows holds the block's rows, row-major.
	Rows []float32
	// Grid is the merged vision grid; zero for blocks without rotary layout.
	Grid position.Grid
	// Deepstack holds optional per-layer residuals shaped like Rows. Entry i
	// is added to the block's positions after shard i.
	Deepstack [][]float32
}

// Len returns the number of rows for the given width.
func (b Block) Len(width int) int { return len(b.Rows) / width }

// Runs returns the [start, end) bounds of every maximal run of placeholder
// ids in order.
func Runs(ids []int, placeholder int) [][2]int {
	var runs [][2]int
	for i := 0; i < len(ids); {
		if ids[i] != placeholder {
			i++
			continue
		}
		j := i
		for j < len(ids) && ids[j] == placeholder {
			j++
		}
		runs = append(runs, [2]int{i, j})
		i = j
	}
	return runs
}

// Splice overwrites the rows of seq (len(ids) × width) covered by each
// block's placeholder run with the block's rows. Every run must be claimed
// by exactly one block of the same length; nothing is written unless all
// blocks validate.
func Splice(seq []float32, ids []int, width, placeholder int, blocks []Block) error {
	if len(seq) != len(ids)*width {
		return fmt.Errorf("sequence has %d values for %d tokens of width %d", len(seq), len(ids), width)
	}
	runs := Runs(ids, placeholder)
	byStart := make(map[int]int, len(runs))
	for _, r := range runs {
		byStart[r[0]] = r[1] - r[0]
	}

	claimed := make(map[int]bool, len(blocks))
	for i, b := range blocks {
		if len(b.Rows)%width != 0 {
			return fmt.Errorf("%w: block %d has %d values, not a multiple of width %d", ErrPlacement, i, len(b.Rows), width)
		}
		n := b.Len(width)
		runLen, ok := byStart[b.Offset]
		switch {
		case !ok:
			return fmt.Errorf("%w: block %d offset %d is not the start of a placeholder run", ErrPlacement, i, b.Offset)
		case claimed[b.Offset]:
			return fmt.Errorf("%w: block %d offset %d claimed twice", ErrPlacement, i, b.Offset)
		case runLen != n:
			return fmt.Errorf("%w: block %d has %d rows, offset %d reserves %d", ErrPlacement, i, n, b.Offset, runLen)
		case b.Grid != (position.Grid{}) && b.Grid.Tokens() != n:
			return fmt.Errorf("%w: block %d grid covers %d tokens, block has %d", ErrPlacement, i, b.Grid.Tokens(), n)
		}
		for l, res := range b.Deepstack {
			if res != nil && len(res) != len(b.Rows) {
				return fmt.Errorf("%w: block %d deepstack layer %d has %d values, want %d", ErrPlacement, i, l, len(res), len(b.Rows))
			}
		}
		claimed[b.Offset] = true
	}
	if len(claimed) != len(runs) {
		return fmt.Errorf("%w: %d placeholder runs, %d blocks", ErrPlacement, len(runs), len(blocks))
	}

	for _, b := range blocks {
		copy(seq[b.Offset*width:], b.Rows)
	}
	blocksSpliced.Add(float64(len(blocks)))
	return nil
}
