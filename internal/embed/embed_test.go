package embed

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-nock/internal/position"
)

func seqTable(t *testing.T, rows, width int) *Table {
	data := make([]float16.Float16, rows*width)
	for i := range data {
		data[i] = float16.Fromfloat32(float32(i))
	}
	tbl, err := NewTable(rows, width, data)
	require.NoError(t, err)
	return tbl
}

func TestTable(t *testing.T) {
	tbl := seqTable(t, 8, 4)

	t.Run("Lookup", func(t *testing.T) {
		dst := make([]float32, 4)
		require.NoError(t, tbl.Lookup(dst, 2))
		assert.Equal(t, []float32{8, 9, 10, 11}, dst)
	})

	t.Run("Embed", func(t *testing.T) {
		out, err := tbl.Embed([]int{1, 0})
		require.NoError(t, err)
		assert.Equal(t, []float32{4, 5, 6, 7, 0, 1, 2, 3}, out)
	})

	t.Run("Out of range", func(t *testing.T) {
		_, err := tbl.Embed([]int{8})
		assert.ErrorIs(t, err, ErrTokenRange)
		_, err = tbl.Row(-1)
		assert.ErrorIs(t, err, ErrTokenRange)
	})

	t.Run("Geometry", func(t *testing.T) {
		_, err := NewTable(2, 2, make([]float16.Float16, 3))
		assert.ErrorIs(t, err, ErrTableSize)
	})
}

func TestLoad(t *testing.T) {
	tbl := seqTable(t, 3, 2)
	var buf bytes.Buffer
	require.NoError(t, tbl.Save(&buf))

	path := filepath.Join(t.TempDir(), "text.bin")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	loaded, err := Load(path, 3, 2)
	require.NoError(t, err)
	row, err := loaded.Row(2)
	require.NoError(t, err)
	assert.Equal(t, float32(5), row[1].Float32())

	_, err = Load(path, 4, 2)
	assert.ErrorIs(t, err, ErrTableSize)

	_, err = Load(filepath.Join(t.TempDir(), "missing.bin"), 1, 1)
	assert.Error(t, err)
}

func TestSelector(t *testing.T) {
	text := seqTable(t, 8, 4)
	speech := Random(16, 4, 0.5, 1)

	s, err := NewSelector(text, map[Kind]*Table{Speech: speech})
	require.NoError(t, err)
	assert.True(t, s.Has(Speech))
	assert.False(t, s.Has(Fusion))
	assert.Equal(t, 4, s.Width())

	out, err := s.Embed(Speech, []int{15})
	require.NoError(t, err)
	assert.Len(t, out, 4)

	_, err = s.Embed(Fusion, []int{0})
	assert.Error(t, err)

	_, err = NewSelector(text, map[Kind]*Table{Fusion: Random(2, 3, 1, 1)})
	assert.ErrorIs(t, err, ErrTableSize)
}

func TestSplice(t *testing.T) {
	const width, ph = 2, 9
	ids := []int{1, ph, ph, 2, ph, 3}

	fresh := func() []float32 { return make([]float32, len(ids)*width) }

	t.Run("Places every block", func(t *testing.T) {
		seq := fresh()
		err := Splice(seq, ids, width, ph, []Block{
			{Offset: 1, Rows: []float32{1, 1, 2, 2}, Grid: position.Grid{Temporal: 1, Height: 1, Width: 2}},
			{Offset: 4, Rows: []float32{7, 7}},
		})
		require.NoError(t, err)
		assert.Equal(t, []float32{0, 0, 1, 1, 2, 2, 0, 0, 7, 7, 0, 0}, seq)
	})

	tests := []struct {
		name   string
		blocks []Block
	}{
		{"Length mismatch", []Block{{Offset: 1, Rows: []float32{1, 1}}, {Offset: 4, Rows: []float32{7, 7}}}},
		{"Not a run start", []Block{{Offset: 2, Rows: []float32{1, 1}}, {Offset: 4, Rows: []float32{7, 7}}}},
		{"Uncovered run", []Block{{Offset: 1, Rows: []float32{1, 1, 2, 2}}}},
		{"Claimed twice", []Block{{Offset: 4, Rows: []float32{7, 7}}, {Offset: 4, Rows: []float32{7, 7}}}},
		{"Ragged rows", []Block{{Offset: 1, Rows: []float32{1, 1, 2}}, {Offset: 4, Rows: []float32{7, 7}}}},
		{"Grid mismatch", []Block{{Offset: 1, Rows: []float32{1, 1, 2, 2}, Grid: position.Grid{Temporal: 1, Height: 2, Width: 2}}, {Offset: 4, Rows: []float32{7, 7}}}},
		{"Deepstack mismatch", []Block{{Offset: 1, Rows: []float32{1, 1, 2, 2}, Deepstack: [][]float32{{1}}}, {Offset: 4, Rows: []float32{7, 7}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq := fresh()
			err := Splice(seq, ids, width, ph, tt.blocks)
			assert.ErrorIs(t, err, ErrPlacement)
			assert.Equal(t, fresh(), seq, "nothing is written on error")
		})
	}
}

func TestRuns(t *testing.T) {
	assert.Equal(t, [][2]int{{0, 2}, {3, 4}}, Runs([]int{5, 5, 1, 5}, 5))
	assert.Nil(t, Runs([]int{1, 2}, 5))
}
