// Package embed maps token ids to rows of precomputed half-precision
// embedding tables and splices multimodal embedding blocks into an embedded
// token sequence.
package embed

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-nock/internal/device"
)

var (
	// ErrTableSize is returned when a table file disagrees with its declared
	// geometry.
	ErrTableSize = errors.New("embedding table size mismatch")
	// ErrTokenRange is returned for ids outside the table.
	ErrTokenRange = errors.New("token id out of table range")
)

// Table is a read-only rows × width fp16 embedding matrix shared by every
// session of a model.
type Table struct {
	rows  int
	width int
	data  []float16.Float16
}

// NewTable wraps data as a rows × width table.
func NewTable(rows, width int, data []float16.Float16) (*Table, error) {
	if rows <= 0 || width <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrTableSize, rows, width)
	}
	if len(data) != rows*width {
		return nil, fmt.Errorf("%w: %d values for %dx%d", ErrTableSize, len(data), rows, width)
	}
	return &Table{rows: rows, width: width, data: data}, nil
}

// Load reads a table stored as little-endian fp16 values, row-major.
func Load(path string, rows, width int) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedding table: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat embedding table: %w", err)
	}
	if want := int64(rows) * int64(width) * 2; st.Size() != want {
		return nil, fmt.Errorf("%w: %s is %d bytes, want %d", ErrTableSize, path, st.Size(), want)
	}

	bits := make([]uint16, rows*width)
	if err := binary.Read(f, binary.LittleEndian, bits); err != nil {
		return nil, fmt.Errorf("failed to read embedding table: %w", err)
	}
	data := make([]float16.Float16, len(bits))
	device.FromBits(data, bits)
	return NewTable(rows, width, data)
}

// Save writes t in the format Load reads.
func (t *Table) Save(w io.Writer) error {
	return binary.Write(w, binary.LittleEndian, device.Float16Bits(t.data))
}

// Random returns a table of uniformly drawn values in [-scale, scale). It
// backs the reference model when no table file is configured.
func Random(rows, width int, scale float64, seed int64) *Table {
	rng := rand.New(rand.NewSource(seed))
	data := make([]float16.Float16, rows*width)
	for i := range data {
		data[i] = float16.Fromfloat32(float32((rng.Float64()*2 - 1) * scale))
	}
	return &Table{rows: rows, width: width, data: data}
}

// Rows returns the number of rows.
func (t *Table) Rows() int { return t.rows }

// Width returns the row width.
func (t *Table) Width() int { return t.width }

// Row returns the raw row for id.
func (t *Table) Row(id int) ([]float16.Float16, error) {
	if id < 0 || id >= t.rows {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrTokenRange, id, t.rows)
	}
	return t.data[id*t.width : (id+1)*t.width], nil
}

// Lookup widens the row for id into dst, which must hold Width values.
func (t *Table) Lookup(dst []float32, id int) error {
	row, err := t.Row(id)
	if err != nil {
		return err
	}
	device.ToFloat32(dst[:t.width], row)
	return nil
}

// Embed returns the len(ids) × width embedded sequence.
func (t *Table) Embed(ids []int) ([]float32, error) {
	out := make([]float32, len(ids)*t.width)
	for i, id := range ids {
		if err := t.Lookup(out[i*t.width:], id); err != nil {
			return nil, fmt.Errorf("position %d: %w", i, err)
		}
	}
	return out, nil
}
