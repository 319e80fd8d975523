package persist

import (
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-nock/internal/device"
)

func rowSchema(width int) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "row", Type: arrow.FixedSizeListOf(int32(width), arrow.PrimitiveTypes.Uint16)},
	}, nil)
}

// writeRows stores len(data)/width rows as one record batch.
func writeRows(path string, width int, data []float16.Float16) error {
	mem := memory.NewGoAllocator()
	schema := rowSchema(width)

	listBuilder := array.NewFixedSizeListBuilder(mem, int32(width), arrow.PrimitiveTypes.Uint16)
	defer listBuilder.Release()
	valueBuilder := listBuilder.ValueBuilder().(*array.Uint16Builder)

	bits := device.Float16Bits(data)
	n := len(data) / width
	for r := 0; r < n; r++ {
		listBuilder.Append(true)
		valueBuilder.AppendValues(bits[r*width:(r+1)*width], nil)
	}
	col := listBuilder.NewArray()
	defer col.Release()
	rec := array.NewRecord(schema, []arrow.Array{col}, int64(n))
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := ipc.NewWriter(f, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err := w.Write(rec); err != nil {
		w.Close()
		f.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// readRows reads a file written by writeRows and checks that it holds
// exactly want rows of width.
func readRows(path string, width, want int) ([]float16.Float16, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer f.Close()

	r, err := ipc.NewReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer r.Release()

	if fields := r.Schema().Fields(); len(fields) != 1 || !arrow.TypeEqual(fields[0].Type, rowSchema(width).Field(0).Type) {
		return nil, fmt.Errorf("%w: schema %s, want rows of %d", ErrCorrupt, r.Schema(), width)
	}

	bits := make([]uint16, 0, want*width)
	for r.Next() {
		rec := r.Record()
		list, ok := rec.Column(0).(*array.FixedSizeList)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected column type %s", ErrCorrupt, rec.Column(0).DataType())
		}
		values, ok := list.ListValues().(*array.Uint16)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected value type %s", ErrCorrupt, list.ListValues().DataType())
		}
		if list.NullN() != 0 {
			return nil, fmt.Errorf("%w: null rows", ErrCorrupt)
		}
		off := list.Offset() * width
		bits = append(bits, values.Uint16Values()[off:off+list.Len()*width]...)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if len(bits) != want*width {
		return nil, fmt.Errorf("%w: %d rows, meta says %d", ErrCorrupt, len(bits)/width, want)
	}
	out := make([]float16.Float16, len(bits))
	device.FromBits(out, bits)
	return out, nil
}
