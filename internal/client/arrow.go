package client

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-nock/internal/bridge"
)

// WindowSchema is the request schema of a vocoder exchange: one row per
// token window.
var WindowSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "tokens", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
		{Name: "lookback", Type: arrow.PrimitiveTypes.Int32},
		{Name: "hop", Type: arrow.PrimitiveTypes.Int32},
		{Name: "lookahead", Type: arrow.PrimitiveTypes.Int32},
		{Name: "offset", Type: arrow.PrimitiveTypes.Int64},
		{Name: "final", Type: arrow.FixedWidthTypes.Boolean},
	},
	nil,
)

// PCMSchema is the response schema: one float32 sample per row.
var PCMSchema = arrow.NewSchema(
	[]arrow.Field{{Name: "pcm", Type: arrow.PrimitiveTypes.Float32}},
	nil,
)

// WindowRecord encodes w as a single-row record batch.
func WindowRecord(mem memory.Allocator, w bridge.Window) arrow.RecordBatch {
	listBuilder := array.NewListBuilder(mem, arrow.PrimitiveTypes.Int32)
	defer listBuilder.Release()
	valueBuilder := listBuilder.ValueBuilder().(*array.Int32Builder)
	listBuilder.Append(true)
	for _, id := range w.Tokens {
		valueBuilder.Append(int32(id))
	}

	int32Col := func(v int) arrow.Array {
		b := array.NewInt32Builder(mem)
		defer b.Release()
		b.Append(int32(v))
		return b.NewArray()
	}
	offset := array.NewInt64Builder(mem)
	defer offset.Release()
	offset.Append(int64(w.Offset))
	final := array.NewBooleanBuilder(mem)
	defer final.Release()
	final.Append(w.Final)

	cols := []arrow.Array{
		listBuilder.NewArray(),
		int32Col(w.Lookback),
		int32Col(w.Hop),
		int32Col(w.Lookahead),
		offset.NewArray(),
		final.NewArray(),
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecordBatch(WindowSchema, cols, 1)
}

// ReadWindows decodes every row of a window record.
func ReadWindows(rec arrow.RecordBatch) ([]bridge.Window, error) {
	if !rec.Schema().Equal(WindowSchema) {
		return nil, fmt.Errorf("unexpected window schema %s", rec.Schema())
	}
	tokens := rec.Column(0).(*array.List)
	values := tokens.ListValues().(*array.Int32)
	lookback := rec.Column(1).(*array.Int32)
	hop := rec.Column(2).(*array.Int32)
	lookahead := rec.Column(3).(*array.Int32)
	offset := rec.Column(4).(*array.Int64)
	final := rec.Column(5).(*array.Boolean)

	out := make([]bridge.Window, rec.NumRows())
	for i := range out {
		start, end := tokens.ValueOffsets(i)
		ids := make([]int, 0, end-start)
		for j := start; j < end; j++ {
			ids = append(ids, int(values.Value(int(j))))
		}
		w := bridge.Window{
			Tokens:    ids,
			Lookback:  int(lookback.Value(i)),
			Hop:       int(hop.Value(i)),
			Lookahead: int(lookahead.Value(i)),
			Offset:    int(offset.Value(i)),
			Final:     final.Value(i),
		}
		if w.Lookback < 0 || w.Hop < 0 || w.Lookback+w.Hop > len(ids) {
			return nil, fmt.Errorf("window %d: lookback %d + hop %d exceeds %d tokens", i, w.Lookback, w.Hop, len(ids))
		}
		out[i] = w
	}
	return out, nil
}

// PCMRecord encodes samples as a record batch, or returns nil for none.
func PCMRecord(mem memory.Allocator, pcm []float32) arrow.RecordBatch {
	if len(pcm) == 0 {
		return nil
	}
	b := array.NewFloat32Builder(mem)
	defer b.Release()
	b.AppendValues(pcm, nil)
	col := b.NewArray()
	defer col.Release()
	return array.NewRecordBatch(PCMSchema, []arrow.Array{col}, int64(len(pcm)))
}

// ReadPCM returns the samples of a PCM record.
func ReadPCM(rec arrow.RecordBatch) ([]float32, error) {
	if !rec.Schema().Equal(PCMSchema) {
		return nil, fmt.Errorf("unexpected pcm schema %s", rec.Schema())
	}
	col := rec.Column(0).(*array.Float32)
	return append([]float32(nil), col.Float32Values()...), nil
}
