package shard

import (
	"math"

	"github.com/x448/float16"
	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-nock/internal/device"
)

// widen converts cached half-precision rows to float64.
func widen(dst []float64, src []float16.Float16) {
	for i, x := range src {
		dst[i] = float64(x.Float32())
	}
}

// roundHalf rounds x to the nearest half-precision value, the precision
// rows have once they sit in a cache.
func roundHalf(x float64) float64 {
	return float64(float16.Fromfloat32(float32(x)).Float32())
}

// attend writes softmax(q·kᵀ·scale + mask)·V into dst for one query row.
// keys and values hold one row per cache slot; mask holds one entry per
// slot. Slots masked with device.MaskedValue take no weight at all, and a
// row that sees no slot comes out as zeros. scores is scratch space of at
// least len(keys).
func attend(dst, q []float64, keys, values [][]float64, mask []float32, scale float64, scores []float64) {
	clear(dst)
	scores = scores[:len(keys)]
	top := math.Inf(-1)
	for j, kj := range keys {
		if mask[j] <= device.MaskedValue {
			scores[j] = math.Inf(-1)
			continue
		}
		scores[j] = floats.Dot(q, kj)*scale + float64(mask[j])
		top = max(top, scores[j])
	}
	if math.IsInf(top, -1) {
		return
	}

	var sum float64
	for j, s := range scores {
		if math.IsInf(s, -1) {
			scores[j] = 0
			continue
		}
		scores[j] = math.Exp(s - top)
		sum += scores[j]
	}
	for j, w := range scores {
		if w != 0 {
			floats.AddScaled(dst, w/sum, values[j])
		}
	}
}

// squash applies tanh to every element, keeping activations bounded through
// the stack.
func squash(data []float64) {
	for i, x := range data {
		data[i] = math.Tanh(x)
	}
}
