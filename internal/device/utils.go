package device

import (
	"github.com/x448/float16"
)

// MaskedValue is the most negative finite half-precision value. Attention
// masks use it for positions a row may not see.
const MaskedValue float32 = -65504

// FromFloat32 converts src into dst, rounding to nearest even. Values
// outside the half-precision range saturate to infinity.
func FromFloat32(dst []float16.Float16, src []float32) {
	for i, v := range src {
		dst[i] = float16.Fromfloat32(v)
	}
}

// ToFloat32 widens src into dst.
func ToFloat32(dst []float32, src []float16.Float16) {
	for i, v := range src {
		dst[i] = v.Float32()
	}
}

// Float16Bits reinterprets half-precision values as their raw bit patterns.
func Float16Bits(src []float16.Float16) []uint16 {
	out := make([]uint16, len(src))
	for i, v := range src {
		out[i] = v.Bits()
	}
	return out
}

// FromBits is the inverse of Float16Bits.
func FromBits(dst []float16.Float16, src []uint16) {
	for i, v := range src {
		dst[i] = float16.Frombits(v)
	}
}
