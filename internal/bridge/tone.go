package bridge

import (
	"context"
	"math"
)

// ToneVocoder renders every new token of a window as a short sine burst
// whose pitch follows the token id. It stands in for a neural vocoder in
// soak runs, demos and tests.
type ToneVocoder struct {
	SampleRate      int
	SamplesPerToken int
}

// DefaultToneVocoder returns a 24 kHz vocoder emitting 40 ms per token.
func DefaultToneVocoder() ToneVocoder {
	return ToneVocoder{SampleRate: 24000, SamplesPerToken: 960}
}

// Synthesize implements Vocoder.
func (v ToneVocoder) Synthesize(ctx context.Context, w Window) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := w.New()
	out := make([]float32, len(ids)*v.SamplesPerToken)
	for i, id := range ids {
		freq := 110 * math.Pow(2, float64(id%48)/12)
		base := (w.Offset + i) * v.SamplesPerToken
		for k := 0; k < v.SamplesPerToken; k++ {
			t := float64(base+k) / float64(v.SampleRate)
			out[i*v.SamplesPerToken+k] = float32(0.3 * math.Sin(2*math.Pi*freq*t))
		}
	}
	return out, nil
}
