package bridge

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/dsp/window"
)

// Vocoder turns a token window into waveform samples. For a non-final
// window it synthesizes the hop and may use the lookback and lookahead as
// context only.
type Vocoder interface {
	Synthesize(ctx context.Context, w Window) ([]float32, error)
}

// Consumer drains a TokenBuffer through a Vocoder, cross-fading consecutive
// chunks over a Hamming window.
type Consumer struct {
	buf     *TokenBuffer
	vocoder Vocoder
	sink    func([]float32) error

	fadeIn  []float32
	fadeOut []float32
	tail    []float32
}

// NewConsumer creates a consumer delivering samples to sink.
func NewConsumer(buf *TokenBuffer, vocoder Vocoder, sink func([]float32) error) *Consumer {
	c := &Consumer{buf: buf, vocoder: vocoder, sink: sink}
	if n := buf.Params().FadeLength; n > 0 {
		ones := make([]float64, 2*n)
		for i := range ones {
			ones[i] = 1
		}
		coeff := window.Hamming(ones)
		c.fadeIn = make([]float32, n)
		c.fadeOut = make([]float32, n)
		for i := 0; i < n; i++ {
			c.fadeIn[i] = float32(coeff[i])
			c.fadeOut[i] = float32(coeff[n+i])
		}
	}
	return c
}

// Run consumes windows until the buffer is drained or stopped. Cancelling
// ctx stops the buffer.
func (c *Consumer) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, c.buf.Stop)
	defer stop()

	chunks := 0
	for {
		w, ok := c.buf.Next()
		if !ok {
			break
		}
		pcm, err := c.vocoder.Synthesize(ctx, w)
		if err != nil {
			c.buf.Stop()
			return fmt.Errorf("failed to synthesize window at %d: %w", w.Offset, err)
		}
		chunks++
		if err := c.emit(pcm, w.Final); err != nil {
			c.buf.Stop()
			return err
		}
	}
	if len(c.tail) > 0 {
		if err := c.sink(c.tail); err != nil {
			return err
		}
		c.tail = nil
	}
	log.Debug().Int("chunks", chunks).Int("tokens", c.buf.Consumed()).Msg("Vocoder stream drained")
	return ctx.Err()
}

// emit blends the held-back tail into the head of pcm and holds back the
// last fade samples of pcm unless it is the final chunk.
func (c *Consumer) emit(pcm []float32, final bool) error {
	out := append([]float32(nil), pcm...)
	if n := min(len(c.tail), len(out)); n > 0 {
		for i := 0; i < n; i++ {
			out[i] = out[i]*c.fadeIn[i] + c.tail[i]*c.fadeOut[i]
		}
	}
	c.tail = nil

	fade := len(c.fadeIn)
	if !final && fade > 0 && len(out) > fade {
		c.tail = append([]float32(nil), out[len(out)-fade:]...)
		out = out[:len(out)-fade]
	}
	samplesEmitted.Add(float64(len(out)))
	if len(out) == 0 {
		return nil
	}
	return c.sink(out)
}
