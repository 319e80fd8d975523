package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func seq(from, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = from + i
	}
	return out
}

func TestTokenBuffer_SingleWake(t *testing.T) {
	b := NewTokenBuffer(Params{Hop: 25, Lookahead: 3, MaxLookbackChunks: 2})
	windows := make(chan Window, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			w, ok := b.Next()
			if !ok {
				return
			}
			windows <- w
		}
	}()

	b.Push(seq(0, 30)...)

	select {
	case w := <-windows:
		assert.Equal(t, seq(0, 28), w.Tokens)
		assert.Equal(t, 0, w.Lookback)
		assert.Equal(t, seq(0, 25), w.New())
		assert.False(t, w.Final)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer never woke")
	}

	select {
	case w := <-windows:
		t.Fatalf("unexpected second window %+v", w)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 25, b.Consumed())

	b.Stop()
	<-done
	assert.Len(t, windows, 0, "stop discards the remainder")
}

func TestTokenBuffer_LookbackAndFinal(t *testing.T) {
	b := NewTokenBuffer(Params{Hop: 4, Lookahead: 1, MaxLookbackChunks: 1})
	b.Push(seq(0, 11)...)
	b.Finish()

	w, ok := b.Next()
	require.True(t, ok)
	assert.Equal(t, seq(0, 5), w.Tokens)

	w, ok = b.Next()
	require.True(t, ok)
	assert.Equal(t, 4, w.Lookback)
	assert.Equal(t, seq(0, 9), w.Tokens)
	assert.Equal(t, 4, w.Offset)

	// Only 3 left: drained as one final window with one hop of lookback.
	w, ok = b.Next()
	require.True(t, ok)
	assert.True(t, w.Final)
	assert.Equal(t, 4, w.Lookback)
	assert.Equal(t, 3, w.Hop)
	assert.Equal(t, seq(4, 7), w.Tokens)
	assert.Equal(t, seq(8, 3), w.New())

	_, ok = b.Next()
	assert.False(t, ok)
	assert.Equal(t, 11, b.Consumed())

	b.Push(99)
	assert.Equal(t, 11, b.Len(), "pushes after finish are dropped")
}

func TestTokenBuffer_FinishEmpty(t *testing.T) {
	b := NewTokenBuffer(DefaultParams())
	b.Finish()
	_, ok := b.Next()
	assert.False(t, ok)
}

type mockVocoder struct {
	mock.Mock
}

func (m *mockVocoder) Synthesize(ctx context.Context, w Window) ([]float32, error) {
	args := m.Called(ctx, w)
	if pcm := args.Get(0); pcm != nil {
		return pcm.([]float32), args.Error(1)
	}
	return nil, args.Error(1)
}

func constant(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func pendingGauge(t *testing.T) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, pendingTokens.Write(m))
	return m.GetGauge().GetValue()
}

func TestTokenBuffer_PendingGaugeSumsStreams(t *testing.T) {
	base := pendingGauge(t)
	p := Params{Hop: 4}
	a, b := NewTokenBuffer(p), NewTokenBuffer(p)

	a.Push(seq(0, 10)...)
	b.Push(seq(0, 5)...)
	assert.Equal(t, base+15, pendingGauge(t))

	_, ok := a.Next()
	require.True(t, ok)
	assert.Equal(t, base+11, pendingGauge(t))

	b.Stop()
	assert.Equal(t, base+6, pendingGauge(t))

	a.Finish()
	for {
		if _, ok := a.Next(); !ok {
			break
		}
	}
	assert.Equal(t, base, pendingGauge(t))
}

func TestConsumer_CrossFade(t *testing.T) {
	b := NewTokenBuffer(Params{Hop: 2, Lookahead: 0, FadeLength: 2})
	voc := &mockVocoder{}
	voc.On("Synthesize", mock.Anything, mock.MatchedBy(func(w Window) bool { return !w.Final })).Return(constant(6, 1), nil)
	voc.On("Synthesize", mock.Anything, mock.MatchedBy(func(w Window) bool { return w.Final })).Return(constant(4, 2), nil)

	var mu sync.Mutex
	var out []float32
	c := NewConsumer(b, voc, func(pcm []float32) error {
		mu.Lock()
		defer mu.Unlock()
		out = append(out, pcm...)
		return nil
	})

	b.Push(1, 2, 3, 4, 5)
	b.Finish()
	require.NoError(t, c.Run(context.Background()))

	// Two hop chunks of 6 samples and one final chunk of 4. The 2 samples
	// each hop chunk holds back are blended into the next chunk's head.
	assert.Len(t, out, 12)
	voc.AssertNumberOfCalls(t, "Synthesize", 3)

	// Hamming(4) = [0.08, 0.77, 0.77, 0.08]: the first blended sample mixes
	// 1 * fadeOut[0] with fadeIn[0] of the next chunk.
	assert.InDelta(t, 1*0.77+1*0.08, out[4], 1e-6)
	assert.InDelta(t, 1*0.77+2*0.08, out[8], 1e-6)
}

func TestConsumer_Errors(t *testing.T) {
	t.Run("Vocoder failure stops the buffer", func(t *testing.T) {
		b := NewTokenBuffer(Params{Hop: 1})
		voc := &mockVocoder{}
		voc.On("Synthesize", mock.Anything, mock.Anything).Return(nil, errors.New("boom"))
		c := NewConsumer(b, voc, func([]float32) error { return nil })
		b.Push(1)
		assert.Error(t, c.Run(context.Background()))
		_, ok := b.Next()
		assert.False(t, ok)
	})

	t.Run("Cancelled context", func(t *testing.T) {
		b := NewTokenBuffer(Params{Hop: 10})
		voc := &mockVocoder{}
		c := NewConsumer(b, voc, func([]float32) error { return nil })
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		assert.ErrorIs(t, c.Run(ctx), context.Canceled)
		voc.AssertNotCalled(t, "Synthesize", mock.Anything, mock.Anything)
	})
}
