package sampler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSampler_ArgMax(t *testing.T) {
	logits := []float32{-1, 5, 3, 7, 2}

	t.Run("All stages off", func(t *testing.T) {
		s := New(DefaultConfig())
		for i := 0; i < 5; i++ {
			assert.Equal(t, 3, s.Sample(logits, nil))
		}
	})

	t.Run("Penalty suppresses the repeated max", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.EnablePenalty = true
		cfg.RepetitionPenalty = 2
		s := New(cfg)
		// 7/2 = 3.5 < 5
		assert.Equal(t, 1, s.Sample(logits, []int{3}))
		// Outside the window the penalty no longer applies
		cfg.PenaltyWindow = 1
		s = New(cfg)
		assert.Equal(t, 3, s.Sample(logits, []int{3, 0}))
	})

	t.Run("Negative logits are pushed further down", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.EnablePenalty = true
		cfg.RepetitionPenalty = 3
		s := New(cfg)
		assert.Equal(t, 1, s.Sample([]float32{-1, -2}, []int{0}))
	})

	t.Run("Caller logits untouched", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.EnablePenalty = true
		cfg.EnableTemperature = true
		in := []float32{1, 2, 3}
		New(cfg).Sample(in, []int{2})
		assert.Equal(t, []float32{1, 2, 3}, in)
	})
}

func TestSampler_Determinism(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableTemperature = true
	cfg.EnableTopK = true
	cfg.EnableTopP = true
	cfg.Temperature = 1.5
	cfg.TopK = 4
	cfg.TopP = 0.95

	logits := []float32{0, 1, 2, 3, 4, 5}
	a, b := New(cfg), New(cfg)
	for i := 0; i < 20; i++ {
		assert.Equal(t, a.Sample(logits, nil), b.Sample(logits, nil))
	}
}

func TestSampler_Truncation(t *testing.T) {
	logits := []float32{10, 0, 0, 0, 9}

	t.Run("TopK", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.EnableTopK = true
		cfg.TopK = 2
		cfg.EnableTemperature = true
		cfg.Temperature = 100
		s := New(cfg)
		for i := 0; i < 50; i++ {
			got := s.Sample(logits, nil)
			assert.Contains(t, []int{0, 4}, got)
		}
	})

	t.Run("TopP", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.EnableTopP = true
		cfg.TopP = 0.5
		s := New(cfg)
		for i := 0; i < 20; i++ {
			assert.Equal(t, 0, s.Sample(logits, nil))
		}
	})
}

func TestSampler_EndWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EndTokens = []int{2}
	cfg.MinNewTokens = 3
	cfg.ForceEndAfter = 10
	s := New(cfg)
	logits := []float32{0, 1, 9, 0}

	assert.Equal(t, 1, s.Next(logits, nil, 0), "end suppressed before the minimum")
	assert.Equal(t, 2, s.Next(logits, nil, 3))
	assert.Equal(t, 2, s.Next([]float32{9, 0, 0, 0}, nil, 10), "end forced after the limit")
}
