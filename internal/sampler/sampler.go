// Package sampler turns final-layer logits into the next token id.
package sampler

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// Config selects the sampling policy. A stage only runs when its Enable
// flag is set; with every flag off sampling is arg-max. The repetition
// penalty is not stochastic and also applies to arg-max.
type Config struct {
	Temperature       float32 `yaml:"temperature" json:"temperature" cbor:"temperature"`
	TopP              float32 `yaml:"top_p" json:"top_p" cbor:"top_p"`
	TopK              int     `yaml:"top_k" json:"top_k" cbor:"top_k"`
	RepetitionPenalty float32 `yaml:"repetition_penalty" json:"repetition_penalty" cbor:"repetition_penalty"`
	PenaltyWindow     int     `yaml:"penalty_window" json:"penalty_window" cbor:"penalty_window"`

	EnableTemperature bool `yaml:"enable_temperature" json:"enable_temperature" cbor:"enable_temperature"`
	EnableTopP        bool `yaml:"enable_top_p" json:"enable_top_p" cbor:"enable_top_p"`
	EnableTopK        bool `yaml:"enable_top_k" json:"enable_top_k" cbor:"enable_top_k"`
	EnablePenalty     bool `yaml:"enable_penalty" json:"enable_penalty" cbor:"enable_penalty"`

	Seed int64 `yaml:"seed" json:"seed" cbor:"seed"`

	// EndTokens are suppressed until MinNewTokens tokens were produced.
	// Once ForceEndAfter tokens were produced the first end token is
	// returned unconditionally. Zero disables either window.
	EndTokens     []int `yaml:"end_tokens" json:"end_tokens,omitempty" cbor:"end_tokens,omitempty"`
	MinNewTokens  int   `yaml:"min_new_tokens" json:"min_new_tokens" cbor:"min_new_tokens"`
	ForceEndAfter int   `yaml:"force_end_after" json:"force_end_after" cbor:"force_end_after"`
}

// DefaultConfig returns arg-max sampling with the usual stochastic values
// preset, so enabling a stage needs only its flag.
func DefaultConfig() Config {
	return Config{
		Temperature:       0.8,
		TopP:              0.9,
		TopK:              40,
		RepetitionPenalty: 1.1,
		PenaltyWindow:     64,
		Seed:              42,
	}
}

// Stochastic reports whether any random stage is enabled.
func (c Config) Stochastic() bool {
	return c.EnableTemperature || c.EnableTopP || c.EnableTopK
}

// Sampler applies a Config. It owns a seeded RNG, so one Sampler serves one
// session and is not safe for concurrent use.
type Sampler struct {
	cfg  Config
	rng  *rand.Rand
	work []float64
	idx  []int
}

// New returns a sampler seeded from cfg.Seed.
func New(cfg Config) *Sampler {
	return &Sampler{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Config returns the sampler's configuration.
func (s *Sampler) Config() Config { return s.cfg }

// Next applies the forced-end window for a turn that has already produced
// produced tokens, then samples.
func (s *Sampler) Next(logits []float32, history []int, produced int) int {
	if s.cfg.ForceEndAfter > 0 && produced >= s.cfg.ForceEndAfter && len(s.cfg.EndTokens) > 0 {
		forcedEnds.Inc()
		return s.cfg.EndTokens[0]
	}
	if produced < s.cfg.MinNewTokens {
		return s.sample(logits, history, s.cfg.EndTokens)
	}
	return s.sample(logits, history, nil)
}

// Sample draws the next token from logits given the running history. The
// caller's logits are not modified.
func (s *Sampler) Sample(logits []float32, history []int) int {
	return s.sample(logits, history, nil)
}

func (s *Sampler) sample(logits []float32, history []int, banned []int) int {
	if len(logits) == 0 {
		panic("sampler: empty logits")
	}
	if cap(s.work) < len(logits) {
		s.work = make([]float64, len(logits))
		s.idx = make([]int, len(logits))
	}
	x := s.work[:len(logits)]
	for i, v := range logits {
		x[i] = float64(v)
	}
	for _, id := range banned {
		if id >= 0 && id < len(x) {
			x[id] = math.Inf(-1)
		}
	}

	if s.cfg.EnableTemperature && s.cfg.Temperature > 0 {
		floats.Scale(1/float64(s.cfg.Temperature), x)
	}
	if s.cfg.EnablePenalty && s.cfg.RepetitionPenalty > 0 {
		s.penalize(x, history)
	}

	if !s.cfg.Stochastic() {
		samples.WithLabelValues("argmax").Inc()
		return floats.MaxIdx(x)
	}
	samples.WithLabelValues("stochastic").Inc()

	// Candidates ordered by descending logit.
	idx := s.idx[:len(x)]
	sorted := make([]float64, len(x))
	copy(sorted, x)
	floats.Argsort(sorted, idx)
	reverse(sorted)
	reverse(idx)

	probs := softmax(sorted)
	keep := len(probs)
	if s.cfg.EnableTopP && s.cfg.TopP > 0 && s.cfg.TopP < 1 {
		var cum float64
		for i, p := range probs {
			cum += p
			if cum >= float64(s.cfg.TopP) {
				keep = i + 1
				break
			}
		}
	}
	if s.cfg.EnableTopK && s.cfg.TopK > 0 && s.cfg.TopK < keep {
		keep = s.cfg.TopK
	}
	probs = probs[:keep]
	total := floats.Sum(probs)
	if total == 0 || math.IsNaN(total) {
		return idx[0]
	}
	floats.Scale(1/total, probs)

	r := s.rng.Float64()
	var cum float64
	for i, p := range probs {
		cum += p
		if r <= cum {
			return idx[i]
		}
	}
	return idx[keep-1]
}

// penalize divides positive logits and multiplies negative ones by the
// penalty once per occurrence in the trailing window.
func (s *Sampler) penalize(x []float64, history []int) {
	window := history
	if s.cfg.PenaltyWindow > 0 && len(window) > s.cfg.PenaltyWindow {
		window = window[len(window)-s.cfg.PenaltyWindow:]
	}
	p := float64(s.cfg.RepetitionPenalty)
	for _, id := range window {
		if id < 0 || id >= len(x) {
			continue
		}
		if x[id] > 0 {
			x[id] /= p
		} else {
			x[id] *= p
		}
	}
}

func softmax(x []float64) []float64 {
	out := make([]float64, len(x))
	m := floats.Max(x)
	if math.IsInf(m, -1) {
		return out
	}
	for i, v := range x {
		out[i] = math.Exp(v - m)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
