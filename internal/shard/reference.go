package shard

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/kvcache"
)

// ReferenceConfig describes a stack of reference shards: single-head causal
// attention layers computed on the host with gonum. They honour the same I/O
// contract as compiled shards and are used for tests, soak runs and
// hardware-free deployments.
type ReferenceConfig struct {
	Layers       int    `yaml:"layers"`
	Width        int    `yaml:"width"`
	KVWidth      int    `yaml:"kv_width"`
	Vocab        int    `yaml:"vocab"`
	ChunkWidth   int    `yaml:"chunk_width"`
	Capacities   []int  `yaml:"capacities"`
	Devices      int    `yaml:"devices"`
	PositionAxes int    `yaml:"position_axes"`
	Seed         int64  `yaml:"seed"`
	WeightsDir   string `yaml:"weights_dir"`
}

// DefaultReferenceConfig returns a small model that fits comfortably in
// tests.
func DefaultReferenceConfig() ReferenceConfig {
	return ReferenceConfig{
		Layers:       2,
		Width:        16,
		KVWidth:      8,
		Vocab:        64,
		ChunkWidth:   4,
		Capacities:   []int{16, 32, 64},
		Devices:      1,
		PositionAxes: 1,
		Seed:         42,
	}
}

// ensure interface compliance
var (
	_ Shard = (*Reference)(nil)
	_ Head  = (*ReferenceHead)(nil)
)

// Reference is a host-computed attention layer.
type Reference struct {
	device int
	width  int
	kv     int
	axes   int
	tiers  []TierSpec

	wq, wk, wv *mat.Dense // kv x width
	wo         *mat.Dense // width x kv
}

func referenceTiers(cfg ReferenceConfig) []TierSpec {
	largest := cfg.Capacities[len(cfg.Capacities)-1]
	tiers := make([]TierSpec, 0, len(cfg.Capacities)+1)
	add := func(tokens, capacity int) {
		tiers = append(tiers, TierSpec{
			Tokens:   tokens,
			Capacity: capacity,
			Inputs: []TensorDesc{
				{Name: InputEmbeds, DType: Float16, Shape: []int{tokens, cfg.Width}},
				{Name: AttentionMask, DType: Float16, Shape: []int{tokens, capacity}},
				{Name: PositionIDs, DType: Int32, Shape: []int{cfg.PositionAxes, tokens}},
				{Name: KeyCache, DType: Float16, Shape: []int{capacity, cfg.KVWidth}},
				{Name: ValueCache, DType: Float16, Shape: []int{capacity, cfg.KVWidth}},
			},
			Outputs: []TensorDesc{
				{Name: OutputHidden, DType: Float16, Shape: []int{tokens, cfg.Width}},
				{Name: KeyOut, DType: Float16, Shape: []int{tokens, cfg.KVWidth}},
				{Name: ValueOut, DType: Float16, Shape: []int{tokens, cfg.KVWidth}},
			},
		})
	}
	add(1, largest)
	for _, c := range cfg.Capacities {
		add(cfg.ChunkWidth, c)
	}
	return tiers
}

// NewReference creates a layer on dev with weights drawn from rng.
func NewReference(dev int, cfg ReferenceConfig, rng *rand.Rand) *Reference {
	r := &Reference{
		device: dev,
		width:  cfg.Width,
		kv:     cfg.KVWidth,
		axes:   cfg.PositionAxes,
		tiers:  referenceTiers(cfg),
		wq:     mat.NewDense(cfg.KVWidth, cfg.Width, nil),
		wk:     mat.NewDense(cfg.KVWidth, cfg.Width, nil),
		wv:     mat.NewDense(cfg.KVWidth, cfg.Width, nil),
		wo:     mat.NewDense(cfg.Width, cfg.KVWidth, nil),
	}
	for _, m := range r.Weights() {
		xavierInit(m, rng)
	}
	return r
}

// Weights returns the weight matrices in file order.
func (r *Reference) Weights() []*mat.Dense { return []*mat.Dense{r.wq, r.wk, r.wv, r.wo} }

func (r *Reference) Device() int            { return r.device }
func (r *Reference) Tiers() int             { return len(r.tiers) - 1 }
func (r *Reference) KVWidth() int           { return r.kv }
func (r *Reference) Tier(tier int) TierSpec { return r.tiers[tier] }

func (r *Reference) Execute(ctx context.Context, tier int, in Inputs, out Outputs) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tier < 0 || tier >= len(r.tiers) {
		return fmt.Errorf("%w: tier %d", ErrConfig, tier)
	}
	spec := r.tiers[tier]
	n := in.Tokens
	switch {
	case in.Hidden.Device() != r.device:
		return fmt.Errorf("%w: input on device %d, shard on %d", device.ErrDevice, in.Hidden.Device(), r.device)
	case len(in.Mask) != spec.Tokens*spec.Capacity:
		return fmt.Errorf("mask has %d elements, tier needs %d", len(in.Mask), spec.Tokens*spec.Capacity)
	case in.Start+n > spec.Capacity:
		return fmt.Errorf("%w: rows [%d,%d) on tier of %d", kvcache.ErrCapacity, in.Start, in.Start+n, spec.Capacity)
	case in.Cache.Len < in.Start:
		return fmt.Errorf("cache holds %d rows, call starts at %d", in.Cache.Len, in.Start)
	case in.Positions.Axes() != r.axes || in.Positions.Len() < n:
		return fmt.Errorf("positions are %dx%d, shard needs %dx%d", in.Positions.Axes(), in.Positions.Len(), r.axes, n)
	case len(out.Keys) != n*r.kv || len(out.Values) != n*r.kv:
		return fmt.Errorf("key/value outputs must hold %d rows of %d", n, r.kv)
	}

	hostIn := in.Hidden.Rows(0, n, r.width)
	h := Pool.GetHidden(n, r.width)
	defer Pool.PutHidden(h)
	hraw := h.RawMatrix().Data
	for i, v := range hostIn {
		hraw[i] = float64(v)
	}

	q := Pool.GetProj(n, r.kv)
	k := Pool.GetProj(n, r.kv)
	v := Pool.GetProj(n, r.kv)
	attn := Pool.GetProj(n, r.kv)
	defer func() {
		Pool.PutProj(q)
		Pool.PutProj(k)
		Pool.PutProj(v)
		Pool.PutProj(attn)
	}()
	q.Mul(h, r.wq.T())
	k.Mul(h, r.wk.T())
	v.Mul(h, r.wv.T())
	squash(k.RawMatrix().Data)

	// New rows are rounded exactly as the cache will store them so a row
	// attends to identical keys whether it arrived in this call or earlier.
	kraw, vraw := k.RawMatrix().Data, v.RawMatrix().Data
	for i := range kraw {
		kraw[i] = roundHalf(kraw[i])
		vraw[i] = roundHalf(vraw[i])
		out.Keys[i] = float32(kraw[i])
		out.Values[i] = float32(vraw[i])
	}

	past := in.Start
	cols := past + n
	keys := make([][]float64, cols)
	values := make([][]float64, cols)
	pastRows := make([]float64, 2*past*r.kv)
	for j := 0; j < past; j++ {
		keys[j] = pastRows[2*j*r.kv : (2*j+1)*r.kv]
		values[j] = pastRows[(2*j+1)*r.kv : (2*j+2)*r.kv]
		widen(keys[j], in.Cache.Key(j))
		widen(values[j], in.Cache.Value(j))
	}
	for j := 0; j < n; j++ {
		keys[past+j] = k.RawRowView(j)
		values[past+j] = v.RawRowView(j)
	}

	scale := 1 / math.Sqrt(float64(r.kv))
	scores := make([]float64, cols)
	for i := 0; i < n; i++ {
		mask := in.Mask[i*spec.Capacity : i*spec.Capacity+cols]
		attend(attn.RawRowView(i), q.RawRowView(i), keys, values, mask, scale, scores)
	}

	o := Pool.GetHidden(n, r.width)
	defer Pool.PutHidden(o)
	o.Mul(attn, r.wo.T())
	o.Add(o, h)
	for i := 0; i < n; i++ {
		oi := o.RawRowView(i)
		for a := 0; a < r.axes; a++ {
			p := float64(in.Positions.At(a, i))
			for c := range oi {
				oi[c] += 0.01 * math.Sin(p/float64((a+1)*(c+1)))
			}
		}
	}
	squash(o.RawMatrix().Data)

	hostOut := make([]float32, n*r.width)
	for i, x := range o.RawMatrix().Data {
		hostOut[i] = float32(x)
	}
	out.Hidden.CopyFromFloat32(0, hostOut)
	return nil
}

// ReferenceHead projects a hidden row onto the vocabulary.
type ReferenceHead struct {
	device int
	width  int
	w      *mat.Dense // vocab x width
}

// NewReferenceHead creates a head on dev with weights drawn from rng.
func NewReferenceHead(dev int, cfg ReferenceConfig, rng *rand.Rand) *ReferenceHead {
	h := &ReferenceHead{
		device: dev,
		width:  cfg.Width,
		w:      mat.NewDense(cfg.Vocab, cfg.Width, nil),
	}
	xavierInit(h.w, rng)
	return h
}

// Weights returns the projection matrix.
func (h *ReferenceHead) Weights() []*mat.Dense { return []*mat.Dense{h.w} }

func (h *ReferenceHead) Device() int { return h.device }

func (h *ReferenceHead) Vocab() int {
	rows, _ := h.w.Dims()
	return rows
}

func (h *ReferenceHead) Execute(ctx context.Context, hidden *device.Buffer) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if hidden.Len() < h.width {
		return nil, fmt.Errorf("head input has %d elements, want %d", hidden.Len(), h.width)
	}
	host := hidden.Rows(0, 1, h.width)
	x := mat.NewVecDense(h.width, nil)
	for i, v := range host {
		x.SetVec(i, float64(v))
	}
	var y mat.VecDense
	y.MulVec(h.w, x)

	logits := make([]float32, y.Len())
	for i := range logits {
		logits[i] = float32(4 * y.AtVec(i))
	}
	return logits, nil
}

// xavierInit initializes a matrix with Xavier/Glorot uniform initialization.
func xavierInit(m *mat.Dense, rng *rand.Rand) {
	r, c := m.Dims()
	limit := math.Sqrt(6.0 / float64(r+c))
	raw := m.RawMatrix().Data
	for i := range raw {
		raw[i] = (rng.Float64()*2 - 1) * limit
	}
}

// BuildReference creates a Stack of reference shards. Layers are split into
// contiguous runs across cfg.Devices; the head sits on the last device.
// When cfg.WeightsDir is set, weights are read from shard_NNN.bin and
// head.bin instead of being drawn from cfg.Seed.
func BuildReference(backend device.Backend, cfg ReferenceConfig) (*Stack, error) {
	switch {
	case cfg.Layers < 1, cfg.Width < 1, cfg.KVWidth < 1, cfg.Vocab < 1, cfg.ChunkWidth < 1:
		return nil, fmt.Errorf("%w: reference model dimensions must be positive", ErrConfig)
	case len(cfg.Capacities) == 0:
		return nil, fmt.Errorf("%w: no tier capacities", ErrConfig)
	case cfg.PositionAxes != 1 && cfg.PositionAxes != 3:
		return nil, fmt.Errorf("%w: position axes must be 1 or 3, got %d", ErrConfig, cfg.PositionAxes)
	}
	devices := max(cfg.Devices, 1)
	per := (cfg.Layers + devices - 1) / devices

	rng := rand.New(rand.NewSource(cfg.Seed))
	shards := make([]Shard, cfg.Layers)
	for i := range shards {
		sh := NewReference(i/per, cfg, rng)
		if cfg.WeightsDir != "" {
			path := filepath.Join(cfg.WeightsDir, fmt.Sprintf("shard_%03d.bin", i))
			if err := LoadRawBinary(path, sh.Weights()...); err != nil {
				return nil, err
			}
		}
		shards[i] = sh
	}
	head := NewReferenceHead((cfg.Layers-1)/per, cfg, rng)
	if cfg.WeightsDir != "" {
		if err := LoadRawBinary(filepath.Join(cfg.WeightsDir, "head.bin"), head.Weights()...); err != nil {
			return nil, err
		}
	}
	return NewStack(backend, shards, head)
}
