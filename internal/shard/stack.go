package shard

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/kvcache"
	"github.com/23skdu/longbow-nock/internal/position"
)

// Stack is the ordered list of layer shards plus the output head. It is
// immutable after NewStack and shared by every session of a model; the
// per-session KV caches are passed into each Forward call.
type Stack struct {
	backend    device.Backend
	shards     []Shard
	head       Head
	width      int
	chunk      int
	capacities []int
}

// NewStack validates the shards' I/O contracts against each other and
// against their cache capacities. Any mismatch is reported as ErrConfig.
func NewStack(backend device.Backend, shards []Shard, head Head) (*Stack, error) {
	if len(shards) == 0 {
		return nil, fmt.Errorf("%w: no shards", ErrConfig)
	}
	if head == nil {
		return nil, fmt.Errorf("%w: no output head", ErrConfig)
	}
	if head.Vocab() <= 0 {
		return nil, fmt.Errorf("%w: head vocab %d", ErrConfig, head.Vocab())
	}
	if head.Device() < 0 || head.Device() >= backend.DeviceCount() {
		return nil, fmt.Errorf("%w: head bound to device %d, backend has %d", ErrConfig, head.Device(), backend.DeviceCount())
	}

	ref := shards[0]
	tiers := ref.Tiers()
	if tiers < 1 {
		return nil, fmt.Errorf("%w: shard 0 has no prefill tiers", ErrConfig)
	}

	s := &Stack{
		backend: backend,
		shards:  shards,
		head:    head,
		chunk:   ref.Tier(1).Tokens,
	}

	for i, sh := range shards {
		if sh.Device() < 0 || sh.Device() >= backend.DeviceCount() {
			return nil, fmt.Errorf("%w: shard %d bound to device %d, backend has %d", ErrConfig, i, sh.Device(), backend.DeviceCount())
		}
		if sh.Tiers() != tiers {
			return nil, fmt.Errorf("%w: shard %d has %d prefill tiers, shard 0 has %d", ErrConfig, i, sh.Tiers(), tiers)
		}
		prev := 0
		for t := 0; t <= tiers; t++ {
			spec := sh.Tier(t)
			want := ref.Tier(t)
			if spec.Tokens != want.Tokens || spec.Capacity != want.Capacity {
				return nil, fmt.Errorf("%w: shard %d tier %d is %dx%d, shard 0 is %dx%d", ErrConfig, i, t, spec.Tokens, spec.Capacity, want.Tokens, want.Capacity)
			}
			switch {
			case t == kvcache.DecodeTier && spec.Tokens != 1:
				return nil, fmt.Errorf("%w: shard %d decode tier processes %d tokens", ErrConfig, i, spec.Tokens)
			case t > kvcache.DecodeTier && spec.Tokens != s.chunk:
				return nil, fmt.Errorf("%w: shard %d tier %d chunk %d, want %d", ErrConfig, i, t, spec.Tokens, s.chunk)
			case t > kvcache.DecodeTier && spec.Capacity <= prev:
				return nil, fmt.Errorf("%w: shard %d tier capacities must increase", ErrConfig, i)
			}
			if t > kvcache.DecodeTier {
				prev = spec.Capacity
			}
			if err := s.validateTier(i, t, sh, spec); err != nil {
				return nil, err
			}
		}
		if sh.Tier(kvcache.DecodeTier).Capacity != sh.Tier(tiers).Capacity {
			return nil, fmt.Errorf("%w: shard %d decode capacity %d differs from largest prefill tier %d", ErrConfig, i, sh.Tier(0).Capacity, sh.Tier(tiers).Capacity)
		}
	}

	for t := 1; t <= tiers; t++ {
		s.capacities = append(s.capacities, ref.Tier(t).Capacity)
	}
	return s, nil
}

func (s *Stack) validateTier(idx, tier int, sh Shard, spec TierSpec) error {
	emb, ok := spec.Input(InputEmbeds)
	if !ok || len(emb.Shape) != 2 || emb.Shape[0] != spec.Tokens {
		return fmt.Errorf("%w: shard %d tier %d missing %s[%d, width]", ErrConfig, idx, tier, InputEmbeds, spec.Tokens)
	}
	if s.width == 0 {
		s.width = emb.Shape[1]
	}
	if emb.Shape[1] != s.width {
		return fmt.Errorf("%w: shard %d tier %d width %d, stack width %d", ErrConfig, idx, tier, emb.Shape[1], s.width)
	}
	out, ok := spec.Output(OutputHidden)
	if !ok || out.Elems() != emb.Elems() {
		return fmt.Errorf("%w: shard %d tier %d output does not match %s", ErrConfig, idx, tier, InputEmbeds)
	}
	mask, ok := spec.Input(AttentionMask)
	if !ok || mask.Elems() != spec.Tokens*spec.Capacity {
		return fmt.Errorf("%w: shard %d tier %d mask must be %dx%d", ErrConfig, idx, tier, spec.Tokens, spec.Capacity)
	}
	for _, name := range []string{KeyCache, ValueCache} {
		d, ok := spec.Input(name)
		if !ok {
			return fmt.Errorf("%w: shard %d tier %d missing %s", ErrConfig, idx, tier, name)
		}
		if want := spec.Capacity * sh.KVWidth() * Float16.Size(); d.Bytes() != want {
			return fmt.Errorf("%w: shard %d tier %d %s is %d bytes, cache region is %d", ErrConfig, idx, tier, name, d.Bytes(), want)
		}
	}
	for _, name := range []string{KeyOut, ValueOut} {
		d, ok := spec.Output(name)
		if !ok || d.Elems() != spec.Tokens*sh.KVWidth() {
			return fmt.Errorf("%w: shard %d tier %d %s must hold %d rows of %d", ErrConfig, idx, tier, name, spec.Tokens, sh.KVWidth())
		}
	}
	return nil
}

// Layers returns the number of layer shards.
func (s *Stack) Layers() int { return len(s.shards) }

// Width returns the hidden-state width.
func (s *Stack) Width() int { return s.width }

// ChunkWidth returns the number of positions a prefill call processes.
func (s *Stack) ChunkWidth() int { return s.chunk }

// Vocab returns the head's vocabulary size.
func (s *Stack) Vocab() int { return s.head.Vocab() }

// Capacities returns the prefill tier capacities in ascending order.
func (s *Stack) Capacities() []int { return append([]int(nil), s.capacities...) }

// Capacity returns the slot count of tier.
func (s *Stack) Capacity(tier int) int { return s.shards[0].Tier(tier).Capacity }

// Tier returns the spec of tier, identical across shards.
func (s *Stack) Tier(tier int) TierSpec { return s.shards[0].Tier(tier) }

// Backend returns the device backend.
func (s *Stack) Backend() device.Backend { return s.backend }

// NewCaches allocates one cache per shard on the shard's device.
func (s *Stack) NewCaches(loc device.Locality) ([]*kvcache.Cache, error) {
	caches := make([]*kvcache.Cache, len(s.shards))
	for i, sh := range s.shards {
		c, err := kvcache.New(sh.Device(), loc, sh.KVWidth(), s.capacities)
		if err != nil {
			return nil, fmt.Errorf("%w: shard %d cache: %v", ErrConfig, i, err)
		}
		caches[i] = c
	}
	return caches, nil
}

// Pass describes one call through every shard.
type Pass struct {
	Tier      int
	Tokens    int
	Start     int
	Mask      []float32
	Positions position.Index
	// WarmUp also writes prefill rows into every larger tier.
	WarmUp bool
	// Residual, when set, may modify the Tokens × width output rows of each
	// layer before they reach the next shard.
	Residual func(layer int, rows []float32)
}

// Forward runs input (Tokens × width, host memory) through every shard in
// order, writing each shard's new cache rows into caches. The returned
// buffer holds the final hidden state and must be handed back with Release.
//
// A pass is all or nothing. ctx is checked once before the first shard;
// once started, every shard runs even if ctx is cancelled, so the caches
// never disagree on how many rows they hold. If a shard fails, rows written
// from p.Start on are dropped from every cache again.
func (s *Stack) Forward(ctx context.Context, caches []*kvcache.Cache, input []float32, p Pass) (*device.Buffer, error) {
	if len(caches) != len(s.shards) {
		return nil, fmt.Errorf("forward with %d caches for %d shards", len(caches), len(s.shards))
	}
	spec := s.Tier(p.Tier)
	if p.Tokens < 1 || p.Tokens > spec.Tokens {
		return nil, fmt.Errorf("forward of %d tokens on tier %d (max %d)", p.Tokens, p.Tier, spec.Tokens)
	}
	if len(input) != p.Tokens*s.width {
		return nil, fmt.Errorf("forward input has %d elements, want %d", len(input), p.Tokens*s.width)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	passCtx := context.WithoutCancel(ctx)

	cur, err := s.backend.Alloc(s.shards[0].Device(), spec.Tokens*s.width)
	if err != nil {
		return nil, err
	}
	cur.CopyFromFloat32(0, input)

	rollback := func(upto int) {
		for _, c := range caches[:upto+1] {
			c.Truncate(p.Start)
		}
	}

	for i, sh := range s.shards {
		in, err := s.handoff(cur, sh.Device())
		if err != nil {
			rollback(i)
			return nil, fmt.Errorf("shard %d input: %w", i, err)
		}
		out, err := s.backend.Alloc(sh.Device(), spec.Tokens*s.width)
		if err != nil {
			s.backend.Release(in)
			rollback(i)
			return nil, err
		}
		view, err := caches[i].View(p.Tier)
		if err != nil {
			s.backend.Release(in)
			s.backend.Release(out)
			rollback(i)
			return nil, err
		}
		kv := sh.KVWidth()
		keys := make([]float32, p.Tokens*kv)
		values := make([]float32, p.Tokens*kv)

		start := time.Now()
		err = sh.Execute(passCtx, p.Tier, Inputs{
			Hidden:    in,
			Tokens:    p.Tokens,
			Start:     p.Start,
			Mask:      p.Mask,
			Positions: p.Positions,
			Cache:     view,
		}, Outputs{Hidden: out, Keys: keys, Values: values})
		LayerDuration.WithLabelValues("layer", strconv.Itoa(sh.Device())).Observe(time.Since(start).Seconds())
		s.backend.Release(in)
		if err != nil {
			s.backend.Release(out)
			rollback(i)
			return nil, fmt.Errorf("shard %d: %w", i, err)
		}

		if err := caches[i].Write(p.Tier, p.Start, p.Tokens, keys, values, p.WarmUp); err != nil {
			s.backend.Release(out)
			rollback(i)
			return nil, fmt.Errorf("shard %d cache write: %w", i, err)
		}

		if p.Residual != nil {
			rows := out.Rows(0, p.Tokens, s.width)
			p.Residual(i, rows)
			out.CopyFromFloat32(0, rows)
		}
		cur = out
	}
	return cur, nil
}

// handoff copies buf into a fresh buffer on dev and releases buf. The
// backend picks a direct copy for the same device or stages through host
// memory for a different one.
func (s *Stack) handoff(buf *device.Buffer, dev int) (*device.Buffer, error) {
	next, err := s.backend.Alloc(dev, buf.Len())
	if err != nil {
		s.backend.Release(buf)
		return nil, err
	}
	if err := s.backend.Copy(next, 0, buf, 0, buf.Len()); err != nil {
		s.backend.Release(buf)
		s.backend.Release(next)
		return nil, err
	}
	s.backend.Release(buf)
	return next, nil
}

// Logits runs one hidden row (host memory) through the head. Like Forward
// it is not interrupted by cancellation once started.
func (s *Stack) Logits(ctx context.Context, hidden []float32) ([]float32, error) {
	if len(hidden) != s.width {
		return nil, fmt.Errorf("head input has %d elements, want %d", len(hidden), s.width)
	}
	buf, err := s.backend.Alloc(s.head.Device(), s.width)
	if err != nil {
		return nil, err
	}
	defer s.backend.Release(buf)
	buf.CopyFromFloat32(0, hidden)

	start := time.Now()
	logits, err := s.head.Execute(context.WithoutCancel(ctx), buf)
	LayerDuration.WithLabelValues("head", strconv.Itoa(s.head.Device())).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("head: %w", err)
	}
	if len(logits) != s.head.Vocab() {
		return nil, fmt.Errorf("head returned %d logits, vocab is %d", len(logits), s.head.Vocab())
	}
	return logits, nil
}

// Release returns a buffer produced by Forward.
func (s *Stack) Release(buf *device.Buffer) { s.backend.Release(buf) }
