// Package shard defines the opaque compute units a model is split into and
// the Stack that chains them.
//
// A Shard is one compiled transformer layer bound to a device. It exposes a
// decode tier (one new position per call) and one or more prefill tiers
// (chunk_width positions per call, increasing cache capacity). The engine
// never looks inside a shard: it feeds the named input tensors and harvests
// the named outputs declared by each tier's TensorDesc lists.
package shard

import (
	"context"
	"errors"
	"fmt"

	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/kvcache"
	"github.com/23skdu/longbow-nock/internal/position"
)

// ErrConfig marks fatal configuration errors: shard load failures, tensor
// shape or size mismatches, tier capacities that cannot hold the cache.
var ErrConfig = errors.New("invalid shard configuration")

// Tensor names every shard tier declares.
const (
	InputEmbeds   = "input_embeds"
	AttentionMask = "attention_mask"
	PositionIDs   = "position_ids"
	KeyCache      = "k_cache"
	ValueCache    = "v_cache"

	OutputHidden = "output"
	KeyOut       = "k_out"
	ValueOut     = "v_out"
	Logits       = "logits"
)

// DType is the element type of a tensor.
type DType int

const (
	Float16 DType = iota
	Float32
	Int32
)

// Size returns the element size in bytes.
func (d DType) Size() int {
	switch d {
	case Float16:
		return 2
	default:
		return 4
	}
}

func (d DType) String() string {
	switch d {
	case Float16:
		return "fp16"
	case Float32:
		return "fp32"
	case Int32:
		return "int32"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// TensorDesc describes one named input or output buffer.
type TensorDesc struct {
	Name  string
	DType DType
	Shape []int
}

// Elems returns the element count.
func (d TensorDesc) Elems() int {
	n := 1
	for _, s := range d.Shape {
		n *= s
	}
	return n
}

// Bytes returns the buffer size in bytes.
func (d TensorDesc) Bytes() int { return d.Elems() * d.DType.Size() }

// TierSpec is the I/O contract of one capacity tier.
type TierSpec struct {
	// Tokens is the number of positions processed per call.
	Tokens int
	// Capacity is the number of cache slots the tier attends over.
	Capacity int
	Inputs   []TensorDesc
	Outputs  []TensorDesc
}

// Input returns the input descriptor called name.
func (t TierSpec) Input(name string) (TensorDesc, bool) {
	for _, d := range t.Inputs {
		if d.Name == name {
			return d, true
		}
	}
	return TensorDesc{}, false
}

// Output returns the output descriptor called name.
func (t TierSpec) Output(name string) (TensorDesc, bool) {
	for _, d := range t.Outputs {
		if d.Name == name {
			return d, true
		}
	}
	return TensorDesc{}, false
}

// Inputs is what a shard call consumes.
type Inputs struct {
	// Hidden holds Tier.Tokens rows; the first Tokens are valid.
	Hidden *device.Buffer
	Tokens int
	// Start is the cache slot of the first row.
	Start int
	// Mask is Tier.Tokens × Tier.Capacity; 0 visible, device.MaskedValue hidden.
	Mask      []float32
	Positions position.Index
	Cache     kvcache.View
}

// Outputs is what a shard call produces. Hidden is preallocated by the
// caller on the shard's device; Keys and Values are filled by the shard with
// Tokens new cache rows each.
type Outputs struct {
	Hidden *device.Buffer
	Keys   []float32
	Values []float32
}

// Shard is one compiled layer. Implementations are immutable after load and
// safe for concurrent Execute calls on independent sessions.
type Shard interface {
	Device() int
	// Tier returns the spec of tier; tier 0 is decode, 1..N prefill.
	Tier(tier int) TierSpec
	// Tiers returns the number of prefill tiers.
	Tiers() int
	// KVWidth is the width of one key or value cache row.
	KVWidth() int
	Execute(ctx context.Context, tier int, in Inputs, out Outputs) error
}

// Head is the output (detokenizing) head turning one hidden row into logits.
type Head interface {
	Device() int
	Vocab() int
	Execute(ctx context.Context, hidden *device.Buffer) ([]float32, error)
}
