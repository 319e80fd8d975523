// Package kvcache holds the per-shard key/value cache regions.
//
// Every shard owns one Cache. A Cache exposes one region per capacity tier:
// tier 0 is the single-token decode tier, tiers 1..N are the prefill tiers in
// ascending capacity. The decode tier and the largest prefill tier alias the
// same storage; smaller prefill tiers only allocate storage the first time
// they are written or synced.
package kvcache

import (
	"errors"
	"fmt"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-nock/internal/device"
)

// DecodeTier is the tier id of the single-token decode tier.
const DecodeTier = 0

var (
	// ErrCapacity is returned when a write or selection exceeds every tier.
	ErrCapacity = errors.New("kv cache capacity exceeded")
	// ErrTier is returned for an unknown tier id.
	ErrTier = errors.New("unknown cache tier")
)

// Region is the storage of one tier: capacity slots of width keys and width
// values, addressed by absolute position.
type Region struct {
	capacity int
	width    int
	keys     []float16.Float16
	values   []float16.Float16
	occupied int
}

func (r *Region) allocated() bool { return r.keys != nil }

func (r *Region) alloc() {
	if r.allocated() {
		return
	}
	r.keys = make([]float16.Float16, r.capacity*r.width)
	r.values = make([]float16.Float16, r.capacity*r.width)
}

// Capacity returns the number of slots.
func (r *Region) Capacity() int { return r.capacity }

// Occupied returns how many leading slots hold valid rows.
func (r *Region) Occupied() int { return r.occupied }

// View is a read-only window onto the first Len rows of a region, handed to
// a shard as its existing cache input.
type View struct {
	Keys     []float16.Float16
	Values   []float16.Float16
	Len      int
	Width    int
	Capacity int
}

// Key returns row pos of the key cache.
func (v View) Key(pos int) []float16.Float16 { return v.Keys[pos*v.Width : (pos+1)*v.Width] }

// Value returns row pos of the value cache.
func (v View) Value(pos int) []float16.Float16 { return v.Values[pos*v.Width : (pos+1)*v.Width] }

// Cache is the set of tier regions for one shard.
type Cache struct {
	device   int
	locality device.Locality
	width    int
	tiers    []*Region
}

// New creates a cache for a shard on dev with rows of width elements.
// capacities lists the prefill tier capacities in ascending order; the decode
// tier shares the largest one's region.
func New(dev int, loc device.Locality, width int, capacities []int) (*Cache, error) {
	if width <= 0 {
		return nil, fmt.Errorf("invalid cache width %d", width)
	}
	if len(capacities) == 0 {
		return nil, fmt.Errorf("cache needs at least one prefill tier")
	}
	c := &Cache{
		device:   dev,
		locality: loc,
		width:    width,
		tiers:    make([]*Region, len(capacities)+1),
	}
	prev := 0
	for i, capacity := range capacities {
		if capacity <= prev {
			return nil, fmt.Errorf("tier capacities must be strictly increasing, got %v", capacities)
		}
		prev = capacity
		c.tiers[i+1] = &Region{capacity: capacity, width: width}
	}
	largest := c.tiers[len(capacities)]
	largest.alloc()
	c.tiers[DecodeTier] = largest
	return c, nil
}

// Device returns the device the cache is resident on.
func (c *Cache) Device() int { return c.device }

// Locality returns the cache's locality tag.
func (c *Cache) Locality() device.Locality { return c.locality }

// Width returns the row width.
func (c *Cache) Width() int { return c.width }

// Tiers returns the number of prefill tiers.
func (c *Cache) Tiers() int { return len(c.tiers) - 1 }

// Capacity returns the slot count of tier.
func (c *Cache) Capacity(tier int) int {
	if tier < 0 || tier >= len(c.tiers) {
		return 0
	}
	return c.tiers[tier].capacity
}

// Occupied returns the occupied length of tier.
func (c *Cache) Occupied(tier int) int {
	if tier < 0 || tier >= len(c.tiers) {
		return 0
	}
	return c.tiers[tier].occupied
}

// Allocated reports whether tier has backing storage.
func (c *Cache) Allocated(tier int) bool {
	if tier < 0 || tier >= len(c.tiers) {
		return false
	}
	return c.tiers[tier].allocated()
}

// Aliased reports whether two tiers share storage.
func (c *Cache) Aliased(a, b int) bool {
	if a < 0 || b < 0 || a >= len(c.tiers) || b >= len(c.tiers) {
		return false
	}
	return c.tiers[a] == c.tiers[b]
}

// View returns the existing rows of tier for a shard call.
func (c *Cache) View(tier int) (View, error) {
	if tier < 0 || tier >= len(c.tiers) {
		return View{}, fmt.Errorf("%w: %d", ErrTier, tier)
	}
	r := c.tiers[tier]
	r.alloc()
	return View{
		Keys:     r.keys,
		Values:   r.values,
		Len:      r.occupied,
		Width:    r.width,
		Capacity: r.capacity,
	}, nil
}

// Write stores n new rows at positions [pos, pos+n) into tier. The rows
// always also land in the decode tier. With warm set, they are copied into
// every prefill tier larger than tier too, so a later escalation finds them
// already in place.
func (c *Cache) Write(tier, pos, n int, keys, values []float32, warm bool) error {
	if tier < 0 || tier >= len(c.tiers) {
		return fmt.Errorf("%w: %d", ErrTier, tier)
	}
	if len(keys) != n*c.width || len(values) != n*c.width {
		return fmt.Errorf("cache write of %d rows needs %d elements, got keys=%d values=%d", n, n*c.width, len(keys), len(values))
	}
	if pos+n > c.tiers[tier].capacity {
		return fmt.Errorf("%w: rows [%d,%d) into tier %d of %d slots", ErrCapacity, pos, pos+n, tier, c.tiers[tier].capacity)
	}

	targets := []*Region{c.tiers[tier]}
	if tier != DecodeTier {
		if warm {
			for t := tier + 1; t < len(c.tiers); t++ {
				targets = append(targets, c.tiers[t])
			}
		} else if c.tiers[DecodeTier] != c.tiers[tier] {
			targets = append(targets, c.tiers[DecodeTier])
		}
	}
	for _, r := range targets {
		r.alloc()
		off := pos * c.width
		device.FromFloat32(r.keys[off:off+n*c.width], keys)
		device.FromFloat32(r.values[off:off+n*c.width], values)
		r.occupied = max(r.occupied, pos+n)
	}
	return nil
}

// Sync brings tier up to n rows by copying any missing rows from the decode
// tier. It is a no-op when warm-up writes already placed them.
func (c *Cache) Sync(tier, n int) error {
	if tier < 0 || tier >= len(c.tiers) {
		return fmt.Errorf("%w: %d", ErrTier, tier)
	}
	r := c.tiers[tier]
	src := c.tiers[DecodeTier]
	if n > r.capacity {
		return fmt.Errorf("%w: %d rows into tier %d of %d slots", ErrCapacity, n, tier, r.capacity)
	}
	if n > src.occupied {
		return fmt.Errorf("sync of %d rows but decode tier holds %d", n, src.occupied)
	}
	if r == src || r.occupied >= n {
		return nil
	}
	r.alloc()
	from, to := r.occupied*c.width, n*c.width
	copy(r.keys[from:to], src.keys[from:to])
	copy(r.values[from:to], src.values[from:to])
	r.occupied = n
	return nil
}

// Truncate drops every row at position n and beyond from all tiers. Rows
// before n are untouched.
func (c *Cache) Truncate(n int) {
	n = max(n, 0)
	for _, r := range c.tiers {
		if r.occupied <= n {
			continue
		}
		if r.allocated() {
			clear(r.keys[n*c.width : r.occupied*c.width])
			clear(r.values[n*c.width : r.occupied*c.width])
		}
		r.occupied = n
	}
}

// Export returns copies of the first n key and value rows of the decode tier.
func (c *Cache) Export(n int) (keys, values []float16.Float16, err error) {
	src := c.tiers[DecodeTier]
	if n > src.occupied {
		return nil, nil, fmt.Errorf("export of %d rows but decode tier holds %d", n, src.occupied)
	}
	keys = make([]float16.Float16, n*c.width)
	values = make([]float16.Float16, n*c.width)
	copy(keys, src.keys[:n*c.width])
	copy(values, src.values[:n*c.width])
	return keys, values, nil
}

// Import replaces the cache contents with n restored rows, written into the
// decode tier and into tier.
func (c *Cache) Import(tier, n int, keys, values []float16.Float16) error {
	if tier < 0 || tier >= len(c.tiers) {
		return fmt.Errorf("%w: %d", ErrTier, tier)
	}
	if len(keys) != n*c.width || len(values) != n*c.width {
		return fmt.Errorf("import of %d rows needs %d elements, got keys=%d values=%d", n, n*c.width, len(keys), len(values))
	}
	if n > c.tiers[tier].capacity {
		return fmt.Errorf("%w: %d rows into tier %d of %d slots", ErrCapacity, n, tier, c.tiers[tier].capacity)
	}
	c.Reset()
	for _, r := range []*Region{c.tiers[DecodeTier], c.tiers[tier]} {
		r.alloc()
		copy(r.keys, keys)
		copy(r.values, values)
		r.occupied = n
	}
	return nil
}

// Reset marks every tier empty. Storage is kept for reuse.
func (c *Cache) Reset() {
	for _, r := range c.tiers {
		if r.allocated() {
			clear(r.keys)
			clear(r.values)
		}
		r.occupied = 0
	}
}

// Bytes returns the storage size of one key-or-value region of tier.
func (c *Cache) Bytes(tier int) int {
	return c.Capacity(tier) * c.width * 2
}

// SelectTier returns the smallest prefill tier (1-based) whose capacity holds
// precomputed+n tokens. It is a pure function of its arguments.
func SelectTier(precomputed, n int, capacities []int) (int, error) {
	need := precomputed + n
	for i, capacity := range capacities {
		if need <= capacity {
			return i + 1, nil
		}
	}
	largest := 0
	if len(capacities) > 0 {
		largest = capacities[len(capacities)-1]
	}
	return 0, fmt.Errorf("%w: need %d tokens, largest tier holds %d", ErrCapacity, need, largest)
}
