package kvcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-nock/internal/device"
)

func rows(n, width int, base float32) []float32 {
	out := make([]float32, n*width)
	for i := range out {
		out[i] = base + float32(i)
	}
	return out
}

func TestNew(t *testing.T) {
	c, err := New(0, device.LocalityDevice, 4, []int{8, 16, 32})
	require.NoError(t, err)

	assert.Equal(t, 3, c.Tiers())
	assert.Equal(t, 32, c.Capacity(DecodeTier))
	assert.True(t, c.Aliased(DecodeTier, 3))
	assert.False(t, c.Aliased(DecodeTier, 1))
	assert.True(t, c.Allocated(DecodeTier))
	assert.False(t, c.Allocated(1), "smaller tiers are struct-only until used")
	assert.Equal(t, 32*4*2, c.Bytes(3))

	_, err = New(0, device.LocalityDevice, 4, []int{16, 8})
	assert.Error(t, err)
	_, err = New(0, device.LocalityDevice, 0, []int{8})
	assert.Error(t, err)
}

func TestCache_Write(t *testing.T) {
	t.Run("Warm-up reaches larger tiers", func(t *testing.T) {
		c, err := New(0, device.LocalityHost, 2, []int{4, 8, 16})
		require.NoError(t, err)

		require.NoError(t, c.Write(1, 0, 3, rows(3, 2, 0), rows(3, 2, 100), true))
		assert.Equal(t, 3, c.Occupied(1))
		assert.Equal(t, 3, c.Occupied(2))
		assert.Equal(t, 3, c.Occupied(3))
		assert.Equal(t, 3, c.Occupied(DecodeTier))
	})

	t.Run("Without warm-up only target and decode", func(t *testing.T) {
		c, err := New(0, device.LocalityHost, 2, []int{4, 8, 16})
		require.NoError(t, err)

		require.NoError(t, c.Write(1, 0, 3, rows(3, 2, 0), rows(3, 2, 100), false))
		assert.Equal(t, 3, c.Occupied(1))
		assert.Equal(t, 0, c.Occupied(2))
		assert.False(t, c.Allocated(2))
		assert.Equal(t, 3, c.Occupied(DecodeTier))

		// Escalation syncs the missing rows from the decode tier
		require.NoError(t, c.Sync(2, 3))
		v, err := c.View(2)
		require.NoError(t, err)
		assert.Equal(t, 3, v.Len)
		assert.Equal(t, float32(4), v.Key(2)[0].Float32())
		assert.Equal(t, float32(105), v.Value(2)[1].Float32())
	})

	t.Run("Decode writes one row", func(t *testing.T) {
		c, err := New(0, device.LocalityHost, 2, []int{4, 8})
		require.NoError(t, err)
		require.NoError(t, c.Write(DecodeTier, 0, 1, []float32{1, 2}, []float32{3, 4}, true))
		assert.Equal(t, 1, c.Occupied(DecodeTier))
		assert.Equal(t, 0, c.Occupied(1))
	})

	t.Run("Overflow", func(t *testing.T) {
		c, err := New(0, device.LocalityHost, 2, []int{4, 8})
		require.NoError(t, err)
		err = c.Write(1, 3, 2, rows(2, 2, 0), rows(2, 2, 0), true)
		assert.ErrorIs(t, err, ErrCapacity)
	})

	t.Run("Size mismatch", func(t *testing.T) {
		c, err := New(0, device.LocalityHost, 2, []int{4})
		require.NoError(t, err)
		assert.Error(t, c.Write(1, 0, 2, rows(1, 2, 0), rows(2, 2, 0), true))
	})
}

func TestCache_Truncate(t *testing.T) {
	c, err := New(0, device.LocalityHost, 2, []int{4, 8})
	require.NoError(t, err)
	require.NoError(t, c.Write(1, 0, 3, rows(3, 2, 1), rows(3, 2, 101), true))
	require.NoError(t, c.Write(DecodeTier, 3, 1, []float32{9, 9}, []float32{9, 9}, false))
	assert.Equal(t, 4, c.Occupied(DecodeTier))

	c.Truncate(2)
	assert.Equal(t, 2, c.Occupied(1))
	assert.Equal(t, 2, c.Occupied(DecodeTier))

	v, err := c.View(DecodeTier)
	require.NoError(t, err)
	assert.Equal(t, float32(2), v.Key(0)[1].Float32())
	assert.Equal(t, float32(0), v.Key(2)[0].Float32(), "dropped rows are cleared")
	assert.Equal(t, float32(0), v.Value(3)[0].Float32())

	// Truncating past the occupancy is a no-op
	c.Truncate(5)
	assert.Equal(t, 2, c.Occupied(DecodeTier))
}

func TestCache_ExportImport(t *testing.T) {
	c, err := New(0, device.LocalityHost, 2, []int{4, 8})
	require.NoError(t, err)
	require.NoError(t, c.Write(1, 0, 3, rows(3, 2, 0), rows(3, 2, 50), true))

	keys, values, err := c.Export(3)
	require.NoError(t, err)
	assert.Len(t, keys, 6)

	_, _, err = c.Export(4)
	assert.Error(t, err)

	other, err := New(0, device.LocalityHost, 2, []int{4, 8})
	require.NoError(t, err)
	require.NoError(t, other.Import(1, 3, keys, values))
	assert.Equal(t, 3, other.Occupied(DecodeTier))
	assert.Equal(t, 3, other.Occupied(1))

	k2, v2, err := other.Export(3)
	require.NoError(t, err)
	assert.Equal(t, keys, k2)
	assert.Equal(t, values, v2)

	assert.ErrorIs(t, other.Import(1, 5, make([]float16.Float16, 10), make([]float16.Float16, 10)), ErrCapacity)

	other.Reset()
	assert.Equal(t, 0, other.Occupied(DecodeTier))
	assert.Equal(t, 0, other.Occupied(1))
}

func TestSelectTier(t *testing.T) {
	capacities := []int{128, 256, 512}
	tests := []struct {
		name        string
		precomputed int
		n           int
		want        int
		wantErr     bool
	}{
		{"Empty fits smallest", 0, 0, 1, false},
		{"Fits smallest", 0, 50, 1, false},
		{"Exactly smallest", 100, 28, 1, false},
		{"Escalates", 100, 29, 2, false},
		{"Exactly largest", 500, 12, 3, false},
		{"One over largest", 500, 13, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectTier(tt.precomputed, tt.n, capacities)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrCapacity)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			again, _ := SelectTier(tt.precomputed, tt.n, capacities)
			assert.Equal(t, got, again)
		})
	}
}
