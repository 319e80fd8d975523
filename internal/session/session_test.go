package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/kvcache"
	"github.com/23skdu/longbow-nock/internal/sampler"
)

func newCaches(t *testing.T) []*kvcache.Cache {
	c, err := kvcache.New(0, device.LocalityHost, 2, []int{4, 8})
	require.NoError(t, err)
	return []*kvcache.Cache{c}
}

func TestSession(t *testing.T) {
	s := New("", newCaches(t), sampler.DefaultConfig())
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, Idle, s.State())
	assert.Equal(t, 8, s.Capacity())

	t.Run("Busy guard", func(t *testing.T) {
		require.True(t, s.Acquire())
		assert.False(t, s.Acquire())
		assert.True(t, s.Busy())
		s.Release()
		assert.True(t, s.Acquire())
		s.Release()
	})

	t.Run("Stop flag", func(t *testing.T) {
		s.Stop()
		assert.True(t, s.StopRequested())
		s.ClearStop()
		assert.False(t, s.StopRequested())
	})

	t.Run("Reset", func(t *testing.T) {
		require.NoError(t, s.Caches[0].Write(1, 0, 2, make([]float32, 4), make([]float32, 4), true))
		s.SystemPrompt = []int{1, 2}
		s.Precomputed = 2
		s.NextPosition = 2
		s.Append(5, 6)
		s.SetState(StoppedEOS)

		s.Reset()
		assert.Equal(t, 0, s.Precomputed)
		assert.Empty(t, s.History)
		assert.Equal(t, []int{1, 2}, s.SystemPrompt)
		assert.Equal(t, 0, s.Caches[0].Occupied(kvcache.DecodeTier))
		assert.Equal(t, Idle, s.State())
		assert.Equal(t, 8, s.Remaining())
	})
}

func TestState(t *testing.T) {
	assert.False(t, Generating.Stopped())
	assert.True(t, StoppedMaxLen.Stopped())
	assert.Equal(t, "stopped_eos", StoppedEOS.String())
}
