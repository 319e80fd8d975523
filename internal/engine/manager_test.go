package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-nock/internal/tokenizer"
)

func TestPortPool(t *testing.T) {
	p := NewPortPool(9100, 2)
	ctx := context.Background()

	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	b, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9100, a)
	assert.Equal(t, 9101, b)
	assert.Equal(t, 2, p.InUse())

	t.Run("exhausted", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := p.Acquire(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	p.Release(a)
	p.Release(a)
	assert.Equal(t, 1, p.InUse())
	c, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, a, c)
}

func TestManager(t *testing.T) {
	cfg := noEnd()
	cfg.Variant = VariantContext
	f := newFixture(t, smallModel(), cfg, nil)
	ctx := context.Background()

	var opened []int
	m := NewManager(f.engine, ManagerOptions{
		MaxSessions: 2,
		Dir:         t.TempDir(),
		PortBase:    9200,
		Ports:       2,
		TokenizerFor: func(port int) (tokenizer.Tokenizer, error) {
			opened = append(opened, port)
			return f.engine.tok, nil
		},
	})

	a, err := m.Open(ctx, "alpha", seqIDs(4), nil)
	require.NoError(t, err)
	assert.Equal(t, "alpha", a.ID)
	assert.Equal(t, 4, a.Precomputed)
	assert.Equal(t, 9200, a.Port)
	assert.NotNil(t, a.Tokenizer)

	again, err := m.Open(ctx, "alpha", nil, nil)
	require.NoError(t, err)
	assert.Same(t, a, again)

	b, err := m.Open(ctx, "", nil, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, 2, m.Len())
	assert.Equal(t, []int{9200, 9201}, opened)

	t.Run("slots exhausted", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := m.Open(ctx, "gamma", nil, nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("save and restore", func(t *testing.T) {
		_, err := f.engine.Run(ctx, a, Request{TokenIDs: seqIDs(3), MaxNewTokens: 2}, nil)
		require.NoError(t, err)
		require.NoError(t, m.Save("alpha"))
		saved := a.Precomputed

		require.NoError(t, m.Reset(ctx, "alpha"))
		assert.Equal(t, 4, a.Precomputed)

		ok, err := m.Restore(ctx, "alpha")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, saved, a.Precomputed)
	})

	t.Run("unknown session", func(t *testing.T) {
		assert.ErrorIs(t, m.Save("nope"), ErrNoSession)
		assert.ErrorIs(t, m.Stop("nope"), ErrNoSession)
		_, err := m.Restore(ctx, "nope")
		assert.ErrorIs(t, err, ErrNoSession)
	})

	require.NoError(t, m.Close("alpha"))
	assert.True(t, errors.Is(m.Close("alpha"), ErrNoSession))
	_, ok := m.Get("alpha")
	assert.False(t, ok)

	c, err := m.Open(ctx, "gamma", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 9200, c.Port)

	m.Shutdown()
	assert.Equal(t, 0, m.Len())
}
