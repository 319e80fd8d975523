package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/engine"
	"github.com/23skdu/longbow-nock/internal/shard"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	ec, err := cfg.EngineConfig()
	require.NoError(t, err)
	assert.Equal(t, engine.VariantText, ec.Variant)
	assert.Equal(t, device.LocalityHost, ec.CacheLocality)
	assert.True(t, ec.WarmUpLargerTiers)
	assert.Equal(t, cfg.Model.Vocab, cfg.TableRows(cfg.Tables.Text))
	assert.Equal(t, 25, ec.Bridge.Hop)
}

func TestLoad_MergesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nock.yaml")
	doc := `
variant: context
model:
  layers: 4
  capacities: [32, 128]
engine:
  max_new_tokens: 12
  warm_up_larger_tiers: false
sampling:
  enable_top_k: true
  top_k: 5
sessions:
  dir: /var/lib/nock
vocoder:
  cooldown: 5s
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "context", cfg.Variant)
	assert.Equal(t, 4, cfg.Model.Layers)
	assert.Equal(t, []int{32, 128}, cfg.Model.Capacities)
	assert.Equal(t, 16, cfg.Model.Width, "unset keys keep defaults")
	assert.Equal(t, 12, cfg.Engine.MaxNewTokens)
	assert.False(t, cfg.Engine.WarmUpLargerTiers)
	assert.True(t, cfg.Sampling.EnableTopK)
	assert.Equal(t, 5, cfg.Sampling.TopK)
	assert.InDelta(t, 0.8, cfg.Sampling.Temperature, 1e-6)
	assert.Equal(t, "/var/lib/nock", cfg.Sessions.Dir)
	assert.Equal(t, 5*time.Second, cfg.Vocoder.Cooldown)
	assert.Equal(t, "[SEP]", cfg.Tokenizer.Special.End[0])
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model: [unclosed"), 0o644))
	_, err = Load(path)
	assert.ErrorIs(t, err, shard.ErrConfig)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"NOCK_VARIANT":        "speech",
		"NOCK_MAX_SESSIONS":   "3",
		"NOCK_SEED":           "99",
		"NOCK_WARM_UP":        "false",
		"NOCK_LISTEN":         " :8080 ",
		"NOCK_VOCODER_ADDR":   "",
		"NOCK_CACHE_LOCALITY": "device",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, "speech", cfg.Variant)
	assert.Equal(t, 3, cfg.Sessions.MaxSessions)
	assert.Equal(t, int64(99), cfg.Model.Seed)
	assert.False(t, cfg.Engine.WarmUpLargerTiers)
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Empty(t, cfg.Vocoder.Addr, "blank values are ignored")

	ec, err := cfg.EngineConfig()
	require.NoError(t, err)
	assert.Equal(t, device.LocalityDevice, ec.CacheLocality)

	env = map[string]string{"NOCK_MAX_SESSIONS": "many"}
	cfg = Default()
	assert.ErrorIs(t, cfg.ApplyEnv(lookup), shard.ErrConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown variant", func(c *Config) { c.Variant = "video" }},
		{"unknown locality", func(c *Config) { c.Engine.CacheLocality = "disk" }},
		{"zero max tokens", func(c *Config) { c.Engine.MaxNewTokens = 0 }},
		{"zero sessions", func(c *Config) { c.Sessions.MaxSessions = 0 }},
		{"negative ports", func(c *Config) { c.Sessions.Ports = -1 }},
		{"zero concurrency", func(c *Config) { c.Server.MaxConcurrent = 0 }},
		{"negative rows", func(c *Config) { c.Tables.Speech.Rows = -2 }},
		{"multimodal needs rotary", func(c *Config) { c.Variant = "multimodal" }},
		{"port vocab outside range", func(c *Config) {
			c.Sessions.PortBase, c.Sessions.Ports = 9000, 2
			c.Tokenizer.PortVocabs = map[int]string{9002: "vocab.txt"}
		}},
		{"speech needs hop", func(c *Config) {
			c.Variant = "speech"
			c.Bridge.Hop = 0
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), shard.ErrConfig)
		})
	}

	cfg := Default()
	cfg.Variant = "multimodal"
	cfg.Model.PositionAxes = 3
	assert.NoError(t, cfg.Validate())
}
