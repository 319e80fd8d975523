// Package config loads the nock configuration: built-in defaults, then an
// optional YAML file, then NOCK_* environment overrides. Command-line flags
// are applied last by cmd/nock.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-nock/internal/bridge"
	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/engine"
	"github.com/23skdu/longbow-nock/internal/sampler"
	"github.com/23skdu/longbow-nock/internal/shard"
	"github.com/23skdu/longbow-nock/internal/tokenizer"
)

// Config is the complete runtime configuration.
type Config struct {
	Variant   string                `yaml:"variant"`
	Model     shard.ReferenceConfig `yaml:"model"`
	Tokenizer TokenizerConfig       `yaml:"tokenizer"`
	Tables    TablesConfig          `yaml:"tables"`
	Engine    EngineConfig          `yaml:"engine"`
	Sampling  sampler.Config        `yaml:"sampling"`
	Bridge    bridge.Params         `yaml:"bridge"`
	Sessions  SessionsConfig        `yaml:"sessions"`
	Server    ServerConfig          `yaml:"server"`
	Vocoder   VocoderConfig         `yaml:"vocoder"`
}

// TokenizerConfig points at a WordPiece vocabulary. Without one a
// synthetic vocabulary of Model.Vocab entries is generated.
type TokenizerConfig struct {
	Vocab   string          `yaml:"vocab"`
	Special tokenizer.Names `yaml:"special"`
	// PortVocabs gives the sessions leasing a port their own vocabulary.
	// Leased ports without an entry get a private copy of Vocab.
	PortVocabs map[int]string `yaml:"port_vocabs"`
}

// TableConfig is one embedding table. Rows defaults to the model vocabulary.
type TableConfig struct {
	Path string `yaml:"path"`
	Rows int    `yaml:"rows"`
}

// TablesConfig lists the embedding tables. Tables without a path are
// drawn from Seed with the given Scale.
type TablesConfig struct {
	Text   TableConfig `yaml:"text"`
	Speech TableConfig `yaml:"speech"`
	Fusion TableConfig `yaml:"fusion"`
	Scale  float64     `yaml:"scale"`
	Seed   int64       `yaml:"seed"`
}

type EngineConfig struct {
	MaxNewTokens      int    `yaml:"max_new_tokens"`
	BatchThreshold    int    `yaml:"batch_threshold"`
	WarmUpLargerTiers bool   `yaml:"warm_up_larger_tiers"`
	CacheLocality     string `yaml:"cache_locality"`
	EndTokens         []int  `yaml:"end_tokens"`
	SpeechEnd         int    `yaml:"speech_end"`
	FusionSOS         int    `yaml:"fusion_sos"`
	FusionTask        int    `yaml:"fusion_task"`
	MergeSize         int    `yaml:"merge_size"`
	SystemPrompt      string `yaml:"system_prompt"`
}

type SessionsConfig struct {
	MaxSessions int    `yaml:"max_sessions"`
	Dir         string `yaml:"dir"`
	PortBase    int    `yaml:"port_base"`
	Ports       int    `yaml:"ports"`
}

type ServerConfig struct {
	Listen        string `yaml:"listen"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// VocoderConfig selects the speech vocoder. With Addr empty the built-in
// tone vocoder is used. Listen serves that vocoder over Flight.
type VocoderConfig struct {
	Addr        string        `yaml:"addr"`
	Voice       string        `yaml:"voice"`
	MaxFailures int           `yaml:"max_failures"`
	Cooldown    time.Duration `yaml:"cooldown"`
	Listen      string        `yaml:"listen"`
}

// Default returns a configuration that runs the small reference model.
func Default() Config {
	ec := engine.DefaultConfig()
	return Config{
		Variant:   engine.VariantText.String(),
		Model:     shard.DefaultReferenceConfig(),
		Tokenizer: TokenizerConfig{Special: tokenizer.DefaultNames()},
		Tables:    TablesConfig{Scale: 0.5, Seed: 7},
		Engine: EngineConfig{
			MaxNewTokens:      ec.MaxNewTokens,
			BatchThreshold:    ec.BatchThreshold,
			WarmUpLargerTiers: ec.WarmUpLargerTiers,
			CacheLocality:     ec.CacheLocality.String(),
			FusionTask:        1,
			MergeSize:         ec.MergeSize,
		},
		Sampling: ec.Sampling,
		Bridge:   ec.Bridge,
		Sessions: SessionsConfig{
			MaxSessions: 16,
			Dir:         "sessions",
		},
		Server: ServerConfig{MaxConcurrent: 64},
		Vocoder: VocoderConfig{
			Voice:       "default",
			MaxFailures: 5,
			Cooldown:    30 * time.Second,
		},
	}
}

// Load returns Default merged with the YAML file at path, if any. Keys
// absent from the file keep their default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: failed to parse %s: %v", shard.ErrConfig, path, err)
	}
	return cfg, nil
}

type envVar struct {
	name string
	set  func(c *Config, v string) error
}

func envString(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func envInt(dst func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

var envVars = []envVar{
	{"NOCK_VARIANT", envString(func(c *Config) *string { return &c.Variant })},
	{"NOCK_VOCAB", envString(func(c *Config) *string { return &c.Tokenizer.Vocab })},
	{"NOCK_WEIGHTS_DIR", envString(func(c *Config) *string { return &c.Model.WeightsDir })},
	{"NOCK_LISTEN", envString(func(c *Config) *string { return &c.Server.Listen })},
	{"NOCK_SESSION_DIR", envString(func(c *Config) *string { return &c.Sessions.Dir })},
	{"NOCK_VOCODER_ADDR", envString(func(c *Config) *string { return &c.Vocoder.Addr })},
	{"NOCK_CACHE_LOCALITY", envString(func(c *Config) *string { return &c.Engine.CacheLocality })},
	{"NOCK_MAX_SESSIONS", envInt(func(c *Config) *int { return &c.Sessions.MaxSessions })},
	{"NOCK_MAX_NEW_TOKENS", envInt(func(c *Config) *int { return &c.Engine.MaxNewTokens })},
	{"NOCK_MAX_CONCURRENT", envInt(func(c *Config) *int { return &c.Server.MaxConcurrent })},
	{"NOCK_DEVICES", envInt(func(c *Config) *int { return &c.Model.Devices })},
	{"NOCK_SEED", func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		c.Model.Seed = n
		return nil
	}},
	{"NOCK_WARM_UP", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.Engine.WarmUpLargerTiers = b
		return nil
	}},
}

// ApplyEnv overrides fields from NOCK_* variables found by lookup,
// normally os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, ev := range envVars {
		v, ok := lookup(ev.name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := ev.set(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%w: %s=%q: %v", shard.ErrConfig, ev.name, v, err)
		}
	}
	return nil
}

// ParseLocality maps "host" or "device" to a device.Locality.
func ParseLocality(name string) (device.Locality, error) {
	switch strings.ToLower(name) {
	case "", "host":
		return device.LocalityHost, nil
	case "device":
		return device.LocalityDevice, nil
	default:
		return 0, fmt.Errorf("%w: unknown cache locality %q", shard.ErrConfig, name)
	}
}

// Validate checks the fields that are not checked again when the model is
// built.
func (c *Config) Validate() error {
	v, err := engine.ParseVariant(c.Variant)
	if err != nil {
		return err
	}
	if _, err := ParseLocality(c.Engine.CacheLocality); err != nil {
		return err
	}
	switch {
	case c.Engine.MaxNewTokens < 1:
		return fmt.Errorf("%w: max_new_tokens must be positive", shard.ErrConfig)
	case c.Sessions.MaxSessions < 1:
		return fmt.Errorf("%w: max_sessions must be positive", shard.ErrConfig)
	case c.Sessions.Ports < 0 || c.Sessions.PortBase < 0:
		return fmt.Errorf("%w: negative port range", shard.ErrConfig)
	case c.Server.MaxConcurrent < 1:
		return fmt.Errorf("%w: max_concurrent must be positive", shard.ErrConfig)
	case c.Tables.Text.Rows < 0 || c.Tables.Speech.Rows < 0 || c.Tables.Fusion.Rows < 0:
		return fmt.Errorf("%w: negative table rows", shard.ErrConfig)
	}
	for port := range c.Tokenizer.PortVocabs {
		if port < c.Sessions.PortBase || port >= c.Sessions.PortBase+c.Sessions.Ports {
			return fmt.Errorf("%w: port_vocabs entry %d outside leased range [%d,%d)", shard.ErrConfig,
				port, c.Sessions.PortBase, c.Sessions.PortBase+c.Sessions.Ports)
		}
	}
	if v.Capabilities().RotaryAxes && c.Model.PositionAxes != 3 {
		return fmt.Errorf("%w: %s variant needs position_axes 3", shard.ErrConfig, v)
	}
	if v.Capabilities().SpeechTokens {
		if err := c.Bridge.Validate(); err != nil {
			return fmt.Errorf("%w: %v", shard.ErrConfig, err)
		}
		if c.Vocoder.MaxFailures < 1 {
			return fmt.Errorf("%w: vocoder max_failures must be positive", shard.ErrConfig)
		}
	}
	return nil
}

// EngineConfig converts the engine-facing fields.
func (c *Config) EngineConfig() (engine.Config, error) {
	v, err := engine.ParseVariant(c.Variant)
	if err != nil {
		return engine.Config{}, err
	}
	loc, err := ParseLocality(c.Engine.CacheLocality)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Variant:           v,
		MaxNewTokens:      c.Engine.MaxNewTokens,
		BatchThreshold:    c.Engine.BatchThreshold,
		WarmUpLargerTiers: c.Engine.WarmUpLargerTiers,
		CacheLocality:     loc,
		Sampling:          c.Sampling,
		EndTokens:         c.Engine.EndTokens,
		SpeechEnd:         c.Engine.SpeechEnd,
		FusionSOS:         c.Engine.FusionSOS,
		FusionTask:        c.Engine.FusionTask,
		MergeSize:         c.Engine.MergeSize,
		Bridge:            c.Bridge,
	}, nil
}

// TableRows returns t.Rows, or the model vocabulary when unset.
func (c *Config) TableRows(t TableConfig) int {
	if t.Rows > 0 {
		return t.Rows
	}
	return c.Model.Vocab
}
