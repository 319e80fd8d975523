package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-nock/internal/bridge"
	"github.com/23skdu/longbow-nock/internal/client"
	"github.com/23skdu/longbow-nock/internal/config"
	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/embed"
	"github.com/23skdu/longbow-nock/internal/engine"
	"github.com/23skdu/longbow-nock/internal/shard"
	"github.com/23skdu/longbow-nock/internal/tokenizer"
)

// Runtime is everything built from one configuration.
type Runtime struct {
	Config  config.Config
	Engine  *engine.Engine
	Manager *engine.Manager
	// Vocoder is nil unless the variant produces speech tokens.
	Vocoder bridge.Vocoder

	closers []func() error
}

// Close releases the sessions and any remote connections.
func (rt *Runtime) Close() {
	rt.Manager.Shutdown()
	for _, c := range rt.closers {
		if err := c(); err != nil {
			log.Warn().Err(err).Msg("Failed to close runtime resource")
		}
	}
}

// Build loads tables and weights and wires the engine, its session manager
// and the vocoder.
func Build(cfg config.Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ecfg, err := cfg.EngineConfig()
	if err != nil {
		return nil, err
	}

	backend := device.NewCPUBackend(max(cfg.Model.Devices, 1), ecfg.CacheLocality)
	stack, err := shard.BuildReference(backend, cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to build model: %w", err)
	}

	tok, err := buildTokenizer(cfg)
	if err != nil {
		return nil, err
	}

	text, err := buildTable(cfg, cfg.Tables.Text, cfg.Tables.Seed)
	if err != nil {
		return nil, err
	}
	extra := map[embed.Kind]*embed.Table{}
	if ecfg.Variant.Capabilities().SpeechTokens {
		if extra[embed.Speech], err = buildTable(cfg, cfg.Tables.Speech, cfg.Tables.Seed+1); err != nil {
			return nil, err
		}
		if extra[embed.Fusion], err = buildTable(cfg, cfg.Tables.Fusion, cfg.Tables.Seed+2); err != nil {
			return nil, err
		}
	}
	embeds, err := embed.NewSelector(text, extra)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shard.ErrConfig, err)
	}

	eng, err := engine.New(ecfg, stack, embeds, tok)
	if err != nil {
		return nil, err
	}

	opts := engine.ManagerOptions{
		MaxSessions: cfg.Sessions.MaxSessions,
		Dir:         cfg.Sessions.Dir,
		PortBase:    cfg.Sessions.PortBase,
		Ports:       cfg.Sessions.Ports,
	}
	if cfg.Sessions.Ports > 0 {
		opts.TokenizerFor = portTokenizers(cfg, tok.Special())
	}
	rt := &Runtime{
		Config:  cfg,
		Engine:  eng,
		Manager: engine.NewManager(eng, opts),
	}

	if ecfg.Variant.Capabilities().SpeechTokens {
		if cfg.Vocoder.Addr != "" {
			fv, err := client.NewFlightVocoder(cfg.Vocoder.Addr, cfg.Vocoder.Voice,
				client.NewCircuitBreaker(cfg.Vocoder.MaxFailures, cfg.Vocoder.Cooldown))
			if err != nil {
				return nil, err
			}
			rt.Vocoder = fv
			rt.closers = append(rt.closers, fv.Close)
			log.Info().Str("addr", cfg.Vocoder.Addr).Str("voice", cfg.Vocoder.Voice).Msg("Using remote vocoder")
		} else {
			rt.Vocoder = bridge.DefaultToneVocoder()
		}
	}

	log.Info().
		Str("variant", ecfg.Variant.String()).
		Int("layers", stack.Layers()).
		Int("width", stack.Width()).
		Ints("capacities", stack.Capacities()).
		Int("chunk", stack.ChunkWidth()).
		Msg("Engine ready")
	return rt, nil
}

func buildTable(cfg config.Config, t config.TableConfig, seed int64) (*embed.Table, error) {
	rows := cfg.TableRows(t)
	if t.Path == "" {
		return embed.Random(rows, cfg.Model.Width, cfg.Tables.Scale, seed), nil
	}
	return embed.Load(t.Path, rows, cfg.Model.Width)
}

var loremWords = strings.Fields("lorem ipsum dolor sit amet consectetur adipiscing elit sed do eiusmod tempor incididunt ut labore et dolore magna aliqua")

func buildTokenizer(cfg config.Config) (tokenizer.Tokenizer, error) {
	names := cfg.Tokenizer.Special
	if cfg.Tokenizer.Vocab != "" {
		return tokenizer.NewWordPieceTokenizer(cfg.Tokenizer.Vocab, names)
	}
	return tokenizer.NewFromWords(syntheticVocab(names, cfg.Model.Vocab), names)
}

// portTokenizers opens a private tokenizer for each leased port, from the
// port's own vocabulary when one is configured. It must agree with the
// engine on the control ids, which drive stop and splice decisions.
func portTokenizers(cfg config.Config, want tokenizer.Special) func(port int) (tokenizer.Tokenizer, error) {
	return func(port int) (tokenizer.Tokenizer, error) {
		pc := cfg
		if vocab, ok := cfg.Tokenizer.PortVocabs[port]; ok {
			pc.Tokenizer.Vocab = vocab
		}
		tok, err := buildTokenizer(pc)
		if err != nil {
			return nil, err
		}
		got := tok.Special()
		if !slices.Equal(got.End, want.End) || got.ImageStart != want.ImageStart ||
			got.ImageContext != want.ImageContext || got.ImageEnd != want.ImageEnd {
			return nil, fmt.Errorf("%w: port %d tokenizer control ids %+v differ from %+v", shard.ErrConfig, port, got, want)
		}
		log.Debug().Int("port", port).Int("vocab", tok.Vocab()).Msg("Opened port tokenizer")
		return tok, nil
	}
}

// syntheticVocab lays out the special tokens, the lorem words and numbered
// filler up to size entries.
func syntheticVocab(names tokenizer.Names, size int) []string {
	var words []string
	seen := map[string]bool{}
	add := func(w string) {
		if w != "" && !seen[w] {
			seen[w] = true
			words = append(words, w)
		}
	}
	add(names.Unknown)
	for _, w := range names.End {
		add(w)
	}
	add(names.ImageStart)
	add(names.ImageContext)
	add(names.ImageEnd)
	for _, w := range loremWords {
		add(w)
	}
	for i := 0; len(words) < size; i++ {
		add(fmt.Sprintf("w%d", i))
	}
	return words
}
