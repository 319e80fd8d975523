// Package engine schedules prefill and decode over a shard stack.
//
// One Engine serves every session of a model. Prefill splits a turn into
// chunk_width calls on the smallest tier that holds the whole turn; decode
// feeds one token at a time through the decode tier and streams sampled
// tokens in batches.
package engine

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/23skdu/longbow-nock/internal/bridge"
	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/embed"
	"github.com/23skdu/longbow-nock/internal/kvcache"
	"github.com/23skdu/longbow-nock/internal/sampler"
	"github.com/23skdu/longbow-nock/internal/session"
	"github.com/23skdu/longbow-nock/internal/shard"
	"github.com/23skdu/longbow-nock/internal/tokenizer"
)

var (
	// ErrCapacity is returned when a turn does not fit any tier. Nothing is
	// written to the caches.
	ErrCapacity = kvcache.ErrCapacity
	// ErrSessionBusy is returned when a turn is started on a session that
	// is already running one.
	ErrSessionBusy = errors.New("session is busy")
	// ErrUnsupported is returned for an operation the engine's variant
	// does not offer.
	ErrUnsupported = errors.New("operation not supported by model variant")
	// ErrNoContext is returned when decode starts without a prefilled
	// hidden state to draw the first token from.
	ErrNoContext = errors.New("nothing to decode from")
)

var tracer = otel.Tracer("nock-engine")

// Variant names a model family.
type Variant int

const (
	VariantText Variant = iota
	VariantContext
	VariantMultimodal
	VariantSpeech
)

func (v Variant) String() string {
	switch v {
	case VariantText:
		return "text"
	case VariantContext:
		return "context"
	case VariantMultimodal:
		return "multimodal"
	case VariantSpeech:
		return "speech"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// ParseVariant maps a configuration name to a Variant.
func ParseVariant(name string) (Variant, error) {
	for _, v := range []Variant{VariantText, VariantContext, VariantMultimodal, VariantSpeech} {
		if v.String() == name {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown variant %q", shard.ErrConfig, name)
}

// Capabilities are the optional behaviours of a variant.
type Capabilities struct {
	MultimodalSplice bool
	Persistence      bool
	RotaryAxes       bool
	SpeechTokens     bool
}

// Capabilities returns the behaviours v enables.
func (v Variant) Capabilities() Capabilities {
	switch v {
	case VariantContext:
		return Capabilities{Persistence: true}
	case VariantMultimodal:
		return Capabilities{MultimodalSplice: true, RotaryAxes: true}
	case VariantSpeech:
		return Capabilities{SpeechTokens: true}
	default:
		return Capabilities{}
	}
}

// Config holds the engine parameters that are not part of the shards.
type Config struct {
	Variant Variant
	// MaxNewTokens bounds one turn's decode; a request may lower it.
	MaxNewTokens int
	// BatchThreshold is how many tokens are collected before a batch is
	// emitted.
	BatchThreshold int
	// WarmUpLargerTiers also writes prefill rows into every larger tier.
	WarmUpLargerTiers bool
	CacheLocality     device.Locality
	Sampling          sampler.Config
	// EndTokens override the tokenizer's end ids when set.
	EndTokens []int
	// SpeechEnd is the end-of-speech id in the speech table.
	SpeechEnd int
	// FusionSOS and FusionTask frame the text of a speech turn; both index
	// the fusion table.
	FusionSOS  int
	FusionTask int
	// MergeSize is the vision encoder's spatial merge factor.
	MergeSize int
	Bridge    bridge.Params
}

// DefaultConfig returns a text engine configuration.
func DefaultConfig() Config {
	return Config{
		Variant:           VariantText,
		MaxNewTokens:      256,
		BatchThreshold:    3,
		WarmUpLargerTiers: true,
		CacheLocality:     device.LocalityHost,
		Sampling:          sampler.DefaultConfig(),
		MergeSize:         2,
		Bridge:            bridge.DefaultParams(),
	}
}

// Engine runs turns for every session of one model. It is safe for
// concurrent use by different sessions.
type Engine struct {
	cfg    Config
	caps   Capabilities
	stack  *shard.Stack
	embeds *embed.Selector
	tok    tokenizer.Tokenizer
	ends   []int
}

// New checks that the stack, the embedding tables and the tokenizer agree
// with each other and with the variant.
func New(cfg Config, stack *shard.Stack, embeds *embed.Selector, tok tokenizer.Tokenizer) (*Engine, error) {
	if stack == nil || embeds == nil || tok == nil {
		return nil, fmt.Errorf("%w: engine needs a stack, embedding tables and a tokenizer", shard.ErrConfig)
	}
	if embeds.Width() != stack.Width() {
		return nil, fmt.Errorf("%w: embedding width %d, stack width %d", shard.ErrConfig, embeds.Width(), stack.Width())
	}
	if cfg.MaxNewTokens < 1 {
		return nil, fmt.Errorf("%w: max new tokens %d", shard.ErrConfig, cfg.MaxNewTokens)
	}
	if cfg.BatchThreshold < 1 {
		cfg.BatchThreshold = 1
	}

	e := &Engine{
		cfg:    cfg,
		caps:   cfg.Variant.Capabilities(),
		stack:  stack,
		embeds: embeds,
		tok:    tok,
	}

	axes := 1
	if e.caps.RotaryAxes {
		axes = 3
	}
	if d, ok := stack.Tier(kvcache.DecodeTier).Input(shard.PositionIDs); ok && len(d.Shape) == 2 && d.Shape[0] != axes {
		return nil, fmt.Errorf("%w: %s variant needs %d position axes, shards take %d", shard.ErrConfig, cfg.Variant, axes, d.Shape[0])
	}

	switch {
	case e.caps.SpeechTokens:
		if !embeds.Has(embed.Speech) || !embeds.Has(embed.Fusion) {
			return nil, fmt.Errorf("%w: speech variant needs speech and fusion tables", shard.ErrConfig)
		}
		if cfg.SpeechEnd < 0 || cfg.SpeechEnd >= embeds.Table(embed.Speech).Rows() {
			return nil, fmt.Errorf("%w: end-of-speech id %d outside speech table", shard.ErrConfig, cfg.SpeechEnd)
		}
		if err := cfg.Bridge.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", shard.ErrConfig, err)
		}
		e.ends = []int{cfg.SpeechEnd}
	default:
		e.ends = cfg.EndTokens
		if len(e.ends) == 0 {
			e.ends = tok.Special().End
		}
		if len(e.ends) == 0 {
			return nil, fmt.Errorf("%w: no end token ids", shard.ErrConfig)
		}
	}
	if e.caps.MultimodalSplice {
		sp := tok.Special()
		if sp.ImageContext < 0 || sp.ImageStart < 0 || sp.ImageEnd < 0 {
			return nil, fmt.Errorf("%w: tokenizer lacks vision placeholder ids", shard.ErrConfig)
		}
		if cfg.MergeSize < 1 {
			return nil, fmt.Errorf("%w: merge size %d", shard.ErrConfig, cfg.MergeSize)
		}
	}
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Capabilities returns the behaviours of the engine's variant.
func (e *Engine) Capabilities() Capabilities { return e.caps }

// Stack returns the shard stack.
func (e *Engine) Stack() *shard.Stack { return e.stack }

// Tokenizer returns the engine's default tokenizer.
func (e *Engine) Tokenizer() tokenizer.Tokenizer { return e.tok }

// EndTokens returns the ids that end a turn.
func (e *Engine) EndTokens() []int { return append([]int(nil), e.ends...) }

// NewSession allocates caches for a new idle session. A nil sampling
// config uses the engine default.
func (e *Engine) NewSession(id string, sampling *sampler.Config) (*session.Session, error) {
	caches, err := e.stack.NewCaches(e.cfg.CacheLocality)
	if err != nil {
		return nil, err
	}
	cfg := e.cfg.Sampling
	if sampling != nil {
		cfg = *sampling
	}
	if len(cfg.EndTokens) == 0 {
		cfg.EndTokens = e.EndTokens()
	}
	return session.New(id, caches, cfg), nil
}

func (e *Engine) tokenizerFor(s *session.Session) tokenizer.Tokenizer {
	if s.Tokenizer != nil {
		return s.Tokenizer
	}
	return e.tok
}

func (e *Engine) isEnd(id int) bool {
	for _, end := range e.ends {
		if id == end {
			return true
		}
	}
	return false
}

// decodeKind is the table decode steps embed the previous token with.
func (e *Engine) decodeKind() embed.Kind {
	if e.caps.SpeechTokens {
		return embed.Speech
	}
	return embed.Text
}
