package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/longbow-nock/internal/bridge"
	"github.com/23skdu/longbow-nock/internal/embed"
	"github.com/23skdu/longbow-nock/internal/kvcache"
	"github.com/23skdu/longbow-nock/internal/position"
	"github.com/23skdu/longbow-nock/internal/session"
	"github.com/23skdu/longbow-nock/internal/shard"
)

// Request is one user turn. With no text, ids, images or speech prompt the
// turn continues decoding from the session's last hidden state.
type Request struct {
	Text string `json:"text,omitempty" cbor:"text,omitempty"`
	// TokenIDs are used instead of Text when set.
	TokenIDs     []int   `json:"token_ids,omitempty" cbor:"token_ids,omitempty"`
	Images       []Image `json:"images,omitempty" cbor:"images,omitempty"`
	SpeechPrompt []int   `json:"speech_prompt,omitempty" cbor:"speech_prompt,omitempty"`
	// MaxNewTokens lowers the engine limit for this turn when positive.
	MaxNewTokens int `json:"max_new_tokens,omitempty" cbor:"max_new_tokens,omitempty"`

	// UserData is handed back to every callback of Run.
	UserData any `json:"-" cbor:"-"`
	// Tokens receives speech tokens as they are produced.
	Tokens *bridge.TokenBuffer `json:"-" cbor:"-"`
}

func (r Request) empty() bool {
	return r.Text == "" && r.TokenIDs == nil && len(r.Images) == 0 && len(r.SpeechPrompt) == 0
}

// Callback receives each batch of a turn: the batch ids, their count, the
// text they add, the running tokens per second and the request's user data.
type Callback func(tokens []int, count int, text string, tps float64, userData any)

// streamBuffer bounds how far decode runs ahead of a slow reader.
const streamBuffer = 16

// Generate prefills req and starts decoding in the background. Errors found
// before the first token, including ErrCapacity, are returned here and no
// batch is produced. The session stays busy until the stream ends.
func (e *Engine) Generate(ctx context.Context, s *session.Session, req Request) (*Stream, error) {
	if !s.Acquire() {
		return nil, ErrSessionBusy
	}
	s.ClearStop()

	var pre PrefillResult
	if !req.empty() {
		t, err := e.buildTurn(s, req)
		if err != nil {
			s.Release()
			return nil, err
		}
		pre, err = e.prefill(ctx, s, t)
		if err != nil {
			s.Release()
			return nil, err
		}
	}
	if s.LastHidden == nil && !pre.Stopped {
		s.Release()
		return nil, ErrNoContext
	}

	limit := e.cfg.MaxNewTokens
	if req.MaxNewTokens > 0 {
		limit = min(limit, req.MaxNewTokens)
	}

	st := newStream(streamBuffer)
	go func() {
		res, err := e.decode(ctx, s, req, limit, pre, st)
		// Released first so a caller returning from Wait can reuse s.
		s.Release()
		st.finish(res, err)
	}()
	return st, nil
}

// Run generates a turn and invokes cb for every batch, blocking until the
// turn ends.
func (e *Engine) Run(ctx context.Context, s *session.Session, req Request, cb Callback) (Result, error) {
	st, err := e.Generate(ctx, s, req)
	if err != nil {
		return Result{}, err
	}
	for b := range st.C() {
		if cb != nil {
			cb(b.Tokens, len(b.Tokens), b.Text, b.TokensPerSecond, req.UserData)
		}
	}
	return st.Wait()
}

// decoder carries the per-turn state of the decode loop.
type decoder struct {
	e       *Engine
	s       *session.Session
	st      *Stream
	ctx     context.Context
	pending []int
	all     []int
	emitted string
	started time.Time
}

func (d *decoder) tps() float64 {
	elapsed := time.Since(d.started).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(len(d.all)) / elapsed
}

// text returns what the batch adds to the decoded turn so far. WordPiece
// continuations glue onto the previous batch, so the full turn is decoded
// each time.
func (d *decoder) text() string {
	if d.e.caps.SpeechTokens {
		return ""
	}
	full := d.e.tokenizerFor(d.s).Decode(d.all)
	delta := strings.TrimPrefix(full, d.emitted)
	d.emitted = full
	return delta
}

func (d *decoder) flush(final bool, state session.State) {
	b := Batch{
		Tokens:          d.pending,
		Text:            d.text(),
		TokensPerSecond: d.tps(),
		Final:           final,
		State:           state,
	}
	d.pending = nil
	select {
	case d.st.ch <- b:
		return
	default:
	}
	// The buffer is full; a reader that went away must have cancelled ctx.
	select {
	case d.st.ch <- b:
	case <-d.ctx.Done():
		log.Debug().Str("session", d.s.ID).Int("tokens", len(b.Tokens)).Msg("Dropped batch for abandoned stream")
	}
}

// decode runs the decode loop until an end token, the token limit, the
// cache capacity or a stop request ends the turn.
func (e *Engine) decode(ctx context.Context, s *session.Session, req Request, limit int, pre PrefillResult, st *Stream) (Result, error) {
	ctx, span := tracer.Start(ctx, "engine.generate")
	defer span.End()
	span.SetAttributes(attribute.String("session", s.ID), attribute.String("variant", e.cfg.Variant.String()))

	d := &decoder{e: e, s: s, st: st, ctx: ctx, started: time.Now()}
	res := Result{Prefill: pre}
	finish := func(state session.State) (Result, error) {
		s.SetState(state)
		d.flush(true, state)
		if req.Tokens != nil {
			if state == session.StoppedExternal {
				req.Tokens.Stop()
			} else {
				req.Tokens.Finish()
			}
		}
		res.Tokens = d.all
		res.Text = d.emitted
		res.State = state
		res.TokensPerSecond = d.tps()
		generationsFinished.WithLabelValues(state.String()).Inc()
		span.SetAttributes(attribute.Int("produced", len(d.all)), attribute.String("state", state.String()))
		log.Debug().
			Str("session", s.ID).
			Int("produced", len(d.all)).
			Str("state", state.String()).
			Float64("tps", res.TokensPerSecond).
			Msg("Generation finished")
		return res, nil
	}
	fail := func(err error) (Result, error) {
		s.SetState(session.StoppedExternal)
		if req.Tokens != nil {
			req.Tokens.Stop()
		}
		res.Tokens = d.all
		res.State = session.StoppedExternal
		span.RecordError(err)
		log.Error().Err(err).Str("session", s.ID).Int("produced", len(d.all)).Msg("Generation failed")
		return res, err
	}

	if pre.Stopped {
		return finish(session.StoppedExternal)
	}

	s.SetState(session.AwaitingFirstToken)
	hidden := s.LastHidden
	width := e.stack.Width()
	kind := e.decodeKind()
	capacity := s.Capacity()
	produced := 0
	for {
		if s.StopRequested() || ctx.Err() != nil {
			return finish(session.StoppedExternal)
		}
		stepStart := time.Now()

		logits, err := e.stack.Logits(ctx, hidden)
		if err != nil {
			return fail(fmt.Errorf("failed to run output head: %w", err))
		}
		tok := s.Sampler.Next(logits, s.History, produced)
		produced++
		s.Append(tok)
		d.all = append(d.all, tok)
		d.pending = append(d.pending, tok)
		tokensGenerated.WithLabelValues(e.cfg.Variant.String()).Inc()
		if produced == 1 {
			s.SetState(session.Generating)
		}

		if e.isEnd(tok) {
			return finish(session.StoppedEOS)
		}
		if req.Tokens != nil {
			req.Tokens.Push(tok)
		}
		if s.Precomputed >= capacity {
			log.Warn().Str("session", s.ID).Int("capacity", capacity).Msg("Decode reached cache capacity")
			return finish(session.StoppedMaxLen)
		}

		// A sampled token is always fed, even if ctx is cancelled meanwhile,
		// so the caches hold every token the caller has seen. Cancellation
		// ends the turn at the top of the next iteration.
		hidden, err = e.step(context.WithoutCancel(ctx), s, kind, tok, width)
		if err != nil {
			s.History = s.History[:len(s.History)-1]
			d.all = d.all[:len(d.all)-1]
			d.pending = d.pending[:len(d.pending)-1]
			return fail(err)
		}
		decodeStepDuration.Observe(time.Since(stepStart).Seconds())

		if produced >= limit {
			return finish(session.StoppedMaxLen)
		}
		if len(d.pending) >= e.cfg.BatchThreshold {
			d.flush(false, session.Generating)
		}
	}
}

// step feeds one token through the decode tier at slot Precomputed and
// returns the new final hidden row.
func (e *Engine) step(ctx context.Context, s *session.Session, kind embed.Kind, tok, width int) ([]float32, error) {
	row, err := e.embeds.Embed(kind, []int{tok})
	if err != nil {
		return nil, err
	}
	var pos position.Index
	if e.caps.RotaryAxes {
		pos = position.Uniform(3, s.NextPosition, 1)
	} else {
		pos = position.Flat(s.NextPosition, 1)
	}
	capacity := e.stack.Capacity(kvcache.DecodeTier)
	out, err := e.stack.Forward(ctx, s.Caches, row, shard.Pass{
		Tier:      kvcache.DecodeTier,
		Tokens:    1,
		Start:     s.Precomputed,
		Mask:      CausalMask(1, capacity, s.Precomputed, 1),
		Positions: pos,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to run decode step at %d: %w", s.Precomputed, err)
	}
	hidden := out.Rows(0, 1, width)
	e.stack.Release(out)
	s.Precomputed++
	s.NextPosition = pos.Next
	s.LastHidden = hidden
	return hidden, nil
}
