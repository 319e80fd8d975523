package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/embed"
	"github.com/23skdu/longbow-nock/internal/kvcache"
	"github.com/23skdu/longbow-nock/internal/position"
	"github.com/23skdu/longbow-nock/internal/session"
	"github.com/23skdu/longbow-nock/internal/shard"
)

// Image is a precomputed vision block to insert into a turn.
type Image struct {
	// Offset is the index into the turn's token ids the image is inserted
	// before.
	Offset int `json:"offset" cbor:"offset"`
	// Rows holds the block's embedding rows, one per merged grid cell.
	Rows []float32 `json:"rows" cbor:"rows"`
	// Grid is the vision grid before spatial merging.
	Grid      position.Grid `json:"grid" cbor:"grid"`
	Deepstack [][]float32   `json:"deepstack,omitempty" cbor:"deepstack,omitempty"`
}

// PrefillResult describes a finished prefill.
type PrefillResult struct {
	Tokens int
	Tier   int
	Chunks int
	// Stopped is set when a stop request or cancellation skipped the
	// remaining chunks.
	Stopped bool
}

// turn is one prefill's embedded input.
type turn struct {
	seq     []float32
	n       int
	history []int
	blocks  []embed.Block
}

// CausalMask returns a tokens × capacity mask for n valid rows whose first
// row sits at cache slot past. Row i sees slots [0, past+i]; rows from n on
// see nothing.
func CausalMask(tokens, capacity, past, n int) []float32 {
	mask := make([]float32, tokens*capacity)
	for i := 0; i < tokens; i++ {
		row := mask[i*capacity : (i+1)*capacity]
		visible := 0
		if i < n {
			visible = min(past+i+1, capacity)
		}
		for j := visible; j < capacity; j++ {
			row[j] = device.MaskedValue
		}
	}
	return mask
}

// SetSystemPrompt resets s and prefills ids as its new system prompt. An
// empty prompt leaves a fresh, empty session.
func (e *Engine) SetSystemPrompt(ctx context.Context, s *session.Session, ids []int) error {
	if !s.Acquire() {
		return ErrSessionBusy
	}
	defer s.Release()
	return e.resetTo(ctx, s, ids)
}

func (e *Engine) resetTo(ctx context.Context, s *session.Session, ids []int) error {
	s.Reset()
	s.ClearStop()
	s.SystemPrompt = append([]int(nil), ids...)
	t, err := e.textTurn(ids, nil)
	if err != nil {
		return err
	}
	if _, err := e.prefill(ctx, s, t); err != nil {
		return fmt.Errorf("failed to prefill system prompt: %w", err)
	}
	return nil
}

// Prefill appends req's input to the session context without decoding.
func (e *Engine) Prefill(ctx context.Context, s *session.Session, req Request) (PrefillResult, error) {
	if !s.Acquire() {
		return PrefillResult{}, ErrSessionBusy
	}
	defer s.Release()
	s.ClearStop()
	t, err := e.buildTurn(s, req)
	if err != nil {
		return PrefillResult{}, err
	}
	return e.prefill(ctx, s, t)
}

// buildTurn turns a request into embedded rows.
func (e *Engine) buildTurn(s *session.Session, req Request) (turn, error) {
	ids := req.TokenIDs
	if ids == nil && req.Text != "" {
		ids = e.tokenizerFor(s).Encode(req.Text)
	}
	switch {
	case len(req.Images) > 0 && !e.caps.MultimodalSplice:
		return turn{}, fmt.Errorf("%w: images on %s model", ErrUnsupported, e.cfg.Variant)
	case len(req.SpeechPrompt) > 0 && !e.caps.SpeechTokens:
		return turn{}, fmt.Errorf("%w: speech prompt on %s model", ErrUnsupported, e.cfg.Variant)
	case e.caps.SpeechTokens:
		return e.speechTurn(ids, req.SpeechPrompt)
	default:
		return e.textTurn(ids, req.Images)
	}
}

// textTurn embeds ids through the text table and splices images in,
// each framed by the tokenizer's image start and end ids.
func (e *Engine) textTurn(ids []int, images []Image) (turn, error) {
	width := e.stack.Width()
	if len(images) == 0 {
		seq, err := e.embeds.Embed(embed.Text, ids)
		if err != nil {
			return turn{}, err
		}
		return turn{seq: seq, n: len(ids), history: ids}, nil
	}

	sp := e.tok.Special()
	images = append([]Image(nil), images...)
	sort.SliceStable(images, func(i, j int) bool { return images[i].Offset < images[j].Offset })

	full := make([]int, 0, len(ids)+len(images)*2)
	blocks := make([]embed.Block, 0, len(images))
	next := 0
	for i, img := range images {
		if img.Offset < 0 || img.Offset > len(ids) {
			return turn{}, fmt.Errorf("%w: image %d offset %d outside %d tokens", embed.ErrPlacement, i, img.Offset, len(ids))
		}
		grid := img.Grid.Merged(e.cfg.MergeSize)
		n := grid.Tokens()
		if img.Grid == (position.Grid{}) {
			n = len(img.Rows) / width
		}
		full = append(full, ids[next:img.Offset]...)
		next = img.Offset
		full = append(full, sp.ImageStart)
		blocks = append(blocks, embed.Block{Offset: len(full), Rows: img.Rows, Grid: grid, Deepstack: img.Deepstack})
		for range n {
			full = append(full, sp.ImageContext)
		}
		full = append(full, sp.ImageEnd)
	}
	full = append(full, ids[next:]...)

	seq, err := e.embeds.Embed(embed.Text, full)
	if err != nil {
		return turn{}, err
	}
	if err := embed.Splice(seq, full, width, sp.ImageContext, blocks); err != nil {
		return turn{}, err
	}
	return turn{seq: seq, n: len(full), history: full, blocks: blocks}, nil
}

// speechTurn lays a speech turn out as [fusion SOS] + text + [fusion TASK]
// + speech prompt.
func (e *Engine) speechTurn(ids, prompt []int) (turn, error) {
	if len(ids) == 0 && len(prompt) == 0 {
		return turn{}, nil
	}
	parts := []struct {
		kind embed.Kind
		ids  []int
	}{
		{embed.Fusion, []int{e.cfg.FusionSOS}},
		{embed.Text, ids},
		{embed.Fusion, []int{e.cfg.FusionTask}},
		{embed.Speech, prompt},
	}
	var t turn
	for _, p := range parts {
		if len(p.ids) == 0 {
			continue
		}
		rows, err := e.embeds.Embed(p.kind, p.ids)
		if err != nil {
			return turn{}, err
		}
		t.seq = append(t.seq, rows...)
		t.n += len(p.ids)
	}
	t.history = append([]int(nil), prompt...)
	return t, nil
}

// positions returns the position index of a turn of n tokens starting at
// the session's next position.
func (e *Engine) positions(start, n int, blocks []embed.Block) (position.Index, error) {
	if !e.caps.RotaryAxes {
		return position.Flat(start, n), nil
	}
	pb := make([]position.Block, 0, len(blocks))
	for _, b := range blocks {
		if b.Grid == (position.Grid{}) {
			continue
		}
		pb = append(pb, position.Block{Offset: b.Offset, Grid: b.Grid})
	}
	ix, err := position.Rotary(start, n, pb)
	if err != nil {
		return position.Index{}, fmt.Errorf("%w: %v", embed.ErrPlacement, err)
	}
	return ix, nil
}

// deepstack returns the residual hook adding each block's per-layer rows
// to the block positions inside chunk [off, off+m), or nil.
func deepstack(blocks []embed.Block, off, m, width int) func(layer int, rows []float32) {
	var hit bool
	for _, b := range blocks {
		if len(b.Deepstack) > 0 && b.Offset < off+m && b.Offset+b.Len(width) > off {
			hit = true
			break
		}
	}
	if !hit {
		return nil
	}
	return func(layer int, rows []float32) {
		for _, b := range blocks {
			if layer >= len(b.Deepstack) || b.Deepstack[layer] == nil {
				continue
			}
			from := max(b.Offset, off)
			to := min(b.Offset+b.Len(width), off+m)
			for p := from; p < to; p++ {
				dst := rows[(p-off)*width : (p-off+1)*width]
				src := b.Deepstack[layer][(p-b.Offset)*width : (p-b.Offset+1)*width]
				for k := range dst {
					dst[k] += src[k]
				}
			}
		}
	}
}

// prefill runs t through the stack in chunk_width pieces on the smallest
// tier that holds the session's context plus t.
func (e *Engine) prefill(ctx context.Context, s *session.Session, t turn) (PrefillResult, error) {
	ctx, span := tracer.Start(ctx, "engine.prefill")
	defer span.End()
	span.SetAttributes(attribute.String("session", s.ID), attribute.Int("tokens", t.n), attribute.Int("precomputed", s.Precomputed))

	tier, err := kvcache.SelectTier(s.Precomputed, t.n, e.stack.Capacities())
	if err != nil {
		capacityRejections.Inc()
		log.Warn().Str("session", s.ID).Int("precomputed", s.Precomputed).Int("tokens", t.n).Msg("Prefill exceeds every cache tier")
		return PrefillResult{}, fmt.Errorf("failed to schedule prefill: %w", err)
	}
	res := PrefillResult{Tier: tier}
	if t.n == 0 {
		return res, nil
	}
	span.SetAttributes(attribute.Int("tier", tier))

	positions, err := e.positions(s.NextPosition, t.n, t.blocks)
	if err != nil {
		return res, err
	}
	for i, c := range s.Caches {
		if err := c.Sync(tier, s.Precomputed); err != nil {
			return res, fmt.Errorf("failed to sync shard %d tier %d: %w", i, tier, err)
		}
	}
	tierSelections.WithLabelValues(strconv.Itoa(tier)).Inc()

	start := time.Now()
	base := s.Precomputed
	spec := e.stack.Tier(tier)
	width := e.stack.Width()
	chunk := e.stack.ChunkWidth()
	for off := 0; off < t.n; off += chunk {
		if s.StopRequested() || ctx.Err() != nil {
			res.Stopped = true
			break
		}
		m := min(chunk, t.n-off)
		out, err := e.stack.Forward(ctx, s.Caches, t.seq[off*width:(off+m)*width], shard.Pass{
			Tier:      tier,
			Tokens:    m,
			Start:     s.Precomputed,
			Mask:      CausalMask(spec.Tokens, spec.Capacity, s.Precomputed, m),
			Positions: positions.Slice(off, m),
			WarmUp:    e.cfg.WarmUpLargerTiers,
			Residual:  deepstack(t.blocks, off, m, width),
		})
		if err != nil {
			// Earlier chunks of this turn are dropped too; the session is
			// left exactly as it was before the turn.
			for _, c := range s.Caches {
				c.Truncate(base)
			}
			s.Precomputed = base
			return PrefillResult{Tier: tier}, fmt.Errorf("failed to prefill chunk at %d: %w", off, err)
		}
		if off+m == t.n {
			s.LastHidden = out.Rows(m-1, 1, width)
		}
		e.stack.Release(out)
		s.Precomputed += m
		res.Tokens += m
		res.Chunks++
		prefillChunks.Inc()
	}

	switch {
	case res.Tokens == t.n:
		s.NextPosition = positions.Next
	case res.Tokens > 0:
		s.NextPosition = int(positions.At(position.AxisTemporal, res.Tokens))
	}
	if len(t.history) == t.n {
		s.Append(t.history[:res.Tokens]...)
	} else if !res.Stopped {
		s.Append(t.history...)
	}
	for _, b := range t.blocks {
		if b.Offset < res.Tokens {
			b.Offset += base
			s.Placements = append(s.Placements, b)
		}
	}
	s.Tier = tier

	prefillDuration.Observe(time.Since(start).Seconds())
	log.Debug().
		Str("session", s.ID).
		Int("tokens", res.Tokens).
		Int("tier", tier).
		Int("chunks", res.Chunks).
		Int("precomputed", s.Precomputed).
		Bool("stopped", res.Stopped).
		Dur("took", time.Since(start)).
		Msg("Prefill complete")
	return res, nil
}
