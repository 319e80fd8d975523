// Package bridge hands generated speech tokens from a decode loop to a
// streaming vocoder.
//
// One TokenBuffer is shared by exactly one producer (the decode loop) and
// one consumer (the vocoder driver). The producer appends and signals; the
// consumer blocks until a full hop plus lookahead is buffered, generation
// has finished, or the session is stopped.
package bridge

import (
	"fmt"
	"sync"
)

// Params shapes the windows handed to the vocoder.
type Params struct {
	// Hop is how many new tokens each window advances by.
	Hop int `yaml:"hop" json:"hop"`
	// Lookahead is how many tokens past the hop must be buffered before a
	// window is taken.
	Lookahead int `yaml:"lookahead" json:"lookahead"`
	// MaxLookbackChunks bounds the preceding context to this many hops.
	MaxLookbackChunks int `yaml:"max_lookback_chunks" json:"max_lookback_chunks"`
	// FadeLength is the cross-fade length in samples between chunks.
	FadeLength int `yaml:"fade_length" json:"fade_length"`
}

// DefaultParams returns the usual streaming geometry.
func DefaultParams() Params {
	return Params{Hop: 25, Lookahead: 3, MaxLookbackChunks: 4, FadeLength: 480}
}

// Validate checks the geometry.
func (p Params) Validate() error {
	if p.Hop <= 0 || p.Lookahead < 0 || p.MaxLookbackChunks < 0 || p.FadeLength < 0 {
		return fmt.Errorf("invalid bridge params %+v", p)
	}
	return nil
}

// Window is one slice of the token stream handed to the vocoder.
type Window struct {
	// Tokens holds Lookback context tokens, then the new tokens, then
	// Lookahead tokens.
	Tokens    []int
	Lookback  int
	Hop       int
	Lookahead int
	// Offset is the stream position of the first new token.
	Offset int
	// Final marks the drain window sized to whatever remained at finish.
	Final bool
}

// New returns the tokens the window advances over.
func (w Window) New() []int { return w.Tokens[w.Lookback : w.Lookback+w.Hop] }

// TokenBuffer is an append-only token sequence with a consumed offset.
type TokenBuffer struct {
	params Params

	mu       sync.Mutex
	cond     *sync.Cond
	tokens   []int
	consumed int
	finished bool
	stopped  bool
	// reported is this buffer's share of the pending tokens gauge.
	reported int
}

// NewTokenBuffer creates an empty buffer.
func NewTokenBuffer(p Params) *TokenBuffer {
	b := &TokenBuffer{params: p}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Params returns the buffer's geometry.
func (b *TokenBuffer) Params() Params { return b.params }

// Push appends tokens and wakes the consumer.
func (b *TokenBuffer) Push(ids ...int) {
	if len(ids) == 0 {
		return
	}
	b.mu.Lock()
	if !b.finished && !b.stopped {
		b.tokens = append(b.tokens, ids...)
		b.report()
	}
	b.mu.Unlock()
	b.cond.Signal()
}

// Finish marks the end of generation. The consumer drains the remainder.
func (b *TokenBuffer) Finish() {
	b.mu.Lock()
	b.finished = true
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Stop abandons the stream. The consumer returns without draining.
func (b *TokenBuffer) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.report()
	b.mu.Unlock()
	b.cond.Broadcast()
}

// report moves the pending tokens gauge by this buffer's change, so the
// gauge sums over every live buffer. A stopped buffer holds nothing.
// Callers hold b.mu.
func (b *TokenBuffer) report() {
	n := len(b.tokens) - b.consumed
	if b.stopped {
		n = 0
	}
	pendingTokens.Add(float64(n - b.reported))
	b.reported = n
}

// Len returns the number of tokens pushed so far.
func (b *TokenBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tokens)
}

// Consumed returns the consumed offset.
func (b *TokenBuffer) Consumed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumed
}

// Tokens returns a copy of everything pushed so far.
func (b *TokenBuffer) Tokens() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.tokens...)
}

// Next blocks until a window is ready and returns it. It returns false once
// the stream is stopped, or finished with nothing left to drain.
func (b *TokenBuffer) Next() (Window, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	need := b.params.Hop + b.params.Lookahead
	for !b.stopped && !b.finished && len(b.tokens)-b.consumed < need {
		b.cond.Wait()
	}
	if b.stopped {
		return Window{}, false
	}

	lookback := min(b.consumed, b.params.MaxLookbackChunks*b.params.Hop)
	from := b.consumed - lookback

	if len(b.tokens)-b.consumed >= need {
		w := Window{
			Tokens:    append([]int(nil), b.tokens[from:b.consumed+need]...),
			Lookback:  lookback,
			Hop:       b.params.Hop,
			Lookahead: b.params.Lookahead,
			Offset:    b.consumed,
		}
		b.consumed += b.params.Hop
		windowsTotal.WithLabelValues("hop").Inc()
		b.report()
		return w, true
	}

	// Finished with less than a full window left.
	rest := len(b.tokens) - b.consumed
	if rest == 0 {
		return Window{}, false
	}
	w := Window{
		Tokens:   append([]int(nil), b.tokens[from:]...),
		Lookback: lookback,
		Hop:      rest,
		Offset:   b.consumed,
		Final:    true,
	}
	b.consumed = len(b.tokens)
	windowsTotal.WithLabelValues("final").Inc()
	b.report()
	return w, true
}
