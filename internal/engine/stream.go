package engine

import (
	"github.com/23skdu/longbow-nock/internal/session"
)

// Batch is one emission of the decode loop.
type Batch struct {
	Tokens []int
	// Text is the detokenized text the batch adds to the turn.
	Text            string
	TokensPerSecond float64
	// Final marks the last batch of a turn; State then holds why it ended.
	Final bool
	State session.State
}

// Result summarises a finished turn.
type Result struct {
	Tokens          []int
	Text            string
	State           session.State
	Prefill         PrefillResult
	TokensPerSecond float64
}

// Stream is the lazy output of one generation. It is finite and cannot be
// restarted; the final batch is always delivered before C is closed. A
// caller that stops reading early must cancel the context given to Generate
// or call Wait, otherwise decode blocks once the buffer is full.
type Stream struct {
	ch   chan Batch
	done chan struct{}
	res  Result
	err  error
}

func newStream(buffer int) *Stream {
	return &Stream{
		ch:   make(chan Batch, buffer),
		done: make(chan struct{}),
	}
}

// C returns the batch channel. It is closed after the final batch.
func (st *Stream) C() <-chan Batch { return st.ch }

// Next blocks for the next batch. It returns false once the stream is
// exhausted.
func (st *Stream) Next() (Batch, bool) {
	b, ok := <-st.ch
	return b, ok
}

// Wait discards any unread batches and returns the turn's result.
func (st *Stream) Wait() (Result, error) {
	for range st.ch {
	}
	<-st.done
	return st.res, st.err
}

func (st *Stream) finish(res Result, err error) {
	st.res, st.err = res, err
	close(st.ch)
	close(st.done)
}
