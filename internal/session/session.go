// Package session holds the per-conversation state the engine mutates on
// every prefill and decode call.
package session

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-nock/internal/embed"
	"github.com/23skdu/longbow-nock/internal/kvcache"
	"github.com/23skdu/longbow-nock/internal/sampler"
	"github.com/23skdu/longbow-nock/internal/tokenizer"
)

// State is the decode state machine of a session.
type State int32

const (
	Idle State = iota
	AwaitingFirstToken
	Generating
	StoppedEOS
	StoppedMaxLen
	StoppedExternal
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingFirstToken:
		return "awaiting_first_token"
	case Generating:
		return "generating"
	case StoppedEOS:
		return "stopped_eos"
	case StoppedMaxLen:
		return "stopped_max_len"
	case StoppedExternal:
		return "stopped_external"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Stopped reports whether s ends a generation.
func (s State) Stopped() bool { return s >= StoppedEOS }

// Session is one conversation. Every field except the state, stop and busy
// flags is owned by whichever goroutine holds the session via Acquire.
type Session struct {
	ID           string
	SystemPrompt []int
	// Precomputed is the number of cache positions already populated.
	Precomputed int
	// NextPosition is the position index the next token takes. It equals
	// Precomputed for flat positions and may run behind it once rotary
	// vision blocks compress their grid.
	NextPosition int
	History      []int
	// Tier is the prefill tier the last prefill ran on.
	Tier       int
	Placements []embed.Block
	// LastHidden is the final hidden row of the last prefill, used to draw
	// the first token of the next turn.
	LastHidden []float32
	Caches     []*kvcache.Cache
	Sampler    *sampler.Sampler
	// Port is the auxiliary tokenizer port leased for this session, or 0.
	Port int
	// Tokenizer overrides the engine's tokenizer when set.
	Tokenizer tokenizer.Tokenizer
	Created   time.Time

	state atomic.Int32
	stop  atomic.Bool
	busy  atomic.Bool
}

// New creates an idle session over caches. An empty id gets a random one.
func New(id string, caches []*kvcache.Cache, sampling sampler.Config) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{
		ID:      id,
		Caches:  caches,
		Sampler: sampler.New(sampling),
		Created: time.Now(),
	}
}

// State returns the current decode state.
func (s *Session) State() State { return State(s.state.Load()) }

// SetState moves the state machine.
func (s *Session) SetState(st State) { s.state.Store(int32(st)) }

// Stop requests cooperative cancellation of the running prefill or decode.
// The in-flight shard call finishes; the next chunk or token is skipped.
func (s *Session) Stop() { s.stop.Store(true) }

// StopRequested reports whether Stop was called since the last ClearStop.
func (s *Session) StopRequested() bool { return s.stop.Load() }

// ClearStop resets the stop flag at the start of a turn.
func (s *Session) ClearStop() { s.stop.Store(false) }

// Acquire marks the session busy. It returns false if another turn holds
// it.
func (s *Session) Acquire() bool { return s.busy.CompareAndSwap(false, true) }

// Release ends a turn started with Acquire.
func (s *Session) Release() { s.busy.Store(false) }

// Busy reports whether a turn is running.
func (s *Session) Busy() bool { return s.busy.Load() }

// Reset empties every cache and forgets all context, keeping the system
// prompt ids so the caller can prefill them again.
func (s *Session) Reset() {
	for _, c := range s.Caches {
		c.Reset()
	}
	s.Precomputed = 0
	s.NextPosition = 0
	s.History = nil
	s.Tier = 0
	s.Placements = nil
	s.LastHidden = nil
	s.SetState(Idle)
}

// Append records a produced or consumed token.
func (s *Session) Append(ids ...int) { s.History = append(s.History, ids...) }

// Capacity returns the largest number of positions the caches can hold.
func (s *Session) Capacity() int {
	if len(s.Caches) == 0 {
		return 0
	}
	return s.Caches[0].Capacity(kvcache.DecodeTier)
}

// Remaining returns how many positions are still free.
func (s *Session) Remaining() int { return s.Capacity() - s.Precomputed }
