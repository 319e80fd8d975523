package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-nock/internal/sampler"
	"github.com/23skdu/longbow-nock/internal/session"
	"github.com/23skdu/longbow-nock/internal/tokenizer"
)

// ErrNoSession is returned for an unknown session id.
var ErrNoSession = errors.New("no such session")

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// MaxSessions bounds how many sessions hold caches at once.
	MaxSessions int
	// Dir is where sessions are saved, one subdirectory per id.
	Dir string
	// PortBase and Ports give the auxiliary tokenizer port range; zero
	// Ports disables leasing.
	PortBase int
	Ports    int
	// TokenizerFor returns the tokenizer served on a leased port.
	TokenizerFor func(port int) (tokenizer.Tokenizer, error)
}

// Manager owns the sessions of one engine.
type Manager struct {
	engine *Engine
	opts   ManagerOptions
	slots  *semaphore.Weighted
	ports  *PortPool

	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// NewManager returns a manager for e.
func NewManager(e *Engine, opts ManagerOptions) *Manager {
	if opts.MaxSessions < 1 {
		opts.MaxSessions = 1
	}
	m := &Manager{
		engine:   e,
		opts:     opts,
		slots:    semaphore.NewWeighted(int64(opts.MaxSessions)),
		sessions: make(map[string]*session.Session),
	}
	if opts.Ports > 0 {
		m.ports = NewPortPool(opts.PortBase, opts.Ports)
	}
	return m
}

// Engine returns the managed engine.
func (m *Manager) Engine() *Engine { return m.engine }

// Open creates a session, prefills its system prompt and registers it. It
// blocks while MaxSessions sessions are open. Opening an id that is already
// registered returns the existing session.
func (m *Manager) Open(ctx context.Context, id string, systemPrompt []int, sampling *sampler.Config) (*session.Session, error) {
	if id != "" {
		if s, ok := m.Get(id); ok {
			return s, nil
		}
	}
	if err := m.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire session slot: %w", err)
	}
	s, err := m.engine.NewSession(id, sampling)
	if err != nil {
		m.slots.Release(1)
		return nil, err
	}
	if m.ports != nil {
		port, err := m.ports.Acquire(ctx)
		if err != nil {
			m.slots.Release(1)
			return nil, err
		}
		s.Port = port
		if m.opts.TokenizerFor != nil {
			tok, err := m.opts.TokenizerFor(port)
			if err != nil {
				m.ports.Release(port)
				m.slots.Release(1)
				return nil, fmt.Errorf("failed to open tokenizer on port %d: %w", port, err)
			}
			s.Tokenizer = tok
		}
	}
	if err := m.engine.SetSystemPrompt(ctx, s, systemPrompt); err != nil {
		m.release(s)
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.sessions[s.ID]; ok {
		m.mu.Unlock()
		m.release(s)
		return existing, nil
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()
	activeSessions.Inc()
	log.Info().Str("session", s.ID).Int("port", s.Port).Int("system_prompt", len(systemPrompt)).Msg("Opened session")
	return s, nil
}

func (m *Manager) release(s *session.Session) {
	if m.ports != nil {
		m.ports.Release(s.Port)
	}
	m.slots.Release(1)
}

// Get returns a registered session.
func (m *Manager) Get(id string) (*session.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// IDs returns the registered session ids in sorted order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close stops any running turn, forgets the session and returns its slot
// and port.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, id)
	}
	s.Stop()
	m.release(s)
	activeSessions.Dec()
	log.Info().Str("session", id).Msg("Closed session")
	return nil
}

// Dir returns the save directory of a session id.
func (m *Manager) Dir(id string) string {
	return filepath.Join(m.opts.Dir, id)
}

// Save persists a registered session under Dir.
func (m *Manager) Save(id string) error {
	s, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, id)
	}
	return m.engine.Save(s, m.Dir(id))
}

// Restore reloads a registered session from Dir, falling back to its
// system prompt when the save is unusable.
func (m *Manager) Restore(ctx context.Context, id string) (bool, error) {
	s, ok := m.Get(id)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNoSession, id)
	}
	return m.engine.Restore(ctx, s, m.Dir(id))
}

// Reset clears a registered session back to its system prompt.
func (m *Manager) Reset(ctx context.Context, id string) error {
	s, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, id)
	}
	return m.engine.Reset(ctx, s)
}

// Stop requests cooperative cancellation of a session's running turn.
func (m *Manager) Stop(id string) error {
	s, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, id)
	}
	s.Stop()
	return nil
}

// Shutdown closes every session.
func (m *Manager) Shutdown() {
	for _, id := range m.IDs() {
		_ = m.Close(id)
	}
}
