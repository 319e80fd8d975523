package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-nock/internal/persist"
	"github.com/23skdu/longbow-nock/internal/session"
)

// Save writes the session's caches and metadata into dir.
func (e *Engine) Save(s *session.Session, dir string) error {
	if !e.caps.Persistence {
		return fmt.Errorf("%w: save on %s model", ErrUnsupported, e.cfg.Variant)
	}
	if !s.Acquire() {
		return ErrSessionBusy
	}
	defer s.Release()
	if err := persist.Save(dir, s); err != nil {
		return fmt.Errorf("failed to save session %s: %w", s.ID, err)
	}
	log.Info().Str("session", s.ID).Str("dir", dir).Int("precomputed", s.Precomputed).Msg("Saved session")
	return nil
}

// Restore loads a saved session from dir into s. A missing or corrupt save
// is not an error: s is reset and the system prompt is prefilled again, and
// Restore reports false. A save larger than the caches returns ErrCapacity.
func (e *Engine) Restore(ctx context.Context, s *session.Session, dir string) (bool, error) {
	if !e.caps.Persistence {
		return false, fmt.Errorf("%w: restore on %s model", ErrUnsupported, e.cfg.Variant)
	}
	if !s.Acquire() {
		return false, ErrSessionBusy
	}
	defer s.Release()

	err := persist.Load(dir, s)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, persist.ErrCorrupt):
		persistFallbacks.Inc()
		prompt := s.SystemPrompt
		if meta, merr := persist.ReadMeta(dir); merr == nil {
			prompt = meta.SystemPrompt
		}
		log.Warn().Err(err).Str("session", s.ID).Str("dir", dir).Int("prompt", len(prompt)).Msg("Saved session unusable, prefilling system prompt")
		if err := e.resetTo(ctx, s, prompt); err != nil {
			return false, err
		}
		return false, nil
	default:
		return false, fmt.Errorf("failed to restore session %s: %w", s.ID, err)
	}
}

// Reset clears the session's context and prefills its system prompt again.
func (e *Engine) Reset(ctx context.Context, s *session.Session) error {
	if !s.Acquire() {
		return ErrSessionBusy
	}
	defer s.Release()
	return e.resetTo(ctx, s, s.SystemPrompt)
}
