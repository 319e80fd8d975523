// Package persist saves and restores a session's KV caches so a
// conversation can resume without re-running prefill.
//
// A saved session is a directory holding meta.cbor plus, per shard,
// shard_NNN.k.arrow and shard_NNN.v.arrow. Each cache file is an Arrow IPC
// stream with one FixedSizeList<uint16> column: one row per cache position,
// the fp16 bit patterns of that row. Any missing or malformed file
// invalidates the whole directory.
package persist

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
	"github.com/x448/float16"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-nock/internal/kvcache"
	"github.com/23skdu/longbow-nock/internal/session"
)

// Version is the layout version written to meta.cbor.
const Version = 1

// MetaFile is the metadata file name.
const MetaFile = "meta.cbor"

// ErrCorrupt is returned when a saved session is missing a file or holds
// data that does not match its metadata. Callers recover by prefilling the
// system prompt again.
var ErrCorrupt = errors.New("persisted session is missing or corrupt")

// Meta is the session metadata saved next to the cache files.
type Meta struct {
	Version      int       `cbor:"version"`
	SessionID    string    `cbor:"session_id"`
	SystemPrompt []int     `cbor:"system_prompt"`
	Precomputed  int       `cbor:"precomputed_length"`
	NextPosition int       `cbor:"next_position"`
	Tier         int       `cbor:"tier"`
	Width        int       `cbor:"width"`
	Shards       int       `cbor:"shards"`
	History      []int     `cbor:"history"`
	LastHidden   []float32 `cbor:"last_hidden,omitempty"`
	Saved        time.Time `cbor:"saved"`
}

// ShardFile returns the file name of a shard's key ("k") or value ("v")
// cache.
func ShardFile(shard int, kind string) string {
	return fmt.Sprintf("shard_%03d.%s.arrow", shard, kind)
}

// Save writes the first Precomputed decode-tier rows of every cache of s,
// plus its metadata, into dir. Shard files are written concurrently.
func Save(dir string, s *session.Session) error {
	start := time.Now()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}
	// A stale meta.cbor next to new shard files must never validate.
	if err := os.Remove(filepath.Join(dir, MetaFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear session meta: %w", err)
	}

	width := 0
	if len(s.Caches) > 0 {
		width = s.Caches[0].Width()
	}

	var g errgroup.Group
	for i, c := range s.Caches {
		g.Go(func() error {
			keys, values, err := c.Export(s.Precomputed)
			if err != nil {
				return fmt.Errorf("shard %d: %w", i, err)
			}
			if err := writeRows(filepath.Join(dir, ShardFile(i, "k")), c.Width(), keys); err != nil {
				return fmt.Errorf("shard %d keys: %w", i, err)
			}
			if err := writeRows(filepath.Join(dir, ShardFile(i, "v")), c.Width(), values); err != nil {
				return fmt.Errorf("shard %d values: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to save caches: %w", err)
	}

	meta := Meta{
		Version:      Version,
		SessionID:    s.ID,
		SystemPrompt: s.SystemPrompt,
		Precomputed:  s.Precomputed,
		NextPosition: s.NextPosition,
		Tier:         s.Tier,
		Width:        width,
		Shards:       len(s.Caches),
		History:      s.History,
		LastHidden:   s.LastHidden,
		Saved:        time.Now().UTC(),
	}
	data, err := cbor.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode session meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, MetaFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write session meta: %w", err)
	}

	saveDuration.Observe(time.Since(start).Seconds())
	log.Debug().Str("session", s.ID).Str("dir", dir).Int("rows", s.Precomputed).Dur("took", time.Since(start)).Msg("Saved session")
	return nil
}

// ReadMeta decodes dir's metadata file.
func ReadMeta(dir string) (Meta, error) {
	var meta Meta
	data, err := os.ReadFile(filepath.Join(dir, MetaFile))
	if err != nil {
		return meta, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := cbor.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("%w: meta: %v", ErrCorrupt, err)
	}
	if meta.Version != Version {
		return meta, fmt.Errorf("%w: layout version %d, want %d", ErrCorrupt, meta.Version, Version)
	}
	return meta, nil
}

// Load restores dir into s. Every file is read and validated before any
// cache is touched, so on error s is unchanged. The rows land in the decode
// tier and in the smallest prefill tier that holds them.
//
// A persisted length beyond the caches' largest tier returns
// kvcache.ErrCapacity; any other mismatch returns ErrCorrupt.
func Load(dir string, s *session.Session) error {
	start := time.Now()
	meta, err := ReadMeta(dir)
	if err != nil {
		loadFailures.WithLabelValues("meta").Inc()
		return err
	}
	if meta.Shards != len(s.Caches) {
		loadFailures.WithLabelValues("shape").Inc()
		return fmt.Errorf("%w: saved %d shards, session has %d", ErrCorrupt, meta.Shards, len(s.Caches))
	}
	if meta.Precomputed < 0 {
		loadFailures.WithLabelValues("shape").Inc()
		return fmt.Errorf("%w: negative length %d", ErrCorrupt, meta.Precomputed)
	}
	if meta.Precomputed > s.Capacity() {
		loadFailures.WithLabelValues("capacity").Inc()
		return fmt.Errorf("%w: saved %d rows, session holds %d", kvcache.ErrCapacity, meta.Precomputed, s.Capacity())
	}

	capacities := make([]int, 0)
	if len(s.Caches) > 0 {
		for t := 1; t <= s.Caches[0].Tiers(); t++ {
			capacities = append(capacities, s.Caches[0].Capacity(t))
		}
	}
	tier, err := kvcache.SelectTier(meta.Precomputed, 0, capacities)
	if err != nil {
		loadFailures.WithLabelValues("capacity").Inc()
		return err
	}

	type rows struct{ keys, values []float16.Float16 }
	loaded := make([]rows, len(s.Caches))
	var g errgroup.Group
	for i, c := range s.Caches {
		g.Go(func() error {
			if c.Width() != meta.Width {
				return fmt.Errorf("%w: shard %d width %d, saved %d", ErrCorrupt, i, c.Width(), meta.Width)
			}
			keys, err := readRows(filepath.Join(dir, ShardFile(i, "k")), c.Width(), meta.Precomputed)
			if err != nil {
				return fmt.Errorf("shard %d keys: %w", i, err)
			}
			values, err := readRows(filepath.Join(dir, ShardFile(i, "v")), c.Width(), meta.Precomputed)
			if err != nil {
				return fmt.Errorf("shard %d values: %w", i, err)
			}
			loaded[i] = rows{keys, values}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		loadFailures.WithLabelValues("shard").Inc()
		return err
	}

	for i, c := range s.Caches {
		if err := c.Import(tier, meta.Precomputed, loaded[i].keys, loaded[i].values); err != nil {
			return fmt.Errorf("shard %d import: %w", i, err)
		}
	}
	s.SystemPrompt = meta.SystemPrompt
	s.Precomputed = meta.Precomputed
	s.NextPosition = meta.NextPosition
	s.History = meta.History
	s.Tier = tier
	s.LastHidden = meta.LastHidden
	s.Placements = nil
	s.SetState(session.Idle)

	loadDuration.Observe(time.Since(start).Seconds())
	log.Debug().Str("session", s.ID).Str("dir", dir).Int("rows", meta.Precomputed).Int("tier", tier).Dur("took", time.Since(start)).Msg("Restored session")
	return nil
}
