// Package learning persists user corrections and replays them to bias
// future detections of structurally similar fields. The log is append-only:
// the effective correction for a signature is simply the most recent entry,
// and nothing is deleted automatically short of the size cap.
//
// Eviction past the cap is FIFO on creation order, not LRU: how recently a
// correction was recorded — not how often it fired — is what tracks the
// user's current preference.
package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/formfill/element"
	"github.com/hazyhaar/formfill/idgen"
	"github.com/hazyhaar/formfill/storage"
)

// Entry is one recorded correction. Append-only once written.
type Entry struct {
	ID            string                    `json:"id"`
	Signature     string                    `json:"signature"`
	DetectedType  element.FieldType         `json:"detected_type"`
	CorrectedType element.FieldType         `json:"corrected_type"`
	Signals       *element.DetectionContext `json:"signals,omitempty"`
	Timestamp     int64                     `json:"timestamp"` // epoch milliseconds
}

// Config for creating a Store.
type Config struct {
	// MaxEntries caps the log. Default: 500.
	MaxEntries int
	// Area is where entries persist. Default: sync, so corrections roam.
	Area   storage.Area
	Logger *slog.Logger
	// IDs generates entry IDs. Default: UUIDv7 with "lrn_" prefix.
	IDs idgen.Generator
}

func (c *Config) defaults() {
	if c.MaxEntries <= 0 {
		c.MaxEntries = 500
	}
	if c.Area == "" {
		c.Area = storage.AreaSync
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.IDs == nil {
		c.IDs = idgen.Prefixed("lrn_", idgen.UUIDv7())
	}
}

// Store is the correction log plus its signature index. Safe for
// concurrent use.
type Store struct {
	mu      sync.Mutex
	cfg     Config
	adapter *storage.Adapter
	entries []*Entry          // creation order, oldest first
	latest  map[string]*Entry // signature → most recent correction
}

// New creates a Store backed by the given storage adapter. Call Replay to
// restore persisted corrections before first use.
func New(adapter *storage.Adapter, cfg Config) *Store {
	cfg.defaults()
	return &Store{
		cfg:     cfg,
		adapter: adapter,
		latest:  make(map[string]*Entry),
	}
}

// Replay restores the persisted log, oldest first, rebuilding the
// signature index. Unreadable entries are skipped with a warning; one bad
// record must not cost the rest of the history.
func (s *Store) Replay(ctx context.Context) error {
	keys, err := s.adapter.Keys(ctx, storage.LearningPrefix, s.cfg.Area)
	if err != nil {
		return fmt.Errorf("learning: replay: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		raw, ok, err := s.adapter.Read(ctx, key, s.cfg.Area)
		if err != nil || !ok {
			s.cfg.Logger.Warn("learning: skipping unreadable entry", "key", key, "error", err)
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			s.cfg.Logger.Warn("learning: skipping malformed entry", "key", key, "error", err)
			continue
		}
		s.appendLocked(&e)
	}

	s.cfg.Logger.Info("learning: replayed corrections",
		"entries", len(s.entries), "signatures", len(s.latest))
	return nil
}

// RecordCorrection appends a correction and persists it through the
// batched storage path. The caller is expected to invalidate any cached
// field decisions carrying the same signature.
func (s *Store) RecordCorrection(detected, corrected element.FieldType, signals *element.DetectionContext, signature string) (*Entry, error) {
	if signature == "" {
		return nil, fmt.Errorf("learning: record: empty signature")
	}
	if !corrected.Valid() {
		return nil, fmt.Errorf("learning: record: unknown corrected type %q", corrected)
	}

	e := &Entry{
		ID:            s.cfg.IDs(),
		Signature:     signature,
		DetectedType:  detected,
		CorrectedType: corrected,
		Signals:       signals,
		Timestamp:     time.Now().UnixMilli(),
	}

	s.mu.Lock()
	s.appendLocked(e)
	s.mu.Unlock()

	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("learning: record: %w", err)
	}
	s.adapter.Write(storage.LearningPrefix+e.ID, raw, s.cfg.Area)

	s.cfg.Logger.Debug("learning: correction recorded",
		"signature", signature, "detected", detected, "corrected", corrected)
	return e, nil
}

// Lookup returns the most recent corrected type for a signature.
func (s *Store) Lookup(signature string) (element.FieldType, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.latest[signature]
	if !ok {
		return "", false
	}
	return e.CorrectedType, true
}

// Len returns the number of live log entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// appendLocked adds an entry and enforces the FIFO cap. The evicted
// entry's persisted record is deleted best-effort.
func (s *Store) appendLocked(e *Entry) {
	s.entries = append(s.entries, e)
	s.latest[e.Signature] = e

	for len(s.entries) > s.cfg.MaxEntries {
		oldest := s.entries[0]
		s.entries = s.entries[1:]
		if cur, ok := s.latest[oldest.Signature]; ok && cur == oldest {
			delete(s.latest, oldest.Signature)
		}
		if err := s.adapter.Delete(context.Background(), storage.LearningPrefix+oldest.ID, s.cfg.Area); err != nil {
			s.cfg.Logger.Warn("learning: evict persisted entry", "id", oldest.ID, "error", err)
		}
	}
}
