// Package profile holds the user's fill values, partitioned into kinds
// (personal, work, custom). Maps are partial: a profile supplies values
// only for the field types the user filled in, and the planner simply
// skips fields without a value.
//
// The detector never reads the profile; classification and filling are
// separate stages.
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hazyhaar/formfill/element"
	"github.com/hazyhaar/formfill/storage"
)

// Kind selects one of the profile partitions.
type Kind string

const (
	KindPersonal Kind = "personal"
	KindWork     Kind = "work"
	KindCustom   Kind = "custom"
)

// Kinds lists the partitions in stable order.
var Kinds = []Kind{KindPersonal, KindWork, KindCustom}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindPersonal || k == KindWork || k == KindCustom
}

// storageKey is the persisted record key for a kind.
func storageKey(k Kind) string { return "profile/" + string(k) }

// Config for creating a Store.
type Config struct {
	// Area is where profiles persist. Default: local — profile values are
	// personal data and stay on the device.
	Area   storage.Area
	Logger *slog.Logger
}

// Store is the profile set. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	kinds   map[Kind]map[element.FieldType]string
	adapter *storage.Adapter
	area    storage.Area
	logger  *slog.Logger
}

// New creates an empty Store backed by the given adapter. Call Load to
// restore persisted values.
func New(adapter *storage.Adapter, cfg Config) *Store {
	if cfg.Area == "" {
		cfg.Area = storage.AreaLocal
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	kinds := make(map[Kind]map[element.FieldType]string, len(Kinds))
	for _, k := range Kinds {
		kinds[k] = make(map[element.FieldType]string)
	}
	return &Store{
		kinds:   kinds,
		adapter: adapter,
		area:    cfg.Area,
		logger:  cfg.Logger,
	}
}

// Load restores all persisted partitions. A missing partition is simply
// empty; a corrupt one is reported and skipped.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range Kinds {
		raw, ok, err := s.adapter.Read(ctx, storageKey(k), s.area)
		if err != nil {
			return fmt.Errorf("profile: load %s: %w", k, err)
		}
		if !ok {
			continue
		}
		values := make(map[element.FieldType]string)
		if err := json.Unmarshal(raw, &values); err != nil {
			s.logger.Warn("profile: skipping corrupt partition", "kind", k, "error", err)
			continue
		}
		s.kinds[k] = values
	}
	return nil
}

// Set stores a value and persists the partition through the batched
// storage path.
func (s *Store) Set(kind Kind, t element.FieldType, value string) error {
	if !kind.Valid() {
		return fmt.Errorf("profile: unknown kind %q", kind)
	}
	if !t.Valid() || t == element.TypeNone {
		return fmt.Errorf("profile: unknown field type %q", t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds[kind][t] = value
	return s.persistLocked(kind)
}

// Unset removes a value and persists the partition.
func (s *Store) Unset(kind Kind, t element.FieldType) error {
	if !kind.Valid() {
		return fmt.Errorf("profile: unknown kind %q", kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kinds[kind], t)
	return s.persistLocked(kind)
}

// Value resolves the fill value for a field type. Work and custom
// partitions fall back to personal for types they leave unset, so a
// sparse work profile only overrides what differs.
func (s *Store) Value(kind Kind, t element.FieldType) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !kind.Valid() {
		return "", false
	}
	if v, ok := s.kinds[kind][t]; ok {
		return v, true
	}
	if kind != KindPersonal {
		v, ok := s.kinds[KindPersonal][t]
		return v, ok
	}
	return "", false
}

// Snapshot returns a copy of one partition's own values, without the
// personal fallback.
func (s *Store) Snapshot(kind Kind) map[element.FieldType]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[element.FieldType]string, len(s.kinds[kind]))
	for t, v := range s.kinds[kind] {
		out[t] = v
	}
	return out
}

func (s *Store) persistLocked(kind Kind) error {
	raw, err := json.Marshal(s.kinds[kind])
	if err != nil {
		return fmt.Errorf("profile: persist %s: %w", kind, err)
	}
	s.adapter.Write(storageKey(kind), raw, s.area)
	return nil
}
