// Package fieldkeeper is the form-field classification engine.
//
// It sits between a host observing pages (browser extension, automation
// harness) and the fill execution the host performs. The pipeline:
//
//	host snapshots → queue → detector → caches/learning → fill plan
//
// Key features:
//   - Multi-signal detection: site rules, autocomplete, weighted patterns
//   - Correction learning: user fixes persist and override heuristics
//   - Bounded caches: field, storage and url-pattern, TTL plus LRU
//   - Quota-aware storage: sync/local areas over SQLite, batched writes
//   - MCP tools and connectivity services for every operation
//
// Usage:
//
//	k, err := fieldkeeper.New(cfg, logger)
//	defer k.Close()
//	k.Start(ctx)
//	k.RegisterMCP(mcpServer)
//	k.RegisterConnectivity(router)
package fieldkeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/formfill/detector"
	"github.com/hazyhaar/formfill/element"
	"github.com/hazyhaar/formfill/fieldcache"
	"github.com/hazyhaar/formfill/filler"
	"github.com/hazyhaar/formfill/learning"
	"github.com/hazyhaar/formfill/profile"
	"github.com/hazyhaar/formfill/siterules"
	"github.com/hazyhaar/formfill/storage"
)

// Keeper is the main orchestrator. It owns the caches, the rules engine,
// the detector, the learning store and the storage adapter.
type Keeper struct {
	config   *Config
	logger   *slog.Logger
	adapter  *storage.Adapter
	rules    *siterules.Engine
	learning *learning.Store
	profiles *profile.Store
	detector *detector.Detector
	planner  *filler.Planner
	queue    *detector.Queue
}

// CacheStats reports the three caches side by side.
type CacheStats struct {
	Field      fieldcache.Stats `json:"field"`
	Storage    fieldcache.Stats `json:"storage"`
	URLPattern fieldcache.Stats `json:"url_pattern"`
}

// New creates a Keeper. Opens the SQLite database and wires the caches,
// detector, learning store and profile store together. Rules from
// cfg.RulesPath are loaded when set; individual malformed rules are
// logged and skipped.
func New(cfg *Config, logger *slog.Logger) (*Keeper, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	storageCache := fieldcache.New[string, []byte](fieldcache.Config{
		MaxSize: cfg.Cache.StorageSize,
		Timeout: cfg.Cache.StorageTTL,
	})
	adapter, err := storage.Open(cfg.DBPath, storage.Config{
		SyncQuota:         cfg.Storage.SyncQuota,
		LocalQuota:        cfg.Storage.LocalQuota,
		BatchWindow:       cfg.Storage.BatchWindow,
		CompressThreshold: cfg.Storage.CompressThreshold,
		ReadCache:         storageCache,
		Logger:            logger,
	})
	if err != nil {
		return nil, fmt.Errorf("fieldkeeper: %w", err)
	}
	adapter.OnWarning = func(stage string, err error) {
		logger.Warn("fieldkeeper: storage degraded", "stage", stage, "error", err)
	}

	urlCache := fieldcache.New[string, *siterules.SiteRule](fieldcache.Config{
		MaxSize: cfg.Cache.URLPatternSize,
		Timeout: cfg.Cache.URLPatternTTL,
	})
	rules := siterules.NewEngine(siterules.Config{
		PatternCache: urlCache,
		Logger:       logger,
	})
	rules.OnStall = func(e *siterules.StepStallError) {
		logger.Error("fieldkeeper: step sequence stalled",
			"hostname", e.Hostname, "session", e.Session,
			"step", e.Step, "waited", e.Waited)
	}

	learn := learning.New(adapter, learning.Config{
		MaxEntries: cfg.Learning.MaxEntries,
		Logger:     logger,
	})
	profiles := profile.New(adapter, profile.Config{Logger: logger})

	fieldCache := fieldcache.New[string, *element.DetectedField](fieldcache.Config{
		MaxSize: cfg.Cache.FieldSize,
		Timeout: cfg.Cache.FieldTTL,
	})
	det, derrs := detector.New(detector.Config{
		Rules:         rules,
		Learned:       learn,
		Cache:         fieldCache,
		ExtraPatterns: cfg.Detector.ExtraPatterns,
		Logger:        logger,
	})
	for _, err := range derrs {
		logger.Warn("fieldkeeper: custom pattern rejected", "error", err)
	}

	k := &Keeper{
		config:   cfg,
		logger:   logger,
		adapter:  adapter,
		rules:    rules,
		learning: learn,
		profiles: profiles,
		detector: det,
		planner:  filler.New(det, rules, profiles, filler.Config{Logger: logger}),
	}
	k.queue = detector.NewQueue(detector.QueueConfig{
		Window:    cfg.Detector.QueueWindow,
		MaxBuffer: cfg.Detector.QueueMaxBuffer,
		Logger:    logger,
	}, k.classifyBatch)

	if cfg.RulesPath != "" {
		for _, err := range rules.LoadFile(cfg.RulesPath) {
			logger.Warn("fieldkeeper: site rule rejected", "error", err)
		}
	}
	return k, nil
}

// Start restores persisted state (corrections, profiles).
func (k *Keeper) Start(ctx context.Context) error {
	if err := k.learning.Replay(ctx); err != nil {
		return fmt.Errorf("fieldkeeper: %w", err)
	}
	if err := k.profiles.Load(ctx); err != nil {
		return fmt.Errorf("fieldkeeper: %w", err)
	}
	k.logger.Info("fieldkeeper: started",
		"db", k.config.DBPath, "corrections", k.learning.Len())
	return nil
}

// Close flushes pending writes and shuts everything down.
func (k *Keeper) Close() error {
	k.queue.Close()
	return k.adapter.Close()
}

// Classify resolves the field type for one snapshot, synchronously.
func (k *Keeper) Classify(ctx context.Context, snap *element.Snapshot) (*element.DetectedField, error) {
	return k.detector.Classify(ctx, snap)
}

// Observe submits a snapshot to the debounced detection queue. Bursts on
// the same element coalesce; classification lands in the field cache.
func (k *Keeper) Observe(ctx context.Context, snap *element.Snapshot) bool {
	return k.queue.Enqueue(ctx, snap)
}

// classifyBatch is the queue's flush target.
func (k *Keeper) classifyBatch(snaps []*element.Snapshot) {
	ctx := context.Background()
	for _, snap := range snaps {
		if _, err := k.detector.Classify(ctx, snap); err != nil {
			k.logger.Warn("fieldkeeper: batch classify", "hostname", snap.Hostname, "error", err)
		}
	}
}

// RecordCorrection stores the user's fix for a misclassified field and
// purges cached decisions for structurally similar fields, so the
// correction takes effect everywhere immediately.
func (k *Keeper) RecordCorrection(ctx context.Context, snap *element.Snapshot, corrected element.FieldType) error {
	detected, err := k.detector.Classify(ctx, snap)
	if err != nil {
		return fmt.Errorf("fieldkeeper: correction: %w", err)
	}

	sig := snap.Signature()
	if _, err := k.learning.RecordCorrection(detected.Type, corrected, snap.Context(), sig); err != nil {
		return fmt.Errorf("fieldkeeper: %w", err)
	}
	purged := k.detector.ForgetSignature(sig)
	k.logger.Info("fieldkeeper: correction recorded",
		"hostname", snap.Hostname, "detected", detected.Type,
		"corrected", corrected, "purged", purged)
	return nil
}

// PlanFill classifies the snapshots and builds the ordered fill plan for
// the given profile kind.
func (k *Keeper) PlanFill(ctx context.Context, snaps []*element.Snapshot, kind profile.Kind) (*filler.Plan, error) {
	return k.planner.Plan(ctx, snaps, kind)
}

// LoadSiteRules loads a ruleset into the engine. Malformed rules are
// dropped; the returned error joins one RuleLoadError per dropped rule
// while the valid remainder is live.
func (k *Keeper) LoadSiteRules(rules []*siterules.SiteRule) error {
	return errors.Join(k.rules.Load(rules)...)
}

// ReloadSiteRules replaces the ruleset, clearing the pattern cache and
// all step sessions.
func (k *Keeper) ReloadSiteRules(rules []*siterules.SiteRule) error {
	return errors.Join(k.rules.Reload(rules)...)
}

// CompleteStep signals that the host finished the active step of a
// multi-step form session.
func (k *Keeper) CompleteStep(sessionID string) (siterules.StepInfo, bool) {
	return k.rules.CompleteStep(sessionID)
}

// ResetSession returns a page session to its first step, cancelling any
// pending stall timer. Call on navigation.
func (k *Keeper) ResetSession(sessionID string) {
	k.rules.ResetSession(sessionID)
}

// CacheStats reports size, capacity and TTL of the three caches.
func (k *Keeper) CacheStats() CacheStats {
	return CacheStats{
		Field:      k.detector.Cache().Stats(),
		Storage:    k.adapter.ReadCacheStats(),
		URLPattern: k.rules.CacheStats(),
	}
}

// Profiles exposes the profile store for value management.
func (k *Keeper) Profiles() *profile.Store {
	return k.profiles
}

// Rules exposes the site-rules engine (step resolution, diagnostics).
func (k *Keeper) Rules() *siterules.Engine {
	return k.rules
}
