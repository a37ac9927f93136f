// Package storage is the persistence boundary for formfill. Learning
// entries and profiles are stored as keyed records in one of two areas —
// "sync" (small, roamed by the host) and "local" (larger, machine-bound) —
// each with its own byte quota.
//
// Writes are queued and batched: everything arriving within the flush
// window goes to SQLite in one transaction, which keeps I/O amplification
// flat under rapid learning events. The detection path never blocks on and
// never fails because of storage: persistence errors surface as warnings
// through OnWarning.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/formfill/dbopen"
	"github.com/hazyhaar/formfill/fieldcache"
)

// Area selects the persistence namespace for a record.
type Area string

const (
	// AreaSync is quota-tight storage the host may roam between devices.
	AreaSync Area = "sync"
	// AreaLocal is machine-bound storage with a generous quota.
	AreaLocal Area = "local"
)

// LearningPrefix marks keys that hold learning entries. Quota recovery
// trims the oldest records under this prefix first, since learned
// corrections degrade gracefully and everything else (profiles) does not.
const LearningPrefix = "learning/"

// SchemaVersion is the current record layout version. A database written
// by a newer version refuses to open rather than silently misreading.
const SchemaVersion = 1

// Schema is the DDL for the storage database.
const Schema = `
CREATE TABLE IF NOT EXISTS records (
    area        TEXT NOT NULL,
    key         TEXT NOT NULL,
    value       BLOB NOT NULL,
    compressed  INTEGER NOT NULL DEFAULT 0,
    updated_at  INTEGER NOT NULL,
    PRIMARY KEY (area, key)
);
CREATE INDEX IF NOT EXISTS idx_records_age ON records(area, updated_at ASC);

CREATE TABLE IF NOT EXISTS meta (
    key     TEXT PRIMARY KEY,
    value   TEXT NOT NULL
);
`

// QuotaError reports a write that would exceed an area's quota.
type QuotaError struct {
	Area  Area
	Used  int64
	Quota int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("storage: %s area over quota (%d of %d bytes)", e.Area, e.Used, e.Quota)
}

// Config for creating an Adapter.
type Config struct {
	// SyncQuota bounds the sync area. Default: 100 KiB.
	SyncQuota int64
	// LocalQuota bounds the local area. Default: 5 MiB.
	LocalQuota int64
	// BatchWindow is how long writes accumulate before one flush.
	// Default: 50ms.
	BatchWindow time.Duration
	// CompressThreshold is the value size above which payloads are stored
	// gzip-compressed. Default: 1024 bytes. Negative disables compression.
	CompressThreshold int
	// ReadCache, when set, short-circuits repeated reads of the same key.
	ReadCache *fieldcache.Cache[string, []byte]
	Logger    *slog.Logger
}

func (c *Config) defaults() {
	if c.SyncQuota <= 0 {
		c.SyncQuota = 100 * 1024
	}
	if c.LocalQuota <= 0 {
		c.LocalQuota = 5 * 1024 * 1024
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = 50 * time.Millisecond
	}
	if c.CompressThreshold == 0 {
		c.CompressThreshold = 1024
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Adapter is the storage boundary. Safe for concurrent use.
type Adapter struct {
	db  *sql.DB
	cfg Config

	mu      sync.Mutex
	pending map[string]pendingWrite // keyed area+"\x00"+key
	timer   *time.Timer
	closed  bool

	// OnWarning receives non-fatal persistence failures (a write dropped
	// after trim-and-retry, a failed flush). Never called inline with a
	// caller's Write.
	OnWarning func(stage string, err error)
}

type pendingWrite struct {
	area  Area
	key   string
	value []byte
}

// Open opens (or creates) the storage database at path and verifies the
// schema version before the first read.
func Open(path string, cfg Config) (*Adapter, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	a, err := NewWithDB(db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// NewWithDB wraps an already opened database (tests use an in-memory one).
// The Schema must have been applied.
func NewWithDB(db *sql.DB, cfg Config) (*Adapter, error) {
	cfg.defaults()
	a := &Adapter{
		db:      db,
		cfg:     cfg,
		pending: make(map[string]pendingWrite),
	}
	if err := a.migrate(); err != nil {
		return nil, err
	}
	return a, nil
}

// migrate gates reads on the stored layout version. Version rows written
// by this build are inserted on first open; a newer on-disk version is a
// hard error.
func (a *Adapter) migrate() error {
	var stored int
	err := a.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = a.db.Exec(`INSERT INTO meta (key, value) VALUES ('schema_version', ?)`, SchemaVersion)
		if err != nil {
			return fmt.Errorf("storage: write schema version: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("storage: read schema version: %w", err)
	case stored > SchemaVersion:
		return fmt.Errorf("storage: database written by newer layout version %d (supported: %d)",
			stored, SchemaVersion)
	}
	return nil
}

// Read returns the value for key in area, or false when absent. Pending
// writes are visible to reads immediately, before any flush.
func (a *Adapter) Read(ctx context.Context, key string, area Area) ([]byte, bool, error) {
	a.mu.Lock()
	if pw, ok := a.pending[pendKey(area, key)]; ok {
		val := append([]byte(nil), pw.value...)
		a.mu.Unlock()
		return val, true, nil
	}
	a.mu.Unlock()

	cacheKey := pendKey(area, key)
	if a.cfg.ReadCache != nil {
		if entry, ok := a.cfg.ReadCache.Get(cacheKey); ok {
			return entry.Data, true, nil
		}
	}

	var value []byte
	var compressed int
	err := a.db.QueryRowContext(ctx, `
		SELECT value, compressed FROM records WHERE area = ? AND key = ?`,
		area, key).Scan(&value, &compressed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: read %s/%s: %w", area, key, err)
	}

	if compressed != 0 {
		value, err = decompress(value)
		if err != nil {
			return nil, false, fmt.Errorf("storage: read %s/%s: %w", area, key, err)
		}
	}

	if a.cfg.ReadCache != nil {
		a.cfg.ReadCache.Put(cacheKey, value, "")
	}
	return value, true, nil
}

// Write queues a record for the next batched flush and returns immediately.
// The caller never sees a persistence failure here: quota and I/O problems
// are handled at flush time (trim, retry once, then warn).
func (a *Adapter) Write(key string, value []byte, area Area) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	a.pending[pendKey(area, key)] = pendingWrite{
		area:  area,
		key:   key,
		value: append([]byte(nil), value...),
	}
	if a.cfg.ReadCache != nil {
		a.cfg.ReadCache.Invalidate(pendKey(area, key))
	}

	if a.timer == nil {
		a.timer = time.AfterFunc(a.cfg.BatchWindow, func() {
			if err := a.Flush(context.Background()); err != nil {
				a.warn("flush", err)
			}
		})
	}
}

// Delete removes a record immediately (deletes are rare and not batched).
func (a *Adapter) Delete(ctx context.Context, key string, area Area) error {
	a.mu.Lock()
	delete(a.pending, pendKey(area, key))
	if a.cfg.ReadCache != nil {
		a.cfg.ReadCache.Invalidate(pendKey(area, key))
	}
	a.mu.Unlock()

	if _, err := a.db.ExecContext(ctx, `DELETE FROM records WHERE area = ? AND key = ?`, area, key); err != nil {
		return fmt.Errorf("storage: delete %s/%s: %w", area, key, err)
	}
	return nil
}

// Keys lists the keys under a prefix in an area, oldest first.
func (a *Adapter) Keys(ctx context.Context, prefix string, area Area) ([]string, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT key FROM records WHERE area = ? AND key LIKE ? || '%'
		ORDER BY updated_at ASC, key ASC`, area, prefix)
	if err != nil {
		return nil, fmt.Errorf("storage: keys %s/%s*: %w", area, prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Usage returns the stored byte count for an area (flushed records only).
func (a *Adapter) Usage(ctx context.Context, area Area) (int64, error) {
	var used sql.NullInt64
	err := a.db.QueryRowContext(ctx,
		`SELECT SUM(LENGTH(value)) FROM records WHERE area = ?`, area).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("storage: usage %s: %w", area, err)
	}
	return used.Int64, nil
}

// ReadCacheStats reports the read cache's size and limits. Zero when no
// read cache is configured.
func (a *Adapter) ReadCacheStats() fieldcache.Stats {
	if a.cfg.ReadCache == nil {
		return fieldcache.Stats{}
	}
	return a.cfg.ReadCache.Stats()
}

// Flush writes every pending record in one transaction. Over-quota flushes
// trim the oldest learning entries and retry once; a write that still does
// not fit is dropped with a warning rather than failing the caller.
func (a *Adapter) Flush(ctx context.Context) error {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	batch := a.pending
	a.pending = make(map[string]pendingWrite)
	a.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	err := a.flushBatch(ctx, batch)
	var qe *QuotaError
	if errors.As(err, &qe) {
		if terr := a.trimLearning(ctx, qe.Area); terr != nil {
			a.warn("trim", terr)
		}
		if err = a.flushBatch(ctx, batch); err != nil {
			a.warn("flush-retry", err)
			return nil // surfaced as a warning, never a caller failure
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("storage: flush: %w", err)
	}
	return nil
}

func (a *Adapter) flushBatch(ctx context.Context, batch map[string]pendingWrite) error {
	// Quota check: current usage plus the incoming batch per area.
	incoming := map[Area]int64{}
	for _, pw := range batch {
		incoming[pw.area] += int64(len(pw.value))
	}
	for area, add := range incoming {
		used, err := a.Usage(ctx, area)
		if err != nil {
			return err
		}
		if used+add > a.quota(area) {
			return &QuotaError{Area: area, Used: used + add, Quota: a.quota(area)}
		}
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, pw := range batch {
		value, compressed := maybeCompress(pw.value, a.cfg.CompressThreshold)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO records (area, key, value, compressed, updated_at)
			VALUES (?,?,?,?,?)
			ON CONFLICT(area, key) DO UPDATE SET
				value = excluded.value,
				compressed = excluded.compressed,
				updated_at = excluded.updated_at`,
			pw.area, pw.key, value, boolInt(compressed), now,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// trimLearning deletes the oldest half of the learning entries in an area.
// Creation order approximates relevance for learned corrections, so the
// newest survive.
func (a *Adapter) trimLearning(ctx context.Context, area Area) error {
	keys, err := a.Keys(ctx, LearningPrefix, area)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return fmt.Errorf("storage: %s area over quota with no learning entries to trim", area)
	}

	drop := keys[:(len(keys)+1)/2]
	for _, k := range drop {
		if err := a.Delete(ctx, k, area); err != nil {
			return err
		}
	}
	a.cfg.Logger.Warn("storage: trimmed learning entries to recover quota",
		"area", area, "dropped", len(drop))
	return nil
}

// Close flushes pending writes and closes the database.
func (a *Adapter) Close() error {
	a.mu.Lock()
	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()

	if err := a.Flush(context.Background()); err != nil {
		a.warn("close-flush", err)
	}
	return a.db.Close()
}

func (a *Adapter) quota(area Area) int64 {
	if area == AreaSync {
		return a.cfg.SyncQuota
	}
	return a.cfg.LocalQuota
}

func (a *Adapter) warn(stage string, err error) {
	a.cfg.Logger.Warn("storage: non-fatal persistence failure", "stage", stage, "error", err)
	if a.OnWarning != nil {
		a.OnWarning(stage, err)
	}
}

func pendKey(area Area, key string) string {
	return string(area) + "\x00" + key
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
