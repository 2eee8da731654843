package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"quizcache/internal/cache"
	"quizcache/internal/metrics"
	"quizcache/pkg/logging/logging"
)

const (
	DefaultStorageKey     = "quizcache_cache"
	DefaultVersion        = "1.0.0"
	DefaultMaxAge         = 24 * time.Hour
	DefaultMaxStorageSize = 5 * 1024 * 1024
	DefaultAssumedQuota   = 10 * 1024 * 1024
	DefaultAutoSave       = 5 * time.Minute
)

type Config struct {
	StorageKey     string        // key holding the snapshot blob (default: "quizcache_cache")
	Version        string        // snapshot format version (default: "1.0.0")
	MaxAge         time.Duration // older snapshots are discarded (default: 24h)
	MaxStorageSize int           // larger snapshots are not written (default: 5MB)
	AssumedQuota   int           // denominator for StorageUsage (default: 10MB)
}

// WithDefaults returns a copy of Config with defaults applied.
func (c Config) WithDefaults() Config {
	if c.StorageKey == "" {
		c.StorageKey = DefaultStorageKey
	}
	if c.Version == "" {
		c.Version = DefaultVersion
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.MaxStorageSize <= 0 {
		c.MaxStorageSize = DefaultMaxStorageSize
	}
	if c.AssumedQuota <= 0 {
		c.AssumedQuota = DefaultAssumedQuota
	}
	return c
}

// Snapshotter is the read side of the in-memory cache the adapter persists.
type Snapshotter interface {
	Snapshot() map[string]cache.Entry
}

// Usage describes how much of the assumed storage quota is in use.
type Usage struct {
	Used       int     `json:"used"`
	Available  int     `json:"available"`
	Percentage float64 `json:"percentage"`
}

type Option func(*Adapter)

func WithLogger(l *zap.Logger) Option {
	return func(a *Adapter) { a.logger = logging.OrNop(l) }
}

func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// Adapter mirrors cache snapshots into a Storage. Any doubt about a stored
// snapshot (version, age, encoding) discards it whole.
type Adapter struct {
	store  Storage
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func NewAdapter(store Storage, cfg Config, opts ...Option) *Adapter {
	a := &Adapter{
		store:  store,
		cfg:    cfg.WithDefaults(),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named("persist")
	return a
}

// Config returns the effective configuration.
func (a *Adapter) Config() Config { return a.cfg }

// Save writes a snapshot of src. It never fails the caller: an oversized
// snapshot is skipped and a write failure clears the stored blob.
// It reports whether the snapshot was written.
func (a *Adapter) Save(ctx context.Context, src Snapshotter) bool {
	entries := src.Snapshot()
	blob, err := encodeSnapshot(a.now(), a.cfg.Version, entries, a.logger)
	if err != nil {
		metrics.PersistSavesTotal.WithLabelValues("error").Inc()
		a.logger.Warn("encode snapshot failed", zap.Error(err))
		return false
	}

	if len(blob) > a.cfg.MaxStorageSize {
		metrics.PersistSavesTotal.WithLabelValues("oversized").Inc()
		a.logger.Warn("snapshot too large, not saved",
			zap.Int("bytes", len(blob)),
			zap.Int("max_bytes", a.cfg.MaxStorageSize),
		)
		return false
	}

	if err := a.store.SetItem(ctx, a.cfg.StorageKey, string(blob)); err != nil {
		metrics.PersistSavesTotal.WithLabelValues("error").Inc()
		a.logger.Warn("snapshot write failed, clearing stored snapshot", zap.Error(err))
		a.Clear(ctx)
		return false
	}

	metrics.PersistSavesTotal.WithLabelValues("ok").Inc()
	a.logger.Debug("snapshot saved",
		zap.Int("entries", len(entries)),
		zap.Int("bytes", len(blob)),
	)
	return true
}

// Load returns the stored entries, or (nil, false) when there is no usable
// snapshot. Unusable snapshots are removed from storage.
func (a *Adapter) Load(ctx context.Context) (map[string]cache.Entry, bool) {
	raw, ok, err := a.store.GetItem(ctx, a.cfg.StorageKey)
	if err != nil {
		metrics.PersistLoadsTotal.WithLabelValues("corrupt").Inc()
		a.logger.Warn("snapshot read failed", zap.Error(err))
		a.Clear(ctx)
		return nil, false
	}
	if !ok {
		metrics.PersistLoadsTotal.WithLabelValues("absent").Inc()
		a.logger.Debug("no stored snapshot")
		return nil, false
	}

	snap, err := decodeSnapshot([]byte(raw))
	if err != nil {
		metrics.PersistLoadsTotal.WithLabelValues("corrupt").Inc()
		a.logger.Warn("snapshot unreadable, clearing", zap.Error(err))
		a.Clear(ctx)
		return nil, false
	}

	if snap.Version != a.cfg.Version {
		metrics.PersistLoadsTotal.WithLabelValues("version").Inc()
		a.logger.Info("snapshot version mismatch, clearing",
			zap.String("stored", snap.Version),
			zap.String("current", a.cfg.Version),
		)
		a.Clear(ctx)
		return nil, false
	}

	age := a.now().Sub(time.UnixMilli(snap.Timestamp))
	if age > a.cfg.MaxAge {
		metrics.PersistLoadsTotal.WithLabelValues("stale").Inc()
		a.logger.Info("snapshot too old, clearing",
			zap.Duration("age", age),
			zap.Duration("max_age", a.cfg.MaxAge),
		)
		a.Clear(ctx)
		return nil, false
	}

	entries := snap.entries()
	metrics.PersistLoadsTotal.WithLabelValues("ok").Inc()
	a.logger.Info("snapshot loaded", zap.Int("entries", len(entries)))
	return entries, true
}

// Clear removes the snapshot blob.
func (a *Adapter) Clear(ctx context.Context) {
	if err := a.store.RemoveItem(ctx, a.cfg.StorageKey); err != nil {
		a.logger.Warn("clear snapshot failed", zap.Error(err))
	}
}

// ClearByPattern removes raw storage keys matching re, other than the
// snapshot blob, and returns how many were removed.
func (a *Adapter) ClearByPattern(ctx context.Context, re *regexp.Regexp) int {
	keys, err := a.store.Keys(ctx)
	if err != nil {
		a.logger.Warn("list storage keys failed", zap.Error(err))
		return 0
	}

	removed := 0
	for _, k := range keys {
		if k == a.cfg.StorageKey || !re.MatchString(k) {
			continue
		}
		if err := a.store.RemoveItem(ctx, k); err != nil {
			a.logger.Warn("remove storage key failed", zap.String("key", k), zap.Error(err))
			continue
		}
		removed++
	}
	a.logger.Debug("cleared storage keys by pattern",
		zap.String("pattern", re.String()),
		zap.Int("removed", removed),
	)
	return removed
}

// ClearUserData removes raw storage keys that carry userID as one
// underscore-delimited segment.
func (a *Adapter) ClearUserData(ctx context.Context, userID string) int {
	if userID == "" {
		return 0
	}
	re := regexp.MustCompile(`(^|_)` + regexp.QuoteMeta(userID) + `(_|$)`)
	return a.ClearByPattern(ctx, re)
}

// StorageUsage sums stored value sizes against the assumed quota.
// A storage error reports zero usage.
func (a *Adapter) StorageUsage(ctx context.Context) Usage {
	keys, err := a.store.Keys(ctx)
	if err != nil {
		a.logger.Debug("storage usage unavailable", zap.Error(err))
		return Usage{}
	}

	used := 0
	for _, k := range keys {
		v, ok, err := a.store.GetItem(ctx, k)
		if err != nil {
			a.logger.Debug("storage usage unavailable", zap.Error(err))
			return Usage{}
		}
		if ok {
			used += len(v)
		}
	}

	return Usage{
		Used:       used,
		Available:  a.cfg.AssumedQuota,
		Percentage: float64(used) / float64(a.cfg.AssumedQuota) * 100,
	}
}

func (a *Adapter) LogStatus(ctx context.Context) {
	u := a.StorageUsage(ctx)
	a.logger.Info("storage status",
		zap.String("used", fmt.Sprintf("%.2fMB", float64(u.Used)/1024/1024)),
		zap.String("available", fmt.Sprintf("%.2fMB", float64(u.Available)/1024/1024)),
		zap.String("percentage", fmt.Sprintf("%.2f%%", u.Percentage)),
	)
}

// StopFunc cancels an auto-save loop and performs one final save.
type StopFunc func(ctx context.Context)

// StartAutoSave saves src every interval until the returned StopFunc is
// called or ctx is done. The StopFunc is safe to call more than once; only
// the first call saves.
func (a *Adapter) StartAutoSave(ctx context.Context, src Snapshotter, interval time.Duration) StopFunc {
	if interval <= 0 {
		interval = DefaultAutoSave
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				a.Save(loopCtx, src)
			}
		}
	}()

	var once sync.Once
	return func(stopCtx context.Context) {
		once.Do(func() {
			cancel()
			<-done
			a.Save(stopCtx, src)
		})
	}
}

// snapshot is the stored form: {"timestamp","version","data":[[key, entry], ...]}.
type snapshot struct {
	Timestamp int64       `json:"timestamp"` // unix ms
	Version   string      `json:"version"`
	Data      []entryPair `json:"data"`
}

type storedEntry struct {
	Data        json.RawMessage `json:"data"`
	Timestamp   int64           `json:"timestamp"` // unix ms
	TTL         int64           `json:"ttl"`       // ms
	AccessCount int64           `json:"accessCount"`
}

type entryPair struct {
	Key   string
	Entry storedEntry
}

func (p entryPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.Key, p.Entry})
}

func (p *entryPair) UnmarshalJSON(b []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(b, &tuple); err != nil {
		return err
	}
	if len(tuple) != 2 {
		return fmt.Errorf("entry pair has %d elements", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &p.Key); err != nil {
		return fmt.Errorf("entry key: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &p.Entry); err != nil {
		return fmt.Errorf("entry %q: %w", p.Key, err)
	}
	return nil
}

func encodeSnapshot(now time.Time, version string, entries map[string]cache.Entry, logger *zap.Logger) ([]byte, error) {
	snap := snapshot{
		Timestamp: now.UnixMilli(),
		Version:   version,
		Data:      make([]entryPair, 0, len(entries)),
	}
	for k, e := range entries {
		// Values are stored inline, so only JSON payloads survive a restart.
		if !json.Valid(e.Data) {
			logger.Debug("skipping non-JSON entry", zap.String("key", k))
			continue
		}
		snap.Data = append(snap.Data, entryPair{Key: k, Entry: storedEntry{
			Data:        json.RawMessage(e.Data),
			Timestamp:   e.Timestamp.UnixMilli(),
			TTL:         e.TTL.Milliseconds(),
			AccessCount: e.AccessCount,
		}})
	}
	return json.Marshal(snap)
}

func decodeSnapshot(b []byte) (snapshot, error) {
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return snapshot{}, err
	}
	if snap.Version == "" || snap.Timestamp == 0 {
		return snapshot{}, errors.New("snapshot header missing")
	}
	return snap, nil
}

func (s snapshot) entries() map[string]cache.Entry {
	out := make(map[string]cache.Entry, len(s.Data))
	for _, p := range s.Data {
		out[p.Key] = cache.Entry{
			Data:        []byte(p.Entry.Data),
			Timestamp:   time.UnixMilli(p.Entry.Timestamp),
			TTL:         time.Duration(p.Entry.TTL) * time.Millisecond,
			AccessCount: p.Entry.AccessCount,
		}
	}
	return out
}
