package manager

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"quizcache/internal/batch"
	"quizcache/internal/cache"
	"quizcache/internal/persist"
	"quizcache/pkg/logging/logging"
)

// ErrRunning is returned by UpdateConfig while the service is started.
var ErrRunning = errors.New("manager: service is running")

// Stats is the aggregated view returned by CacheStats.
type Stats struct {
	Memory       cache.Stats   `json:"memory"`
	Size         int           `json:"size"`
	Persistent   persist.Usage `json:"persistent"`
	PendingBatch int           `json:"pending_batch"`
}

// CleanupResult describes one cleanup or optimize pass.
type CleanupResult struct {
	Before  int  `json:"before"`
	After   int  `json:"after"`
	Expired int  `json:"expired"`
	Trimmed int  `json:"trimmed"`
	Saved   bool `json:"saved"`
}

// ClearResult counts entries removed by an invalidation call. Saved reports
// whether the stored snapshot was rewritten without them.
type ClearResult struct {
	Memory     int  `json:"memory"`
	Persistent int  `json:"persistent"`
	Saved      bool `json:"saved"`
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = logging.OrNop(l) }
}

// Service owns the lifecycle of the cache, its persistence and the write
// batcher. It is either stopped (no background work, reconfigurable) or
// running (cleanup loop, batch processor and auto-save armed).
type Service struct {
	cache   *cache.Memory
	persist *persist.Adapter // optional
	batch   *batch.Manager   // optional
	logger  *zap.Logger

	lifeMu sync.Mutex // serializes Start and Stop

	mu        sync.Mutex // guards the fields below
	cfg       Config
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	stopBatch batch.StopFunc
	stopSave  persist.StopFunc
}

// New builds a stopped service. p and b may be nil, which disables
// persistence and batching regardless of cfg.
func New(c *cache.Memory, p *persist.Adapter, b *batch.Manager, cfg Config, opts ...Option) (*Service, error) {
	if c == nil {
		return nil, errors.New("cache is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		cache:   c,
		persist: p,
		batch:   b,
		cfg:     cfg,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("manager")
	if c.MaxEntries() <= cfg.MaxCacheSize {
		s.logger.Warn("cache capacity does not exceed max cache size, size trim will never run",
			zap.Int("capacity", c.MaxEntries()),
			zap.Int("max_cache_size", cfg.MaxCacheSize),
		)
	}
	return s, nil
}

// Start warms the cache from storage and arms the background loops.
// Calling Start on a running service does nothing.
func (s *Service) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.Running() {
		return nil
	}
	cfg := s.config()
	s.logger.Info("starting cache management service",
		zap.Duration("cleanup_interval", cfg.AutoCleanupInterval),
		zap.Bool("persistent_cache", s.persistEnabledFor(cfg)),
		zap.Bool("batch_processing", cfg.EnableBatchProcessing && s.batch != nil),
	)

	if s.persistEnabledFor(cfg) {
		if entries, ok := s.persist.Load(ctx); ok {
			restored := s.cache.Restore(entries)
			s.logger.Info("cache warmed from storage",
				zap.Int("stored", len(entries)),
				zap.Int("restored", restored),
			)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go s.cleanupLoop(loopCtx, cfg.AutoCleanupInterval, done)

	var stopBatch batch.StopFunc
	if cfg.EnableBatchProcessing && s.batch != nil {
		stopBatch = s.batch.StartProcessor(loopCtx, cfg.BatchInterval)
	}
	var stopSave persist.StopFunc
	if s.persistEnabledFor(cfg) {
		stopSave = s.persist.StartAutoSave(loopCtx, s.cache, cfg.AutoSaveInterval)
	}

	s.mu.Lock()
	s.cancel, s.done = cancel, done
	s.stopBatch, s.stopSave = stopBatch, stopSave
	s.running = true
	s.mu.Unlock()

	s.logger.Info("cache management service started")
	return nil
}

// Stop cancels the background loops, flushes pending writes and saves a
// final snapshot. The flush error, if any, is returned. Calling Stop on a
// stopped service does nothing.
func (s *Service) Stop(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel, done := s.cancel, s.done
	stopBatch, stopSave := s.stopBatch, s.stopSave
	s.mu.Unlock()

	s.logger.Info("stopping cache management service")
	cancel()
	<-done

	var err error
	if stopBatch != nil {
		if ferr := stopBatch(ctx); ferr != nil {
			s.logger.Error("final batch flush failed", zap.Error(ferr))
			err = fmt.Errorf("final batch flush: %w", ferr)
		}
	}
	if stopSave != nil {
		stopSave(ctx)
	}

	s.mu.Lock()
	s.cancel, s.done = nil, nil
	s.stopBatch, s.stopSave = nil, nil
	s.running = false
	s.mu.Unlock()

	s.logger.Info("cache management service stopped")
	return err
}

// Running reports whether Start has been called without a matching Stop.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) cleanupLoop(ctx context.Context, interval time.Duration, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.PerformCleanup(ctx)
		}
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// PerformCleanup removes expired entries, trims the least used ones while
// the cache is over MaxCacheSize, and saves a snapshot.
func (s *Service) PerformCleanup(ctx context.Context) CleanupResult {
	cfg := s.config()
	res := s.compact(cfg)
	if s.persistEnabledFor(cfg) {
		res.Saved = s.persist.Save(ctx, s.cache)
	}

	s.logger.Info("cache cleanup finished",
		zap.Int("before", res.Before),
		zap.Int("after", res.After),
		zap.Int("expired", res.Expired),
		zap.Int("trimmed", res.Trimmed),
		zap.String("hit_rate", fmt.Sprintf("%.2f%%", s.cache.Stats().HitRate)),
	)
	return res
}

func (s *Service) persistEnabledFor(cfg Config) bool {
	return cfg.EnablePersistentCache && s.persist != nil
}

func (s *Service) compact(cfg Config) CleanupResult {
	res := CleanupResult{Before: s.cache.Len()}
	res.Expired = s.cache.SweepExpired()
	if s.cache.Len() > cfg.MaxCacheSize {
		res.Trimmed = s.cache.EvictFraction(cfg.TrimFraction)
	}
	res.After = s.cache.Len()
	return res
}

// OptimizeCache runs a cleanup pass and commits pending writes now.
// The flush error is returned; the cleanup part cannot fail.
func (s *Service) OptimizeCache(ctx context.Context) (CleanupResult, error) {
	cfg := s.config()
	res := s.compact(cfg)
	if s.persistEnabledFor(cfg) {
		res.Saved = s.persist.Save(ctx, s.cache)
	}

	if s.batch != nil && s.batch.Pending() > 0 {
		if err := s.batch.Execute(ctx); err != nil {
			s.logger.Error("optimize: batch flush failed", zap.Error(err))
			return res, fmt.Errorf("optimize cache: %w", err)
		}
	}

	s.logger.Info("cache optimized",
		zap.Int("before", res.Before),
		zap.Int("after", res.After),
	)
	return res, nil
}

// ClearUserCache removes every cache entry owned by userID, plus the
// user's raw keys in durable storage, and rewrites the stored snapshot so a
// restart does not bring the entries back.
func (s *Service) ClearUserCache(ctx context.Context, userID string) ClearResult {
	userID = strings.TrimSpace(userID)
	res := ClearResult{Memory: s.cache.ClearUserCache(userID)}
	if s.persist != nil {
		res.Persistent = s.persist.ClearUserData(ctx, userID)
	}
	res.Saved = s.resave(ctx)
	s.logger.Info("user cache cleared",
		zap.String("user_id", userID),
		zap.Int("memory", res.Memory),
		zap.Int("persistent", res.Persistent),
	)
	return res
}

// ClearByPattern removes cache entries and raw storage keys matching the
// regular expression pattern.
func (s *Service) ClearByPattern(ctx context.Context, pattern string) (ClearResult, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return ClearResult{}, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	res := ClearResult{Memory: s.cache.ClearByPattern(re)}
	if s.persist != nil {
		res.Persistent = s.persist.ClearByPattern(ctx, re)
	}
	res.Saved = s.resave(ctx)
	s.logger.Info("cache cleared by pattern",
		zap.String("pattern", pattern),
		zap.Int("memory", res.Memory),
		zap.Int("persistent", res.Persistent),
	)
	return res, nil
}

// resave writes a fresh snapshot when persistence is enabled.
func (s *Service) resave(ctx context.Context) bool {
	if !s.persistEnabledFor(s.config()) {
		return false
	}
	return s.persist.Save(ctx, s.cache)
}

// ClearAllCache empties the cache, the stored snapshot and the write queue.
func (s *Service) ClearAllCache(ctx context.Context) {
	s.cache.Clear()
	if s.persist != nil {
		s.persist.Clear(ctx)
	}
	if s.batch != nil {
		s.batch.Clear()
	}
	s.logger.Info("all cache cleared")
}

func (s *Service) CacheStats(ctx context.Context) Stats {
	st := Stats{
		Memory: s.cache.Stats(),
		Size:   s.cache.Len(),
	}
	if s.persist != nil {
		st.Persistent = s.persist.StorageUsage(ctx)
	}
	if s.batch != nil {
		st.PendingBatch = s.batch.Pending()
	}
	return st
}

// Config returns the current configuration.
func (s *Service) Config() Config { return s.config() }

// UpdateConfig replaces the configuration. Only allowed while stopped.
func (s *Service) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}
	s.cfg = cfg
	s.logger.Info("cache management config updated",
		zap.Duration("cleanup_interval", cfg.AutoCleanupInterval),
		zap.Int("max_cache_size", cfg.MaxCacheSize),
		zap.Bool("persistent_cache", cfg.EnablePersistentCache),
		zap.Bool("batch_processing", cfg.EnableBatchProcessing),
	)
	return nil
}

func (s *Service) LogStatus(ctx context.Context) {
	st := s.CacheStats(ctx)
	s.logger.Info("cache status",
		zap.Int("memory_size", st.Size),
		zap.String("hit_rate", fmt.Sprintf("%.2f%%", st.Memory.HitRate)),
		zap.Int64("total_requests", st.Memory.TotalRequests),
		zap.String("persistent_used", fmt.Sprintf("%.2fMB", float64(st.Persistent.Used)/1024/1024)),
		zap.String("persistent_percentage", fmt.Sprintf("%.2f%%", st.Persistent.Percentage)),
		zap.Int("pending_operations", st.PendingBatch),
	)
	s.cache.LogStatus()
	if s.persist != nil {
		s.persist.LogStatus(ctx)
	}
	if s.batch != nil {
		s.batch.LogStatus()
	}
}
