package cache

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"quizcache/internal/metrics"
	"quizcache/pkg/logging/logging"
)

const (
	DefaultMaxEntries = 100
	DefaultTTL        = 5 * time.Minute
)

// Entry is one cached value plus the metadata that drives expiry and eviction.
type Entry struct {
	Data        []byte
	Timestamp   time.Time
	TTL         time.Duration
	AccessCount int64
}

// Expired reports whether the entry outlived its TTL at now.
func (e Entry) Expired(now time.Time) bool {
	return now.Sub(e.Timestamp) > e.TTL
}

// Stats is a point-in-time copy of the cache counters.
type Stats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	TotalRequests int64   `json:"total_requests"`
	HitRate       float64 `json:"hit_rate"` // percent
	Evictions     int64   `json:"evictions"`
}

type Config struct {
	MaxEntries int           // default: 100
	DefaultTTL time.Duration // default: 5m
}

// WithDefaults returns a copy of Config with defaults applied.
func (c Config) WithDefaults() Config {
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultMaxEntries
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = DefaultTTL
	}
	return c
}

type Option func(*Memory)

// WithLogger sets the logger used for eviction and sweep diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(m *Memory) { m.logger = logging.OrNop(l).Named("cache") }
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// Memory is a bounded, TTL-aware key/value store. Reads count towards an
// entry's eviction priority, so Get is not read-only.
type Memory struct {
	mu     sync.Mutex
	items  map[string]*Entry
	stats  Stats
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
}

func New(cfg Config, opts ...Option) *Memory {
	m := &Memory{
		items:  make(map[string]*Entry),
		cfg:    cfg.WithDefaults(),
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Set stores data under key. ttl <= 0 selects the default TTL. When the cache
// is full and key is new, exactly one entry is evicted first.
func (m *Memory) Set(key string, data []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}

	// Copy to decouple from caller's buffer
	value := make([]byte, len(data))
	copy(value, data)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.items[key]; !exists && len(m.items) >= m.cfg.MaxEntries {
		m.evictOneLocked()
	}

	m.items[key] = &Entry{
		Data:      value,
		Timestamp: m.now(),
		TTL:       ttl,
	}
	metrics.CacheEntries.Set(float64(len(m.items)))
}

// Get returns the cached bytes for key. Absent and expired keys are misses;
// expired entries are removed on discovery. Callers must not modify the
// returned slice.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.TotalRequests++

	e, ok := m.items[key]
	if !ok {
		m.stats.Misses++
		metrics.CacheMissesTotal.Inc()
		return nil, false
	}

	if e.Expired(m.now()) {
		delete(m.items, key)
		m.stats.Misses++
		metrics.CacheMissesTotal.Inc()
		metrics.CacheEvictionsTotal.WithLabelValues("expired").Inc()
		metrics.CacheEntries.Set(float64(len(m.items)))
		return nil, false
	}

	e.AccessCount++
	m.stats.Hits++
	metrics.CacheHitsTotal.Inc()
	return e.Data, true
}

// getDecoded is Get for typed reads. An entry that decode rejects is removed
// and counted as a miss, not a hit.
func (m *Memory) getDecoded(key string, decode func([]byte) error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.TotalRequests++

	e, ok := m.items[key]
	switch {
	case !ok:
	case e.Expired(m.now()):
		delete(m.items, key)
		metrics.CacheEvictionsTotal.WithLabelValues("expired").Inc()
		ok = false
	default:
		if err := decode(e.Data); err != nil {
			delete(m.items, key)
			metrics.CacheEvictionsTotal.WithLabelValues("undecodable").Inc()
			m.logger.Debug("cache_drop_undecodable", zap.String("key", key), zap.Error(err))
			ok = false
		}
	}

	if !ok {
		m.stats.Misses++
		metrics.CacheMissesTotal.Inc()
		metrics.CacheEntries.Set(float64(len(m.items)))
		return false
	}
	e.AccessCount++
	m.stats.Hits++
	metrics.CacheHitsTotal.Inc()
	return true
}

// Peek reads a live entry without touching stats or access counts.
func (m *Memory) Peek(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.items[key]
	if !ok || e.Expired(m.now()) {
		return nil, false
	}
	return e.Data, true
}

func (m *Memory) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[key]; !ok {
		return false
	}
	delete(m.items, key)
	metrics.CacheEntries.Set(float64(len(m.items)))
	return true
}

// Clear removes all items and resets stats.
func (m *Memory) Clear() {
	m.mu.Lock()
	m.items = make(map[string]*Entry)
	m.stats = Stats{}
	m.mu.Unlock()
	metrics.CacheEntries.Set(0)
}

// Len returns the number of items currently in the cache, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// MaxEntries returns the configured capacity.
func (m *Memory) MaxEntries() int {
	return m.cfg.MaxEntries
}

func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stats
	if s.TotalRequests > 0 {
		s.HitRate = float64(s.Hits) / float64(s.TotalRequests) * 100
	}
	return s
}

// ClearByPattern deletes every key matching re and returns how many went.
func (m *Memory) ClearByPattern(re *regexp.Regexp) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k := range m.items {
		if re.MatchString(k) {
			delete(m.items, k)
			n++
		}
	}
	metrics.CacheEntries.Set(float64(len(m.items)))
	return n
}

// ClearUserCache deletes the user's profile and every user-scoped entry
// (test results, unlocked tests) owned by userID.
func (m *Memory) ClearUserCache(userID string) int {
	userID = strings.TrimSpace(userID)

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k := range m.items {
		key, ok := ParseKey(k)
		if !ok {
			continue
		}
		if owner, ok := key.UserID(); ok && owner == userID {
			delete(m.items, k)
			n++
		}
	}
	metrics.CacheEntries.Set(float64(len(m.items)))
	return n
}

// evictOneLocked removes the entry with the lowest access count, breaking
// ties by oldest timestamp. m.mu must be held.
func (m *Memory) evictOneLocked() {
	var (
		victim string
		best   *Entry
	)
	for k, e := range m.items {
		if best == nil ||
			e.AccessCount < best.AccessCount ||
			(e.AccessCount == best.AccessCount && e.Timestamp.Before(best.Timestamp)) {
			victim, best = k, e
		}
	}
	if best == nil {
		return
	}

	delete(m.items, victim)
	m.stats.Evictions++
	metrics.CacheEvictionsTotal.WithLabelValues("capacity").Inc()
	m.logger.Debug("cache_evict",
		zap.String("key", victim),
		zap.Int64("access_count", best.AccessCount),
		zap.Time("timestamp", best.Timestamp),
	)
}

// LogStatus writes the current size and counters at info level.
func (m *Memory) LogStatus() {
	s := m.Stats()
	m.logger.Info("cache_status",
		zap.Int("size", m.Len()),
		zap.Int("max_size", m.cfg.MaxEntries),
		zap.Int64("hits", s.Hits),
		zap.Int64("misses", s.Misses),
		zap.Int64("total_requests", s.TotalRequests),
		zap.Float64("hit_rate", s.HitRate),
	)
}
