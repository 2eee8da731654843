package cache

import (
	"sort"

	"go.uber.org/zap"

	"quizcache/internal/metrics"
)

// SweepExpired deletes every entry whose TTL has elapsed.
func (m *Memory) SweepExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for k, e := range m.items {
		if e.Expired(now) {
			delete(m.items, k)
			n++
		}
	}

	if n > 0 {
		metrics.CacheEvictionsTotal.WithLabelValues("expired").Add(float64(n))
		m.logger.Debug("cache_sweep", zap.Int("removed", n), zap.Int("remaining", len(m.items)))
	}
	metrics.CacheEntries.Set(float64(len(m.items)))
	return n
}

// EvictFraction removes floor(len*fraction) entries, least used first
// (access count ascending, then timestamp ascending).
func (m *Memory) EvictFraction(fraction float64) int {
	if fraction <= 0 {
		return 0
	}
	if fraction > 1 {
		fraction = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	toRemove := int(float64(len(m.items)) * fraction)
	if toRemove == 0 {
		return 0
	}

	type ranked struct {
		key string
		e   *Entry
	}
	all := make([]ranked, 0, len(m.items))
	for k, e := range m.items {
		all = append(all, ranked{k, e})
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i].e, all[j].e
		if a.AccessCount != b.AccessCount {
			return a.AccessCount < b.AccessCount
		}
		return a.Timestamp.Before(b.Timestamp)
	})

	for _, r := range all[:toRemove] {
		delete(m.items, r.key)
	}

	metrics.CacheEvictionsTotal.WithLabelValues("trim").Add(float64(toRemove))
	metrics.CacheEntries.Set(float64(len(m.items)))
	m.logger.Debug("cache_trim",
		zap.Float64("fraction", fraction),
		zap.Int("removed", toRemove),
		zap.Int("remaining", len(m.items)),
	)
	return toRemove
}

// Snapshot returns a copy of every entry, expired ones included.
func (m *Memory) Snapshot() map[string]Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Entry, len(m.items))
	for k, e := range m.items {
		out[k] = *e
	}
	return out
}

// Restore merges entries into the cache, keeping their original timestamps
// and access counts. Expired entries are skipped and capacity is enforced
// one eviction at a time, as with Set.
func (m *Memory) Restore(entries map[string]Entry) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for k, e := range entries {
		if e.TTL <= 0 || e.Expired(now) {
			continue
		}
		if _, exists := m.items[k]; !exists && len(m.items) >= m.cfg.MaxEntries {
			m.evictOneLocked()
		}
		entry := e
		m.items[k] = &entry
		n++
	}

	metrics.CacheEntries.Set(float64(len(m.items)))
	return n
}
