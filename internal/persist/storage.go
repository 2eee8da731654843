package persist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrQuotaExceeded is returned by a Storage whose write would overflow its quota.
var ErrQuotaExceeded = errors.New("persist: storage quota exceeded")

// Storage is a durable string key/value store shared with unrelated data.
type Storage interface {
	// GetItem returns (value, true, nil) on hit, ("", false, nil) on a clean miss.
	GetItem(ctx context.Context, key string) (string, bool, error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// MemoryStorage is an in-process Storage bounded by a byte quota over
// value lengths. A quota <= 0 means unbounded.
type MemoryStorage struct {
	mu    sync.RWMutex
	items map[string]string
	quota int
	used  int
}

func NewMemoryStorage(quota int) *MemoryStorage {
	return &MemoryStorage{
		items: make(map[string]string),
		quota: quota,
	}
}

func (s *MemoryStorage) GetItem(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, fmt.Errorf("context error: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok, nil
}

func (s *MemoryStorage) SetItem(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.used - len(s.items[key]) + len(value)
	if s.quota > 0 && next > s.quota {
		return fmt.Errorf("set %q (%d bytes): %w", key, len(value), ErrQuotaExceeded)
	}
	s.items[key] = value
	s.used = next
	return nil
}

func (s *MemoryStorage) RemoveItem(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used -= len(s.items[key])
	delete(s.items, key)
	return nil
}

// Keys returns every stored key in sorted order.
func (s *MemoryStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
