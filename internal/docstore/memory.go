package docstore

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Store with the same transaction semantics as the
// remote backends. It backs local runs and tests.
type Memory struct {
	mu      sync.RWMutex
	docs    map[string]map[string]Document // collection -> id -> doc
	commits int
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[string]map[string]Document)}
}

// Put seeds a document outside of any transaction.
func (m *Memory) Put(collection, id string, doc Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collection(collection)[id] = doc.Clone()
}

func (m *Memory) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error: %w", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[collection][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return doc.Clone(), nil
}

// Commit applies ops to copies of the touched documents and publishes them
// only when every operation succeeded.
func (m *Memory) Commit(ctx context.Context, ops []Operation) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := stage(ops, func(ref docRef) (Document, bool) {
		d, ok := m.docs[ref.collection][ref.id]
		return d, ok
	})
	if err != nil {
		return err
	}

	for ref := range s.deleted {
		delete(m.docs[ref.collection], ref.id)
	}
	for ref, doc := range s.docs {
		m.collection(ref.collection)[ref.id] = doc
	}
	m.commits++
	return nil
}

// Commits returns how many transactions were applied.
func (m *Memory) Commits() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commits
}

func (m *Memory) collection(name string) map[string]Document {
	c, ok := m.docs[name]
	if !ok {
		c = make(map[string]Document)
		m.docs[name] = c
	}
	return c
}
