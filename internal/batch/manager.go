package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"quizcache/internal/docstore"
	"quizcache/internal/metrics"
	"quizcache/pkg/logging/logging"
)

const (
	DefaultMaxBatchSize    = 500
	DefaultProcessInterval = 30 * time.Second
)

type Config struct {
	MaxBatchSize    int           // operations per transaction (default: 500)
	ProcessInterval time.Duration // processor flush cadence (default: 30s)
}

// WithDefaults returns a copy of Config with defaults applied.
func (c Config) WithDefaults() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.ProcessInterval <= 0 {
		c.ProcessInterval = DefaultProcessInterval
	}
	return c
}

// Committer applies a list of operations as one transaction.
type Committer interface {
	Commit(ctx context.Context, ops []docstore.Operation) error
}

// ProfileCache is the part of the in-memory cache that holds user profiles.
type ProfileCache interface {
	PeekUser(userID string) ([]byte, bool)
	SetUserRaw(userID string, raw []byte)
}

type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = logging.OrNop(l) }
}

// WithProfileCache keeps cached user profiles in step with committed updates.
func WithProfileCache(c ProfileCache) Option {
	return func(m *Manager) { m.profiles = c }
}

type queued struct {
	id uuid.UUID
	op docstore.Operation
}

// Manager queues document writes and commits them in FIFO order, at most
// MaxBatchSize operations per transaction.
//
// Every committed chunk is removed from the queue as soon as its
// transaction succeeds, so after a failure only uncommitted operations
// remain queued for the next Execute.
type Manager struct {
	store    Committer
	profiles ProfileCache
	cfg      Config
	logger   *zap.Logger

	mu    sync.Mutex
	queue []queued
	gen   uint64 // bumped by Clear

	flushMu sync.Mutex
}

func NewManager(store Committer, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		cfg:    cfg.WithDefaults(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("batch")
	return m
}

// AddOperation appends op to the queue. Malformed operations are rejected
// here instead of failing a later flush.
func (m *Manager) AddOperation(op docstore.Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.queue = append(m.queue, queued{id: uuid.New(), op: op})
	n := len(m.queue)
	m.mu.Unlock()

	metrics.BatchPendingOperations.Set(float64(n))
	return nil
}

// Pending returns the number of queued operations.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Clear drops every queued operation. A flush already in progress still
// commits what it took, but no longer removes anything from the queue.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.queue = nil
	m.gen++
	m.mu.Unlock()

	metrics.BatchPendingOperations.Set(0)
}

// MaxOperations is the effective per-transaction cap: MaxBatchSize, lowered
// to the store's own limit when it has a smaller one.
func (m *Manager) MaxOperations() int {
	limit := m.cfg.MaxBatchSize
	if l, ok := m.store.(docstore.Limiter); ok {
		if n := l.MaxOperations(); n > 0 && n < limit {
			limit = n
		}
	}
	return limit
}

// Execute commits every queued operation. Concurrent calls are serialized.
// On error, operations that were not committed stay queued.
func (m *Manager) Execute(ctx context.Context) error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	m.mu.Lock()
	pending := append([]queued(nil), m.queue...)
	gen := m.gen
	m.mu.Unlock()

	if len(pending) == 0 {
		m.logger.Debug("no operations to execute")
		return nil
	}

	limit := m.MaxOperations()
	chunks := (len(pending) + limit - 1) / limit
	logger := m.logger.With(
		zap.String("flush_id", uuid.NewString()),
		zap.Int("operations", len(pending)),
		zap.Int("chunks", chunks),
	)
	if chunks > 1 {
		logger.Info("splitting batch into chunks", zap.Int("max_batch_size", limit))
	}

	for i := 0; i < chunks; i++ {
		start := i * limit
		end := min(start+limit, len(pending))
		chunk := pending[start:end]

		ops := make([]docstore.Operation, len(chunk))
		for j, q := range chunk {
			ops[j] = q.op
		}

		began := time.Now()
		cctx := docstore.WithIdempotencyToken(ctx, chunkToken(chunk))
		if err := m.store.Commit(cctx, ops); err != nil {
			metrics.BatchFlushesTotal.WithLabelValues("error").Inc()
			logger.Error("batch commit failed",
				zap.Int("chunk", i+1),
				zap.Int("chunk_size", len(ops)),
				zap.Error(err),
			)
			if chunks > 1 {
				return fmt.Errorf("batch chunk %d/%d: %w", i+1, chunks, err)
			}
			return fmt.Errorf("batch commit: %w", err)
		}

		metrics.BatchFlushesTotal.WithLabelValues("ok").Inc()
		metrics.BatchOperationsCommittedTotal.Add(float64(len(ops)))
		m.dropCommitted(gen, len(chunk))
		m.syncProfiles(ops)

		logger.Debug("batch chunk committed",
			zap.Int("chunk", i+1),
			zap.Int("chunk_size", len(ops)),
			zap.Duration("duration", time.Since(began)),
		)
	}

	logger.Info("batch executed")
	return nil
}

// dropCommitted removes the n operations at the front of the queue, unless
// the queue was cleared since the flush started.
func (m *Manager) dropCommitted(gen uint64, n int) {
	m.mu.Lock()
	if m.gen == gen && n <= len(m.queue) {
		m.queue = append([]queued(nil), m.queue[n:]...)
	}
	left := len(m.queue)
	m.mu.Unlock()

	metrics.BatchPendingOperations.Set(float64(left))
}

// syncProfiles applies committed user updates to cached profiles. Users that
// are not cached, or whose cached value is not an object, are skipped.
func (m *Manager) syncProfiles(ops []docstore.Operation) {
	if m.profiles == nil {
		return
	}
	for _, op := range ops {
		if op.Collection != UsersCollection || (op.Type != docstore.OpUpdate && op.Type != docstore.OpIncrement) {
			continue
		}
		raw, ok := m.profiles.PeekUser(op.DocID)
		if !ok {
			continue
		}

		var doc docstore.Document
		if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
			m.logger.Debug("cached profile not an object, skipping sync", zap.String("user_id", op.DocID))
			continue
		}
		if err := docstore.ApplyFields(doc, op.Data); err != nil {
			m.logger.Debug("profile sync failed", zap.String("user_id", op.DocID), zap.Error(err))
			continue
		}
		updated, err := json.Marshal(doc)
		if err != nil {
			m.logger.Debug("profile sync failed", zap.String("user_id", op.DocID), zap.Error(err))
			continue
		}
		m.profiles.SetUserRaw(op.DocID, updated)
	}
}

var tokenNamespace = uuid.MustParse("6f1c2b0e-9d4a-4c1e-8a57-2f7b1e3c9d10")

// chunkToken derives a stable token from the operation ids, so resubmitting
// the same chunk reuses the same token.
func chunkToken(chunk []queued) string {
	buf := make([]byte, 0, len(chunk)*16)
	for _, q := range chunk {
		buf = append(buf, q.id[:]...)
	}
	return uuid.NewSHA1(tokenNamespace, buf).String()
}

func (m *Manager) LogStatus() {
	m.mu.Lock()
	ops := make([]string, 0, len(m.queue))
	for _, q := range m.queue {
		ops = append(ops, string(q.op.Type)+" "+q.op.Collection+"/"+q.op.DocID)
	}
	m.mu.Unlock()

	m.logger.Info("batch status",
		zap.Int("pending_operations", len(ops)),
		zap.Int("max_batch_size", m.MaxOperations()),
		zap.Strings("operations", ops),
	)
}

// StopFunc cancels a processor and flushes what is still queued.
type StopFunc func(ctx context.Context) error

// StartProcessor flushes the queue every interval while it is non-empty.
// Errors are logged; operations stay queued for the next tick. The returned
// StopFunc performs one last flush and reports its error; later calls are
// no-ops.
func (m *Manager) StartProcessor(ctx context.Context, interval time.Duration) StopFunc {
	if interval <= 0 {
		interval = m.cfg.ProcessInterval
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
				if m.Pending() == 0 {
					continue
				}
				if err := m.Execute(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
					m.logger.Warn("periodic batch flush failed", zap.Error(err))
				}
			}
		}
	}()

	var once sync.Once
	return func(stopCtx context.Context) error {
		var err error
		once.Do(func() {
			cancel()
			<-done
			if m.Pending() > 0 {
				err = m.Execute(stopCtx)
			}
		})
		return err
	}
}
