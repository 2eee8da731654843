package docstore

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"quizcache/pkg/logging/logging"
)

// BreakerConfig tunes the circuit breaker placed in front of a Store.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32        // requests allowed while half-open
	Interval         time.Duration // closed-state counter reset period
	Timeout          time.Duration // open duration before probing
	FailureThreshold float64       // failure ratio that trips the breaker
	MinRequests      uint32        // requests seen before the ratio is judged
}

func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// Breaker wraps a Store so that a failing backend is rejected fast with
// gobreaker.ErrOpenState instead of being hit on every flush.
type Breaker struct {
	next Store
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(next Store, cfg BreakerConfig, logger *zap.Logger) *Breaker {
	logger = logging.OrNop(logger)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("docstore circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		// Caller mistakes say nothing about backend health.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrNotFound) ||
				errors.Is(err, ErrInvalidOperation) ||
				errors.Is(err, ErrConflict) ||
				errors.Is(err, context.Canceled)
		},
	})
	return &Breaker{next: next, cb: cb}
}

func (b *Breaker) Get(ctx context.Context, collection, id string) (Document, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.next.Get(ctx, collection, id)
	})
	if err != nil {
		return nil, err
	}
	return res.(Document), nil
}

func (b *Breaker) Commit(ctx context.Context, ops []Operation) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.next.Commit(ctx, ops)
	})
	return err
}

// MaxOperations forwards the wrapped store's limit, if any.
func (b *Breaker) MaxOperations() int {
	if l, ok := b.next.(Limiter); ok {
		return l.MaxOperations()
	}
	return 0
}

// State reports the breaker state for status logging.
func (b *Breaker) State() string { return b.cb.State().String() }
