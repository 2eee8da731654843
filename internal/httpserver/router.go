package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"quizcache/internal/handlers"
	"quizcache/internal/metrics"
	"quizcache/internal/middleware"
)

// RouterConfig tunes the admin router's middleware.
type RouterConfig struct {
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

func (c RouterConfig) WithDefaults() RouterConfig {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 64 * 1024
	}
	return c
}

// Ready reports whether the service is ready to take traffic.
type Ready func() bool

func SetupRouter(r *chi.Mux, baseLogger *zap.Logger, cfg RouterConfig, cacheHandler *handlers.CacheHandler, ready Ready) {
	cfg = cfg.WithDefaults()

	r.Use(metrics.Middleware)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(middleware.MaxBodySize(cfg.MaxBodyBytes))

	r.Route("/v1/cache", cacheHandler.Routes)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && !ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", metrics.Handler())
}
