package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"quizcache/internal/batch"
	"quizcache/internal/cache"
	"quizcache/internal/docstore"
	"quizcache/internal/handlers"
	"quizcache/internal/httpserver"
	"quizcache/internal/manager"
	"quizcache/internal/metrics"
	"quizcache/internal/persist"
	"quizcache/pkg/logging/logging"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("quizcache exited with error: %v", err)
	}
}

func run() error {
	// ----- Logger -----
	logger := logging.DefaultLogger()
	defer logger.Sync()

	// ----- Metrics -----
	metrics.Register()

	// ----- Config -----
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	logger.Info("loaded config",
		zap.String("port", cfg.Port),
		zap.String("storage_backend", cfg.StorageBackend),
		zap.String("docstore_backend", cfg.DocstoreBackend),
		zap.Duration("cleanup_interval", cfg.Manager.AutoCleanupInterval),
		zap.Int("max_cache_size", cfg.Manager.MaxCacheSize),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ----- Durable snapshot storage -----
	storage, closeStorage, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStorage()

	// ----- Document store -----
	store, err := openDocstore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// ----- Cache, persistence, batching -----
	memCache := cache.New(cache.Config{MaxEntries: cfg.MaxEntries}, cache.WithLogger(logger))
	adapter := persist.NewAdapter(storage, persist.Config{}, persist.WithLogger(logger))
	batcher := batch.NewManager(store, batch.Config{ProcessInterval: cfg.Manager.BatchInterval},
		batch.WithLogger(logger),
		batch.WithProfileCache(memCache),
	)

	svc, err := manager.New(memCache, adapter, batcher, cfg.Manager, manager.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}

	// ----- Router + middleware -----
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, httpserver.RouterConfig{}, handlers.NewCacheHandler(svc), svc.Running)

	// ----- HTTP server -----
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting quizcache", zap.String("addr", srv.Addr))

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	// ----- Graceful shutdown -----
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-serveErr:
		logger.Error("server error", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := svc.Stop(shutdownCtx); err != nil {
		logger.Error("cache service stop error", zap.Error(err))
		return err
	}

	logger.Info("shutdown complete")
	return runErr
}

func openStorage(ctx context.Context, cfg Config, logger *zap.Logger) (persist.Storage, func(), error) {
	if cfg.StorageBackend != "redis" {
		return persist.NewMemoryStorage(0), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	storage := persist.NewRedisStorage(client, persist.RedisConfig{Prefix: cfg.RedisPrefix})

	// Fail fast if Redis is misconfigured
	if err := storage.Ping(ctx); err != nil {
		logger.Error("redis connection failed", zap.Error(err))
		_ = client.Close()
		return nil, nil, err
	}
	logger.Info("redis connection established", zap.String("addr", cfg.RedisAddr))
	return storage, func() { _ = client.Close() }, nil
}

func openDocstore(ctx context.Context, cfg Config, logger *zap.Logger) (docstore.Store, error) {
	if cfg.DocstoreBackend != "dynamo" {
		logger.Warn("using in-process document store; writes are not durable")
		return docstore.NewMemory(), nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.DynamoEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoEndpoint)
		}
	})

	dyn, err := docstore.NewDynamo(client, docstore.DynamoConfig{TableName: cfg.DynamoTable}, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("dynamodb document store ready",
		zap.String("table", cfg.DynamoTable),
		zap.String("region", cfg.AWSRegion),
	)
	return docstore.NewBreaker(dyn, docstore.DefaultBreakerConfig("dynamodb"), logger), nil
}

