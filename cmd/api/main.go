package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	api "loadlog-pipeline/internal/api"
	"loadlog-pipeline/internal/app"
	"loadlog-pipeline/internal/config"
	"loadlog-pipeline/internal/queue"
	"loadlog-pipeline/internal/ratelimit"
	"loadlog-pipeline/internal/staging"
	"loadlog-pipeline/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := config.InitLogger(cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer zap.L().Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN, store.PoolConfig{MaxConns: cfg.PostgresMaxConns})
	if err != nil {
		zap.L().Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		zap.L().Fatal("migrations", zap.Error(err))
	}

	blobs, err := app.NewBlobStore(ctx, cfg)
	if err != nil {
		zap.L().Fatal("open blob store", zap.Error(err))
	}

	rdb := app.NewRedis(cfg)
	defer rdb.Close()
	// The API only enqueues, so it knows every kind regardless of where analysis runs.
	q := queue.NewRedisQueue(rdb, app.QueueOptions(cfg, true))

	svc := app.Build(cfg, app.Backend{
		Storage: st,
		Ledger:  st,
		Queue:   q,
		Blobs:   blobs,
		Locker:  staging.NewRedisLocker(rdb),
	})

	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	server := api.New(svc.Uploads, svc.Queries, svc.Dispatcher, q, api.Options{
		MaxAttempts: cfg.MaxAttempts,
		Limiter:     limiter,
		Health:      map[string]api.Pinger{"postgres": st, "redis": q},
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	zap.L().Info("api listening", zap.String("port", cfg.HTTPPort), zap.String("blob_backend", cfg.BlobBackend))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zap.L().Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
