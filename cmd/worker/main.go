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

	"loadlog-pipeline/internal/app"
	"loadlog-pipeline/internal/config"
	"loadlog-pipeline/internal/queue"
	"loadlog-pipeline/internal/staging"
	"loadlog-pipeline/internal/store"
	"loadlog-pipeline/internal/telemetry"
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

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
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

	llm := app.NewLLM(cfg)
	q := queue.NewRedisQueue(rdb, app.QueueOptions(cfg, llm != nil))

	svc := app.Build(cfg, app.Backend{
		Storage: st,
		Ledger:  st,
		Queue:   q,
		Blobs:   blobs,
		Locker:  staging.NewRedisLocker(rdb),
		LLM:     llm,
	})

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zap.L().Warn("metrics server stopped", zap.Error(err))
		}
	}()

	zap.L().Info("worker started",
		zap.String("worker_id", app.WorkerID(cfg)),
		zap.Duration("visibility", cfg.VisibilityTimeout),
		zap.Duration("backoff_initial", cfg.BackoffInitial),
		zap.Int("chunk_rows", cfg.ChunkRows))
	if err := svc.Processor.Run(ctx); err != nil && ctx.Err() == nil {
		zap.L().Error("worker stopped", zap.Error(err))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsServer.Shutdown(shutdownCtx)
}
