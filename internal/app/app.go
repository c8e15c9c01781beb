// Package app wires configuration into the services shared by the api, worker and ingestctl
// binaries. Backends are injected so the same graph runs against Postgres and Redis in
// production and against in-process stores for local runs and tests.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"loadlog-pipeline/internal/analysis"
	"loadlog-pipeline/internal/blob"
	"loadlog-pipeline/internal/commit"
	"loadlog-pipeline/internal/config"
	"loadlog-pipeline/internal/dispatch"
	"loadlog-pipeline/internal/ingest"
	"loadlog-pipeline/internal/ledger"
	"loadlog-pipeline/internal/memstore"
	"loadlog-pipeline/internal/models"
	"loadlog-pipeline/internal/query"
	"loadlog-pipeline/internal/queue"
	"loadlog-pipeline/internal/report"
	"loadlog-pipeline/internal/staging"
	"loadlog-pipeline/internal/store"
	"loadlog-pipeline/internal/upload"
	"loadlog-pipeline/internal/worker"
)

// Storage is everything the pipeline persists outside the ledger. *store.Store and
// *memstore.Store implement it.
type Storage interface {
	staging.Sink
	commit.Store
	ingest.Uploads
	upload.Uploads
	report.Store
}

var (
	_ Storage = (*store.Store)(nil)
	_ Storage = (*memstore.Store)(nil)
)

// Backend groups the injected infrastructure.
type Backend struct {
	Storage Storage
	Ledger  ledger.Ledger
	Queue   dispatch.Queue
	Blobs   blob.Store
	Locker  staging.Locker
	// LLM is optional. Without it no analyze or ask handler is registered.
	LLM analysis.Completer
}

// Services is the wired application graph.
type Services struct {
	Dispatcher *dispatch.Dispatcher
	Uploads    *upload.Service
	Queries    *query.Service
	Pipeline   *ingest.Pipeline
	Reports    *report.Builder
	Processor  *worker.Processor
}

// Build wires every service from cfg and b.
func Build(cfg config.Config, b Backend) *Services {
	d := dispatch.New(b.Ledger, b.Queue, dispatch.Config{
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
	})

	writer := staging.NewWriter(b.Storage, b.Locker, staging.Config{
		ChunkRows:       cfg.ChunkRows,
		ChunkBytes:      cfg.ChunkBytes,
		MaxRowErrors:    cfg.MaxRowErrors,
		MaxErrorSamples: cfg.MaxErrorSamples,
		WriteTimeout:    cfg.ChunkWriteTimeout,
		LockTTL:         cfg.StagingLockTTL,
	})
	coord := commit.NewCoordinator(b.Storage, CommitConfig(cfg))
	reports := report.NewBuilder(b.Storage)

	pipeline := ingest.New(b.Storage, b.Blobs, writer, coord, ingest.Config{
		Delimiter:    cfg.Delimiter(),
		MaxLineBytes: cfg.MaxLineBytes,
	})
	pipeline.OnPromoted(reports.Hook)

	proc := worker.NewProcessor(worker.Config{
		WorkerID:           WorkerID(cfg),
		PollInterval:       cfg.WorkerPollInterval,
		VisibilityTimeout:  cfg.VisibilityTimeout,
		ScheduledBatchSize: cfg.ScheduledBatchSize,
	}, b.Queue, d)
	proc.RegisterHandler(models.KindIngest, pipeline.Run)
	if b.LLM != nil {
		an := analysis.New(b.Storage, b.LLM)
		proc.RegisterHandler(models.KindAnalyze, an.Analyze)
		proc.RegisterHandler(models.KindAsk, an.Ask)
	}

	return &Services{
		Dispatcher: d,
		Uploads:    upload.NewService(b.Blobs, b.Storage, d, cfg.MaxUploadBytes, cfg.MaxAttempts),
		Queries:    query.NewService(b.Ledger, b.Storage),
		Pipeline:   pipeline,
		Reports:    reports,
		Processor:  proc,
	}
}

// CommitConfig derives the promotion retry settings.
func CommitConfig(cfg config.Config) commit.Config {
	return commit.Config{
		MaxAttempts:    cfg.PromoteMaxAttempts,
		BackoffInitial: cfg.PromoteBackoffInit,
		BackoffMax:     cfg.PromoteBackoffMax,
		AttemptTimeout: cfg.PromoteTimeout,
	}
}

// QueueOptions derives the queue settings. Without an LLM the worker only claims ingest jobs so
// analysis jobs wait for a worker that can run them.
func QueueOptions(cfg config.Config, withLLM bool) queue.Options {
	kinds := cfg.QueueOrder
	if !withLLM {
		kinds = nil
		for _, k := range cfg.QueueOrder {
			if k == models.KindIngest {
				kinds = append(kinds, k)
			}
		}
		if len(kinds) == 0 {
			kinds = []models.JobKind{models.KindIngest}
		}
	}
	return queue.Options{
		Kinds:             kinds,
		VisibilityTimeout: cfg.VisibilityTimeout,
		DLQName:           cfg.DLQName,
		Prefix:            cfg.QueuePrefix,
	}
}

// NewRedis builds the Redis client shared by the queue, staging locks and the rate limiter.
func NewRedis(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewBlobStore opens the configured raw upload storage.
func NewBlobStore(ctx context.Context, cfg config.Config) (blob.Store, error) {
	switch cfg.BlobBackend {
	case "s3":
		return blob.NewS3(ctx, blob.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
	case "memory":
		return blob.NewMemory(), nil
	}
	return blob.NewLocal(cfg.BlobDir), nil
}

// NewLLM returns the Anthropic completer, or nil when no API key is configured.
func NewLLM(cfg config.Config) analysis.Completer {
	if cfg.AnthropicAPIKey == "" {
		zap.L().Warn("ANTHROPIC_API_KEY not set, analyze and ask jobs will not be processed here")
		return nil
	}
	return analysis.NewAnthropic(cfg.AnthropicAPIKey, cfg.AnalysisModel)
}

// WorkerID prefers the configured id, then the hostname, then the pid.
func WorkerID(cfg config.Config) string {
	if cfg.WorkerID != "" {
		return cfg.WorkerID
	}
	if hostname, _ := os.Hostname(); hostname != "" {
		return hostname
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}
