package main

import (
	"context"

	"github.com/rotisserie/eris"

	"loadlog-pipeline/internal/app"
	"loadlog-pipeline/internal/blob"
	"loadlog-pipeline/internal/config"
	"loadlog-pipeline/internal/ledger"
	"loadlog-pipeline/internal/memstore"
	"loadlog-pipeline/internal/queue"
	"loadlog-pipeline/internal/staging"
	"loadlog-pipeline/internal/store"
)

// env is a wired application plus what the commands need beyond the services.
type env struct {
	svc   *app.Services
	dlq   interface{ DLQPeek(context.Context, int64) ([]string, error) }
	local bool
	close func()
}

// openLocal wires everything in process. Nothing outlives the command.
func openLocal(c config.Config) *env {
	llm := app.NewLLM(c)
	q := queue.NewMemory(app.QueueOptions(c, llm != nil))
	svc := app.Build(c, app.Backend{
		Storage: memstore.New(),
		Ledger:  ledger.NewMemory(),
		Queue:   q,
		Blobs:   blob.NewMemory(),
		Locker:  staging.NewMemoryLocker(),
		LLM:     llm,
	})
	return &env{svc: svc, dlq: q, local: true, close: func() {}}
}

// openRemote connects to the configured Postgres, Redis and blob storage.
func openRemote(ctx context.Context, c config.Config) (*env, error) {
	st, err := store.New(ctx, c.PostgresDSN, store.PoolConfig{MaxConns: 4})
	if err != nil {
		return nil, eris.Wrap(err, "ingestctl: connect postgres")
	}
	blobs, err := app.NewBlobStore(ctx, c)
	if err != nil {
		st.Close()
		return nil, eris.Wrap(err, "ingestctl: open blob store")
	}
	rdb := app.NewRedis(c)
	q := queue.NewRedisQueue(rdb, app.QueueOptions(c, true))
	svc := app.Build(c, app.Backend{
		Storage: st,
		Ledger:  st,
		Queue:   q,
		Blobs:   blobs,
		Locker:  staging.NewRedisLocker(rdb),
	})
	return &env{svc: svc, dlq: q, close: func() {
		_ = rdb.Close()
		st.Close()
	}}, nil
}
