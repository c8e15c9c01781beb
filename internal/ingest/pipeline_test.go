package ingest

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loadlog-pipeline/internal/apperr"
	"loadlog-pipeline/internal/blob"
	"loadlog-pipeline/internal/commit"
	"loadlog-pipeline/internal/dispatch"
	"loadlog-pipeline/internal/ledger"
	"loadlog-pipeline/internal/memstore"
	"loadlog-pipeline/internal/models"
	"loadlog-pipeline/internal/queue"
	"loadlog-pipeline/internal/report"
	"loadlog-pipeline/internal/staging"
	"loadlog-pipeline/internal/worker"
)

type env struct {
	store    *memstore.Store
	blobs    *blob.Memory
	ledger   *ledger.Memory
	queue    *queue.Memory
	locker   *staging.MemoryLocker
	disp     *dispatch.Dispatcher
	proc     *worker.Processor
	pipeline *Pipeline
}

func newEnv(t *testing.T, scfg staging.Config) env {
	t.Helper()
	st := memstore.New()
	blobs := blob.NewMemory()
	l := ledger.NewMemory()
	q := queue.NewMemory(queue.Options{})
	d := dispatch.New(l, q, dispatch.Config{BackoffInitial: time.Millisecond, BackoffMax: time.Millisecond})

	locker := staging.NewMemoryLocker()
	writer := staging.NewWriter(st, locker, scfg)
	coord := commit.NewCoordinator(st, commit.Config{MaxAttempts: 2, BackoffInitial: time.Millisecond, BackoffMax: time.Millisecond})
	p := New(st, blobs, writer, coord, Config{})
	p.OnPromoted(report.NewBuilder(st).Hook)

	proc := worker.NewProcessor(worker.Config{WorkerID: "w-test", VisibilityTimeout: time.Minute}, q, d)
	proc.RegisterHandler(models.KindIngest, p.Run)
	return env{store: st, blobs: blobs, ledger: l, queue: q, locker: locker, disp: d, proc: proc, pipeline: p}
}

func (e env) upload(t *testing.T, fileID, body string) {
	t.Helper()
	ctx := context.Background()
	_, err := e.blobs.Put(ctx, blob.KeyForFile(fileID), strings.NewReader(body), int64(len(body)), "text/csv")
	require.NoError(t, err)
	require.NoError(t, e.store.CreateUpload(ctx, models.Upload{FileID: fileID, Filename: fileID + ".csv", Format: models.FormatCSV, BlobKey: blob.KeyForFile(fileID)}))
}

func (e env) submit(t *testing.T, params models.IngestParams) models.Job {
	t.Helper()
	job, err := e.disp.Submit(context.Background(), ledger.NewJob{Params: models.Params{Ingest: &params}})
	require.NoError(t, err)
	return job
}

// drain ticks the worker until the job is terminal.
func (e env) drain(t *testing.T, id string) models.Job {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		_, err := e.proc.Tick(ctx)
		require.NoError(t, err)
		job, err := e.ledger.Get(ctx, id)
		require.NoError(t, err)
		if job.State.Terminal() {
			return job
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("job %s never finished", id)
	return models.Job{}
}

func csvRows(n int, bad map[int]bool) string {
	var b strings.Builder
	b.WriteString("timestamp,endpoint,method,status,duration_ms\n")
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		dur := fmt.Sprintf("%d.5", i%40)
		if bad[i] {
			dur = "-5"
		}
		fmt.Fprintf(&b, "%s,/api/%d,GET,200,%s\n", base.Add(time.Duration(i)*time.Millisecond).Format(time.RFC3339Nano), i%5, dur)
	}
	return b.String()
}

func TestIngest_ThousandRowsInChunksOfHundred(t *testing.T) {
	e := newEnv(t, staging.Config{ChunkRows: 100})
	e.upload(t, "f1", csvRows(1000, nil))
	job := e.submit(t, models.IngestParams{FileID: "f1"})

	done := e.drain(t, job.ID)
	require.Equal(t, models.StateSucceeded, done.State)
	res := done.Result.Ingest
	require.NotNil(t, res)
	assert.Equal(t, int64(1000), res.RowsPromoted)
	assert.Equal(t, 10, res.Chunks)
	assert.Zero(t, res.RowsSkipped)

	assert.False(t, e.store.HasStaging(job.ID))
	rows := e.store.Rows("f1")
	require.Len(t, rows, 1000)
	assert.Equal(t, "/api/0", rows[0].Endpoint)
	assert.Equal(t, "/api/4", rows[999].Endpoint)

	// The report hook ran on promotion.
	r, err := e.store.GetReport(context.Background(), "report_f1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), r.Summary.Global.TotalRequests)
	assert.Len(t, r.Summary.Endpoints, 5)

	byReport, err := e.ledger.ListByReport(context.Background(), "report_f1")
	require.NoError(t, err)
	require.Len(t, byReport, 1)
	assert.Equal(t, job.ID, byReport[0].ID)
}

func TestIngest_NegativeDurationWithZeroTolerance(t *testing.T) {
	e := newEnv(t, staging.Config{ChunkRows: 10, MaxRowErrors: 0})
	e.upload(t, "f2", csvRows(50, map[int]bool{37: true}))
	job := e.submit(t, models.IngestParams{FileID: "f2"})

	done := e.drain(t, job.ID)
	require.Equal(t, models.StateFailed, done.State)
	assert.Equal(t, string(apperr.KindThresholdExceeded), done.Error.Kind)
	assert.Equal(t, 1, done.Attempts)
	assert.Empty(t, e.store.Rows("f2"))
	assert.False(t, e.store.HasStaging(job.ID))
}

func TestIngest_ToleratedBadRowsAreSkipped(t *testing.T) {
	e := newEnv(t, staging.Config{ChunkRows: 10, MaxRowErrors: 5})
	e.upload(t, "f3", csvRows(30, map[int]bool{3: true, 17: true}))
	job := e.submit(t, models.IngestParams{FileID: "f3"})

	done := e.drain(t, job.ID)
	require.Equal(t, models.StateSucceeded, done.State)
	res := done.Result.Ingest
	assert.Equal(t, int64(28), res.RowsPromoted)
	assert.Equal(t, int64(2), res.RowsSkipped)
	require.Len(t, res.RowErrors, 2)
	assert.Equal(t, int64(5), res.RowErrors[0].Line)
}

func TestIngest_ExpectedRowMismatchDiscardsStaging(t *testing.T) {
	e := newEnv(t, staging.Config{ChunkRows: 10})
	e.upload(t, "f4", csvRows(20, nil))
	expected := int64(21)
	job := e.submit(t, models.IngestParams{FileID: "f4", ExpectedRows: &expected})

	done := e.drain(t, job.ID)
	require.Equal(t, models.StateFailed, done.State)
	assert.Equal(t, string(apperr.KindValidation), done.Error.Kind)
	assert.Empty(t, e.store.Rows("f4"))
	assert.False(t, e.store.HasStaging(job.ID))
}

func TestIngest_TransientPromotionFailureIsRetriedWithoutDuplicates(t *testing.T) {
	e := newEnv(t, staging.Config{ChunkRows: 10})
	e.upload(t, "f5", csvRows(25, nil))
	e.store.PromoteErr = apperr.New(apperr.KindPromotionInfra, "test", "connection refused")
	job := e.submit(t, models.IngestParams{FileID: "f5"})

	ctx := context.Background()
	_, err := e.proc.Tick(ctx)
	require.NoError(t, err)
	mid, _ := e.ledger.Get(ctx, job.ID)
	require.Equal(t, models.StateQueued, mid.State)
	assert.False(t, e.store.HasStaging(job.ID))

	e.store.PromoteErr = nil
	done := e.drain(t, job.ID)
	require.Equal(t, models.StateSucceeded, done.State)
	assert.Equal(t, 2, done.Attempts)
	assert.Len(t, e.store.Rows("f5"), 25)
}

func TestRun_AlreadyPromotedIsNoop(t *testing.T) {
	e := newEnv(t, staging.Config{ChunkRows: 10})
	e.upload(t, "f6", csvRows(12, nil))
	job := e.submit(t, models.IngestParams{FileID: "f6"})
	done := e.drain(t, job.ID)
	require.Equal(t, models.StateSucceeded, done.State)

	// A re-delivered attempt of the same job must not promote twice.
	res, err := e.pipeline.Run(context.Background(), done)
	require.NoError(t, err)
	assert.True(t, res.Ingest.AlreadyPromoted)
	assert.Equal(t, int64(12), res.Ingest.RowsPromoted)
	assert.Len(t, e.store.Rows("f6"), 12)
}

func TestRun_MissingUploadFails(t *testing.T) {
	e := newEnv(t, staging.Config{})
	job := e.submit(t, models.IngestParams{FileID: "ghost"})
	done := e.drain(t, job.ID)
	require.Equal(t, models.StateFailed, done.State)
	assert.Equal(t, string(apperr.KindNotFound), done.Error.Kind)
}

func TestIngest_RetryAfterWorkerDiedHoldingStagingLock(t *testing.T) {
	e := newEnv(t, staging.Config{ChunkRows: 10})
	e.upload(t, "f7", csvRows(15, nil))
	job := e.submit(t, models.IngestParams{FileID: "f7"})
	ctx := context.Background()

	// Attempt 1 claims the job, takes the staging lock and then disappears.
	id, err := e.queue.Claim(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, id)
	running, err := e.disp.Claimed(ctx, job.ID, "w-dead")
	require.NoError(t, err)
	require.Equal(t, 1, running.Attempts)
	_, err = e.locker.Acquire(ctx, staging.LockKey(job.ID), running.Attempts, 2*time.Minute)
	require.NoError(t, err)

	expired, err := e.queue.ReclaimExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Equal(t, []string{job.ID}, expired)
	requeued, err := e.disp.Expired(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateQueued, requeued.State)

	done := e.drain(t, job.ID)
	require.Equal(t, models.StateSucceeded, done.State, "error: %+v", done.Error)
	assert.Equal(t, 2, done.Attempts)
	assert.Len(t, e.store.Rows("f7"), 15)
	assert.False(t, e.store.HasStaging(job.ID))
}
