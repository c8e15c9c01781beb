package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loadlog-pipeline/internal/models"
)

type testQueue interface {
	Enqueue(ctx context.Context, jobID string, kind models.JobKind) error
	Schedule(ctx context.Context, jobID string, kind models.JobKind, runAt time.Time) error
	Claim(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Ack(ctx context.Context, jobID string) error
	ReclaimExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	Depth(ctx context.Context) (int64, error)
	DLQPush(ctx context.Context, jobID string) error
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

func implementations(t *testing.T, opts Options) map[string]testQueue {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]testQueue{
		"redis":  NewRedisQueue(client, opts),
		"memory": NewMemory(opts),
	}
}

func TestClaimFollowsKindOrder(t *testing.T) {
	for name, q := range implementations(t, Options{Kinds: []models.JobKind{models.KindAsk, models.KindIngest}}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, q.Enqueue(ctx, "ingest-1", models.KindIngest))
			require.NoError(t, q.Enqueue(ctx, "ask-1", models.KindAsk))
			require.NoError(t, q.Enqueue(ctx, "analyze-1", models.KindAnalyze))

			depth, err := q.Depth(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(2), depth)

			first, err := q.Claim(ctx)
			require.NoError(t, err)
			assert.Equal(t, "ask-1", first)
			second, err := q.Claim(ctx)
			require.NoError(t, err)
			assert.Equal(t, "ingest-1", second)

			// analyze is not in this worker's claim order.
			none, err := q.Claim(ctx)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestReclaimExpiredDoesNotRequeue(t *testing.T) {
	for name, q := range implementations(t, Options{VisibilityTimeout: time.Second}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, q.Enqueue(ctx, "job-1", models.KindIngest))
			id, err := q.Claim(ctx)
			require.NoError(t, err)
			require.Equal(t, "job-1", id)

			ids, err := q.ReclaimExpired(ctx, time.Now(), 10)
			require.NoError(t, err)
			assert.Empty(t, ids)

			ids, err = q.ReclaimExpired(ctx, time.Now().Add(time.Minute), 10)
			require.NoError(t, err)
			assert.Equal(t, []string{"job-1"}, ids)

			again, err := q.ReclaimExpired(ctx, time.Now().Add(time.Minute), 10)
			require.NoError(t, err)
			assert.Empty(t, again)

			depth, err := q.Depth(ctx)
			require.NoError(t, err)
			assert.Zero(t, depth)
		})
	}
}

func TestExtendLease(t *testing.T) {
	for name, q := range implementations(t, Options{VisibilityTimeout: time.Second}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, q.Enqueue(ctx, "job-1", models.KindIngest))
			_, err := q.Claim(ctx)
			require.NoError(t, err)
			require.NoError(t, q.ExtendLease(ctx, "job-1", time.Hour))

			ids, err := q.ReclaimExpired(ctx, time.Now().Add(time.Minute), 10)
			require.NoError(t, err)
			assert.Empty(t, ids)

			require.NoError(t, q.Ack(ctx, "job-1"))
			// Extending an acked job must not resurrect its lease.
			require.NoError(t, q.ExtendLease(ctx, "job-1", time.Hour))
			ids, err = q.ReclaimExpired(ctx, time.Now().Add(2*time.Hour), 10)
			require.NoError(t, err)
			assert.Empty(t, ids)
		})
	}
}

func TestScheduleAndPromote(t *testing.T) {
	for name, q := range implementations(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			require.NoError(t, q.Schedule(ctx, "later", models.KindAnalyze, now.Add(time.Hour)))
			require.NoError(t, q.Schedule(ctx, "due", models.KindAnalyze, now.Add(-time.Second)))

			n, err := q.PromoteScheduled(ctx, now, 10)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			id, err := q.Claim(ctx)
			require.NoError(t, err)
			assert.Equal(t, "due", id)

			n, err = q.PromoteScheduled(ctx, now, 10)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestDLQ(t *testing.T) {
	for name, q := range implementations(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, q.DLQPush(ctx, "a"))
			require.NoError(t, q.DLQPush(ctx, "b"))
			ids, err := q.DLQPeek(ctx, 10)
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, ids)
			ids, err = q.DLQPeek(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, []string{"a"}, ids)
		})
	}
}

func TestAckKeepsKindOfScheduledRetry(t *testing.T) {
	for name, q := range implementations(t, Options{Kinds: []models.JobKind{models.KindAnalyze}}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, q.Enqueue(ctx, "job-1", models.KindAnalyze))
			_, err := q.Claim(ctx)
			require.NoError(t, err)

			require.NoError(t, q.Schedule(ctx, "job-1", models.KindAnalyze, time.Now().Add(-time.Millisecond)))
			require.NoError(t, q.Ack(ctx, "job-1"))

			n, err := q.PromoteScheduled(ctx, time.Now(), 10)
			require.NoError(t, err)
			require.Equal(t, 1, n)
			id, err := q.Claim(ctx)
			require.NoError(t, err)
			assert.Equal(t, "job-1", id)
		})
	}
}
