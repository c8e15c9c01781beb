package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"loadlog-pipeline/internal/models"
)

// Options configures a queue.
type Options struct {
	// Kinds is the claim order; a worker only claims the kinds listed.
	Kinds             []models.JobKind
	VisibilityTimeout time.Duration
	DLQName           string
	Prefix            string
}

func (o Options) withDefaults() Options {
	if len(o.Kinds) == 0 {
		o.Kinds = []models.JobKind{models.KindIngest, models.KindAnalyze, models.KindAsk}
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 30 * time.Second
	}
	if o.Prefix == "" {
		o.Prefix = "queue"
	}
	if o.DLQName == "" {
		o.DLQName = o.Prefix + ":dlq"
	}
	return o
}

// RedisQueue coordinates ready, in-flight, and scheduled job queues in Redis. Each job kind has
// its own ready list; a claimed job sits in the in-flight set until acked or its lease expires.
type RedisQueue struct {
	client        *redis.Client
	kinds         []models.JobKind
	inflightKey   string
	scheduledKey  string
	jobMetaPrefix string
	visibilityTTL time.Duration
	dlqKey        string
	prefix        string
}

// NewRedisQueue builds a queue on top of client.
func NewRedisQueue(client *redis.Client, opts Options) *RedisQueue {
	opts = opts.withDefaults()
	return &RedisQueue{
		client:        client,
		kinds:         opts.Kinds,
		inflightKey:   opts.Prefix + ":inflight",
		scheduledKey:  opts.Prefix + ":scheduled",
		jobMetaPrefix: opts.Prefix + ":jobmeta:",
		visibilityTTL: opts.VisibilityTimeout,
		dlqKey:        opts.DLQName,
		prefix:        opts.Prefix,
	}
}

func (q *RedisQueue) readyKey(kind models.JobKind) string {
	return fmt.Sprintf("%s:ready:%s", q.prefix, kind)
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.jobMetaPrefix + jobID
}

// Enqueue makes a job immediately claimable.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string, kind models.JobKind) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "kind", string(kind))
	pipe.RPush(ctx, q.readyKey(kind), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return eris.Wrapf(err, "queue: enqueue %s", jobID)
	}
	return nil
}

// Schedule moves a job into the scheduled set for deferred execution.
func (q *RedisQueue) Schedule(ctx context.Context, jobID string, kind models.JobKind, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "kind", string(kind))
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return eris.Wrapf(err, "queue: schedule %s", jobID)
	}
	return nil
}

// PromoteScheduled moves due scheduled jobs into ready queues. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, eris.Wrap(err, "queue: scan scheduled")
	}
	if len(ids) == 0 {
		return 0, nil
	}

	promoted := 0
	for _, id := range ids {
		kind, err := q.client.HGet(ctx, q.metaKey(id), "kind").Result()
		if err != nil || kind == "" {
			kind = string(models.KindIngest)
		}
		// ZREM first so two workers promoting at once cannot both push the job.
		moved, err := promoteScript.Run(ctx, q.client, []string{q.scheduledKey, q.readyKey(models.JobKind(kind))}, id).Int()
		if err != nil {
			return promoted, eris.Wrapf(err, "queue: promote %s", id)
		}
		promoted += moved
	}
	return promoted, nil
}

// Claim pops a job from the ready queues in kind order and leases it for the visibility timeout.
// It returns "" when nothing is ready.
func (q *RedisQueue) Claim(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(q.kinds)+1)
	for _, k := range q.kinds {
		keys = append(keys, q.readyKey(k))
	}
	keys = append(keys, q.inflightKey)

	res, err := claimScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrap(err, "queue: claim")
	}
	jobID, ok := res.(string)
	if !ok {
		return "", eris.Errorf("queue: unexpected type from claim script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	err := q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
	if err != nil {
		return eris.Wrapf(err, "queue: extend lease %s", jobID)
	}
	return nil
}

// Ack removes a job from in-flight tracking. Its meta record is kept while a retry is scheduled.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	keys := []string{q.inflightKey, q.scheduledKey, q.metaKey(jobID)}
	if err := ackScript.Run(ctx, q.client, keys, jobID).Err(); err != nil && err != redis.Nil {
		return eris.Wrapf(err, "queue: ack %s", jobID)
	}
	return nil
}

// ReclaimExpired removes leases whose deadline has passed and returns their job ids. The jobs
// are not re-enqueued here: the caller decides between retry and failure.
func (q *RedisQueue) ReclaimExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	res, err := reclaimScript.Run(ctx, q.client, []string{q.inflightKey}, now.UnixMilli(), limit).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "queue: reclaim expired")
	}
	return res, nil
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	if err := q.client.RPush(ctx, q.dlqKey, jobID).Err(); err != nil {
		return eris.Wrapf(err, "queue: dlq push %s", jobID)
	}
	return nil
}

// DLQPeek reads the oldest dead-lettered job IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	ids, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, eris.Wrap(err, "queue: dlq peek")
	}
	return ids, nil
}

// Depth returns the total length of the ready queues this instance claims from.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.kinds))
	for _, k := range q.kinds {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(k)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, eris.Wrap(err, "queue: depth")
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

var claimScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)

var ackScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
if not redis.call('ZSCORE', KEYS[2], ARGV[1]) then
  redis.call('DEL', KEYS[3])
end
return 1
`)

var promoteScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('RPUSH', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

var reclaimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
end
return ids
`)
