// Package ratelimit throttles the upload and submission endpoints per client with a token bucket
// kept in Redis, so every API replica shares the same budget.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// TokenBucket implements a distributed token bucket rate limiter using Redis.
type TokenBucket struct {
	client   redis.Scripter
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client redis.Scripter, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Capacity is the burst size of the bucket.
func (b *TokenBucket) Capacity() int {
	return b.capacity
}

// Allow consumes a single token for the given key if available.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	return b.AllowN(ctx, key, 1)
}

// AllowN consumes cost tokens for key if that many are available, and reports the tokens left.
// A cost above capacity is clamped to capacity so that large requests wait for a full bucket
// instead of being rejected forever.
func (b *TokenBucket) AllowN(ctx context.Context, key string, cost float64) (bool, float64, error) {
	if cost <= 0 {
		cost = 1
	}
	if cost > float64(b.capacity) {
		cost = float64(b.capacity)
	}
	res, err := bucketScript.Run(ctx, b.client, []string{"ratelimit:" + key},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds(), cost).Result()
	if err != nil {
		return false, 0, eris.Wrapf(err, "ratelimit: run bucket script for %s", key)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, eris.Errorf("ratelimit: unexpected script reply %v", res)
	}
	allowed, _ := arr[0].(int64)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case string:
		tokens, _ = strconv.ParseFloat(v, 64)
	}
	return allowed == 1, tokens, nil
}

// Redis truncates Lua floats to integers in replies, so the remaining tokens are returned as a
// string.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local cost = tonumber(ARGV[5])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= cost then
  allowed = 1
  tokens = tokens - cost
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
