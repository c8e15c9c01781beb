package staging

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"loadlog-pipeline/internal/apperr"
)

// Locker grants exclusive ownership of a job's staging namespace to one attempt of the job.
//
// Attempts are fenced: a lock left behind by an earlier attempt is taken over by a later one,
// since the ledger only hands a job to a new attempt once the previous owner is gone. The same
// or an older attempt is refused.
type Locker interface {
	// Acquire fails with apperr.KindStagingConflict when the same or a later attempt holds key.
	Acquire(ctx context.Context, key string, attempt int, ttl time.Duration) (Lock, error)
}

// Lock is a held lease. Extend fails with apperr.KindStagingConflict if the lease was lost.
type Lock interface {
	Extend(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// RedisLocker implements Locker with a compare-and-set script over an "<attempt>:<uuid>" token.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker returns a Locker backed by client.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, attempt int, ttl time.Duration) (Lock, error) {
	token := lockToken(attempt)
	n, err := acquireScript.Run(ctx, l.client, []string{key}, token, attempt, ttl.Milliseconds()).Int()
	if err != nil {
		return nil, eris.Wrapf(err, "staging: acquire lock %s", key)
	}
	if n == 0 {
		return nil, errHeld(key, attempt)
	}
	return &redisLock{client: l.client, key: key, token: token}, nil
}

func lockToken(attempt int) string {
	return strconv.Itoa(attempt) + ":" + uuid.NewString()
}

// tokenAttempt returns the attempt encoded in token, or 0 for a token without one.
func tokenAttempt(token string) int {
	head, _, ok := strings.Cut(token, ":")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(head)
	if err != nil {
		return 0
	}
	return n
}

func errHeld(key string, attempt int) error {
	return apperr.Newf(apperr.KindStagingConflict, "staging: acquire lock",
		"%s is held by another writer of attempt %d or later", key, attempt)
}

type redisLock struct {
	client *redis.Client
	key    string
	token  string
}

func (l *redisLock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return eris.Wrapf(err, "staging: extend lock %s", l.key)
	}
	if n == 0 {
		return apperr.Newf(apperr.KindStagingConflict, "staging: extend lock", "lost ownership of %s", l.key)
	}
	return nil
}

func (l *redisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return eris.Wrapf(err, "staging: release lock %s", l.key)
	}
	return nil
}

var acquireScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local held = string.match(cur, '^(%d+):')
  if not held or tonumber(held) >= tonumber(ARGV[2]) then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// MemoryLocker is an in-process Locker for single-process runs and tests.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]memoryLease
}

type memoryLease struct {
	token   string
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryLease)}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, attempt int, ttl time.Duration) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.held[key]; ok && time.Now().Before(cur.expires) && tokenAttempt(cur.token) >= attempt {
		return nil, errHeld(key, attempt)
	}
	token := lockToken(attempt)
	l.held[key] = memoryLease{token: token, expires: time.Now().Add(ttl)}
	return &memoryLock{owner: l, key: key, token: token}, nil
}

type memoryLock struct {
	owner *MemoryLocker
	key   string
	token string
}

func (m *memoryLock) Extend(_ context.Context, ttl time.Duration) error {
	m.owner.mu.Lock()
	defer m.owner.mu.Unlock()
	cur, ok := m.owner.held[m.key]
	if !ok || cur.token != m.token || time.Now().After(cur.expires) {
		return apperr.Newf(apperr.KindStagingConflict, "staging: extend lock", "lost ownership of %s", m.key)
	}
	m.owner.held[m.key] = memoryLease{token: m.token, expires: time.Now().Add(ttl)}
	return nil
}

func (m *memoryLock) Release(context.Context) error {
	m.owner.mu.Lock()
	defer m.owner.mu.Unlock()
	if cur, ok := m.owner.held[m.key]; ok && cur.token == m.token {
		delete(m.owner.held, m.key)
	}
	return nil
}
