package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"loadlog-pipeline/internal/models"
)

// Memory is an in-process queue with the same lease semantics as RedisQueue.
type Memory struct {
	mu         sync.Mutex
	kinds      []models.JobKind
	visibility time.Duration
	ready      map[models.JobKind][]string
	inflight   map[string]time.Time
	scheduled  map[string]time.Time
	kindOf     map[string]models.JobKind
	dlq        []string
}

func NewMemory(opts Options) *Memory {
	opts = opts.withDefaults()
	return &Memory{
		kinds:      opts.Kinds,
		visibility: opts.VisibilityTimeout,
		ready:      make(map[models.JobKind][]string),
		inflight:   make(map[string]time.Time),
		scheduled:  make(map[string]time.Time),
		kindOf:     make(map[string]models.JobKind),
	}
}

func (m *Memory) Enqueue(_ context.Context, jobID string, kind models.JobKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kindOf[jobID] = kind
	m.ready[kind] = append(m.ready[kind], jobID)
	return nil
}

func (m *Memory) Schedule(_ context.Context, jobID string, kind models.JobKind, runAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kindOf[jobID] = kind
	m.scheduled[jobID] = runAt
	return nil
}

func (m *Memory) PromoteScheduled(_ context.Context, now time.Time, limit int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	due := make([]string, 0)
	for id, at := range m.scheduled {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(a, b int) bool { return m.scheduled[due[a]].Before(m.scheduled[due[b]]) })
	if int64(len(due)) > limit {
		due = due[:limit]
	}
	for _, id := range due {
		delete(m.scheduled, id)
		kind := m.kindOf[id]
		m.ready[kind] = append(m.ready[kind], id)
	}
	return len(due), nil
}

func (m *Memory) Claim(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.kinds {
		if q := m.ready[k]; len(q) > 0 {
			id := q[0]
			m.ready[k] = q[1:]
			m.inflight[id] = time.Now().Add(m.visibility)
			return id, nil
		}
	}
	return "", nil
}

func (m *Memory) ExtendLease(_ context.Context, jobID string, extension time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inflight[jobID]; ok {
		m.inflight[jobID] = time.Now().Add(extension)
	}
	return nil
}

func (m *Memory) Ack(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, jobID)
	if _, scheduled := m.scheduled[jobID]; !scheduled {
		delete(m.kindOf, jobID)
	}
	return nil
}

func (m *Memory) ReclaimExpired(_ context.Context, now time.Time, limit int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, deadline := range m.inflight {
		if int64(len(out)) >= limit {
			break
		}
		if !deadline.After(now) {
			out = append(out, id)
			delete(m.inflight, id)
		}
	}
	return out, nil
}

func (m *Memory) Depth(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, k := range m.kinds {
		n += int64(len(m.ready[k]))
	}
	return n, nil
}

func (m *Memory) DLQPush(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dlq = append(m.dlq, jobID)
	return nil
}

func (m *Memory) DLQPeek(_ context.Context, count int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int64(len(m.dlq)) < count {
		count = int64(len(m.dlq))
	}
	return append([]string(nil), m.dlq[:count]...), nil
}

// Inflight reports whether jobID currently holds a lease.
func (m *Memory) Inflight(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inflight[jobID]
	return ok
}
