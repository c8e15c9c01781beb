package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"loadlog-pipeline/internal/models"
)

// Memory is a mutex-guarded Ledger for tests and single-process runs.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]models.Job
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]models.Job), now: func() time.Time { return time.Now().UTC() }}
}

func (m *Memory) Create(_ context.Context, nj NewJob) (models.Job, error) {
	job, err := Build(nj, m.now())
	if err != nil {
		return models.Job{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return job, nil
}

func (m *Memory) Transition(_ context.Context, id string, to models.JobState, o Outcome) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound(id)
	}
	if !CanTransition(job.State, to) {
		return models.Job{}, ErrInvalidTransition(id, job.State, to)
	}
	if err := CheckOwner(job, to, o); err != nil {
		return models.Job{}, err
	}
	if err := CheckOutcome(job.Kind, to, o); err != nil {
		return models.Job{}, err
	}
	Apply(&job, to, o, m.now())
	m.jobs[id] = job
	return job, nil
}

func (m *Memory) Get(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound(id)
	}
	return job, nil
}

func (m *Memory) ListByFile(_ context.Context, fileID string) ([]models.Job, error) {
	return m.list(func(j models.Job) bool { return j.FileID != nil && *j.FileID == fileID }), nil
}

func (m *Memory) ListByReport(_ context.Context, reportID string) ([]models.Job, error) {
	return m.list(func(j models.Job) bool { return j.ReportID != nil && *j.ReportID == reportID }), nil
}

func (m *Memory) list(match func(models.Job) bool) []models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Job, 0)
	for _, j := range m.jobs {
		if match(j) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].ID > out[b].ID
	})
	return out
}
