// Package memstore keeps staging, promoted rows, uploads and reports in process memory. It backs
// local runs of ingestctl and end-to-end tests with the same semantics as the Postgres store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"loadlog-pipeline/internal/apperr"
	"loadlog-pipeline/internal/commit"
	"loadlog-pipeline/internal/models"
	"loadlog-pipeline/internal/staging"
)

var (
	_ staging.Sink = (*Store)(nil)
	_ commit.Store = (*Store)(nil)
)

// Row is a promoted request log row.
type Row struct {
	FileID string
	JobID  string
	models.Record
}

type Store struct {
	mu         sync.Mutex
	staged     map[string]map[int][]models.Record
	promotions map[string]commit.Promotion
	logs       []Row
	uploads    map[string]models.Upload
	reports    map[string]models.Report

	// PromoteErr, when set, is returned by the next Promote calls until it is cleared.
	PromoteErr error
}

func New() *Store {
	return &Store{
		staged:     make(map[string]map[int][]models.Record),
		promotions: make(map[string]commit.Promotion),
		uploads:    make(map[string]models.Upload),
		reports:    make(map[string]models.Report),
	}
}

func (s *Store) ResetStaging(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.staged, jobID)
	return nil
}

func (s *Store) DiscardStaging(ctx context.Context, jobID string) error {
	return s.ResetStaging(ctx, jobID)
}

func (s *Store) WriteChunk(_ context.Context, jobID string, seq int, rows []models.Record) error {
	cp := make([]models.Record, len(rows))
	copy(cp, rows)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staged[jobID] == nil {
		s.staged[jobID] = make(map[int][]models.Record)
	}
	s.staged[jobID][seq] = cp
	return nil
}

func (s *Store) StagedRows(_ context.Context, jobID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, rows := range s.staged[jobID] {
		n += int64(len(rows))
	}
	return n, nil
}

// HasStaging reports whether any chunk is staged for jobID.
func (s *Store) HasStaging(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.staged[jobID]) > 0
}

func (s *Store) Promote(_ context.Context, jobID, fileID string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PromoteErr != nil {
		return 0, false, s.PromoteErr
	}
	if p, ok := s.promotions[jobID]; ok {
		return p.Rows, true, nil
	}
	chunks := s.staged[jobID]
	seqs := make([]int, 0, len(chunks))
	for seq := range chunks {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	var n int64
	for _, seq := range seqs {
		for _, r := range chunks[seq] {
			s.logs = append(s.logs, Row{FileID: fileID, JobID: jobID, Record: r})
			n++
		}
	}
	s.promotions[jobID] = commit.Promotion{JobID: jobID, FileID: fileID, Rows: n, PromotedAt: time.Now().UTC()}
	delete(s.staged, jobID)
	return n, false, nil
}

func (s *Store) Promotion(_ context.Context, jobID string) (commit.Promotion, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.promotions[jobID]
	return p, ok, nil
}

// Rows returns the promoted rows of fileID in promotion order.
func (s *Store) Rows(fileID string) []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Row
	for _, r := range s.logs {
		if r.FileID == fileID {
			out = append(out, r)
		}
	}
	return out
}

func (s *Store) CreateUpload(_ context.Context, u models.Upload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.uploads[u.FileID]; ok {
		return apperr.Newf(apperr.KindValidation, "memstore: create upload", "file %s already exists", u.FileID)
	}
	s.uploads[u.FileID] = u
	return nil
}

func (s *Store) GetUpload(_ context.Context, fileID string) (models.Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[fileID]
	if !ok {
		return models.Upload{}, apperr.Newf(apperr.KindNotFound, "memstore: get upload", "file %s not found", fileID)
	}
	return u, nil
}

func (s *Store) SaveReport(_ context.Context, r models.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[r.ReportID] = r
	return nil
}

func (s *Store) GetReport(_ context.Context, reportID string) (models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[reportID]
	if !ok {
		return models.Report{}, apperr.Newf(apperr.KindNotFound, "memstore: get report", "report %s not found", reportID)
	}
	return r, nil
}

// Summarize aggregates the promoted rows of fileID the way the Postgres store does.
func (s *Store) Summarize(_ context.Context, fileID string) (models.ReportSummary, error) {
	rows := s.Rows(fileID)
	all := make([]models.Record, len(rows))
	byEndpoint := make(map[string][]models.Record)
	for i, r := range rows {
		all[i] = r.Record
		byEndpoint[r.Endpoint] = append(byEndpoint[r.Endpoint], r.Record)
	}
	summary := models.ReportSummary{Global: aggregate(all), Endpoints: make([]models.Metrics, 0, len(byEndpoint))}
	for ep, recs := range byEndpoint {
		m := aggregate(recs)
		m.Endpoint = ep
		summary.Endpoints = append(summary.Endpoints, m)
	}
	sort.Slice(summary.Endpoints, func(i, j int) bool { return summary.Endpoints[i].Endpoint < summary.Endpoints[j].Endpoint })
	return summary, nil
}

func aggregate(recs []models.Record) models.Metrics {
	var m models.Metrics
	if len(recs) == 0 {
		return m
	}
	durations := make([]float64, len(recs))
	var ok int64
	var sum float64
	m.FirstRequest, m.LastRequest = recs[0].Timestamp, recs[0].Timestamp
	for i, r := range recs {
		durations[i] = r.DurationMs
		sum += r.DurationMs
		if r.StatusCode < 400 {
			ok++
		}
		switch r.StatusCode / 100 {
		case 2:
			m.Status2xx++
		case 3:
			m.Status3xx++
		case 4:
			m.Status4xx++
		case 5:
			m.Status5xx++
		}
		if r.Timestamp.Before(m.FirstRequest) {
			m.FirstRequest = r.Timestamp
		}
		if r.Timestamp.After(m.LastRequest) {
			m.LastRequest = r.Timestamp
		}
	}
	sort.Float64s(durations)
	m.TotalRequests = int64(len(recs))
	m.AvgMs = sum / float64(len(recs))
	m.MinMs, m.MaxMs = durations[0], durations[len(durations)-1]
	m.P50Ms = percentile(durations, 0.50)
	m.P90Ms = percentile(durations, 0.90)
	m.P95Ms = percentile(durations, 0.95)
	m.P99Ms = percentile(durations, 0.99)
	m.DeriveRates(ok)
	return m
}

// percentile interpolates linearly between the closest ranks of sorted, like PERCENTILE_CONT.
func percentile(sorted []float64, p float64) float64 {
	pos := p * float64(len(sorted)-1)
	lo := int(pos)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
