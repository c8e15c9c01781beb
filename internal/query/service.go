// Package query serves read-only views of jobs and reports.
package query

import (
	"context"
	"strings"
	"time"

	"loadlog-pipeline/internal/apperr"
	"loadlog-pipeline/internal/ledger"
	"loadlog-pipeline/internal/models"
)

// Reports resolves report ids.
type Reports interface {
	GetReport(ctx context.Context, reportID string) (models.Report, error)
}

// JobView is a job as returned to clients.
type JobView struct {
	ID          string           `json:"job_id"`
	Kind        models.JobKind   `json:"kind"`
	State       models.JobState  `json:"state"`
	FileID      *string          `json:"file_id,omitempty"`
	ReportID    *string          `json:"report_id,omitempty"`
	Attempts    int              `json:"attempts"`
	MaxAttempts int              `json:"max_attempts"`
	Result      *models.Result   `json:"result,omitempty"`
	Error       *models.JobError `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`
	DurationMs  *float64         `json:"duration_ms,omitempty"`
}

// ViewOf projects a ledger job.
func ViewOf(j models.Job) JobView {
	v := JobView{
		ID:          j.ID,
		Kind:        j.Kind,
		State:       j.State,
		FileID:      j.FileID,
		ReportID:    j.ReportID,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		Result:      j.Result,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		StartedAt:   j.StartedAt,
		FinishedAt:  j.FinishedAt,
	}
	if d := j.Duration(); d != nil {
		ms := float64(*d) / float64(time.Millisecond)
		v.DurationMs = &ms
	}
	return v
}

type Service struct {
	jobs    ledger.Ledger
	reports Reports
}

func NewService(jobs ledger.Ledger, reports Reports) *Service {
	return &Service{jobs: jobs, reports: reports}
}

func (s *Service) Job(ctx context.Context, id string) (JobView, error) {
	if strings.TrimSpace(id) == "" {
		return JobView{}, apperr.New(apperr.KindValidation, "query: job", "job id is empty")
	}
	j, err := s.jobs.Get(ctx, id)
	if err != nil {
		return JobView{}, err
	}
	return ViewOf(j), nil
}

// JobsByFile lists a file's jobs newest first. An unknown file yields an empty list.
func (s *Service) JobsByFile(ctx context.Context, fileID string) ([]JobView, error) {
	jobs, err := s.jobs.ListByFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return views(jobs), nil
}

// JobsByReport lists every job attached to a report newest first, ingest included.
func (s *Service) JobsByReport(ctx context.Context, reportID string) ([]JobView, error) {
	jobs, err := s.jobs.ListByReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	return views(jobs), nil
}

func (s *Service) Report(ctx context.Context, reportID string) (models.Report, error) {
	return s.reports.GetReport(ctx, reportID)
}

func views(jobs []models.Job) []JobView {
	out := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, ViewOf(j))
	}
	return out
}
