// Package report builds the per-file report from promoted request logs.
package report

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"loadlog-pipeline/internal/models"
)

// Store aggregates promoted rows and persists reports.
type Store interface {
	Summarize(ctx context.Context, fileID string) (models.ReportSummary, error)
	SaveReport(ctx context.Context, r models.Report) error
	GetReport(ctx context.Context, reportID string) (models.Report, error)
}

type Builder struct {
	store Store
	now   func() time.Time
}

func NewBuilder(st Store) *Builder {
	return &Builder{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// Build recomputes and saves the report of fileID. Rebuilding replaces the previous report.
func (b *Builder) Build(ctx context.Context, fileID string) (models.Report, error) {
	summary, err := b.store.Summarize(ctx, fileID)
	if err != nil {
		return models.Report{}, eris.Wrapf(err, "report: summarize %s", fileID)
	}
	r := models.Report{
		ReportID:  models.ReportIDForFile(fileID),
		FileID:    fileID,
		Summary:   summary,
		CreatedAt: b.now(),
	}
	if err := b.store.SaveReport(ctx, r); err != nil {
		return models.Report{}, eris.Wrapf(err, "report: save %s", r.ReportID)
	}
	zap.L().Info("report built",
		zap.String("report_id", r.ReportID),
		zap.Int64("requests", summary.Global.TotalRequests),
		zap.Int("endpoints", len(summary.Endpoints)))
	return r, nil
}

// Hook adapts Build to the ingest pipeline's post-promotion hook.
func (b *Builder) Hook(ctx context.Context, fileID string) error {
	_, err := b.Build(ctx, fileID)
	return err
}

// Get returns a stored report.
func (b *Builder) Get(ctx context.Context, reportID string) (models.Report, error) {
	return b.store.GetReport(ctx, reportID)
}
