package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"loadlog-pipeline/internal/apperr"
	"loadlog-pipeline/internal/models"
)

const metricsSelect = `
	COUNT(*),
	COUNT(*) FILTER (WHERE status_code < 400),
	COALESCE(AVG(duration_ms), 0),
	COALESCE(MIN(duration_ms), 0),
	COALESCE(MAX(duration_ms), 0),
	COALESCE(PERCENTILE_CONT(0.50) WITHIN GROUP (ORDER BY duration_ms), 0),
	COALESCE(PERCENTILE_CONT(0.90) WITHIN GROUP (ORDER BY duration_ms), 0),
	COALESCE(PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY duration_ms), 0),
	COALESCE(PERCENTILE_CONT(0.99) WITHIN GROUP (ORDER BY duration_ms), 0),
	COUNT(*) FILTER (WHERE status_code BETWEEN 200 AND 299),
	COUNT(*) FILTER (WHERE status_code BETWEEN 300 AND 399),
	COUNT(*) FILTER (WHERE status_code BETWEEN 400 AND 499),
	COUNT(*) FILTER (WHERE status_code BETWEEN 500 AND 599),
	MIN(ts),
	MAX(ts)`

type scanner interface {
	Scan(dest ...any) error
}

func scanMetrics(row scanner, withEndpoint bool) (models.Metrics, error) {
	var (
		m           models.Metrics
		ok          int64
		first, last *time.Time
	)
	dest := []any{&m.TotalRequests, &ok, &m.AvgMs, &m.MinMs, &m.MaxMs, &m.P50Ms, &m.P90Ms, &m.P95Ms,
		&m.P99Ms, &m.Status2xx, &m.Status3xx, &m.Status4xx, &m.Status5xx, &first, &last}
	if withEndpoint {
		dest = append([]any{&m.Endpoint}, dest...)
	}
	if err := row.Scan(dest...); err != nil {
		return models.Metrics{}, err
	}
	if first != nil && last != nil {
		m.FirstRequest, m.LastRequest = first.UTC(), last.UTC()
	}
	m.DeriveRates(ok)
	return m, nil
}

// Summarize aggregates the promoted rows of fileID. Staging is never read.
func (s *Store) Summarize(ctx context.Context, fileID string) (models.ReportSummary, error) {
	global, err := scanMetrics(s.pool.QueryRow(ctx, `SELECT`+metricsSelect+` FROM request_logs WHERE file_id = $1`, fileID), false)
	if err != nil {
		return models.ReportSummary{}, eris.Wrap(err, "store: aggregate file")
	}

	rows, err := s.pool.Query(ctx, `SELECT endpoint,`+metricsSelect+`
		FROM request_logs WHERE file_id = $1 GROUP BY endpoint ORDER BY endpoint`, fileID)
	if err != nil {
		return models.ReportSummary{}, eris.Wrap(err, "store: aggregate endpoints")
	}
	defer rows.Close()

	summary := models.ReportSummary{Global: global, Endpoints: make([]models.Metrics, 0)}
	for rows.Next() {
		m, err := scanMetrics(rows, true)
		if err != nil {
			return models.ReportSummary{}, eris.Wrap(err, "store: scan endpoint metrics")
		}
		summary.Endpoints = append(summary.Endpoints, m)
	}
	if err := rows.Err(); err != nil {
		return models.ReportSummary{}, eris.Wrap(err, "store: aggregate endpoints")
	}
	return summary, nil
}

// SaveReport upserts a report.
func (s *Store) SaveReport(ctx context.Context, r models.Report) error {
	summary, err := json.Marshal(r.Summary)
	if err != nil {
		return eris.Wrap(err, "store: marshal report summary")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO reports (report_id, file_id, summary, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (report_id) DO UPDATE SET summary = EXCLUDED.summary, created_at = EXCLUDED.created_at
	`, r.ReportID, r.FileID, summary, r.CreatedAt)
	if err != nil {
		return eris.Wrapf(err, "store: save report %s", r.ReportID)
	}
	return nil
}

// GetReport fetches a report by id.
func (s *Store) GetReport(ctx context.Context, reportID string) (models.Report, error) {
	var (
		r       models.Report
		summary []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT report_id, file_id, summary, created_at FROM reports WHERE report_id = $1
	`, reportID).Scan(&r.ReportID, &r.FileID, &summary, &r.CreatedAt)
	if isNoRows(err) {
		return models.Report{}, apperr.Newf(apperr.KindNotFound, "store: get report", "report %s not found", reportID)
	}
	if err != nil {
		return models.Report{}, eris.Wrapf(err, "store: get report %s", reportID)
	}
	if err := json.Unmarshal(summary, &r.Summary); err != nil {
		return models.Report{}, eris.Wrap(err, "store: unmarshal report summary")
	}
	return r, nil
}
