package models

import "time"

// Upload is a stored raw log file. It is immutable once written.
type Upload struct {
	FileID    string    `json:"file_id"`
	Filename  string    `json:"filename"`
	Format    Format    `json:"format"`
	SizeBytes int64     `json:"size_bytes"`
	BlobKey   string    `json:"blob_key"`
	CreatedAt time.Time `json:"created_at"`
}

// ReportIDForFile derives the report id the metrics collaborator uses for a file.
func ReportIDForFile(fileID string) string {
	return "report_" + fileID
}

// Report is the derived artifact for a file, built from promoted rows only.
type Report struct {
	ReportID  string        `json:"report_id"`
	FileID    string        `json:"file_id"`
	Summary   ReportSummary `json:"summary"`
	CreatedAt time.Time     `json:"created_at"`
}

// ReportSummary holds global and per-endpoint metrics.
type ReportSummary struct {
	Global    Metrics   `json:"global"`
	Endpoints []Metrics `json:"endpoints"`
}

// Metrics aggregates a set of promoted records.
type Metrics struct {
	Endpoint      string    `json:"endpoint,omitempty"`
	TotalRequests int64     `json:"total_requests"`
	SuccessRate   float64   `json:"success_rate"`
	ErrorRate     float64   `json:"error_rate"`
	AvgMs         float64   `json:"avg_ms"`
	MinMs         float64   `json:"min_ms"`
	MaxMs         float64   `json:"max_ms"`
	P50Ms         float64   `json:"p50_ms"`
	P90Ms         float64   `json:"p90_ms"`
	P95Ms         float64   `json:"p95_ms"`
	P99Ms         float64   `json:"p99_ms"`
	RPS           float64   `json:"rps"`
	Status2xx     int64     `json:"status_2xx"`
	Status3xx     int64     `json:"status_3xx"`
	Status4xx     int64     `json:"status_4xx"`
	Status5xx     int64     `json:"status_5xx"`
	FirstRequest  time.Time `json:"first_request"`
	LastRequest   time.Time `json:"last_request"`
}

// DeriveRates fills the success, error and throughput rates from TotalRequests, the number of
// successful (status < 400) requests and the first/last request times.
func (m *Metrics) DeriveRates(successes int64) {
	if m.TotalRequests == 0 {
		return
	}
	m.SuccessRate = float64(successes) / float64(m.TotalRequests)
	m.ErrorRate = 1 - m.SuccessRate
	if span := m.LastRequest.Sub(m.FirstRequest).Seconds(); span > 0 {
		m.RPS = float64(m.TotalRequests) / span
	}
}
