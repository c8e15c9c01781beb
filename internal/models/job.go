package models

import (
	"fmt"
	"time"
)

// JobKind enumerates the classes of asynchronous work.
type JobKind string

const (
	KindIngest  JobKind = "ingest"
	KindAnalyze JobKind = "analyze"
	KindAsk     JobKind = "ask"
)

// Valid reports whether k is a known kind.
func (k JobKind) Valid() bool {
	switch k {
	case KindIngest, KindAnalyze, KindAsk:
		return true
	}
	return false
}

// JobState enumerates lifecycle states persisted in the ledger.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Job is one ledger entry.
type Job struct {
	ID          string     `json:"id"`
	Kind        JobKind    `json:"kind"`
	State       JobState   `json:"state"`
	FileID      *string    `json:"file_id,omitempty"`
	ReportID    *string    `json:"report_id,omitempty"`
	Params      Params     `json:"params"`
	Result      *Result    `json:"result,omitempty"`
	Error       *JobError  `json:"error,omitempty"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	WorkerID    *string    `json:"worker_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Params is the job input, a union keyed by job kind: exactly one member is set.
type Params struct {
	Ingest  *IngestParams  `json:"ingest,omitempty"`
	Analyze *AnalyzeParams `json:"analyze,omitempty"`
	Ask     *AskParams     `json:"ask,omitempty"`
}

// Kind returns the kind of the populated member, or "" if none or several are set.
func (p Params) Kind() JobKind {
	var kind JobKind
	n := 0
	if p.Ingest != nil {
		kind, n = KindIngest, n+1
	}
	if p.Analyze != nil {
		kind, n = KindAnalyze, n+1
	}
	if p.Ask != nil {
		kind, n = KindAsk, n+1
	}
	if n != 1 {
		return ""
	}
	return kind
}

// IngestParams describes one ingestion of an uploaded file.
type IngestParams struct {
	FileID       string `json:"file_id"`
	Format       Format `json:"format"`
	Strict       bool   `json:"strict"`
	ExpectedRows *int64 `json:"expected_rows,omitempty"`
}

// AnalyzeParams requests an analysis of a report.
type AnalyzeParams struct {
	ReportID               string `json:"report_id"`
	AnalysisType           string `json:"analysis_type,omitempty"`
	IncludeRecommendations bool   `json:"include_recommendations"`
}

// AskParams asks a question about a report.
type AskParams struct {
	ReportID    string `json:"report_id"`
	Question    string `json:"question"`
	ContextType string `json:"context_type,omitempty"`
}

// Result is the success payload, a union keyed by job kind.
type Result struct {
	Ingest   *IngestResult   `json:"ingest,omitempty"`
	Analysis *AnalysisResult `json:"analysis,omitempty"`
	Answer   *AnswerResult   `json:"answer,omitempty"`
}

// Kind returns the job kind the populated member belongs to, or "" if ambiguous.
func (r Result) Kind() JobKind {
	var kind JobKind
	n := 0
	if r.Ingest != nil {
		kind, n = KindIngest, n+1
	}
	if r.Analysis != nil {
		kind, n = KindAnalyze, n+1
	}
	if r.Answer != nil {
		kind, n = KindAsk, n+1
	}
	if n != 1 {
		return ""
	}
	return kind
}

// Check verifies the result belongs to a job of the given kind.
func (r Result) Check(kind JobKind) error {
	if got := r.Kind(); got != kind {
		return fmt.Errorf("result of kind %q does not match job kind %q", got, kind)
	}
	return nil
}

// IngestResult summarizes a completed ingestion. RowsSkipped > 0 means some input rows were
// rejected but the rest was promoted.
type IngestResult struct {
	FileID          string     `json:"file_id"`
	RowsPromoted    int64      `json:"rows_promoted"`
	RowsSkipped     int64      `json:"rows_skipped"`
	Chunks          int        `json:"chunks"`
	RowErrors       []RowError `json:"row_errors,omitempty"`
	AlreadyPromoted bool       `json:"already_promoted,omitempty"`
}

// RowError is one rejected input row.
type RowError struct {
	Line    int64  `json:"line"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// AnalysisResult is produced by the analysis collaborator.
type AnalysisResult struct {
	ReportID                    string `json:"report_id"`
	ExecutiveSummary            string `json:"executive_summary"`
	AnomalyDetection            string `json:"anomaly_detection,omitempty"`
	OptimizationRecommendations string `json:"optimization_recommendations,omitempty"`
	Model                       string `json:"model,omitempty"`
}

// AnswerResult is produced by the question-answering collaborator.
type AnswerResult struct {
	ReportID        string   `json:"report_id"`
	Question        string   `json:"question"`
	Answer          string   `json:"answer"`
	ConfidenceScore *float64 `json:"confidence_score,omitempty"`
}

// JobError is the failure payload of a job.
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Duration returns the wall time between start and finish, if both are known.
func (j Job) Duration() *time.Duration {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return nil
	}
	d := j.FinishedAt.Sub(*j.StartedAt)
	return &d
}
