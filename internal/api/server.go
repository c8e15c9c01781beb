package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"loadlog-pipeline/internal/apperr"
	"loadlog-pipeline/internal/ledger"
	"loadlog-pipeline/internal/models"
	"loadlog-pipeline/internal/query"
	"loadlog-pipeline/internal/telemetry"
	"loadlog-pipeline/internal/upload"
)

// Uploader accepts raw files. *upload.Service implements it.
type Uploader interface {
	Accept(ctx context.Context, req upload.Request) (upload.Accepted, error)
}

// Submitter creates jobs. *dispatch.Dispatcher implements it.
type Submitter interface {
	Submit(ctx context.Context, nj ledger.NewJob) (models.Job, error)
}

// DLQ exposes dead-lettered job ids.
type DLQ interface {
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Limiter rate limits requests per client key. *ratelimit.TokenBucket implements it.
type Limiter interface {
	AllowN(ctx context.Context, key string, cost float64) (bool, float64, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Options tunes the server.
type Options struct {
	MaxAttempts int
	// Limiter is optional; nil disables rate limiting.
	Limiter Limiter
	// Health lists dependencies checked by /healthz.
	Health map[string]Pinger
}

// Server wires HTTP handlers for uploads, job status, reports and analysis submission.
type Server struct {
	uploads Uploader
	queries *query.Service
	jobs    Submitter
	dlq     DLQ
	opts    Options
}

// New constructs the API server.
func New(uploads Uploader, queries *query.Service, jobs Submitter, dlq DLQ, opts Options) *Server {
	return &Server{uploads: uploads, queries: queries, jobs: jobs, dlq: dlq, opts: opts}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(contentTypeJSON)
		r.Post("/uploads", s.handleUpload)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/files/{id}/jobs", s.handleFileJobs)
		r.Get("/reports/{id}", s.handleGetReport)
		r.Get("/reports/{id}/jobs", s.handleReportJobs)
		r.Post("/reports/{id}/analyze", s.handleAnalyze)
		r.Post("/reports/{id}/ask", s.handleAsk)
		r.Get("/dlq", s.handleDLQ)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	for name, p := range s.opts.Health {
		if err := p.Ping(r.Context()); err != nil {
			status[name] = err.Error()
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, status)
}

const mib = 1 << 20

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filename := q.Get("filename")
	if filename == "" {
		writeError(w, apperr.New(apperr.KindValidation, "api: upload", "filename is required"))
		return
	}
	// Uploads cost one token plus one per MiB declared.
	cost := 1.0
	if r.ContentLength > 0 {
		cost += float64(r.ContentLength / mib)
	}
	if !s.allow(w, r, cost) {
		return
	}

	req := upload.Request{
		Filename:    filename,
		Format:      q.Get("format"),
		Body:        r.Body,
		Size:        r.ContentLength,
		ContentType: r.Header.Get("Content-Type"),
	}
	if v := q.Get("strict"); v != "" {
		strict, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, apperr.Newf(apperr.KindValidation, "api: upload", "strict must be a boolean, got %q", v))
			return
		}
		req.Strict = strict
	}
	if v := q.Get("expected_rows"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, apperr.Newf(apperr.KindValidation, "api: upload", "expected_rows must be an integer, got %q", v))
			return
		}
		req.ExpectedRows = &n
	}

	acc, err := s.uploads.Accept(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"file_id":   acc.FileID,
		"job_id":    acc.JobID,
		"report_id": models.ReportIDForFile(acc.FileID),
		"job":       query.ViewOf(acc.Job),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queries.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleFileJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.queries.JobsByFile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleReportJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.queries.JobsByReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.queries.Report(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type analyzeRequest struct {
	AnalysisType           string `json:"analysis_type"`
	IncludeRecommendations *bool  `json:"include_recommendations"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	recs := true
	if req.IncludeRecommendations != nil {
		recs = *req.IncludeRecommendations
	}
	s.submitForReport(w, r, models.Params{Analyze: &models.AnalyzeParams{
		ReportID:               chi.URLParam(r, "id"),
		AnalysisType:           req.AnalysisType,
		IncludeRecommendations: recs,
	}})
}

type askRequest struct {
	Question    string `json:"question"`
	ContextType string `json:"context_type"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, apperr.New(apperr.KindValidation, "api: ask", "question is required"))
		return
	}
	s.submitForReport(w, r, models.Params{Ask: &models.AskParams{
		ReportID:    chi.URLParam(r, "id"),
		Question:    req.Question,
		ContextType: req.ContextType,
	}})
}

// submitForReport queues an analysis job once the report is known to exist.
func (s *Server) submitForReport(w http.ResponseWriter, r *http.Request, params models.Params) {
	if !s.allow(w, r, 1) {
		return
	}
	reportID := chi.URLParam(r, "id")
	if _, err := s.queries.Report(r.Context(), reportID); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.jobs.Submit(r.Context(), ledger.NewJob{Params: params, MaxAttempts: s.opts.MaxAttempts})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, query.ViewOf(job))
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	count := int64(100)
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, apperr.Newf(apperr.KindValidation, "api: dlq", "count must be a positive integer, got %q", v))
			return
		}
		count = n
	}
	items, err := s.dlq.DLQPeek(r.Context(), count)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, cost float64) bool {
	if s.opts.Limiter == nil {
		return true
	}
	allowed, _, err := s.opts.Limiter.AllowN(r.Context(), clientKey(r), cost)
	if err != nil {
		zap.L().Error("rate limiter unavailable", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: string(apperr.KindInternal), Message: "rate limit error"})
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate_limited", Message: "rate limited"})
		return false
	}
	return true
}

func clientKey(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return "default"
}

// decodeOptional decodes a JSON body if one was sent.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, apperr.Wrap(apperr.KindValidation, "api: decode body", err))
		return false
	}
	return true
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation, apperr.KindParse:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalidTransition, apperr.KindStagingConflict:
		return http.StatusConflict
	case apperr.KindThresholdExceeded:
		return http.StatusUnprocessableEntity
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	code := statusFor(kind)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		zap.L().Error("request failed", zap.Error(err))
		msg = "internal error"
	}
	writeJSON(w, code, errorBody{Error: string(kind), Message: msg})
}

func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
