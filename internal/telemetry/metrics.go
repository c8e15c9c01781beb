package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "loadlog_jobs_submitted_total", Help: "Jobs accepted by the dispatcher"}, []string{"kind"})
	JobTransitions    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "loadlog_job_transitions_total", Help: "Ledger state transitions"}, []string{"kind", "state"})
	JobRetries        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "loadlog_job_retries_total", Help: "Jobs re-queued after a retryable failure"}, []string{"kind"})
	JobDeadLetter     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "loadlog_job_dead_letter_total", Help: "Jobs moved to the DLQ"}, []string{"kind"})
	RowsStaged        = prometheus.NewCounter(prometheus.CounterOpts{Name: "loadlog_rows_staged_total", Help: "Rows written to staging"})
	ChunksWritten     = prometheus.NewCounter(prometheus.CounterOpts{Name: "loadlog_chunks_written_total", Help: "Staging chunks persisted"})
	RowErrors         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "loadlog_row_errors_total", Help: "Input rows rejected"}, []string{"kind"})
	Promotions        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "loadlog_promotions_total", Help: "Promotion outcomes"}, []string{"outcome"})
	PromotionRetries  = prometheus.NewCounter(prometheus.CounterOpts{Name: "loadlog_promotion_retries_total", Help: "Promotion attempts retried after infrastructure errors"})
	RowsPromoted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "loadlog_rows_promoted_total", Help: "Rows promoted to request_logs"})
	UploadBytes       = prometheus.NewCounter(prometheus.CounterOpts{Name: "loadlog_upload_bytes_total", Help: "Raw bytes accepted at upload"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "loadlog_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "loadlog_queue_depth", Help: "Ready queue depth across job kinds"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "loadlog_inflight", Help: "Jobs currently leased by this process"})
	JobDuration       = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "loadlog_job_duration_seconds", Help: "Handler wall time", Buckets: prometheus.ExponentialBuckets(0.05, 2, 14)}, []string{"kind"})
	ChunkWriteLatency = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "loadlog_chunk_write_seconds", Help: "Staging chunk write latency", Buckets: prometheus.DefBuckets})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobTransitions,
			JobRetries,
			JobDeadLetter,
			RowsStaged,
			ChunksWritten,
			RowErrors,
			Promotions,
			PromotionRetries,
			RowsPromoted,
			UploadBytes,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
			JobDuration,
			ChunkWriteLatency,
		)
	})
	return promhttp.Handler()
}
