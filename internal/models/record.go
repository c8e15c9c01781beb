package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Format is the declared layout of an uploaded log file.
type Format string

const (
	// FormatCSV is a header-mapped delimited file with one request per row.
	FormatCSV Format = "csv"
	// FormatNDJSON is one JSON object per line with one request per object.
	FormatNDJSON Format = "ndjson"
	// FormatK6CSV is k6's --out csv output: one metric sample per row.
	FormatK6CSV Format = "k6-csv"
	// FormatK6JSON is k6's --out json output: one Point/Metric object per line.
	FormatK6JSON Format = "k6-json"
)

// ParseFormat accepts a format name or a common file extension.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "csv", ".csv", "text/csv":
		return FormatCSV, nil
	case "ndjson", "jsonl", ".ndjson", ".jsonl", "application/x-ndjson":
		return FormatNDJSON, nil
	case "k6-csv", "k6csv":
		return FormatK6CSV, nil
	case "k6-json", "k6json", "json", ".json":
		return FormatK6JSON, nil
	}
	return "", fmt.Errorf("unsupported format %q", s)
}

// MethodUnknown is assigned when the method cannot be determined in lenient mode.
const MethodUnknown = "UNKNOWN"

var allowedMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true, "PATCH": true,
	"DELETE": true, "OPTIONS": true, "CONNECT": true, "TRACE": true,
	MethodUnknown: true,
}

// KnownMethod reports whether m is an accepted method token.
func KnownMethod(m string) bool {
	return allowedMethods[m]
}

// Record is one request-level log entry.
type Record struct {
	Timestamp  time.Time         `json:"timestamp"`
	Endpoint   string            `json:"endpoint"`
	Method     string            `json:"method"`
	StatusCode int               `json:"status_code"`
	DurationMs float64           `json:"duration_ms"`
	Bytes      int64             `json:"bytes"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// Validate applies the row schema: non-zero timestamp, non-empty endpoint, known method,
// status 100-599, finite non-negative duration, non-negative bytes.
func (r Record) Validate() error {
	var errs []error
	if r.Timestamp.IsZero() {
		errs = append(errs, errors.New("timestamp is required"))
	}
	if r.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	}
	if !KnownMethod(r.Method) {
		errs = append(errs, fmt.Errorf("method %q is not allowed", r.Method))
	}
	if r.StatusCode < 100 || r.StatusCode > 599 {
		errs = append(errs, fmt.Errorf("status code %d out of range", r.StatusCode))
	}
	if math.IsNaN(r.DurationMs) || math.IsInf(r.DurationMs, 0) || r.DurationMs < 0 {
		errs = append(errs, fmt.Errorf("duration %v must be a non-negative number", r.DurationMs))
	}
	if r.Bytes < 0 {
		errs = append(errs, fmt.Errorf("bytes %d must be non-negative", r.Bytes))
	}
	return errors.Join(errs...)
}

// EstimatedSize approximates the staged footprint of r in bytes.
func (r Record) EstimatedSize() int {
	n := 48 + len(r.Endpoint) + len(r.Method)
	for k, v := range r.Tags {
		n += len(k) + len(v) + 8
	}
	return n
}
