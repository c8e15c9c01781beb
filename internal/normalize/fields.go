package normalize

import (
	"math"
	"strconv"
	"strings"
	"time"

	"loadlog-pipeline/internal/models"
)

// rawRow holds the textual fields of one request before conversion.
type rawRow struct {
	timestamp string
	endpoint  string
	method    string
	status    string
	duration  string
	bytes     string
	tags      map[string]string
	rawTags   string
}

// fieldError names the field that failed to convert.
type fieldError struct {
	field string
	msg   string
}

// build converts a rawRow into a Record. Required fields always fail hard; optional fields
// follow mode.
func (r rawRow) build(mode Mode) (models.Record, *fieldError) {
	var rec models.Record

	ts, err := parseTimestamp(r.timestamp)
	if err != nil {
		return rec, &fieldError{"timestamp", err.Error()}
	}
	rec.Timestamp = ts

	rec.Endpoint = strings.TrimSpace(r.endpoint)
	if rec.Endpoint == "" {
		return rec, &fieldError{"endpoint", "missing"}
	}

	status, err := strconv.Atoi(strings.TrimSpace(r.status))
	if err != nil {
		return rec, &fieldError{"status", "not an integer: " + strconv.Quote(r.status)}
	}
	rec.StatusCode = status

	dur, err := strconv.ParseFloat(strings.TrimSpace(r.duration), 64)
	if err != nil {
		return rec, &fieldError{"duration", "not a number: " + strconv.Quote(r.duration)}
	}
	rec.DurationMs = dur

	method := strings.ToUpper(strings.TrimSpace(r.method))
	if !models.KnownMethod(method) || method == "" {
		if mode == Strict {
			return rec, &fieldError{"method", "unknown method " + strconv.Quote(r.method)}
		}
		method = models.MethodUnknown
	}
	rec.Method = method

	if b := strings.TrimSpace(r.bytes); b != "" {
		n, err := strconv.ParseInt(b, 10, 64)
		if err != nil {
			if mode == Strict {
				return rec, &fieldError{"bytes", "not an integer: " + strconv.Quote(r.bytes)}
			}
			n = 0
		}
		rec.Bytes = n
	}

	tags := r.tags
	if r.rawTags != "" {
		parsed, ok := parseTagList(r.rawTags)
		if !ok && mode == Strict {
			return rec, &fieldError{"tags", "malformed tag list " + strconv.Quote(r.rawTags)}
		}
		tags = parsed
	}
	if len(tags) > 0 {
		rec.Tags = tags
	}
	return rec, nil
}

// parseTimestamp accepts RFC3339 (with or without fractional seconds) or Unix epoch seconds.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errMissing
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, errBadTimestamp
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}

// parseTagList parses "k=v;k=v". ok is false when any pair is malformed; well-formed pairs
// are still returned.
func parseTagList(s string) (map[string]string, bool) {
	out := make(map[string]string)
	ok := true
	for _, pair := range strings.Split(s, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, found := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !found || k == "" {
			ok = false
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, ok
}

type normError string

func (e normError) Error() string { return string(e) }

const (
	errMissing      normError = "missing"
	errBadTimestamp normError = "not RFC3339 or epoch seconds"
)
