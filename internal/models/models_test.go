package models

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRecord() Record {
	return Record{
		Timestamp:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Endpoint:   "/login",
		Method:     "POST",
		StatusCode: 200,
		DurationMs: 12.5,
		Bytes:      512,
	}
}

func TestRecordValidate(t *testing.T) {
	require.NoError(t, validRecord().Validate())

	tests := []struct {
		name   string
		mutate func(*Record)
		want   string
	}{
		{"negative duration", func(r *Record) { r.DurationMs = -1 }, "non-negative"},
		{"nan duration", func(r *Record) { r.DurationMs = math.NaN() }, "non-negative"},
		{"zero timestamp", func(r *Record) { r.Timestamp = time.Time{} }, "timestamp"},
		{"empty endpoint", func(r *Record) { r.Endpoint = "" }, "endpoint"},
		{"bad method", func(r *Record) { r.Method = "FETCH" }, "method"},
		{"status too low", func(r *Record) { r.StatusCode = 0 }, "status code"},
		{"status too high", func(r *Record) { r.StatusCode = 600 }, "status code"},
		{"negative bytes", func(r *Record) { r.Bytes = -5 }, "bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRecord()
			tt.mutate(&r)
			err := r.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRecordValidate_UnknownMethodAllowed(t *testing.T) {
	r := validRecord()
	r.Method = MethodUnknown
	assert.NoError(t, r.Validate())
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(".jsonl")
	require.NoError(t, err)
	assert.Equal(t, FormatNDJSON, f)

	f, err = ParseFormat("json")
	require.NoError(t, err)
	assert.Equal(t, FormatK6JSON, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestParamsKind(t *testing.T) {
	assert.Equal(t, KindIngest, Params{Ingest: &IngestParams{FileID: "f"}}.Kind())
	assert.Equal(t, KindAsk, Params{Ask: &AskParams{ReportID: "r"}}.Kind())
	assert.Equal(t, JobKind(""), Params{}.Kind())
	assert.Equal(t, JobKind(""), Params{Ingest: &IngestParams{}, Ask: &AskParams{}}.Kind())
}

func TestResultCheck(t *testing.T) {
	r := Result{Answer: &AnswerResult{Answer: "42"}}
	assert.NoError(t, r.Check(KindAsk))
	assert.Error(t, r.Check(KindIngest))
	assert.Error(t, Result{}.Check(KindAnalyze))
}

func TestJobStateTerminal(t *testing.T) {
	assert.False(t, StateQueued.Terminal())
	assert.False(t, StateRunning.Terminal())
	assert.True(t, StateSucceeded.Terminal())
	assert.True(t, StateFailed.Terminal())
}

func TestJobDuration(t *testing.T) {
	start := time.Now()
	end := start.Add(3 * time.Second)
	j := Job{StartedAt: &start, FinishedAt: &end}
	require.NotNil(t, j.Duration())
	assert.Equal(t, 3*time.Second, *j.Duration())
	assert.Nil(t, Job{}.Duration())
}
