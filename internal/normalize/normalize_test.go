package normalize

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loadlog-pipeline/internal/apperr"
	"loadlog-pipeline/internal/models"
)

// drain reads s to the end, splitting records from row errors.
func drain(t *testing.T, s Stream) ([]models.Record, []*apperr.ParseError) {
	t.Helper()
	var recs []models.Record
	var perrs []*apperr.ParseError
	for {
		rec, err := s.Next()
		if errors.Is(err, io.EOF) {
			return recs, perrs
		}
		var pe *apperr.ParseError
		if errors.As(err, &pe) {
			perrs = append(perrs, pe)
			continue
		}
		require.NoError(t, err)
		recs = append(recs, rec)
	}
}

func TestCSV_HeaderAliases(t *testing.T) {
	in := "ts,URL,Method,status_code,response_time_ms,size,tags\n" +
		"2024-05-01T12:00:00Z,/login,post,200,12.5,512,region=eu;vu=3\n" +
		"1714564801.5,/home,GET,404,3,,\n"

	s, err := New(strings.NewReader(in), Options{Format: models.FormatCSV})
	require.NoError(t, err)
	recs, perrs := drain(t, s)
	require.Empty(t, perrs)
	require.Len(t, recs, 2)

	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), recs[0].Timestamp)
	assert.Equal(t, "/login", recs[0].Endpoint)
	assert.Equal(t, "POST", recs[0].Method)
	assert.Equal(t, 200, recs[0].StatusCode)
	assert.Equal(t, 12.5, recs[0].DurationMs)
	assert.Equal(t, int64(512), recs[0].Bytes)
	assert.Equal(t, map[string]string{"region": "eu", "vu": "3"}, recs[0].Tags)

	assert.Equal(t, time.Unix(1714564801, 500_000_000).UTC(), recs[1].Timestamp)
	assert.Equal(t, int64(0), recs[1].Bytes)
	assert.Nil(t, recs[1].Tags)
}

func TestCSV_MissingRequiredHeaderIsFatal(t *testing.T) {
	_, err := New(strings.NewReader("timestamp,endpoint,status\n"), Options{Format: models.FormatCSV})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Contains(t, err.Error(), "duration")
}

func TestCSV_LenientCoercesOptionalFields(t *testing.T) {
	in := "timestamp,endpoint,method,status,duration_ms,bytes,tags\n" +
		"2024-05-01T12:00:00Z,/a,FETCH,200,1,abc,ok=1;broken\n"

	s, err := New(strings.NewReader(in), Options{Format: models.FormatCSV, Mode: Lenient})
	require.NoError(t, err)
	recs, perrs := drain(t, s)
	require.Empty(t, perrs)
	require.Len(t, recs, 1)
	assert.Equal(t, models.MethodUnknown, recs[0].Method)
	assert.Equal(t, int64(0), recs[0].Bytes)
	assert.Equal(t, map[string]string{"ok": "1"}, recs[0].Tags)
}

func TestCSV_StrictRejectsRow(t *testing.T) {
	in := "timestamp,endpoint,method,status,duration_ms\n" +
		"2024-05-01T12:00:00Z,/a,FETCH,200,1\n" +
		"2024-05-01T12:00:01Z,/b,GET,200,2\n"

	s, err := New(strings.NewReader(in), Options{Format: models.FormatCSV, Mode: Strict})
	require.NoError(t, err)
	recs, perrs := drain(t, s)
	require.Len(t, recs, 1)
	require.Len(t, perrs, 1)
	assert.Equal(t, int64(2), perrs[0].Line)
	assert.Equal(t, "method", perrs[0].Field)
}

func TestCSV_RequiredFieldsAlwaysRejected(t *testing.T) {
	in := "timestamp,endpoint,method,status,duration_ms\n" +
		"yesterday,/a,GET,200,1\n" +
		"2024-05-01T12:00:00Z,/a,GET,ok,1\n" +
		"2024-05-01T12:00:00Z,/a,GET,200,fast\n" +
		"2024-05-01T12:00:00Z,,GET,200,1\n"

	s, err := New(strings.NewReader(in), Options{Format: models.FormatCSV, Mode: Lenient})
	require.NoError(t, err)
	recs, perrs := drain(t, s)
	assert.Empty(t, recs)
	require.Len(t, perrs, 4)
	assert.Equal(t, []string{"timestamp", "status", "duration", "endpoint"},
		[]string{perrs[0].Field, perrs[1].Field, perrs[2].Field, perrs[3].Field})
}

func TestCSV_NegativeDurationPassesThrough(t *testing.T) {
	// Range checks belong to Record.Validate, not to parsing.
	in := "timestamp,endpoint,method,status,duration_ms\n2024-05-01T12:00:00Z,/a,GET,200,-4\n"
	s, err := New(strings.NewReader(in), Options{Format: models.FormatCSV})
	require.NoError(t, err)
	recs, _ := drain(t, s)
	require.Len(t, recs, 1)
	assert.Error(t, recs[0].Validate())
}

func TestCSV_LineTooLongIsFatalAndSticky(t *testing.T) {
	in := "timestamp,endpoint,method,status,duration_ms\n" +
		"2024-05-01T12:00:00Z," + strings.Repeat("x", 200) + ",GET,200,1\n"

	s, err := New(strings.NewReader(in), Options{Format: models.FormatCSV, MaxLineBytes: 64})
	require.NoError(t, err)
	_, err = s.Next()
	require.Error(t, err)
	var pe *apperr.ParseError
	assert.False(t, errors.As(err, &pe))

	_, again := s.Next()
	assert.Equal(t, err, again)
}

func TestCSV_Delimiter(t *testing.T) {
	in := "timestamp;endpoint;method;status;duration_ms\n2024-05-01T12:00:00Z;/a;GET;200;1\n"
	s, err := New(strings.NewReader(in), Options{Format: models.FormatCSV, Delimiter: ';'})
	require.NoError(t, err)
	recs, perrs := drain(t, s)
	assert.Empty(t, perrs)
	assert.Len(t, recs, 1)
}

func TestNDJSON_RecoversFromBadLines(t *testing.T) {
	in := `{"timestamp":"2024-05-01T12:00:00Z","endpoint":"/a","method":"GET","status":200,"duration_ms":5,"tags":{"vu":1}}
not json

{"timestamp":"2024-05-01T12:00:01Z","url":"/b","method":"PUT","status_code":"201","duration":"7.25"}
[1,2,3]
`
	s, err := New(strings.NewReader(in), Options{Format: models.FormatNDJSON})
	require.NoError(t, err)
	recs, perrs := drain(t, s)

	require.Len(t, recs, 2)
	assert.Equal(t, map[string]string{"vu": "1"}, recs[0].Tags)
	assert.Equal(t, "/b", recs[1].Endpoint)
	assert.Equal(t, 201, recs[1].StatusCode)
	assert.Equal(t, 7.25, recs[1].DurationMs)

	require.Len(t, perrs, 2)
	assert.Equal(t, int64(2), perrs[0].Line)
	assert.Equal(t, int64(5), perrs[1].Line)
	assert.Greater(t, perrs[0].Offset, int64(0))
}

func TestNDJSON_StrictRejectsNonObjectTags(t *testing.T) {
	in := `{"timestamp":"2024-05-01T12:00:00Z","endpoint":"/a","method":"GET","status":200,"duration_ms":5,"tags":[1]}` + "\n"

	s, err := New(strings.NewReader(in), Options{Format: models.FormatNDJSON, Mode: Strict})
	require.NoError(t, err)
	_, perrs := drain(t, s)
	require.Len(t, perrs, 1)
	assert.Equal(t, "tags", perrs[0].Field)

	s, err = New(strings.NewReader(in), Options{Format: models.FormatNDJSON, Mode: Lenient})
	require.NoError(t, err)
	recs, perrs := drain(t, s)
	assert.Empty(t, perrs)
	assert.Len(t, recs, 1)
}

func TestStream_EOFIsSticky(t *testing.T) {
	s, err := New(strings.NewReader(""), Options{Format: models.FormatNDJSON})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.Next()
		assert.ErrorIs(t, err, io.EOF)
	}
}

func TestNew_UnsupportedFormat(t *testing.T) {
	_, err := New(strings.NewReader(""), Options{Format: "xml"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

const k6JSONSample = `{"type":"Metric","data":{"name":"http_req_duration","type":"trend"},"metric":"http_req_duration"}
{"type":"Point","data":{"time":"2024-05-01T12:00:00.5Z","value":1,"tags":{"method":"GET","name":"http://api/items","status":"200","url":"http://api/items?page=1","scenario":"default"}},"metric":"http_reqs"}
{"type":"Point","data":{"time":"2024-05-01T12:00:00.5Z","value":42.5,"tags":{"method":"GET","name":"http://api/items","status":"200","url":"http://api/items?page=1","scenario":"default"}},"metric":"http_req_duration"}
{"type":"Point","data":{"time":"2024-05-01T12:00:00.5Z","value":40,"tags":{"method":"GET","name":"http://api/items","status":"200","url":"http://api/items?page=1","scenario":"default"}},"metric":"http_req_waiting"}
{"type":"Point","data":{"time":"2024-05-01T12:00:00.5Z","value":0,"tags":{"method":"GET","name":"http://api/items","status":"200","url":"http://api/items?page=1","scenario":"default"}},"metric":"http_req_failed"}
{"type":"Point","data":{"time":"2024-05-01T12:00:00.5Z","value":3,"tags":{"scenario":"default"}},"metric":"vus"}
{"type":"Point","data":{"time":"2024-05-01T12:00:01Z","value":1,"tags":{"method":"POST","name":"http://api/login","status":"500","url":"http://api/login"}},"metric":"http_reqs"}
{"type":"Point","data":{"time":"2024-05-01T12:00:01Z","value":7,"tags":{"method":"POST","name":"http://api/login","status":"500","url":"http://api/login"}},"metric":"http_req_duration"}
{"type":"Point","data":{"time":"2024-05-01T12:00:01Z","value":1,"tags":{"method":"POST","name":"http://api/login","status":"500","url":"http://api/login"}},"metric":"http_req_failed"}
{"type":"Point","data":{"time":"2024-05-01T12:00:02Z","value":1,"tags":{"method":"GET","name":"http://api/orphan","status":"200"}},"metric":"http_reqs"}
`

func TestK6JSON_GroupsPointsPerRequest(t *testing.T) {
	s, err := New(strings.NewReader(k6JSONSample), Options{Format: models.FormatK6JSON})
	require.NoError(t, err)
	recs, perrs := drain(t, s)

	require.Len(t, recs, 2)
	first := recs[0]
	assert.Equal(t, "http://api/items", first.Endpoint)
	assert.Equal(t, "GET", first.Method)
	assert.Equal(t, 200, first.StatusCode)
	assert.Equal(t, 42.5, first.DurationMs)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 500_000_000, time.UTC), first.Timestamp)
	assert.Equal(t, "40", first.Tags["waiting_ms"])
	assert.Equal(t, "false", first.Tags["failed"])
	assert.Equal(t, "http://api/items?page=1", first.Tags["url"])
	assert.Equal(t, "default", first.Tags["scenario"])

	assert.Equal(t, 500, recs[1].StatusCode)
	assert.Equal(t, "true", recs[1].Tags["failed"])

	// The trailing request never reported a duration.
	require.Len(t, perrs, 1)
	assert.Equal(t, "duration", perrs[0].Field)
	assert.Equal(t, int64(10), perrs[0].Line)
}

func TestK6CSV_GroupsRowsPerRequest(t *testing.T) {
	in := "metric_name,timestamp,metric_value,check,error,error_code,expected_response,group,method,name,proto,scenario,service,status,subproto,tls_version,url,extra_tags,metadata\n" +
		"http_reqs,1714564800,1.000000,,,,true,,GET,http://api/items,HTTP/1.1,default,,200,,,http://api/items,,\n" +
		"http_req_duration,1714564800,12.345000,,,,true,,GET,http://api/items,HTTP/1.1,default,,200,,,http://api/items,,\n" +
		"http_req_blocked,1714564800,0.010000,,,,true,,GET,http://api/items,HTTP/1.1,default,,200,,,http://api/items,,\n" +
		"iterations,1714564800,1.000000,,,,,,,,,default,,,,,,,\n" +
		"http_req_duration,1714564801,abc,,,,true,,GET,http://api/items,HTTP/1.1,default,,200,,,http://api/items,,\n" +
		"http_req_duration,1714564802,3.5,,,,true,,DELETE,http://api/items/1,HTTP/1.1,default,,204,,,http://api/items/1,,\n"

	s, err := New(strings.NewReader(in), Options{Format: models.FormatK6CSV})
	require.NoError(t, err)
	recs, perrs := drain(t, s)

	require.Len(t, recs, 2)
	assert.Equal(t, time.Unix(1714564800, 0).UTC(), recs[0].Timestamp)
	assert.Equal(t, 12.345, recs[0].DurationMs)
	assert.Equal(t, "0.01", recs[0].Tags["blocked_ms"])
	assert.Equal(t, "true", recs[0].Tags["expected_response"])
	assert.Equal(t, "DELETE", recs[1].Method)
	assert.Equal(t, 204, recs[1].StatusCode)

	require.Len(t, perrs, 1)
	assert.Equal(t, "value", perrs[0].Field)
	assert.Equal(t, int64(6), perrs[0].Line)
}

func TestK6CSV_MissingHeader(t *testing.T) {
	_, err := New(strings.NewReader("timestamp,metric_value\n"), Options{Format: models.FormatK6CSV})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metric")
}

func TestParseTagList(t *testing.T) {
	tags, ok := parseTagList("a=1; b = 2 ;;")
	assert.True(t, ok)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, tags)

	tags, ok = parseTagList("a=1;=x;b")
	assert.False(t, ok)
	assert.Equal(t, map[string]string{"a": "1"}, tags)
}
