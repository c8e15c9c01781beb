package normalize

import (
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"loadlog-pipeline/internal/apperr"
	"loadlog-pipeline/internal/models"
)

// k6 writes one sample per metric per request. These are the request-scoped metrics that get
// folded into a single record; everything else (vus, iterations, checks, data_*) is skipped.
const metricDuration = "http_req_duration"

var k6RequestMetrics = map[string]string{
	"http_reqs":                "",
	metricDuration:             "",
	"http_req_blocked":         "blocked_ms",
	"http_req_connecting":      "connecting_ms",
	"http_req_tls_handshaking": "tls_handshaking_ms",
	"http_req_sending":         "sending_ms",
	"http_req_waiting":         "waiting_ms",
	"http_req_receiving":       "receiving_ms",
	"http_req_failed":          "failed",
}

// k6Point is one request-scoped metric sample.
type k6Point struct {
	metric   string
	value    float64
	time     string
	name     string
	method   string
	url      string
	status   string
	scenario string
	expected string
	line     int64
	offset   int64
}

func (p k6Point) key() string {
	return p.time + "\x00" + p.name + "\x00" + p.method + "\x00" + p.url + "\x00" + p.status
}

// k6Group accumulates consecutive samples belonging to the same request.
type k6Group struct {
	key     string
	first   k6Point
	samples map[string]float64
}

// k6Assembler pivots a point sequence into records, holding at most one group.
type k6Assembler struct {
	mode Mode
	cur  *k6Group
	line int64
}

// push adds p. When p starts a new request, the previous group is returned as a finished record.
func (a *k6Assembler) push(p k6Point) (models.Record, bool, error) {
	if a.cur != nil && a.cur.key == p.key() {
		a.cur.samples[p.metric] = p.value
		return models.Record{}, false, nil
	}
	prev := a.cur
	a.cur = &k6Group{key: p.key(), first: p, samples: map[string]float64{p.metric: p.value}}
	if prev == nil {
		return models.Record{}, false, nil
	}
	rec, err := a.finish(prev)
	return rec, true, err
}

// flush emits the pending group at end of input.
func (a *k6Assembler) flush() (models.Record, bool, error) {
	if a.cur == nil {
		return models.Record{}, false, nil
	}
	g := a.cur
	a.cur = nil
	rec, err := a.finish(g)
	return rec, true, err
}

func (a *k6Assembler) finish(g *k6Group) (models.Record, error) {
	p := g.first
	a.line = p.line
	dur, ok := g.samples[metricDuration]
	if !ok {
		return models.Record{}, &apperr.ParseError{Line: p.line, Offset: p.offset, Field: "duration", Msg: "no " + metricDuration + " sample for request"}
	}
	endpoint := p.name
	if endpoint == "" {
		endpoint = p.url
	}
	raw := rawRow{
		timestamp: p.time,
		endpoint:  endpoint,
		method:    p.method,
		status:    p.status,
		duration:  strconv.FormatFloat(dur, 'f', -1, 64),
		tags:      map[string]string{},
	}
	for metric, tag := range k6RequestMetrics {
		v, ok := g.samples[metric]
		if !ok || tag == "" {
			continue
		}
		if tag == "failed" {
			raw.tags[tag] = strconv.FormatBool(v != 0)
			continue
		}
		raw.tags[tag] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	if p.url != "" && p.url != endpoint {
		raw.tags["url"] = p.url
	}
	if p.scenario != "" {
		raw.tags["scenario"] = p.scenario
	}
	if p.expected != "" {
		raw.tags["expected_response"] = p.expected
	}

	rec, ferr := raw.build(a.mode)
	if ferr != nil {
		return models.Record{}, &apperr.ParseError{Line: p.line, Offset: p.offset, Field: ferr.field, Msg: ferr.msg}
	}
	return rec, nil
}

// k6Source yields points. ok is false for lines that carry no request sample.
type k6Source func() (p k6Point, ok bool, err error)

// k6Stream drives a k6Source through the assembler.
type k6Stream struct {
	src k6Source
	asm k6Assembler
	eof bool
}

func (s *k6Stream) next() (models.Record, int64, error) {
	for {
		if s.eof {
			return models.Record{}, 0, io.EOF
		}
		p, ok, err := s.src()
		if errors.Is(err, io.EOF) {
			s.eof = true
			if rec, done, ferr := s.asm.flush(); done {
				return rec, s.asm.line, ferr
			}
			return models.Record{}, 0, io.EOF
		}
		if err != nil {
			return models.Record{}, 0, err
		}
		if !ok {
			continue
		}
		if rec, done, ferr := s.asm.push(p); done {
			return rec, s.asm.line, ferr
		}
	}
}

// newK6JSONStream reads k6 --out json output:
//
//	{"type":"Point","metric":"http_req_duration","data":{"time":"...","value":12.3,"tags":{...}}}
func newK6JSONStream(r io.Reader, opts Options) *k6Stream {
	lr := newLineReader(r, opts.MaxLineBytes)
	src := func() (k6Point, bool, error) {
		line, err := lr.read()
		if err != nil {
			return k6Point{}, false, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			return k6Point{}, false, nil
		}
		if !gjson.ValidBytes(line) {
			return k6Point{}, false, lr.parseErr("", "invalid JSON")
		}
		v := gjson.GetManyBytes(line, "type", "metric", "data.value", "data.time", "data.tags")
		if v[0].Str != "Point" {
			return k6Point{}, false, nil
		}
		if _, ok := k6RequestMetrics[v[1].Str]; !ok {
			return k6Point{}, false, nil
		}
		if v[2].Type != gjson.Number {
			return k6Point{}, false, lr.parseErr("value", "expected a number")
		}
		tags := v[4]
		return k6Point{
			metric:   v[1].Str,
			value:    v[2].Num,
			time:     v[3].Str,
			name:     text(tags.Get("name")),
			method:   text(tags.Get("method")),
			url:      text(tags.Get("url")),
			status:   text(tags.Get("status")),
			scenario: text(tags.Get("scenario")),
			expected: text(tags.Get("expected_response")),
			line:     lr.line,
			offset:   lr.offset,
		}, true, nil
	}
	return &k6Stream{src: src, asm: k6Assembler{mode: opts.Mode}}
}

var k6CSVAliases = map[string][]string{
	"metric":   {"metric_name"},
	"time":     {"timestamp"},
	"value":    {"metric_value"},
	"name":     {"name"},
	"method":   {"method"},
	"url":      {"url"},
	"status":   {"status"},
	"scenario": {"scenario"},
	"expected": {"expected_response"},
}

// newK6CSVStream reads k6 --out csv output, whose header starts
// metric_name,timestamp,metric_value,check,error,error_code,expected_response,group,method,name,...
func newK6CSVStream(r io.Reader, opts Options) (*k6Stream, error) {
	cr := newCSVReader(r, opts)
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, apperr.New(apperr.KindValidation, "normalize: k6 csv header", "empty input")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "normalize: k6 csv header", err)
	}
	col := mapHeader(header, k6CSVAliases)
	if missing := missingColumns(col, []string{"metric", "time", "value"}); len(missing) > 0 {
		return nil, apperr.Newf(apperr.KindValidation, "normalize: k6 csv header", "missing required columns: %s", strings.Join(missing, ", "))
	}

	src := func() (k6Point, bool, error) {
		start := cr.InputOffset()
		fields, err := cr.Read()
		if err != nil {
			return k6Point{}, false, csvReadErr(err, start)
		}
		metric := pick(fields, col, "metric")
		if _, ok := k6RequestMetrics[metric]; !ok {
			return k6Point{}, false, nil
		}
		line, _ := cr.FieldPos(0)
		raw := pick(fields, col, "value")
		value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return k6Point{}, false, &apperr.ParseError{Line: int64(line), Offset: start, Field: "value", Msg: "not a number: " + strconv.Quote(raw)}
		}
		return k6Point{
			metric:   metric,
			value:    value,
			time:     pick(fields, col, "time"),
			name:     pick(fields, col, "name"),
			method:   pick(fields, col, "method"),
			url:      pick(fields, col, "url"),
			status:   pick(fields, col, "status"),
			scenario: pick(fields, col, "scenario"),
			expected: pick(fields, col, "expected"),
			line:     int64(line),
			offset:   start,
		}, true, nil
	}
	return &k6Stream{src: src, asm: k6Assembler{mode: opts.Mode}}, nil
}
