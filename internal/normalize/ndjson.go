package normalize

import (
	"bytes"
	"io"
	"strings"

	"github.com/tidwall/gjson"

	"loadlog-pipeline/internal/models"
)

var ndjsonPaths = []string{
	"timestamp|time|ts",
	"endpoint|url|path|name",
	"method",
	"status|status_code",
	"duration_ms|duration|response_time_ms|elapsed",
	"bytes|size|bytes_received",
	"tags",
}

type ndjsonStream struct {
	lr   *lineReader
	mode Mode
}

func newNDJSONStream(r io.Reader, opts Options) *ndjsonStream {
	return &ndjsonStream{lr: newLineReader(r, opts.MaxLineBytes), mode: opts.Mode}
}

func (s *ndjsonStream) next() (models.Record, int64, error) {
	for {
		line, err := s.lr.read()
		if err != nil {
			return models.Record{}, 0, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if !gjson.ValidBytes(line) {
			return models.Record{}, 0, s.lr.parseErr("", "invalid JSON")
		}
		doc := gjson.ParseBytes(line)
		if !doc.IsObject() {
			return models.Record{}, 0, s.lr.parseErr("", "expected a JSON object")
		}

		var v [7]gjson.Result
		for i, path := range ndjsonPaths {
			v[i] = firstOf(doc, path)
		}
		raw := rawRow{
			timestamp: text(v[0]),
			endpoint:  text(v[1]),
			method:    text(v[2]),
			status:    text(v[3]),
			duration:  text(v[4]),
			bytes:     text(v[5]),
		}
		switch tags := v[6]; {
		case tags.IsObject():
			raw.tags = make(map[string]string)
			tags.ForEach(func(k, val gjson.Result) bool {
				raw.tags[k.String()] = text(val)
				return true
			})
		case tags.Type == gjson.String:
			raw.rawTags = tags.Str
		case tags.Exists() && tags.Type != gjson.Null && s.mode == Strict:
			return models.Record{}, 0, s.lr.parseErr("tags", "expected an object or k=v list")
		}

		rec, ferr := raw.build(s.mode)
		if ferr != nil {
			return models.Record{}, 0, s.lr.parseErr(ferr.field, ferr.msg)
		}
		return rec, s.lr.line, nil
	}
}

// firstOf resolves the first alias in a "a|b|c" list that is present.
func firstOf(doc gjson.Result, aliases string) gjson.Result {
	for _, name := range strings.Split(aliases, "|") {
		if r := doc.Get(name); r.Exists() {
			return r
		}
	}
	return gjson.Result{}
}

// text renders a scalar as the string the field parsers expect: strings unquoted, numbers verbatim.
func text(r gjson.Result) string {
	switch r.Type {
	case gjson.String:
		return r.Str
	case gjson.Null:
		return ""
	default:
		return r.Raw
	}
}
