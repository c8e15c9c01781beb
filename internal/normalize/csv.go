package normalize

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"github.com/rotisserie/eris"

	"loadlog-pipeline/internal/apperr"
	"loadlog-pipeline/internal/models"
)

// Header aliases accepted for canonical CSV input, matched case-insensitively.
var csvAliases = map[string][]string{
	"timestamp": {"timestamp", "time", "ts"},
	"endpoint":  {"endpoint", "url", "name", "path"},
	"method":    {"method", "http_method"},
	"status":    {"status", "status_code"},
	"duration":  {"duration_ms", "duration", "response_time_ms", "elapsed"},
	"bytes":     {"bytes", "size", "bytes_received"},
	"tags":      {"tags"},
}

type csvStream struct {
	r    *csv.Reader
	mode Mode
	col  map[string]int
}

func newCSVStream(r io.Reader, opts Options) (*csvStream, error) {
	cr := newCSVReader(r, opts)
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, apperr.New(apperr.KindValidation, "normalize: csv header", "empty input")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "normalize: csv header", err)
	}

	col := mapHeader(header, csvAliases)
	required := []string{"timestamp", "endpoint", "status", "duration"}
	if opts.Mode == Strict {
		required = append(required, "method")
	}
	if missing := missingColumns(col, required); len(missing) > 0 {
		return nil, apperr.Newf(apperr.KindValidation, "normalize: csv header", "missing required columns: %s", strings.Join(missing, ", "))
	}
	return &csvStream{r: cr, mode: opts.Mode, col: col}, nil
}

func (s *csvStream) next() (models.Record, int64, error) {
	start := s.r.InputOffset()
	fields, err := s.r.Read()
	if err != nil {
		return models.Record{}, 0, csvReadErr(err, start)
	}
	line, _ := s.r.FieldPos(0)

	raw := rawRow{
		timestamp: pick(fields, s.col, "timestamp"),
		endpoint:  pick(fields, s.col, "endpoint"),
		method:    pick(fields, s.col, "method"),
		status:    pick(fields, s.col, "status"),
		duration:  pick(fields, s.col, "duration"),
		bytes:     pick(fields, s.col, "bytes"),
		rawTags:   pick(fields, s.col, "tags"),
	}
	rec, ferr := raw.build(s.mode)
	if ferr != nil {
		return models.Record{}, 0, &apperr.ParseError{Line: int64(line), Offset: start, Field: ferr.field, Msg: ferr.msg}
	}
	return rec, int64(line), nil
}

// newCSVReader configures encoding/csv for streaming: the record slice is reused and rows may
// vary in width.
func newCSVReader(r io.Reader, opts Options) *csv.Reader {
	cr := csv.NewReader(&boundedLines{r: r, max: opts.MaxLineBytes})
	cr.Comma = opts.Delimiter
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	return cr
}

// csvReadErr turns a per-record csv.ParseError into a row-level error. Anything else ends the stream.
func csvReadErr(err error, offset int64) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	if errors.Is(err, errLineTooLong) {
		return apperr.Wrap(apperr.KindValidation, "normalize: csv read", err)
	}
	var cpe *csv.ParseError
	if errors.As(err, &cpe) {
		return &apperr.ParseError{Line: int64(cpe.StartLine), Offset: offset, Msg: cpe.Err.Error()}
	}
	return eris.Wrap(err, "normalize: csv read")
}

func mapHeader(header []string, aliases map[string][]string) map[string]int {
	index := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := index[h]; !dup {
			index[h] = i
		}
	}
	col := make(map[string]int, len(aliases))
	for canonical, names := range aliases {
		for _, n := range names {
			if i, ok := index[n]; ok {
				col[canonical] = i
				break
			}
		}
	}
	return col
}

func missingColumns(col map[string]int, required []string) []string {
	var missing []string
	for _, r := range required {
		if _, ok := col[r]; !ok {
			missing = append(missing, r)
		}
	}
	return missing
}

func pick(fields []string, col map[string]int, name string) string {
	i, ok := col[name]
	if !ok || i >= len(fields) {
		return ""
	}
	return fields[i]
}

var errLineTooLong = errors.New("line exceeds maximum length")

// boundedLines cuts the input off once a single line grows past max bytes, so encoding/csv never
// buffers an unbounded record. Bytes before the overlong line are delivered normally.
type boundedLines struct {
	r   io.Reader
	max int
	run int
	err error
}

func (b *boundedLines) Read(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	n, err := b.r.Read(p)
	for i := 0; i < n; i++ {
		if p[i] == '\n' {
			b.run = 0
			continue
		}
		b.run++
		if b.run > b.max {
			b.err = errLineTooLong
			return i, nil
		}
	}
	return n, err
}
