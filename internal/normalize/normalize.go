// Package normalize turns raw load-test log streams into canonical request records.
//
// A Stream is pulled one record at a time and never buffers more than the current line (or, for
// k6 outputs, the current request's metric samples), so memory stays flat regardless of file
// size. Streams are finite and cannot be restarted: once Next reports io.EOF or a fatal error it
// keeps returning that error.
package normalize

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	"github.com/rotisserie/eris"

	"loadlog-pipeline/internal/apperr"
	"loadlog-pipeline/internal/models"
)

// Mode selects how optional fields that fail to parse are handled.
type Mode int

const (
	// Lenient coerces optional fields to defaults: method UNKNOWN, bytes 0, malformed tags dropped.
	Lenient Mode = iota
	// Strict rejects the row on any unparseable field.
	Strict
)

// DefaultMaxLineBytes bounds a single input line.
const DefaultMaxLineBytes = 1 << 20

// Options configures a Stream.
type Options struct {
	Format       models.Format
	Mode         Mode
	Delimiter    rune
	MaxLineBytes int
}

// Stream yields records until io.EOF.
//
// A *apperr.ParseError return describes one bad row; the stream remains usable and the next call
// moves on. Any other error is fatal and sticky.
type Stream interface {
	Next() (models.Record, error)
	// Line is the input line on which the last returned record started.
	Line() int64
}

// New builds a Stream for the declared format.
func New(r io.Reader, opts Options) (Stream, error) {
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = DefaultMaxLineBytes
	}
	if opts.Delimiter == 0 {
		opts.Delimiter = ','
	}

	var next func() (models.Record, int64, error)
	switch opts.Format {
	case models.FormatCSV:
		s, err := newCSVStream(r, opts)
		if err != nil {
			return nil, err
		}
		next = s.next
	case models.FormatNDJSON:
		next = newNDJSONStream(r, opts).next
	case models.FormatK6JSON:
		next = newK6JSONStream(r, opts).next
	case models.FormatK6CSV:
		s, err := newK6CSVStream(r, opts)
		if err != nil {
			return nil, err
		}
		next = s.next
	default:
		return nil, apperr.Newf(apperr.KindValidation, "normalize: new", "unsupported format %q", opts.Format)
	}
	return &stream{next: next}, nil
}

type stream struct {
	next func() (models.Record, int64, error)
	line int64
	err  error
}

func (s *stream) Next() (models.Record, error) {
	if s.err != nil {
		return models.Record{}, s.err
	}
	rec, line, err := s.next()
	if err != nil {
		var pe *apperr.ParseError
		if !errors.As(err, &pe) {
			s.err = err
		}
		return rec, err
	}
	s.line = line
	return rec, nil
}

func (s *stream) Line() int64 {
	return s.line
}

// lineReader reads newline-terminated lines with a hard length limit, tracking the 1-based line
// number and byte offset of the last line returned.
type lineReader struct {
	br     *bufio.Reader
	max    int
	line   int64
	offset int64
	next   int64
}

func newLineReader(r io.Reader, max int) *lineReader {
	return &lineReader{br: bufio.NewReaderSize(r, max), max: max}
}

// read returns the next line without its terminator. The slice is only valid until the next call.
func (lr *lineReader) read() ([]byte, error) {
	b, err := lr.br.ReadSlice('\n')
	switch {
	case errors.Is(err, bufio.ErrBufferFull):
		return nil, apperr.Newf(apperr.KindValidation, "normalize: read", "line %d exceeds %d bytes", lr.line+1, lr.max)
	case errors.Is(err, io.EOF):
		if len(b) == 0 {
			return nil, io.EOF
		}
	case err != nil:
		return nil, eris.Wrap(err, "normalize: read")
	}
	lr.line++
	lr.offset = lr.next
	lr.next += int64(len(b))
	return bytes.TrimRight(b, "\r\n"), nil
}

func (lr *lineReader) parseErr(field, msg string) *apperr.ParseError {
	return &apperr.ParseError{Line: lr.line, Offset: lr.offset, Field: field, Msg: msg}
}
