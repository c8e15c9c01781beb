// Package apperr classifies pipeline and ledger failures into the error kinds that callers
// observe on failed jobs.
package apperr

import (
	"context"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

// Kind names a class of failure. Kinds are persisted verbatim on failed jobs.
type Kind string

const (
	KindParse             Kind = "parse_error"
	KindValidation        Kind = "validation_error"
	KindThresholdExceeded Kind = "validation_threshold_exceeded"
	KindStagingConflict   Kind = "staging_conflict"
	KindPromotionInfra    Kind = "promotion_infra_error"
	KindInvalidTransition Kind = "invalid_transition"
	KindTimeout           Kind = "timeout"
	KindWorkerLost        Kind = "worker_lost"
	KindNotFound          Kind = "not_found"
	KindInternal          Kind = "internal"
)

// Error carries a Kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a kinded error with a fresh cause.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Err: eris.New(msg)}
}

// Newf is New with formatting.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: eris.New(fmt.Sprintf(format, args...))}
}

// Wrap attaches a kind to err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the kind of the outermost kinded error in the chain.
// Context deadlines map to KindTimeout; everything else unknown is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		return KindParse
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Is reports whether err is of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether the failure is transient: infrastructure errors during
// promotion, timeouts and lost workers. Validation-class errors are never retryable.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindPromotionInfra, KindTimeout, KindWorkerLost:
		return true
	default:
		return false
	}
}

// ParseError identifies a malformed input row. It is recoverable per row.
type ParseError struct {
	Line   int64
	Offset int64
	Field  string
	Msg    string
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("line %d (offset %d): %s: %s", e.Line, e.Offset, e.Field, e.Msg)
	}
	return fmt.Sprintf("line %d (offset %d): %s", e.Line, e.Offset, e.Msg)
}
