// Package retry provides bounded exponential backoff for transient failures.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"loadlog-pipeline/internal/apperr"
)

// Policy controls retry behavior.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first. Default 3.
	MaxAttempts int
	// Initial is the delay before the first retry. Default 200ms.
	Initial time.Duration
	// Max caps any single delay. Default 10s.
	Max time.Duration
	// ShouldRetry overrides apperr.IsRetryable.
	ShouldRetry func(err error) bool
	// OnRetry runs before each sleep.
	OnRetry func(attempt int, err error)
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Initial <= 0 {
		p.Initial = 200 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 10 * time.Second
	}
	if p.ShouldRetry == nil {
		p.ShouldRetry = apperr.IsRetryable
	}
	return p
}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts the policy, or ctx ends.
// The last error is returned unchanged.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil || !p.ShouldRetry(lastErr) || attempt == p.MaxAttempts {
			return lastErr
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr)
		}
		timer := time.NewTimer(Backoff(p.Initial, p.Max, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
	return lastErr
}

// Backoff returns an exponential delay for the given attempt with jitter in [wait/2, wait).
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int64N(int64(wait / 2)))
	return wait/2 + jitter
}

// Logger returns an OnRetry callback that logs each attempt.
func Logger(operation string, fields ...zap.Field) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying operation",
			append(fields,
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)...,
		)
	}
}
