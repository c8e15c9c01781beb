// Package commit promotes a job's staged rows into the durable request log exactly once.
package commit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"loadlog-pipeline/internal/apperr"
	"loadlog-pipeline/internal/retry"
	"loadlog-pipeline/internal/telemetry"
)

// Promotion records that a job's staging was promoted.
type Promotion struct {
	JobID      string
	FileID     string
	Rows       int64
	PromotedAt time.Time
}

// Store is the persistence the coordinator drives.
type Store interface {
	// StagedRows counts rows currently staged for jobID.
	StagedRows(ctx context.Context, jobID string) (int64, error)
	// Promote moves staged rows into the request log in one transaction and records the
	// promotion. If jobID was already promoted it changes nothing and reports already=true with
	// the recorded row count.
	Promote(ctx context.Context, jobID, fileID string) (rows int64, already bool, err error)
	// DiscardStaging deletes staged rows and chunk markers for jobID.
	DiscardStaging(ctx context.Context, jobID string) error
	// Promotion looks up a recorded promotion.
	Promotion(ctx context.Context, jobID string) (Promotion, bool, error)
}

// Config bounds promotion retries.
type Config struct {
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	AttemptTimeout time.Duration
}

// Request identifies the staging to promote.
type Request struct {
	JobID        string
	FileID       string
	ExpectedRows *int64
}

// Outcome describes a successful commit.
type Outcome struct {
	Rows             int64
	AlreadyCommitted bool
}

// Coordinator validates and promotes staging.
type Coordinator struct {
	store Store
	cfg   Config
}

func NewCoordinator(st Store, cfg Config) *Coordinator {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = time.Minute
	}
	return &Coordinator{store: st, cfg: cfg}
}

// Commit promotes the staging of req.JobID. A job that was already promoted is a no-op success
// whose leftover staging, written by a re-delivered attempt, is discarded.
// On failure the staging is discarded and the returned error carries its kind:
// KindValidation for count mismatches and constraint violations, KindPromotionInfra once
// transient failures exhaust the retry budget.
func (c *Coordinator) Commit(ctx context.Context, req Request) (Outcome, error) {
	log := zap.L().With(zap.String("job_id", req.JobID), zap.String("file_id", req.FileID))

	if p, ok, err := c.store.Promotion(ctx, req.JobID); err != nil {
		return Outcome{}, classify("commit: lookup promotion", err)
	} else if ok {
		telemetry.Promotions.WithLabelValues("noop").Inc()
		log.Info("staging already promoted", zap.Int64("rows", p.Rows))
		c.discardLeftover(ctx, req.JobID)
		return Outcome{Rows: p.Rows, AlreadyCommitted: true}, nil
	}

	if req.ExpectedRows != nil {
		staged, err := c.store.StagedRows(ctx, req.JobID)
		if err != nil {
			return Outcome{}, c.fail(ctx, req.JobID, classify("commit: count staged", err))
		}
		if staged != *req.ExpectedRows {
			return Outcome{}, c.fail(ctx, req.JobID, apperr.Newf(apperr.KindValidation, "commit: validate",
				"staged %d rows, expected %d", staged, *req.ExpectedRows))
		}
	}

	var out Outcome
	policy := retry.Policy{
		MaxAttempts: c.cfg.MaxAttempts,
		Initial:     c.cfg.BackoffInitial,
		Max:         c.cfg.BackoffMax,
		OnRetry: func(attempt int, err error) {
			telemetry.PromotionRetries.Inc()
			retry.Logger("promote", zap.String("job_id", req.JobID))(attempt, err)
		},
	}
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		actx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		defer cancel()
		rows, already, err := c.store.Promote(actx, req.JobID, req.FileID)
		if err != nil {
			return classify("commit: promote", err)
		}
		out = Outcome{Rows: rows, AlreadyCommitted: already}
		return nil
	})
	if err != nil {
		return Outcome{}, c.fail(ctx, req.JobID, err)
	}

	if out.AlreadyCommitted {
		telemetry.Promotions.WithLabelValues("noop").Inc()
		c.discardLeftover(ctx, req.JobID)
	} else {
		telemetry.Promotions.WithLabelValues("ok").Inc()
		telemetry.RowsPromoted.Add(float64(out.Rows))
	}
	log.Info("staging promoted", zap.Int64("rows", out.Rows), zap.Bool("already", out.AlreadyCommitted))
	return out, nil
}

// Abort discards whatever is staged for jobID.
func (c *Coordinator) Abort(ctx context.Context, jobID string) error {
	if err := c.store.DiscardStaging(ctx, jobID); err != nil {
		return classify("commit: discard staging", err)
	}
	return nil
}

// Committed reports whether jobID has been promoted, and with how many rows.
func (c *Coordinator) Committed(ctx context.Context, jobID string) (Promotion, bool, error) {
	p, ok, err := c.store.Promotion(ctx, jobID)
	if err != nil {
		return Promotion{}, false, classify("commit: lookup promotion", err)
	}
	return p, ok, nil
}

// discardLeftover drops staging that can no longer be promoted. The promotion already holds, so
// a failure here is only logged.
func (c *Coordinator) discardLeftover(ctx context.Context, jobID string) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.AttemptTimeout)
	defer cancel()
	if err := c.Abort(dctx, jobID); err != nil {
		zap.L().Warn("discard staging of promoted job", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (c *Coordinator) fail(ctx context.Context, jobID string, cause error) error {
	telemetry.Promotions.WithLabelValues("failed").Inc()
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.AttemptTimeout)
	defer cancel()
	if err := c.Abort(dctx, jobID); err != nil {
		zap.L().Error("discard staging after failed commit", zap.String("job_id", jobID), zap.Error(err))
	}
	return cause
}
