// Package staging persists a normalized record stream into a job-scoped staging namespace in
// ordered, individually atomic chunks.
package staging

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"loadlog-pipeline/internal/apperr"
	"loadlog-pipeline/internal/models"
	"loadlog-pipeline/internal/normalize"
	"loadlog-pipeline/internal/telemetry"
)

// Sink stores staged chunks for a job.
type Sink interface {
	// ResetStaging drops everything staged under jobID.
	ResetStaging(ctx context.Context, jobID string) error
	// WriteChunk persists one chunk atomically: either all rows and the chunk marker are
	// visible afterwards or none are.
	WriteChunk(ctx context.Context, jobID string, seq int, rows []models.Record) error
}

// Config bounds chunking and error tolerance.
type Config struct {
	ChunkRows  int
	ChunkBytes int
	// MaxRowErrors is how many bad rows are tolerated. Zero means none; negative means unlimited.
	MaxRowErrors    int
	MaxErrorSamples int
	WriteTimeout    time.Duration
	LockTTL         time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChunkRows <= 0 {
		c.ChunkRows = 5000
	}
	if c.ChunkBytes <= 0 {
		c.ChunkBytes = 8 << 20
	}
	if c.MaxErrorSamples <= 0 {
		c.MaxErrorSamples = 20
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = time.Minute
	}
	return c
}

// Result reports what was staged.
type Result struct {
	Rows      int64
	Chunks    int
	Skipped   int64
	RowErrors []models.RowError
}

// Writer drains a normalize.Stream into a Sink.
type Writer struct {
	sink   Sink
	locker Locker
	cfg    Config
}

func NewWriter(sink Sink, locker Locker, cfg Config) *Writer {
	return &Writer{sink: sink, locker: locker, cfg: cfg.withDefaults()}
}

// LockKey is the staging lock key for a job.
func LockKey(jobID string) string {
	return "staging:lock:" + jobID
}

type chunk struct {
	seq  int
	rows []models.Record
}

// Write stages every valid record of src under jobID on behalf of the given attempt. Staging is
// reset first, so a re-delivered job starts from an empty namespace. A lock left by an earlier
// attempt of the same job is taken over. On error, chunks already written stay staged for the
// caller to discard.
func (w *Writer) Write(ctx context.Context, jobID string, attempt int, src normalize.Stream) (Result, error) {
	lock, err := w.locker.Acquire(ctx, LockKey(jobID), attempt, w.cfg.LockTTL)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lock.Release(relCtx); err != nil {
			zap.L().Warn("staging: release lock", zap.String("job_id", jobID), zap.Error(err))
		}
	}()

	if err := w.sink.ResetStaging(ctx, jobID); err != nil {
		return Result{}, apperr.Wrap(apperr.KindInternal, "staging: reset", err)
	}

	var res Result
	chunks := make(chan chunk, 1)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(chunks)
		return w.produce(gctx, src, chunks, &res)
	})
	g.Go(func() error {
		return w.persist(gctx, jobID, lock, chunks, &res)
	})
	if err := g.Wait(); err != nil {
		return res, err
	}

	zap.L().Info("staging complete",
		zap.String("job_id", jobID),
		zap.Int64("rows", res.Rows),
		zap.Int("chunks", res.Chunks),
		zap.Int64("skipped", res.Skipped),
	)
	return res, nil
}

// produce reads src and cuts chunks. It owns res.Skipped and res.RowErrors.
func (w *Writer) produce(ctx context.Context, src normalize.Stream, out chan<- chunk, res *Result) error {
	seq := 0
	rows := make([]models.Record, 0, w.cfg.ChunkRows)
	size := 0

	emit := func() error {
		if len(rows) == 0 {
			return nil
		}
		seq++
		select {
		case out <- chunk{seq: seq, rows: rows}:
		case <-ctx.Done():
			return ctx.Err()
		}
		rows = make([]models.Record, 0, w.cfg.ChunkRows)
		size = 0
		return nil
	}

	for {
		rec, err := src.Next()
		if errors.Is(err, io.EOF) {
			return emit()
		}
		if err != nil {
			var pe *apperr.ParseError
			if !errors.As(err, &pe) {
				return err
			}
			if err := w.reject(res, pe.Line, apperr.KindParse, pe.Error()); err != nil {
				return err
			}
			continue
		}
		if verr := rec.Validate(); verr != nil {
			if err := w.reject(res, src.Line(), apperr.KindValidation, verr.Error()); err != nil {
				return err
			}
			continue
		}

		rows = append(rows, rec)
		size += rec.EstimatedSize()
		if len(rows) >= w.cfg.ChunkRows || size >= w.cfg.ChunkBytes {
			if err := emit(); err != nil {
				return err
			}
		}
	}
}

func (w *Writer) reject(res *Result, line int64, kind apperr.Kind, msg string) error {
	res.Skipped++
	telemetry.RowErrors.WithLabelValues(string(kind)).Inc()
	if len(res.RowErrors) < w.cfg.MaxErrorSamples {
		res.RowErrors = append(res.RowErrors, models.RowError{Line: line, Kind: string(kind), Message: msg})
	}
	if w.cfg.MaxRowErrors >= 0 && res.Skipped > int64(w.cfg.MaxRowErrors) {
		return apperr.Newf(apperr.KindThresholdExceeded, "staging: write",
			"%d row errors exceed tolerance of %d (last: line %d: %s)", res.Skipped, w.cfg.MaxRowErrors, line, msg)
	}
	return nil
}

// persist writes chunks in sequence order. It owns res.Rows and res.Chunks.
func (w *Writer) persist(ctx context.Context, jobID string, lock Lock, in <-chan chunk, res *Result) error {
	for c := range in {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		wctx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
		err := w.sink.WriteChunk(wctx, jobID, c.seq, c.rows)
		timedOut := errors.Is(wctx.Err(), context.DeadlineExceeded)
		cancel()
		if err != nil {
			var ae *apperr.Error
			switch {
			case timedOut:
				return apperr.Wrap(apperr.KindTimeout, "staging: write chunk", err)
			case errors.As(err, &ae):
				return err
			default:
				return apperr.Wrap(apperr.KindInternal, "staging: write chunk", err)
			}
		}
		telemetry.ChunkWriteLatency.Observe(time.Since(start).Seconds())
		telemetry.ChunksWritten.Inc()
		telemetry.RowsStaged.Add(float64(len(c.rows)))
		res.Rows += int64(len(c.rows))
		res.Chunks++

		zap.L().Debug("chunk staged",
			zap.String("job_id", jobID),
			zap.Int("chunk", c.seq),
			zap.Int("rows", len(c.rows)),
		)

		if err := lock.Extend(ctx, w.cfg.LockTTL); err != nil {
			return err
		}
	}
	return nil
}
