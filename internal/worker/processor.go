package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"loadlog-pipeline/internal/apperr"
	"loadlog-pipeline/internal/dispatch"
	"loadlog-pipeline/internal/models"
	"loadlog-pipeline/internal/telemetry"
)

// Config controls the claim loop.
type Config struct {
	WorkerID           string
	PollInterval       time.Duration
	VisibilityTimeout  time.Duration
	ScheduledBatchSize int
	ReclaimBatchSize   int
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg        Config
	queue      dispatch.Queue
	dispatcher *dispatch.Dispatcher
	handlers   map[models.JobKind]Handler
}

// Handler executes a job of one kind and returns its result.
type Handler func(ctx context.Context, job models.Job) (models.Result, error)

// NewProcessor creates a processor identified by cfg.WorkerID.
func NewProcessor(cfg Config, q dispatch.Queue, d *dispatch.Dispatcher) *Processor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.ScheduledBatchSize <= 0 {
		cfg.ScheduledBatchSize = 100
	}
	if cfg.ReclaimBatchSize <= 0 {
		cfg.ReclaimBatchSize = 100
	}
	return &Processor{
		cfg:        cfg,
		queue:      q,
		dispatcher: d,
		handlers:   make(map[models.JobKind]Handler),
	}
}

// RegisterHandler binds a handler to a job kind.
func (p *Processor) RegisterHandler(kind models.JobKind, handler Handler) {
	if kind == "" || handler == nil {
		return
	}
	p.handlers[kind] = handler
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		worked, err := p.Tick(ctx)
		if err != nil {
			zap.L().Warn("worker tick", zap.String("worker_id", p.cfg.WorkerID), zap.Error(err))
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// Tick does one round of housekeeping and processes at most one job. It reports whether a job
// was claimed.
func (p *Processor) Tick(ctx context.Context) (bool, error) {
	now := time.Now()
	if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
		zap.L().Warn("promote scheduled", zap.Error(err))
	}
	if expired, err := p.queue.ReclaimExpired(ctx, now, int64(p.cfg.ReclaimBatchSize)); err != nil {
		zap.L().Warn("reclaim expired", zap.Error(err))
	} else {
		for _, id := range expired {
			if _, err := p.dispatcher.Expired(ctx, id); err != nil {
				zap.L().Error("handle expired lease", zap.String("job_id", id), zap.Error(err))
			}
		}
	}
	if depth, err := p.queue.Depth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}

	jobID, err := p.queue.Claim(ctx)
	if err != nil {
		return false, err
	}
	if jobID == "" {
		return false, nil
	}
	p.process(ctx, jobID)
	return true, nil
}

func (p *Processor) process(ctx context.Context, jobID string) {
	log := zap.L().With(zap.String("job_id", jobID), zap.String("worker_id", p.cfg.WorkerID))

	job, err := p.dispatcher.Claimed(ctx, jobID, p.cfg.WorkerID)
	if errors.Is(err, dispatch.ErrAlreadyFinal) {
		log.Info("dropping re-delivered job", zap.String("state", string(job.State)))
		p.ack(ctx, jobID)
		return
	}
	if err != nil {
		// Leave the lease in place; expiry hands the job back through the dispatcher.
		log.Error("claim job", zap.Error(err))
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	start := time.Now()
	res, herr := p.runWithHeartbeat(ctx, job)
	telemetry.JobDuration.WithLabelValues(string(job.Kind)).Observe(time.Since(start).Seconds())

	if herr != nil && ctx.Err() != nil {
		// Shutting down: the lease runs out and another worker retries the job.
		log.Warn("job interrupted by shutdown", zap.Error(herr))
		return
	}

	if herr == nil {
		_, err = p.dispatcher.Completed(ctx, job, res)
	} else {
		_, err = p.dispatcher.Failed(ctx, job, herr)
	}
	if apperr.Is(err, apperr.KindInvalidTransition) {
		// Our lease expired and another attempt owns the job now, together with its queue lease.
		log.Warn("dropping stale outcome", zap.Int("attempt", job.Attempts), zap.Error(err))
		return
	}
	if err != nil {
		log.Error("record outcome", zap.Bool("handler_failed", herr != nil), zap.Error(err))
	}
	p.ack(ctx, job.ID)
}

// runWithHeartbeat runs the handler while extending the job's lease every third of the
// visibility timeout.
func (p *Processor) runWithHeartbeat(ctx context.Context, job models.Job) (models.Result, error) {
	hbCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.cfg.VisibilityTimeout / 3)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(hbCtx, job.ID, p.cfg.VisibilityTimeout); err != nil && hbCtx.Err() == nil {
					zap.L().Warn("extend lease", zap.String("job_id", job.ID), zap.Error(err))
				}
			}
		}
	}()
	defer func() {
		stop()
		wg.Wait()
	}()
	return p.runJob(ctx, job)
}

func (p *Processor) runJob(ctx context.Context, job models.Job) (res models.Result, err error) {
	handler, ok := p.handlers[job.Kind]
	if !ok {
		return models.Result{}, apperr.Newf(apperr.KindInternal, "worker: run", "no handler registered for kind %q", job.Kind)
	}
	defer func() {
		if r := recover(); r != nil {
			err = apperr.New(apperr.KindInternal, "worker: run", fmt.Sprintf("handler panic: %v", r))
		}
	}()
	return handler(ctx, job)
}

func (p *Processor) ack(ctx context.Context, jobID string) {
	if err := p.queue.Ack(ctx, jobID); err != nil {
		zap.L().Warn("ack", zap.String("job_id", jobID), zap.Error(err))
	}
}
