// Package dispatch submits jobs and applies the lifecycle callbacks workers report. It is the
// only writer of the job ledger.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"loadlog-pipeline/internal/apperr"
	"loadlog-pipeline/internal/ledger"
	"loadlog-pipeline/internal/models"
	"loadlog-pipeline/internal/retry"
	"loadlog-pipeline/internal/telemetry"
)

// Queue is the task queue capability. Delivery is at-least-once: a claimed job whose lease
// expires before Ack is handed back through ReclaimExpired.
type Queue interface {
	Enqueue(ctx context.Context, jobID string, kind models.JobKind) error
	Schedule(ctx context.Context, jobID string, kind models.JobKind, runAt time.Time) error
	// Claim leases the next ready job, returning "" when none is ready.
	Claim(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Ack(ctx context.Context, jobID string) error
	// ReclaimExpired drops expired leases and returns their ids without re-enqueuing them.
	ReclaimExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	Depth(ctx context.Context) (int64, error)
	DLQPush(ctx context.Context, jobID string) error
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// ErrAlreadyFinal is returned by Claimed for a re-delivered job that already finished.
var ErrAlreadyFinal = errors.New("dispatch: job already in a terminal state")

// Config controls retry scheduling.
type Config struct {
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Dispatcher owns job submission and every ledger transition.
type Dispatcher struct {
	ledger ledger.Ledger
	queue  Queue
	cfg    Config
}

func New(l ledger.Ledger, q Queue, cfg Config) *Dispatcher {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 2 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Minute
	}
	return &Dispatcher{ledger: l, queue: q, cfg: cfg}
}

// Submit records a queued job and enqueues it. It never waits for execution. If the enqueue
// fails the job is marked failed and the enqueue error is returned alongside it.
func (d *Dispatcher) Submit(ctx context.Context, nj ledger.NewJob) (models.Job, error) {
	job, err := d.ledger.Create(ctx, nj)
	if err != nil {
		return models.Job{}, err
	}
	if err := d.queue.Enqueue(ctx, job.ID, job.Kind); err != nil {
		qerr := apperr.Wrap(apperr.KindInternal, "dispatch: enqueue", err)
		failed, terr := d.ledger.Transition(ctx, job.ID, models.StateFailed, ledger.Outcome{Error: ledger.ErrorFrom(qerr)})
		if terr != nil {
			zap.L().Error("mark unenqueued job failed", zap.String("job_id", job.ID), zap.Error(terr))
			return job, qerr
		}
		d.observe(failed)
		return failed, qerr
	}
	telemetry.JobsSubmitted.WithLabelValues(string(job.Kind)).Inc()
	zap.L().Info("job submitted", zap.String("job_id", job.ID), zap.String("kind", string(job.Kind)))
	return job, nil
}

// Claimed moves a delivered job to running on behalf of workerID. A delivery of a job that has
// already finished returns ErrAlreadyFinal with the stored job, and the caller should just ack.
func (d *Dispatcher) Claimed(ctx context.Context, id, workerID string) (models.Job, error) {
	job, err := d.ledger.Transition(ctx, id, models.StateRunning, ledger.Outcome{WorkerID: workerID})
	if err == nil {
		d.observe(job)
		return job, nil
	}
	if apperr.Is(err, apperr.KindInvalidTransition) {
		cur, gerr := d.ledger.Get(ctx, id)
		if gerr == nil && cur.State.Terminal() {
			return cur, ErrAlreadyFinal
		}
	}
	return models.Job{}, err
}

// Completed records a successful result for job, the running job a worker got from Claimed.
// It fails with apperr.KindInvalidTransition if that worker's attempt no longer owns the job.
func (d *Dispatcher) Completed(ctx context.Context, job models.Job, res models.Result) (models.Job, error) {
	o := ownerOf(job)
	o.Result = &res
	done, err := d.ledger.Transition(ctx, job.ID, models.StateSucceeded, o)
	if err != nil {
		return models.Job{}, err
	}
	d.observe(done)
	return done, nil
}

// Failed records a handler failure for job, the running job a worker got from Claimed. Retryable
// failures with attempts left put the job back in the queue after a backoff; everything else
// fails the job and dead-letters it. Like Completed, a stale owner is rejected.
func (d *Dispatcher) Failed(ctx context.Context, job models.Job, cause error) (models.Job, error) {
	id := job.ID
	log := zap.L().With(zap.String("job_id", id), zap.String("kind", string(job.Kind)), zap.Int("attempt", job.Attempts))

	if apperr.IsRetryable(cause) && job.Attempts < job.MaxAttempts {
		requeued, err := d.ledger.Transition(ctx, id, models.StateQueued, ownerOf(job))
		if err != nil {
			return models.Job{}, err
		}
		d.observe(requeued)
		delay := retry.Backoff(d.cfg.BackoffInitial, d.cfg.BackoffMax, job.Attempts)
		if err := d.queue.Schedule(ctx, id, job.Kind, time.Now().Add(delay)); err != nil {
			serr := apperr.Wrap(apperr.KindInternal, "dispatch: schedule retry", err)
			failed, terr := d.ledger.Transition(ctx, id, models.StateFailed, ledger.Outcome{Error: ledger.ErrorFrom(serr)})
			if terr != nil {
				return models.Job{}, eris.Wrap(terr, "dispatch: fail unschedulable job")
			}
			d.observe(failed)
			return failed, serr
		}
		telemetry.JobRetries.WithLabelValues(string(job.Kind)).Inc()
		log.Warn("job will retry", zap.Duration("delay", delay), zap.Error(cause))
		return requeued, nil
	}

	o := ownerOf(job)
	o.Error = ledger.ErrorFrom(cause)
	failed, err := d.ledger.Transition(ctx, id, models.StateFailed, o)
	if err != nil {
		return models.Job{}, err
	}
	d.observe(failed)
	if err := d.queue.DLQPush(ctx, id); err != nil {
		log.Error("dlq push", zap.Error(err))
	}
	telemetry.JobDeadLetter.WithLabelValues(string(job.Kind)).Inc()
	log.Error("job failed", zap.String("error_kind", failed.Error.Kind), zap.Error(cause))
	return failed, nil
}

// ownerOf identifies the worker attempt that holds a running job.
func ownerOf(job models.Job) ledger.Outcome {
	o := ledger.Outcome{Attempt: job.Attempts}
	if job.WorkerID != nil {
		o.WorkerID = *job.WorkerID
	}
	return o
}

// Expired handles a lease that ran out. A running job is treated as a retryable worker loss;
// a job still queued lost its delivery before it started and is enqueued again.
func (d *Dispatcher) Expired(ctx context.Context, id string) (models.Job, error) {
	job, err := d.ledger.Get(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	switch job.State {
	case models.StateRunning:
		return d.Failed(ctx, job, apperr.New(apperr.KindWorkerLost, "dispatch: lease expired", "worker stopped renewing its lease"))
	case models.StateQueued:
		if err := d.queue.Enqueue(ctx, id, job.Kind); err != nil {
			return job, eris.Wrap(err, "dispatch: re-enqueue expired delivery")
		}
		return job, nil
	default:
		return job, nil
	}
}

func (d *Dispatcher) observe(job models.Job) {
	telemetry.JobTransitions.WithLabelValues(string(job.Kind), string(job.State)).Inc()
}
