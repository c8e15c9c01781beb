// Package ledger defines the job ledger: the durable record of every asynchronous job and the
// state machine that governs it.
//
// Terminal states are write-once. Every implementation must apply a transition as a single
// compare-and-set on the current state so that concurrent callers cannot both succeed.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"loadlog-pipeline/internal/apperr"
	"loadlog-pipeline/internal/models"
)

// Ledger stores jobs.
type Ledger interface {
	Create(ctx context.Context, nj NewJob) (models.Job, error)
	// Transition moves a job to state `to`. It fails with apperr.KindInvalidTransition, leaving
	// the job unchanged, when the current state does not allow it.
	Transition(ctx context.Context, id string, to models.JobState, o Outcome) (models.Job, error)
	Get(ctx context.Context, id string) (models.Job, error)
	// ListByFile and ListByReport return newest first.
	ListByFile(ctx context.Context, fileID string) ([]models.Job, error)
	ListByReport(ctx context.Context, reportID string) ([]models.Job, error)
}

// NewJob is the input to Create.
type NewJob struct {
	Params      models.Params
	MaxAttempts int
}

// Outcome carries what a transition records.
//
// WorkerID names the new owner on a move to running. On a move out of running, WorkerID and
// Attempt identify the caller; when set they must match the job's current owner and attempt.
type Outcome struct {
	WorkerID string
	Attempt  int
	Result   *models.Result
	Error    *models.JobError
}

// DefaultMaxAttempts applies when NewJob.MaxAttempts is zero.
const DefaultMaxAttempts = 3

var transitions = map[models.JobState][]models.JobState{
	models.StateQueued:  {models.StateRunning, models.StateFailed},
	models.StateRunning: {models.StateSucceeded, models.StateFailed, models.StateQueued},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to models.JobState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Sources lists the states from which `to` can be entered.
func Sources(to models.JobState) []models.JobState {
	var out []models.JobState
	for _, from := range []models.JobState{models.StateQueued, models.StateRunning, models.StateSucceeded, models.StateFailed} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// NewID returns a time-ordered job id.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Build validates nj and returns the queued job Create should persist.
func Build(nj NewJob, now time.Time) (models.Job, error) {
	kind := nj.Params.Kind()
	if !kind.Valid() {
		return models.Job{}, apperr.New(apperr.KindValidation, "ledger: create", "params must set exactly one job kind")
	}
	if nj.MaxAttempts <= 0 {
		nj.MaxAttempts = DefaultMaxAttempts
	}
	job := models.Job{
		ID:          NewID(),
		Kind:        kind,
		State:       models.StateQueued,
		Params:      nj.Params,
		MaxAttempts: nj.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	switch kind {
	case models.KindIngest:
		if nj.Params.Ingest.FileID == "" {
			return models.Job{}, apperr.New(apperr.KindValidation, "ledger: create", "ingest job needs a file id")
		}
		fileID := nj.Params.Ingest.FileID
		reportID := models.ReportIDForFile(fileID)
		job.FileID, job.ReportID = &fileID, &reportID
	case models.KindAnalyze:
		reportID := nj.Params.Analyze.ReportID
		job.ReportID = &reportID
	case models.KindAsk:
		reportID := nj.Params.Ask.ReportID
		job.ReportID = &reportID
	}
	if job.ReportID != nil && *job.ReportID == "" {
		return models.Job{}, apperr.New(apperr.KindValidation, "ledger: create", "job needs a report id")
	}
	return job, nil
}

// CheckOutcome verifies o carries what state `to` requires for a job of the given kind.
func CheckOutcome(kind models.JobKind, to models.JobState, o Outcome) error {
	switch to {
	case models.StateSucceeded:
		if o.Result == nil {
			return apperr.New(apperr.KindValidation, "ledger: transition", "succeeded requires a result")
		}
		if err := o.Result.Check(kind); err != nil {
			return apperr.Wrap(apperr.KindValidation, "ledger: transition", err)
		}
	case models.StateFailed:
		if o.Error == nil {
			return apperr.New(apperr.KindValidation, "ledger: transition", "failed requires an error")
		}
	case models.StateRunning:
		if o.WorkerID == "" {
			return apperr.New(apperr.KindValidation, "ledger: transition", "running requires a worker id")
		}
	}
	return nil
}

// CheckOwner rejects a transition out of running reported on behalf of a worker or attempt that
// no longer holds the job, e.g. a worker whose lease expired and whose job was re-claimed.
func CheckOwner(job models.Job, to models.JobState, o Outcome) error {
	if job.State != models.StateRunning {
		return nil
	}
	owner := ""
	if job.WorkerID != nil {
		owner = *job.WorkerID
	}
	if (o.WorkerID != "" && o.WorkerID != owner) || (o.Attempt != 0 && o.Attempt != job.Attempts) {
		return apperr.Newf(apperr.KindInvalidTransition, "ledger: transition",
			"job %s: stale %s -> %s from worker %q attempt %d, job is held by %q attempt %d",
			job.ID, job.State, to, o.WorkerID, o.Attempt, owner, job.Attempts)
	}
	return nil
}

// Apply mutates job for a transition the caller has already checked.
func Apply(job *models.Job, to models.JobState, o Outcome, now time.Time) {
	job.State = to
	job.UpdatedAt = now
	switch to {
	case models.StateRunning:
		job.Attempts++
		job.StartedAt = &now
		w := o.WorkerID
		job.WorkerID = &w
	case models.StateQueued:
		job.WorkerID = nil
	case models.StateSucceeded:
		job.Result = o.Result
		job.FinishedAt = &now
	case models.StateFailed:
		job.Error = o.Error
		job.FinishedAt = &now
	}
}

// ErrInvalidTransition builds the error returned for a rejected transition.
func ErrInvalidTransition(id string, from, to models.JobState) error {
	return apperr.Newf(apperr.KindInvalidTransition, "ledger: transition", "job %s: %s -> %s not allowed", id, from, to)
}

// ErrNotFound builds the error returned for an unknown job id.
func ErrNotFound(id string) error {
	return apperr.Newf(apperr.KindNotFound, "ledger: get", "job %s not found", id)
}

// ErrorFrom converts a failure into the error payload persisted on a failed job.
func ErrorFrom(err error) *models.JobError {
	return &models.JobError{Kind: string(apperr.KindOf(err)), Message: err.Error()}
}
