package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"loadlog-pipeline/internal/apperr"
	"loadlog-pipeline/internal/ledger"
	"loadlog-pipeline/internal/models"
)

const jobColumns = `id, kind, state, file_id, report_id, params, result, error, attempts, max_attempts,
	worker_id, created_at, updated_at, started_at, finished_at`

// Store implements ledger.Ledger.
var _ ledger.Ledger = (*Store)(nil)

// Create inserts a queued job.
func (s *Store) Create(ctx context.Context, nj ledger.NewJob) (models.Job, error) {
	job, err := ledger.Build(nj, time.Now().UTC())
	if err != nil {
		return models.Job{}, err
	}
	params, err := json.Marshal(job.Params)
	if err != nil {
		return models.Job{}, eris.Wrap(err, "store: marshal params")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, kind, state, file_id, report_id, params, attempts, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $8)
	`, job.ID, string(job.Kind), string(job.State), job.FileID, job.ReportID, params, job.MaxAttempts, job.CreatedAt)
	if err != nil {
		return models.Job{}, eris.Wrap(err, "store: insert job")
	}
	return job, nil
}

// Transition applies a state change as a compare-and-set on the state, attempt count and owner
// that were read, so a concurrent transition makes this one fail instead of overwriting it.
func (s *Store) Transition(ctx context.Context, id string, to models.JobState, o ledger.Outcome) (models.Job, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if !ledger.CanTransition(cur.State, to) {
		return models.Job{}, ledger.ErrInvalidTransition(id, cur.State, to)
	}
	if err := ledger.CheckOwner(cur, to, o); err != nil {
		return models.Job{}, err
	}
	if err := ledger.CheckOutcome(cur.Kind, to, o); err != nil {
		return models.Job{}, err
	}

	next := cur
	ledger.Apply(&next, to, o, time.Now().UTC())

	var result, jobErr []byte
	if next.Result != nil {
		if result, err = json.Marshal(next.Result); err != nil {
			return models.Job{}, eris.Wrap(err, "store: marshal result")
		}
	}
	if next.Error != nil {
		if jobErr, err = json.Marshal(next.Error); err != nil {
			return models.Job{}, eris.Wrap(err, "store: marshal error")
		}
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET state = $4, result = $5, error = $6, attempts = $7, worker_id = $8,
		    updated_at = $9, started_at = $10, finished_at = $11
		WHERE id = $1 AND state = $2 AND attempts = $3 AND worker_id IS NOT DISTINCT FROM $12
	`, id, string(cur.State), cur.Attempts, string(next.State), result, jobErr, next.Attempts, next.WorkerID,
		next.UpdatedAt, next.StartedAt, next.FinishedAt, cur.WorkerID)
	if err != nil {
		return models.Job{}, eris.Wrap(err, "store: update job state")
	}
	if tag.RowsAffected() == 0 {
		return models.Job{}, apperr.Newf(apperr.KindInvalidTransition, "ledger: transition",
			"job %s changed concurrently while moving %s -> %s", id, cur.State, to)
	}
	return next, nil
}

// Get fetches a job by id.
func (s *Store) Get(ctx context.Context, id string) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if isNoRows(err) {
		return models.Job{}, ledger.ErrNotFound(id)
	}
	if err != nil {
		return models.Job{}, eris.Wrapf(err, "store: get job %s", id)
	}
	return job, nil
}

// ListByFile returns the jobs of a file, newest first.
func (s *Store) ListByFile(ctx context.Context, fileID string) ([]models.Job, error) {
	return s.listJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE file_id = $1 ORDER BY created_at DESC, id DESC`, fileID)
}

// ListByReport returns the jobs of a report, newest first.
func (s *Store) ListByReport(ctx context.Context, reportID string) ([]models.Job, error) {
	return s.listJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE report_id = $1 ORDER BY created_at DESC, id DESC`, reportID)
}

func (s *Store) listJobs(ctx context.Context, query string, arg string) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, eris.Wrap(err, "store: list jobs")
	}
	defer rows.Close()

	out := make([]models.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan job")
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job                   models.Job
		kind, state           string
		params, result, jbErr []byte
	)
	if err := row.Scan(&job.ID, &kind, &state, &job.FileID, &job.ReportID, &params, &result, &jbErr,
		&job.Attempts, &job.MaxAttempts, &job.WorkerID, &job.CreatedAt, &job.UpdatedAt, &job.StartedAt,
		&job.FinishedAt); err != nil {
		return models.Job{}, err
	}
	job.Kind, job.State = models.JobKind(kind), models.JobState(state)
	if err := json.Unmarshal(params, &job.Params); err != nil {
		return models.Job{}, eris.Wrap(err, "unmarshal params")
	}
	if len(result) > 0 {
		job.Result = new(models.Result)
		if err := json.Unmarshal(result, job.Result); err != nil {
			return models.Job{}, eris.Wrap(err, "unmarshal result")
		}
	}
	if len(jbErr) > 0 {
		job.Error = new(models.JobError)
		if err := json.Unmarshal(jbErr, job.Error); err != nil {
			return models.Job{}, eris.Wrap(err, "unmarshal error")
		}
	}
	return job, nil
}
