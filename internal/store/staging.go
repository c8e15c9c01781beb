package store

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"loadlog-pipeline/internal/commit"
	"loadlog-pipeline/internal/models"
	"loadlog-pipeline/internal/staging"
)

var (
	_ staging.Sink = (*Store)(nil)
	_ commit.Store = (*Store)(nil)
)

var stagingColumns = []string{"job_id", "chunk_seq", "row_seq", "ts", "endpoint", "method", "status_code", "duration_ms", "bytes", "tags"}

// ResetStaging removes any rows and chunk markers a previous attempt left for jobID.
func (s *Store) ResetStaging(ctx context.Context, jobID string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return deleteStaging(ctx, tx, jobID)
	})
}

// DiscardStaging is ResetStaging under the name the commit coordinator uses.
func (s *Store) DiscardStaging(ctx context.Context, jobID string) error {
	return s.ResetStaging(ctx, jobID)
}

// WriteChunk copies one chunk into staging and records its marker in the same transaction, so
// a chunk is either fully staged or absent.
func (s *Store) WriteChunk(ctx context.Context, jobID string, seq int, rows []models.Record) error {
	data := make([][]any, len(rows))
	for i, r := range rows {
		var tags []byte
		if len(r.Tags) > 0 {
			b, err := json.Marshal(r.Tags)
			if err != nil {
				return eris.Wrapf(err, "store: marshal tags of chunk %d row %d", seq, i)
			}
			tags = b
		}
		data[i] = []any{jobID, seq, i, r.Timestamp, r.Endpoint, r.Method, r.StatusCode, r.DurationMs, r.Bytes, tags}
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		n, err := tx.CopyFrom(ctx, pgx.Identifier{"request_logs_staging"}, stagingColumns, pgx.CopyFromRows(data))
		if err != nil {
			return eris.Wrapf(err, "store: copy chunk %d", seq)
		}
		if n != int64(len(rows)) {
			return eris.Errorf("store: chunk %d copied %d of %d rows", seq, n, len(rows))
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO staging_chunks (job_id, chunk_seq, rows) VALUES ($1, $2, $3)
		`, jobID, seq, len(rows)); err != nil {
			return eris.Wrapf(err, "store: record chunk %d", seq)
		}
		return nil
	})
}

// StagedRows counts the rows staged for jobID.
func (s *Store) StagedRows(ctx context.Context, jobID string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM request_logs_staging WHERE job_id = $1`, jobID).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "store: count staged rows")
	}
	return n, nil
}

// Promote moves the staged rows of jobID into request_logs. The promotions row is claimed first;
// losing that claim means another attempt already promoted the job and nothing is changed.
func (s *Store) Promote(ctx context.Context, jobID, fileID string) (int64, bool, error) {
	var (
		rows    int64
		already bool
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO promotions (job_id, file_id, rows) VALUES ($1, $2, 0)
			ON CONFLICT (job_id) DO NOTHING
		`, jobID, fileID)
		if err != nil {
			return eris.Wrap(err, "store: claim promotion")
		}
		if tag.RowsAffected() == 0 {
			already = true
			if err := tx.QueryRow(ctx, `SELECT rows FROM promotions WHERE job_id = $1`, jobID).Scan(&rows); err != nil {
				return eris.Wrap(err, "store: read promotion")
			}
			return nil
		}

		tag, err = tx.Exec(ctx, `
			INSERT INTO request_logs (file_id, job_id, ts, endpoint, method, status_code, duration_ms, bytes, tags)
			SELECT $2, job_id, ts, endpoint, method, status_code, duration_ms, bytes, tags
			FROM request_logs_staging
			WHERE job_id = $1
			ORDER BY chunk_seq, row_seq
		`, jobID, fileID)
		if err != nil {
			return eris.Wrap(err, "store: promote staged rows")
		}
		rows = tag.RowsAffected()

		if _, err := tx.Exec(ctx, `UPDATE promotions SET rows = $2 WHERE job_id = $1`, jobID, rows); err != nil {
			return eris.Wrap(err, "store: record promoted rows")
		}
		return deleteStaging(ctx, tx, jobID)
	})
	if err != nil {
		return 0, false, err
	}
	return rows, already, nil
}

// Promotion looks up the recorded promotion of jobID.
func (s *Store) Promotion(ctx context.Context, jobID string) (commit.Promotion, bool, error) {
	var p commit.Promotion
	err := s.pool.QueryRow(ctx, `
		SELECT job_id, file_id, rows, promoted_at FROM promotions WHERE job_id = $1
	`, jobID).Scan(&p.JobID, &p.FileID, &p.Rows, &p.PromotedAt)
	if isNoRows(err) {
		return commit.Promotion{}, false, nil
	}
	if err != nil {
		return commit.Promotion{}, false, eris.Wrap(err, "store: get promotion")
	}
	return p, true, nil
}

func deleteStaging(ctx context.Context, tx pgx.Tx, jobID string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM request_logs_staging WHERE job_id = $1`, jobID); err != nil {
		return eris.Wrap(err, "store: delete staged rows")
	}
	if _, err := tx.Exec(ctx, `DELETE FROM staging_chunks WHERE job_id = $1`, jobID); err != nil {
		return eris.Wrap(err, "store: delete chunk markers")
	}
	return nil
}
