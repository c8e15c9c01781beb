// Package upload accepts raw log files: it stores the bytes, records the upload and submits the
// ingest job without waiting for it.
package upload

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"loadlog-pipeline/internal/apperr"
	"loadlog-pipeline/internal/blob"
	"loadlog-pipeline/internal/ledger"
	"loadlog-pipeline/internal/models"
	"loadlog-pipeline/internal/telemetry"
)

// Uploads records upload metadata.
type Uploads interface {
	CreateUpload(ctx context.Context, u models.Upload) error
}

// Submitter creates jobs. *dispatch.Dispatcher implements it.
type Submitter interface {
	Submit(ctx context.Context, nj ledger.NewJob) (models.Job, error)
}

// Request is one incoming file.
type Request struct {
	Filename string
	// Format may be empty, in which case it is derived from the filename extension.
	Format       string
	Body         io.Reader
	Size         int64
	ContentType  string
	Strict       bool
	ExpectedRows *int64
}

// Accepted identifies the stored file and its ingest job.
type Accepted struct {
	FileID string     `json:"file_id"`
	JobID  string     `json:"job_id"`
	Job    models.Job `json:"job"`
}

type Service struct {
	blobs       blob.Store
	uploads     Uploads
	jobs        Submitter
	maxBytes    int64
	maxAttempts int
}

// NewService builds the upload boundary. maxBytes <= 0 disables the size limit.
func NewService(blobs blob.Store, uploads Uploads, jobs Submitter, maxBytes int64, maxAttempts int) *Service {
	return &Service{blobs: blobs, uploads: uploads, jobs: jobs, maxBytes: maxBytes, maxAttempts: maxAttempts}
}

// Accept stores req and submits its ingest job.
func (s *Service) Accept(ctx context.Context, req Request) (Accepted, error) {
	const op = "upload: accept"
	format, err := resolveFormat(req.Format, req.Filename)
	if err != nil {
		return Accepted{}, apperr.Wrap(apperr.KindValidation, op, err)
	}
	if req.ExpectedRows != nil && *req.ExpectedRows < 0 {
		return Accepted{}, apperr.New(apperr.KindValidation, op, "expected_rows must be non-negative")
	}
	if s.maxBytes > 0 && req.Size > s.maxBytes {
		return Accepted{}, apperr.Newf(apperr.KindValidation, op, "file of %d bytes exceeds limit of %d", req.Size, s.maxBytes)
	}

	fileID := uuid.NewString()
	key := blob.KeyForFile(fileID)
	body := req.Body
	if s.maxBytes > 0 {
		body = &limitedReader{r: req.Body, remaining: s.maxBytes}
	}
	n, err := s.blobs.Put(ctx, key, body, req.Size, req.ContentType)
	if err != nil {
		if apperr.Is(err, apperr.KindValidation) {
			return Accepted{}, err
		}
		return Accepted{}, apperr.Wrap(apperr.KindInternal, op, err)
	}
	if n == 0 {
		return Accepted{}, apperr.New(apperr.KindValidation, op, "file is empty")
	}
	telemetry.UploadBytes.Add(float64(n))

	u := models.Upload{
		FileID:    fileID,
		Filename:  filepath.Base(req.Filename),
		Format:    format,
		SizeBytes: n,
		BlobKey:   key,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.uploads.CreateUpload(ctx, u); err != nil {
		return Accepted{}, err
	}

	job, err := s.jobs.Submit(ctx, ledger.NewJob{
		Params: models.Params{Ingest: &models.IngestParams{
			FileID:       fileID,
			Format:       format,
			Strict:       req.Strict,
			ExpectedRows: req.ExpectedRows,
		}},
		MaxAttempts: s.maxAttempts,
	})
	if err != nil {
		return Accepted{FileID: fileID, JobID: job.ID, Job: job}, err
	}
	zap.L().Info("upload accepted",
		zap.String("file_id", fileID),
		zap.String("job_id", job.ID),
		zap.String("format", string(format)),
		zap.Int64("bytes", n))
	return Accepted{FileID: fileID, JobID: job.ID, Job: job}, nil
}

func resolveFormat(declared, filename string) (models.Format, error) {
	if declared != "" {
		return models.ParseFormat(strings.ToLower(declared))
	}
	return models.ParseFormat(strings.ToLower(filepath.Ext(filename)))
}

// limitedReader fails once more than remaining bytes are read, instead of truncating silently.
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return 0, apperr.New(apperr.KindValidation, "upload: read", "file exceeds the upload size limit")
	}
	return n, err
}
