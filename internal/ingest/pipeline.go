// Package ingest runs one ingest job: it streams the uploaded file through the normalizer into
// staging, then asks the commit coordinator to promote it.
package ingest

import (
	"context"
	"io"

	"go.uber.org/zap"

	"loadlog-pipeline/internal/apperr"
	"loadlog-pipeline/internal/blob"
	"loadlog-pipeline/internal/commit"
	"loadlog-pipeline/internal/models"
	"loadlog-pipeline/internal/normalize"
	"loadlog-pipeline/internal/staging"
)

// Uploads resolves upload metadata.
type Uploads interface {
	GetUpload(ctx context.Context, fileID string) (models.Upload, error)
}

// PromotedHook runs after a file's rows were promoted. Its error is logged and never fails the job.
type PromotedHook func(ctx context.Context, fileID string) error

// Config holds normalizer settings shared by every job.
type Config struct {
	Delimiter    rune
	MaxLineBytes int
}

type Pipeline struct {
	uploads    Uploads
	blobs      blob.Store
	writer     *staging.Writer
	committer  *commit.Coordinator
	cfg        Config
	onPromoted PromotedHook
}

func New(uploads Uploads, blobs blob.Store, writer *staging.Writer, committer *commit.Coordinator, cfg Config) *Pipeline {
	return &Pipeline{uploads: uploads, blobs: blobs, writer: writer, committer: committer, cfg: cfg}
}

// OnPromoted registers a hook, typically the report builder.
func (p *Pipeline) OnPromoted(hook PromotedHook) {
	p.onPromoted = hook
}

// Run executes an ingest job. It has the worker.Handler signature.
func (p *Pipeline) Run(ctx context.Context, job models.Job) (models.Result, error) {
	params := job.Params.Ingest
	if params == nil {
		return models.Result{}, apperr.Newf(apperr.KindInternal, "ingest: run", "job %s has no ingest params", job.ID)
	}
	log := zap.L().With(zap.String("job_id", job.ID), zap.String("file_id", params.FileID), zap.Int("attempt", job.Attempts))

	// A previous attempt may have promoted and then lost its lease before recording success.
	if prom, ok, err := p.committer.Committed(ctx, job.ID); err != nil {
		return models.Result{}, err
	} else if ok {
		log.Info("ingest already promoted", zap.Int64("rows", prom.Rows))
		return models.Result{Ingest: &models.IngestResult{FileID: params.FileID, RowsPromoted: prom.Rows, AlreadyPromoted: true}}, nil
	}

	upload, err := p.uploads.GetUpload(ctx, params.FileID)
	if err != nil {
		return models.Result{}, err
	}
	format := params.Format
	if format == "" {
		format = upload.Format
	}

	rc, err := p.blobs.Open(ctx, upload.BlobKey)
	if err != nil {
		return models.Result{}, err
	}
	defer rc.Close()

	staged, err := p.stage(ctx, job, rc, format, params.Strict)
	if err != nil {
		if aerr := p.committer.Abort(context.WithoutCancel(ctx), job.ID); aerr != nil {
			log.Error("discard staging after failed write", zap.Error(aerr))
		}
		return models.Result{}, err
	}
	log.Info("file staged", zap.Int64("rows", staged.Rows), zap.Int("chunks", staged.Chunks), zap.Int64("skipped", staged.Skipped))

	out, err := p.committer.Commit(ctx, commit.Request{JobID: job.ID, FileID: params.FileID, ExpectedRows: params.ExpectedRows})
	if err != nil {
		return models.Result{}, err
	}

	if p.onPromoted != nil {
		if err := p.onPromoted(ctx, params.FileID); err != nil {
			log.Warn("post-promotion hook", zap.Error(err))
		}
	}

	return models.Result{Ingest: &models.IngestResult{
		FileID:          params.FileID,
		RowsPromoted:    out.Rows,
		RowsSkipped:     staged.Skipped,
		Chunks:          staged.Chunks,
		RowErrors:       staged.RowErrors,
		AlreadyPromoted: out.AlreadyCommitted,
	}}, nil
}

func (p *Pipeline) stage(ctx context.Context, job models.Job, r io.Reader, format models.Format, strict bool) (staging.Result, error) {
	mode := normalize.Lenient
	if strict {
		mode = normalize.Strict
	}
	stream, err := normalize.New(r, normalize.Options{
		Format:       format,
		Mode:         mode,
		Delimiter:    p.cfg.Delimiter,
		MaxLineBytes: p.cfg.MaxLineBytes,
	})
	if err != nil {
		return staging.Result{}, err
	}
	return p.writer.Write(ctx, job.ID, job.Attempts, stream)
}
