package store

import (
	"context"

	"github.com/rotisserie/eris"

	"loadlog-pipeline/internal/apperr"
	"loadlog-pipeline/internal/models"
)

// CreateUpload records the metadata of a stored raw upload.
func (s *Store) CreateUpload(ctx context.Context, u models.Upload) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO uploads (file_id, filename, format, size_bytes, blob_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, u.FileID, u.Filename, string(u.Format), u.SizeBytes, u.BlobKey, u.CreatedAt)
	if err != nil {
		return eris.Wrapf(err, "store: insert upload %s", u.FileID)
	}
	return nil
}

// GetUpload fetches upload metadata by file id.
func (s *Store) GetUpload(ctx context.Context, fileID string) (models.Upload, error) {
	var (
		u      models.Upload
		format string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT file_id, filename, format, size_bytes, blob_key, created_at FROM uploads WHERE file_id = $1
	`, fileID).Scan(&u.FileID, &u.Filename, &format, &u.SizeBytes, &u.BlobKey, &u.CreatedAt)
	if isNoRows(err) {
		return models.Upload{}, apperr.Newf(apperr.KindNotFound, "store: get upload", "file %s not found", fileID)
	}
	if err != nil {
		return models.Upload{}, eris.Wrapf(err, "store: get upload %s", fileID)
	}
	u.Format = models.Format(format)
	return u, nil
}
