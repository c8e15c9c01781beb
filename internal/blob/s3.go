package blob

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rotisserie/eris"

	"loadlog-pipeline/internal/apperr"
)

// S3Config selects the bucket and, for S3-compatible stores such as MinIO, the endpoint.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// S3 stores blobs in an S3 bucket.
type S3 struct {
	client *s3.Client
	bucket string
}

// NewS3 loads the default AWS credential chain and builds a client for cfg.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, eris.New("blob: s3 bucket is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, eris.Wrap(err, "blob: load aws config")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return &S3{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads r. PutObject signs a seekable body of known length, so any other body is spooled
// to a temporary file first.
func (s *S3) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (int64, error) {
	if _, seekable := r.(io.ReadSeeker); !seekable || size < 0 {
		tmp, err := os.CreateTemp("", "upload-*")
		if err != nil {
			return 0, eris.Wrap(err, "blob: spool upload")
		}
		defer func() {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}()
		n, err := io.Copy(tmp, contextReader{ctx: ctx, r: r})
		if err != nil {
			return 0, eris.Wrap(err, "blob: spool upload")
		}
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return 0, eris.Wrap(err, "blob: rewind spooled upload")
		}
		r, size = tmp, n
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return 0, eris.Wrapf(err, "blob: put object %s", key)
	}
	return size, nil
}

func (s *S3) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return nil, apperr.Newf(apperr.KindNotFound, "blob: open", "blob %s not found", key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "blob: get object %s", key)
	}
	return out.Body, nil
}
