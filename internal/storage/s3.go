package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/coursehub/backend/internal/config"
	apperrors "github.com/coursehub/backend/internal/errors"
)

// S3Storage writes staged uploads through the AWS SDK. It works against AWS
// S3 and any S3-compatible endpoint such as MinIO.
type S3Storage struct {
	client *s3.Client
	bucket string
}

// NewS3Storage creates a new S3Storage instance. Staging retries and rewinds
// the body itself, so the SDK makes a single attempt per call.
func NewS3Storage(cfg *config.StorageConfig, optFns ...func(*s3.Options)) *S3Storage {
	opts := s3.Options{
		Region:           cfg.S3Region,
		Credentials:      awscreds.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		UsePathStyle:     cfg.S3UsePathStyle, // Required for MinIO
		RetryMaxAttempts: 1,
	}

	// Set custom endpoint for MinIO/non-AWS S3
	if cfg.S3Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.S3Endpoint)
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &S3Storage{
		client: s3.New(opts),
		bucket: cfg.Bucket,
	}
}

// Put uploads size bytes from r under key.
func (s *S3Storage) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
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
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// Staging keeps an upload in object storage while it is transferred to the
// provider, so a failed transfer can restart from byte 0 without the client
// sending the file again. Writes go through the AWS SDK; reads and removals
// go through minio-go.
type Staging struct {
	writer *S3Storage
	reader *Reader
	retry  *apperrors.RetryConfig
}

func NewStaging(writer *S3Storage, reader *Reader) *Staging {
	retry := apperrors.StorageRetryConfig()
	retry.RetryIf = retryableStorageError
	return &Staging{writer: writer, reader: reader, retry: retry}
}

// Stage stores the upload body under key, retrying transient failures.
// The body is only read once, so a retry is only possible when r is an
// io.Seeker.
func (s *Staging) Stage(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	seeker, canRewind := r.(io.Seeker)
	cfg := *s.retry
	if !canRewind {
		cfg.MaxRetries = 0
	}

	err := apperrors.Retry(ctx, &cfg, func(ctx context.Context) error {
		if canRewind {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return err
			}
		}
		return s.writer.Put(ctx, key, r, size, contentType)
	})
	if err != nil {
		return apperrors.StorageError("failed to stage upload").WithCause(err)
	}
	return nil
}

// Open streams a staged upload back from byte 0 along with its size.
func (s *Staging) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	info, err := s.reader.Stat(ctx, key)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, 0, apperrors.NotFound("staged upload").WithCause(err)
		}
		return nil, 0, apperrors.StorageError("failed to open staged upload").WithCause(err)
	}

	rc, err := s.reader.Stream(ctx, key)
	if err != nil {
		return nil, 0, apperrors.StorageError("failed to open staged upload").WithCause(err)
	}
	return rc, info.Size, nil
}

// Remove deletes a staged upload.
func (s *Staging) Remove(ctx context.Context, key string) error {
	if err := s.reader.Remove(ctx, key); err != nil {
		return apperrors.StorageError("failed to remove staged upload").WithCause(err)
	}
	return nil
}

// Ping verifies the staging bucket is reachable.
func (s *Staging) Ping(ctx context.Context) error {
	return s.reader.Ping(ctx)
}

// retryableStorageError retries throttling and 5xx responses and any
// failure that never produced a response. Other 4xx answers are final.
func retryableStorageError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var resp interface{ HTTPStatusCode() int }
	if errors.As(err, &resp) {
		return apperrors.HTTPRetryableStatus(resp.HTTPStatusCode())
	}
	return true
}
