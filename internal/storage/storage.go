package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrObjectNotFound is returned when a staged object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// Reader streams staged uploads back out of the bucket through minio-go.
type Reader struct {
	client *minio.Client
	bucket string
	region string
}

// Config holds the connection settings for the staging bucket.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool

	// Transport overrides minio-go's default transport when set.
	Transport http.RoundTripper
}

// New creates a Reader. A configured region skips minio-go's bucket
// location lookup.
func New(cfg *Config) (*Reader, error) {
	// minio-go expects host:port
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "http://"), "https://")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:     miniocreds.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &Reader{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// ObjectInfo is the metadata of a staged object.
type ObjectInfo struct {
	Size        int64
	ContentType string
	ETag        string
}

// Stat returns the metadata of key, or ErrObjectNotFound.
func (r *Reader) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	info, err := r.client.StatObject(ctx, r.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isMissing(err) {
			return nil, fmt.Errorf("%s: %w", key, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	return &ObjectInfo{
		Size:        info.Size,
		ContentType: info.ContentType,
		ETag:        info.ETag,
	}, nil
}

// Stream opens key for reading from byte 0. minio-go defers the request to
// the first Read, so callers Stat first to surface a missing object early.
func (r *Reader) Stream(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := r.client.GetObject(ctx, r.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", key, err)
	}
	return obj, nil
}

// Remove deletes key. Removing a missing key succeeds.
func (r *Reader) Remove(ctx context.Context, key string) error {
	if err := r.client.RemoveObject(ctx, r.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

// EnsureBucket creates the staging bucket on first use.
func (r *Reader) EnsureBucket(ctx context.Context) error {
	exists, err := r.client.BucketExists(ctx, r.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", r.bucket, err)
	}
	if exists {
		return nil
	}
	if err := r.client.MakeBucket(ctx, r.bucket, minio.MakeBucketOptions{Region: r.region}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", r.bucket, err)
	}
	return nil
}

// Ping reports whether the bucket is reachable.
func (r *Reader) Ping(ctx context.Context) error {
	_, err := r.client.BucketExists(ctx, r.bucket)
	return err
}

func isMissing(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
