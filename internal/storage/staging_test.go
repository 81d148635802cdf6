package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/coursehub/backend/internal/config"
	apperrors "github.com/coursehub/backend/internal/errors"
)

const testBucket = "staging"

// fakeS3 serves path-style object requests for a single bucket.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	puts     int
	failPuts int
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/"+testBucket+"/")

	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodPut:
		f.puts++
		body, _ := io.ReadAll(r.Body)
		if f.failPuts > 0 {
			f.failPuts--
			writeS3Error(w, http.StatusServiceUnavailable, "SlowDown", "Please reduce your request rate.")
			return
		}
		f.objects[key] = body
		w.Header().Set("ETag", `"staged"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodHead, http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			writeS3Error(w, http.StatusNotFound, "NoSuchKey", "The specified key does not exist.")
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("ETag", `"staged"`)
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write(body)
		}
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeS3Error(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message></Error>`, code, message)
}

func setupStaging(t *testing.T, failPuts int) (*Staging, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: make(map[string][]byte), failPuts: failPuts}
	srv := httptest.NewTLSServer(fake)
	t.Cleanup(srv.Close)

	writer := NewS3Storage(&config.StorageConfig{
		S3Endpoint:     srv.URL,
		S3Region:       "us-east-1",
		S3AccessKey:    "access",
		S3SecretKey:    "secret",
		S3UsePathStyle: true,
		Bucket:         testBucket,
	}, func(o *s3.Options) {
		o.HTTPClient = srv.Client()
	})

	reader, err := New(&Config{
		Endpoint:  srv.Listener.Addr().String(),
		AccessKey: "access",
		SecretKey: "secret",
		Bucket:    testBucket,
		Region:    "us-east-1",
		UseSSL:    true,
		Transport: srv.Client().Transport,
	})
	if err != nil {
		t.Fatalf("Failed to create reader: %v", err)
	}

	staging := NewStaging(writer, reader)
	staging.retry.MaxRetries = 2
	staging.retry.InitialBackoff = time.Millisecond
	staging.retry.MaxBackoff = time.Millisecond
	staging.retry.Jitter = false
	return staging, fake
}

// readerOnly hides any Seek method of the wrapped reader.
type readerOnly struct {
	io.Reader
}

func TestStaging_Stage(t *testing.T) {
	content := []byte("lesson video bytes")

	tests := []struct {
		name     string
		body     func() io.Reader
		failPuts int
		wantPuts int
		wantErr  bool
	}{
		{"first attempt", func() io.Reader { return bytes.NewReader(content) }, 0, 1, false},
		{"rewinds after transient failure", func() io.Reader { return bytes.NewReader(content) }, 2, 3, false},
		{"gives up after retry budget", func() io.Reader { return bytes.NewReader(content) }, 10, 3, true},
		{"reader without seek is not retried", func() io.Reader { return readerOnly{bytes.NewReader(content)} }, 1, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			staging, fake := setupStaging(t, tt.failPuts)

			err := staging.Stage(context.Background(), "uploads/v1/intro.mp4", tt.body(), int64(len(content)), "video/mp4")

			if tt.wantErr {
				appErr, ok := apperrors.As(err)
				if !ok || appErr.Code != apperrors.CodeStorageError {
					t.Fatalf("Expected a storage error, got %v", err)
				}
			} else if err != nil {
				t.Fatalf("Stage: %v", err)
			}

			fake.mu.Lock()
			defer fake.mu.Unlock()
			if tt.wantPuts == 1 && fake.puts > 1 {
				t.Errorf("Expected a single upload attempt, got %d", fake.puts)
			} else if tt.wantPuts > 1 && fake.puts != tt.wantPuts {
				t.Errorf("Expected %d upload attempts, got %d", tt.wantPuts, fake.puts)
			}
			if !tt.wantErr && !bytes.Equal(fake.objects["uploads/v1/intro.mp4"], content) {
				t.Errorf("Stored %q, want %q", fake.objects["uploads/v1/intro.mp4"], content)
			}
		})
	}
}

func TestStaging_OpenAndRemove(t *testing.T) {
	staging, _ := setupStaging(t, 0)
	ctx := context.Background()
	key := "uploads/v1/intro.mp4"
	content := []byte("lesson video bytes")

	if err := staging.Stage(ctx, key, bytes.NewReader(content), int64(len(content)), "video/mp4"); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	rc, size, err := staging.Open(ctx, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("read staged upload: %v", err)
	}
	if size != int64(len(content)) || !bytes.Equal(got, content) {
		t.Errorf("Open returned %d bytes %q, want %d bytes %q", size, got, len(content), content)
	}

	if err := staging.Remove(ctx, key); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	_, _, err = staging.Open(ctx, key)
	if !apperrors.HasCode(err, apperrors.CodeNotFound) {
		t.Errorf("Expected not found after remove, got %v", err)
	}
}

func TestStaging_OpenMissing(t *testing.T) {
	staging, _ := setupStaging(t, 0)

	_, _, err := staging.Open(context.Background(), "uploads/missing/intro.mp4")
	if !apperrors.HasCode(err, apperrors.CodeNotFound) {
		t.Fatalf("Expected not found, got %v", err)
	}
	if apperrors.IsRetryable(err) {
		t.Error("A missing staged upload must not be retried")
	}
}

func TestRetryableStorageError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"cancelled", context.Canceled, false},
		{"no response", io.ErrUnexpectedEOF, true},
		{"throttled", statusError(http.StatusServiceUnavailable), true},
		{"server error", statusError(http.StatusInternalServerError), true},
		{"forbidden", statusError(http.StatusForbidden), false},
		{"wrapped", fmt.Errorf("failed to upload: %w", statusError(http.StatusBadGateway)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryableStorageError(tt.err); got != tt.want {
				t.Errorf("retryableStorageError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

type statusError int

func (e statusError) Error() string       { return "status " + strconv.Itoa(int(e)) }
func (e statusError) HTTPStatusCode() int { return int(e) }
