package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	apperrors "github.com/coursehub/backend/internal/errors"
)

// fakeProvider is a minimal hosting API: one upload session, one asset.
type fakeProvider struct {
	t *testing.T

	token           string
	received        atomic.Int64
	uploadStatus    string
	transcodeStatus string
	patchStatus     int
	createStatus    int
	lastCreate      createRequest
}

func newFakeProvider(t *testing.T) (*fakeProvider, *httptest.Server) {
	f := &fakeProvider{
		t:               t,
		token:           "secret",
		uploadStatus:    "complete",
		transcodeStatus: "in_progress",
	}
	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("POST /me/videos", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(w, r) {
			return
		}
		if f.createStatus != 0 {
			w.WriteHeader(f.createStatus)
			w.Write([]byte(`{"error":"quota exceeded"}`))
			return
		}
		json.NewDecoder(r.Body).Decode(&f.lastCreate)
		json.NewEncoder(w).Encode(map[string]any{
			"uri":    "/videos/12345",
			"link":   "https://vimeo.example/12345",
			"upload": map[string]string{"upload_link": srv.URL + "/upload/abc"},
		})
	})

	mux.HandleFunc("PATCH /upload/abc", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Tus-Resumable") != "1.0.0" || r.Header.Get("Upload-Offset") != "0" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.Header.Get("Content-Type") != "application/offset+octet-stream" {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}
		n, _ := io.Copy(io.Discard, r.Body)
		f.received.Store(n)
		if f.patchStatus != 0 {
			w.WriteHeader(f.patchStatus)
			return
		}
		w.Header().Set("Upload-Offset", strconv.FormatInt(n, 10))
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("HEAD /upload/abc", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Upload-Offset", strconv.FormatInt(f.received.Load(), 10))
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("GET /videos/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(w, r) {
			return
		}
		if r.PathValue("id") != "12345" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"uri":              "/videos/12345",
			"link":             "https://vimeo.example/12345",
			"player_embed_url": "https://player.vimeo.example/video/12345",
			"duration":         300,
			"upload":           map[string]string{"status": f.uploadStatus},
			"transcode":        map[string]string{"status": f.transcodeStatus},
		})
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeProvider) authorized(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("Authorization") != "Bearer "+f.token {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid token"}`))
		return false
	}
	return true
}

func newTestClient(srv *httptest.Server, token string) *Client {
	return NewClient(&Config{BaseURL: srv.URL, AccessToken: token, HTTPClient: srv.Client()})
}

func TestSubmitUpload(t *testing.T) {
	f, srv := newFakeProvider(t)
	c := newTestClient(srv, "secret")

	body := strings.Repeat("x", 4096)
	res, err := c.SubmitUpload(context.Background(), strings.NewReader(body), int64(len(body)), "Intro", "first lesson")
	if err != nil {
		t.Fatalf("SubmitUpload: %v", err)
	}

	if res.ExternalAssetID != "12345" {
		t.Errorf("Expected asset id 12345, got %q", res.ExternalAssetID)
	}
	if res.EmbedURL == "" || res.AssetURL == "" {
		t.Errorf("Expected embed and asset URLs, got %+v", res)
	}
	if f.received.Load() != int64(len(body)) {
		t.Errorf("Expected %d bytes transferred, got %d", len(body), f.received.Load())
	}
	if f.lastCreate.Upload.Approach != "tus" || f.lastCreate.Upload.Size != "4096" || f.lastCreate.Name != "Intro" {
		t.Errorf("Unexpected session request: %+v", f.lastCreate)
	}

	offset, err := c.UploadOffset(context.Background(), srv.URL+"/upload/abc")
	if err != nil || offset != int64(len(body)) {
		t.Errorf("UploadOffset = %d, %v", offset, err)
	}
}

func TestSubmitUpload_InvalidCredential(t *testing.T) {
	_, srv := newFakeProvider(t)
	c := newTestClient(srv, "expired")

	_, err := c.SubmitUpload(context.Background(), strings.NewReader("abc"), 3, "Intro", "")
	if !apperrors.HasCode(err, apperrors.CodeProviderUnauthorized) {
		t.Fatalf("Expected PROVIDER_UNAUTHORIZED, got %v", err)
	}
	if apperrors.IsRetryable(err) {
		t.Error("Authorization failures must not be retryable")
	}
}

func TestSubmitUpload_TransferFailure(t *testing.T) {
	f, srv := newFakeProvider(t)
	f.patchStatus = http.StatusBadGateway
	c := newTestClient(srv, "secret")

	_, err := c.SubmitUpload(context.Background(), strings.NewReader("abcdef"), 6, "Intro", "")
	if !apperrors.HasCode(err, apperrors.CodeTransientNetwork) {
		t.Fatalf("Expected TRANSIENT_NETWORK_ERROR, got %v", err)
	}
	if !apperrors.IsRetryable(err) {
		t.Error("Transfer failures should be retryable")
	}
}

func TestSubmitUpload_NotYetIngested(t *testing.T) {
	f, srv := newFakeProvider(t)
	f.uploadStatus = "in_progress"
	c := newTestClient(srv, "secret")

	_, err := c.SubmitUpload(context.Background(), strings.NewReader("abc"), 3, "Intro", "")
	if !apperrors.HasCode(err, apperrors.CodeTransientNetwork) {
		t.Fatalf("Expected TRANSIENT_NETWORK_ERROR, got %v", err)
	}
}

func TestSubmitUpload_RejectedRequest(t *testing.T) {
	f, srv := newFakeProvider(t)
	f.createStatus = http.StatusBadRequest
	c := newTestClient(srv, "secret")

	_, err := c.SubmitUpload(context.Background(), strings.NewReader("abc"), 3, "Intro", "")
	if !apperrors.HasCode(err, apperrors.CodeValidationError) {
		t.Fatalf("Expected VALIDATION_ERROR, got %v", err)
	}
	if !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("Expected provider message in error, got %v", err)
	}
}

func TestSubmitUpload_ZeroSize(t *testing.T) {
	c := NewClient(nil)
	if _, err := c.SubmitUpload(context.Background(), strings.NewReader(""), 0, "Intro", ""); !apperrors.HasCode(err, apperrors.CodeValidationError) {
		t.Errorf("Expected VALIDATION_ERROR, got %v", err)
	}
}

func TestTranscodeStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want TranscodeState
	}{
		{"in_progress", TranscodeInProgress},
		{"complete", TranscodeComplete},
		{"error", TranscodeFailed},
		{"", TranscodeInProgress},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			f, srv := newFakeProvider(t)
			f.transcodeStatus = tt.raw
			c := newTestClient(srv, "secret")

			st, err := c.TranscodeStatus(context.Background(), "12345")
			if err != nil {
				t.Fatalf("TranscodeStatus: %v", err)
			}
			if st.State != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, st.State)
			}
			if st.Duration != 300 || st.EmbedURL == "" {
				t.Errorf("Unexpected metadata: %+v", st)
			}
		})
	}
}

func TestTranscodeStatus_MissingAsset(t *testing.T) {
	_, srv := newFakeProvider(t)
	c := newTestClient(srv, "secret")

	_, err := c.TranscodeStatus(context.Background(), "999")
	if !apperrors.HasCode(err, apperrors.CodeNotFound) {
		t.Fatalf("Expected NOT_FOUND, got %v", err)
	}
}

func TestTranscodeStatus_Unreachable(t *testing.T) {
	_, srv := newFakeProvider(t)
	c := newTestClient(srv, "secret")
	srv.Close()

	_, err := c.TranscodeStatus(context.Background(), "12345")
	if !apperrors.IsRetryable(err) {
		t.Fatalf("Expected retryable transport error, got %v", err)
	}
}

func TestTranscodeStatus_CallerCancel(t *testing.T) {
	_, srv := newFakeProvider(t)
	c := newTestClient(srv, "secret")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.TranscodeStatus(ctx, "12345")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}
