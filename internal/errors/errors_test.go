package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestIsRetryable_Taxonomy(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"transient network", TransientNetwork("connection reset"), true},
		{"provider unauthorized", ProviderUnauthorized("token expired"), false},
		{"validation", ValidationError("missing videoId"), false},
		{"provider processing", ProviderProcessing("transcode failed"), false},
		{"not found", VideoNotFound(), false},
		{"queue unavailable", QueueUnavailable("redis down"), true},
		{"database error", DatabaseError("constraint"), false},
		{"wrapped transient", fmt.Errorf("poll: %w", TransientNetwork("eof")), true},
		{"wrapped auth", fmt.Errorf("upload: %w", ProviderUnauthorized("401")), false},
		{"plain error", stderrors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.expected {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestIsPermanent(t *testing.T) {
	if !IsPermanent(ProviderProcessing("failed")) {
		t.Error("provider processing errors should be permanent")
	}
	if IsPermanent(TransientNetwork("eof")) {
		t.Error("transient errors should not be permanent")
	}
	if IsPermanent(stderrors.New("unknown")) {
		t.Error("unclassified errors should not be permanent")
	}
}

func TestWriteError_AppError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, "req-1", VideoNotFound())

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") != "req-1" {
		t.Errorf("expected request id header, got %q", w.Header().Get("X-Request-ID"))
	}

	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.Error.Code != CodeVideoNotFound {
		t.Errorf("expected code %s, got %s", CodeVideoNotFound, resp.Error.Code)
	}
}

func TestWriteError_WrappedAndUnknown(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, "", fmt.Errorf("submit: %w", QueueUnavailable("broker unreachable")))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 for wrapped queue error, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	WriteError(w, "", stderrors.New("boom"))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 for unknown error, got %d", w.Code)
	}
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	var calls int32
	cfg := &RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 2}

	err := Retry(context.Background(), cfg, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return ProviderUnauthorized("expired")
	})

	if !HasCode(err, CodeProviderUnauthorized) {
		t.Errorf("expected provider unauthorized, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetry_RetriesTransientUntilSuccess(t *testing.T) {
	var calls int32
	cfg := &RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 2}

	result, err := RetryWithResult(context.Background(), cfg, func(ctx context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return "", TransientNetwork("reset")
		}
		return "ok", nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" || calls != 3 {
		t.Errorf("expected ok after 3 calls, got %q after %d", result, calls)
	}
}

func TestTerminalWriteRetryConfig_RetriesDatabaseErrors(t *testing.T) {
	cfg := TerminalWriteRetryConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = time.Millisecond

	var calls int32
	err := Retry(context.Background(), cfg, func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) < 2 {
			return stderrors.New("pq: connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}

	calls = 0
	err = Retry(context.Background(), cfg, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return Conflict("invalid transition")
	})
	if err == nil || calls != 1 {
		t.Errorf("client errors must not be retried, got err=%v calls=%d", err, calls)
	}
}

func TestCalculateRetryBackoff_Capped(t *testing.T) {
	cfg := &RetryConfig{InitialBackoff: time.Second, MaxBackoff: 4 * time.Second, BackoffFactor: 2}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 4 * time.Second},
	}

	for _, tt := range tests {
		if got := calculateRetryBackoff(tt.attempt, cfg); got != tt.expected {
			t.Errorf("calculateRetryBackoff(%d) = %v, want %v", tt.attempt, got, tt.expected)
		}
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if seen != "abc" {
		t.Errorf("expected propagated request id, got %q", seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if seen == "" || w.Header().Get(RequestIDHeader) != seen {
		t.Errorf("expected generated request id echoed in header")
	}
}
