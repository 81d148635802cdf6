package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coursehub/backend/internal/logger"
)

func statusBody(body string, code int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		w.Write([]byte(body))
	})
}

func TestETag(t *testing.T) {
	h := ETag(statusBody(`{"status":"PROCESSING"}`, http.StatusOK))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/videos/v1/status", nil))
	etag := rec.Header().Get("ETag")
	if rec.Code != http.StatusOK || etag == "" {
		t.Fatalf("expected tagged 200, got %d %q", rec.Code, etag)
	}
	if rec.Body.String() != `{"status":"PROCESSING"}` {
		t.Fatalf("body altered: %q", rec.Body.String())
	}

	tests := []struct {
		name    string
		header  string
		wantHit bool
	}{
		{"exact", etag, true},
		{"weak", "W/" + etag, true},
		{"list", `"other", ` + etag, true},
		{"stale", `"other"`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/videos/v1/status", nil)
			req.Header.Set("If-None-Match", tt.header)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if tt.wantHit && (rec.Code != http.StatusNotModified || rec.Body.Len() != 0) {
				t.Errorf("expected empty 304, got %d %q", rec.Code, rec.Body.String())
			}
			if !tt.wantHit && rec.Code != http.StatusOK {
				t.Errorf("expected 200, got %d", rec.Code)
			}
		})
	}
}

func TestETag_SkipsErrors(t *testing.T) {
	h := ETag(statusBody(`{"error":{}}`, http.StatusNotFound))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	if rec.Code != http.StatusNotFound || rec.Header().Get("ETag") != "" {
		t.Errorf("errors should pass through untagged: %d %q", rec.Code, rec.Header().Get("ETag"))
	}
	if rec.Body.String() != `{"error":{}}` {
		t.Errorf("body altered: %q", rec.Body.String())
	}
}

func TestTiming(t *testing.T) {
	var logs bytes.Buffer
	log := logger.New(&logger.Config{Output: &logs})

	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		w.Write([]byte("ok"))
	})
	h := Chain(slow, Timing(log, 5*time.Millisecond))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/slow", nil))

	if !strings.HasPrefix(rec.Header().Get("Server-Timing"), "total;dur=") {
		t.Errorf("missing Server-Timing header: %v", rec.Header())
	}
	if !strings.Contains(logs.String(), "slow request") {
		t.Errorf("expected slow request warning, got %q", logs.String())
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.NotFoundHandler(), mark("outer"), mark("inner"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if strings.Join(order, ",") != "outer,inner" {
		t.Errorf("order = %v", order)
	}
}
