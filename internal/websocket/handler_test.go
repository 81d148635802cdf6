package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/coursehub/backend/internal/auth"
)

func setupServer(t *testing.T) (*Hub, *auth.Service, string) {
	t.Helper()
	hub := startHub(t)
	svc := auth.NewService("test-secret", time.Minute)
	server := httptest.NewServer(http.HandlerFunc(NewHandler(hub, svc, nil).ServeWS))
	t.Cleanup(server.Close)
	return hub, svc, "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestServeWS_RejectsWithoutCredential(t *testing.T) {
	_, _, url := setupServer(t)

	tests := []struct {
		name   string
		url    string
		header http.Header
	}{
		{"missing", url, nil},
		{"garbage query token", url + "?token=nope", nil},
		{"garbage header", url, http.Header{"Authorization": {"Bearer nope"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.Dial(tt.url, tt.header)
			if err == nil {
				conn.Close()
				t.Fatal("expected handshake to fail")
			}
			if resp == nil || resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %+v", resp)
			}
		})
	}
}

func TestServeWS_DeliversEvents(t *testing.T) {
	hub, svc, url := setupServer(t)
	userID := uuid.New().String()
	token, _, err := svc.IssueAccessToken(userID, "")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	eventually(t, func() bool { return hub.ClientCount(userID) == 1 }, "connection never registered")

	hub.SendToUser(context.Background(), userID, "VIDEO_STATUS_UPDATE", map[string]any{
		"videoId":  "v1",
		"status":   "READY",
		"progress": 100,
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := `{"event":"VIDEO_STATUS_UPDATE","data":{"progress":100,"status":"READY","videoId":"v1"}}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}

func TestServeWS_SecondConnectionReplacesFirst(t *testing.T) {
	hub, svc, url := setupServer(t)
	userID := uuid.New().String()
	token, _, _ := svc.IssueAccessToken(userID, "")
	header := http.Header{"Authorization": {"Bearer " + token}}

	first, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()
	eventually(t, func() bool { return hub.ClientCount(userID) == 1 }, "first never registered")

	second, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = first.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected close frame on the replaced connection, got %v", err)
	}

	hub.SendToUser(context.Background(), userID, "e", "x")
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := second.ReadMessage()
	if err != nil {
		t.Fatalf("read second: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Data != "x" {
		t.Errorf("unexpected message %s", data)
	}
}
