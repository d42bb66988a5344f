package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	chatService "github.com/zhouzirui/garage-chat/backend/internal/service/chat"
	"github.com/zhouzirui/garage-chat/backend/internal/service/directory"
	"github.com/zhouzirui/garage-chat/backend/internal/service/transport"
)

func idleSession(t *testing.T) *chatService.Session {
	t.Helper()
	session, err := chatService.NewSession(
		chatService.DefaultConfig("staff@garage.com", chatService.RoleStaff),
		directory.New("http://127.0.0.1:1/api/chat", nil),
		transport.New(transport.DefaultOptions("ws://127.0.0.1:1/ws/websocket")),
	)
	if err != nil {
		t.Fatalf("NewSession err: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func TestHealthzReportsPhase(t *testing.T) {
	r := NewRouter(idleSession(t))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while disconnected, got %d", resp.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "disconnected" || body["malformed"] != float64(0) || body["delivered"] != float64(0) {
		t.Fatalf("unexpected health body %v", body)
	}
}

func TestCORSPreflight(t *testing.T) {
	r := NewRouter(idleSession(t))

	req := httptest.NewRequest(http.MethodOptions, "/api/rooms/r1/messages", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if resp.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}
}

func TestRoutesAreMounted(t *testing.T) {
	r := NewRouter(idleSession(t))

	req := httptest.NewRequest(http.MethodGet, "/api/rooms", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if body := resp.Body.String(); body != "[]\n" {
		t.Fatalf("expected empty room list, got %q", body)
	}
}
