package handler

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hitoshi/chatline/internal/presence"
)

// newSocketTestServer はクエリのuserをユーザーIDとして注入するテストサーバーを起動する。
func newSocketTestServer(t *testing.T, registry *presence.Registry) *httptest.Server {
	t.Helper()
	var buf bytes.Buffer
	h := NewSocketHandler(registry, "http://localhost:3000", slog.New(slog.NewJSONHandler(&buf, nil)))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, withUserID(r, r.URL.Query().Get("user")))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialAs(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user=" + userID
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

func TestSocketHandler_RegistersAndDelivers(t *testing.T) {
	registry := presence.NewRegistry()
	srv := newSocketTestServer(t, registry)

	ws := dialAs(t, srv, "user-bob")
	waitFor(t, func() bool { return registry.Len() == 1 })

	handle, ok := registry.Lookup("user-bob")
	if !ok {
		t.Fatal("user-bob is not registered")
	}
	if err := handle.Send([]byte(`{"type":"newMessage"}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if string(data) != `{"type":"newMessage"}` {
		t.Errorf("frame = %s, want newMessage frame", data)
	}
}

func TestSocketHandler_ClientDisconnectRemovesPresence(t *testing.T) {
	registry := presence.NewRegistry()
	srv := newSocketTestServer(t, registry)

	ws := dialAs(t, srv, "user-bob")
	waitFor(t, func() bool { return registry.Len() == 1 })

	ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	ws.Close()

	waitFor(t, func() bool { return registry.Len() == 0 })
}

// 2本目の接続が1本目を置き換え、1本目はclose code 4001で閉じられることを検証する。
func TestSocketHandler_ReconnectSupersedesPrevious(t *testing.T) {
	registry := presence.NewRegistry()
	srv := newSocketTestServer(t, registry)

	first := dialAs(t, srv, "user-bob")
	waitFor(t, func() bool { return registry.Len() == 1 })
	firstHandle, _ := registry.Lookup("user-bob")

	_ = dialAs(t, srv, "user-bob")
	waitFor(t, func() bool {
		h, ok := registry.Lookup("user-bob")
		return ok && h != firstHandle
	})

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	if !websocket.IsCloseError(err, presence.CloseSessionReplaced) {
		t.Errorf("first connection error = %v, want close code %d", err, presence.CloseSessionReplaced)
	}

	// 古い接続の終了で新しい登録が消えないこと
	time.Sleep(50 * time.Millisecond)
	if registry.Len() != 1 {
		t.Errorf("registry.Len() = %d, want 1", registry.Len())
	}
}

func TestSocketHandler_RejectsForeignOrigin(t *testing.T) {
	registry := presence.NewRegistry()
	srv := newSocketTestServer(t, registry)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user=user-bob"
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("expected dial to fail for a foreign origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}
	if registry.Len() != 0 {
		t.Errorf("registry.Len() = %d, want 0", registry.Len())
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker("http://localhost:3000")
	tests := []struct {
		name   string
		origin string
		host   string
		want   bool
	}{
		{"no origin", "", "api.example.com", true},
		{"allowed origin", "http://localhost:3000", "api.example.com", true},
		{"same host", "https://api.example.com", "api.example.com", true},
		{"foreign", "https://evil.example.com", "api.example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := check(r); got != tt.want {
				t.Errorf("check(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}
