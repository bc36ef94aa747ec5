package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeHA speaks the Home Assistant WebSocket handshake and records
// fire_event requests.
type fakeHA struct {
	token     string
	failFires bool

	mu    sync.Mutex
	fired []map[string]any
}

func (f *fakeHA) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/websocket" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		conn.WriteJSON(map[string]string{"type": "auth_required"})

		var auth map[string]string
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		if auth["access_token"] != f.token {
			conn.WriteJSON(map[string]string{"type": "auth_invalid"})
			return
		}
		conn.WriteJSON(map[string]string{"type": "auth_ok"})

		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg["type"] != "fire_event" {
				continue
			}
			f.mu.Lock()
			f.fired = append(f.fired, msg)
			fail := f.failFires
			f.mu.Unlock()

			resp := map[string]any{"id": msg["id"], "type": "result", "success": !fail}
			if fail {
				resp["error"] = map[string]string{"code": "unauthorized", "message": "nope"}
			}
			conn.WriteJSON(resp)
		}
	}
}

func (f *fakeHA) events() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.fired...)
}

func startFakeHA(t *testing.T, token string) (*fakeHA, *httptest.Server) {
	t.Helper()
	fake := &fakeHA{token: token}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	return fake, srv
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://ha.local:8123", "ws://ha.local:8123/api/websocket"},
		{"https://ha.example.com/", "wss://ha.example.com/api/websocket"},
		{"https://example.com/ha", "wss://example.com/ha/api/websocket"},
	}
	for _, tt := range tests {
		got, err := websocketURL(tt.in)
		if err != nil {
			t.Errorf("websocketURL(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("websocketURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWSClient_ConnectAndFire(t *testing.T) {
	fake, srv := startFakeHA(t, "good-token")

	c := NewWSClient(srv.URL, "good-token", discardLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	if !c.Connected() {
		t.Fatal("Connected() = false after Connect")
	}

	if err := c.FireEvent(ctx, "smartroam_roamed", map[string]string{"to_bssid": "aa:bb:cc:00:00:02"}); err != nil {
		t.Fatalf("FireEvent: %v", err)
	}

	got := fake.events()
	if len(got) != 1 {
		t.Fatalf("fired %d events, want 1", len(got))
	}
	if got[0]["event_type"] != "smartroam_roamed" {
		t.Errorf("event_type = %v, want smartroam_roamed", got[0]["event_type"])
	}
	data, _ := json.Marshal(got[0]["event_data"])
	if !strings.Contains(string(data), "aa:bb:cc:00:00:02") {
		t.Errorf("event_data = %s, want to_bssid", data)
	}
}

func TestWSClient_AuthInvalid(t *testing.T) {
	_, srv := startFakeHA(t, "good-token")

	c := NewWSClient(srv.URL, "bad-token", discardLogger())
	err := c.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect() with a bad token should fail")
	}
	if c.Connected() {
		t.Error("Connected() = true after failed auth")
	}
}

func TestWSClient_FireEventError(t *testing.T) {
	fake, srv := startFakeHA(t, "tok")
	fake.mu.Lock()
	fake.failFires = true
	fake.mu.Unlock()

	c := NewWSClient(srv.URL, "tok", discardLogger())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	err := c.FireEvent(context.Background(), "smartroam_roamed", nil)
	if err == nil || !strings.Contains(err.Error(), "unauthorized") {
		t.Errorf("FireEvent() error = %v, want unauthorized", err)
	}
}

func TestWSClient_FireWhileDisconnected(t *testing.T) {
	c := NewWSClient("http://127.0.0.1:1", "tok", discardLogger())
	if err := c.FireEvent(context.Background(), "x", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("FireEvent() error = %v, want ErrNotConnected", err)
	}
}

func TestWSClient_Reconnect(t *testing.T) {
	_, srv := startFakeHA(t, "tok")

	c := NewWSClient(srv.URL, "tok", discardLogger())
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Reconnect(ctx); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	defer c.Close()

	if err := c.FireEvent(ctx, "smartroam_roamed", nil); err != nil {
		t.Errorf("FireEvent after Reconnect: %v", err)
	}
}
