package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
	"github.com/alanyoungcy/tradingbuddy/internal/store/memory"
)

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return m
}

func TestHubFiltersByAccount(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := memory.NewEventBus()
	hub := NewHub(bus, "full", slog.Default())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if m := readEnvelope(t, conn); m["type"] != "status" {
		t.Fatalf("first frame = %v, want status", m)
	}

	if err := conn.WriteJSON(subscribeMsg{Action: "subscribe", Accounts: []int64{2}}); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Subscriptions are applied by the read pump; give it a moment.
	time.Sleep(100 * time.Millisecond)
	_ = bus.Publish(ctx, domain.LifecycleEvent{AccountID: 1, Event: "on_fill"})
	_ = bus.Publish(ctx, domain.LifecycleEvent{AccountID: 2, Event: "on_stop"})

	m := readEnvelope(t, conn)
	payload, _ := m["payload"].(map[string]any)
	if m["type"] != "lifecycle" || payload["account_id"] != float64(2) || payload["event"] != "on_stop" {
		t.Fatalf("frame = %v, want account 2 on_stop", m)
	}
}
