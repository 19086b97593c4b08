package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haven-app/usage_layer/internal/app/domain/aggregate"
)

func dial(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return event
}

func TestHubBroadcastsFoldEvents(t *testing.T) {
	hub := NewHub(nil)
	ctx := context.Background()
	if err := hub.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer hub.Stop(ctx)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer server.Close()

	all := dial(t, server, "")
	filtered := dial(t, server, "?user_id=u2")

	// Give the register messages time to land before broadcasting.
	time.Sleep(50 * time.Millisecond)

	hub.DayUpdated(aggregate.Daily{UserID: "u1", Date: "2026-08-30", TotalSeconds: 120, SessionCount: 1})
	hub.DayUpdated(aggregate.Daily{UserID: "u2", Date: "2026-08-30", TotalSeconds: 60, SessionCount: 1})

	first := readEvent(t, all)
	if first.Type != "day_updated" || first.UserID != "u1" || first.Day.TotalSeconds != 120 {
		t.Fatalf("unexpected first event: %+v", first)
	}
	second := readEvent(t, all)
	if second.UserID != "u2" {
		t.Fatalf("unexpected second event: %+v", second)
	}

	// The filtered client only sees its own user.
	only := readEvent(t, filtered)
	if only.UserID != "u2" || only.Day.TotalSeconds != 60 {
		t.Fatalf("unexpected filtered event: %+v", only)
	}
}

func TestHubRejectsWhenStopped(t *testing.T) {
	hub := NewHub(nil)
	server := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before start, got %d", resp.StatusCode)
	}
}
