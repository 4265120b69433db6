package exchange

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func TestBybitPrivateStreamRedialsAfterDrop(t *testing.T) {
	var dials int64
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		atomic.AddInt64(&dials, 1)
		// Accept the auth and subscribe frames, then drop the connection.
		c.ReadMessage()
		c.ReadMessage()
		c.Close()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	adapter := NewBybitAdapter("key", "secret", "", wsURL, zap.NewNop())

	if err := adapter.ConnectPrivateStream(); err != nil {
		t.Fatalf("ConnectPrivateStream: %v", err)
	}

	// The server drops every connection; the adapter must come back.
	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt64(&dials) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("dials = %d, want a redial after the first connection dropped", atomic.LoadInt64(&dials))
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestBybitConnectPrivateStreamIsIdempotent(t *testing.T) {
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	adapter := NewBybitAdapter("key", "secret", "", wsURL, zap.NewNop())

	if err := adapter.ConnectPrivateStream(); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	if err := adapter.ConnectPrivateStream(); err != nil {
		t.Fatalf("second connect should be a no-op: %v", err)
	}
}
