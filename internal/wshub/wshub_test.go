package wshub

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tidepredator/internal/logging"
)

func newTestHub() *Hub {
	return New(logging.New(logging.INFO, false))
}

func TestClientCountTracksRegisterAndUnregister(t *testing.T) {
	h := newTestHub()
	if h.ClientCount() != 0 {
		t.Fatalf("expected 0 clients on a fresh hub, got %d", h.ClientCount())
	}

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	// give the server goroutine a moment to register the connection
	time.Sleep(50 * time.Millisecond)
	if h.ClientCount() != 1 {
		t.Fatalf("expected 1 connected client, got %d", h.ClientCount())
	}

	conn.Close()
	time.Sleep(50 * time.Millisecond)
	if h.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after close, got %d", h.ClientCount())
	}
}

func TestBroadcastDeliversToConnectedClient(t *testing.T) {
	h := newTestHub()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// drain the connection_init message HandleWebSocket sends on connect
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var initMsg map[string]any
	if err := conn.ReadJSON(&initMsg); err != nil {
		t.Fatalf("expected connection_init message: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	h.Broadcast(DecisionEvent{Type: "execute", UserID: "u1", Symbol: "BTCUSDT", Side: "LONG", Timestamp: 1})

	var evt DecisionEvent
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("expected broadcast event: %v", err)
	}
	if evt.Type != "execute" || evt.UserID != "u1" || evt.Symbol != "BTCUSDT" {
		t.Fatalf("unexpected broadcast payload: %+v", evt)
	}
}

func TestTickerThrottlerBroadcastsLatestPriceOnly(t *testing.T) {
	h := newTestHub()
	throttler := NewTickerThrottler(h, 20*time.Millisecond)

	throttler.UpdatePrice("BTCUSDT", 100)
	throttler.UpdatePrice("BTCUSDT", 101) // only the latest should ever be sent

	throttler.mu.RLock()
	held := throttler.lastPrices["BTCUSDT"]
	throttler.mu.RUnlock()
	if held != 101 {
		t.Fatalf("expected only the latest price 101 to be held for broadcast, got %v", held)
	}

	done := make(chan struct{})
	go throttler.Start(done)
	defer close(done)

	time.Sleep(60 * time.Millisecond)
	// No connected clients: Broadcast is a no-op loop over an empty map,
	// so this mainly asserts Start doesn't panic and respects done.
}
