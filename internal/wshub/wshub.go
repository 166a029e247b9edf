// Package wshub broadcasts engine events (decisions, executions,
// closes) to connected dashboard clients over a websocket, grounded
// directly on hub.go's register/unregister/Broadcast shape and its
// ping/pong heartbeat configuration, with the same PriceThrottler
// throttling pattern for high-frequency ticker updates.
package wshub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tidepredator/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// Hub maintains the set of connected dashboard clients.
type Hub struct {
	clients   map[*websocket.Conn]bool
	clientsMu sync.Mutex
	upgrader  websocket.Upgrader
	logger    *logging.Logger
}

// New builds an empty Hub accepting connections from any origin,
// matching the reference dashboard's dev-mode CORS stance.
func New(logger *logging.Logger) *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// HandleWebSocket upgrades an HTTP request and services the
// connection until it errors or the peer disconnects.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("wshub: upgrade failed", map[string]any{"error": err.Error()})
		return
	}

	h.register(conn)
	conn.WriteJSON(map[string]any{
		"type":      "connection_init",
		"status":    "connected",
		"timestamp": time.Now().UnixMilli(),
	})

	defer func() {
		h.unregister(conn)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for range ticker.C {
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (h *Hub) register(conn *websocket.Conn) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	h.clients[conn] = true
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	delete(h.clients, conn)
}

// ClientCount reports how many dashboard clients are currently connected.
func (h *Hub) ClientCount() int {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	return len(h.clients)
}

// Broadcast sends msg (marshaled to JSON) to every connected client,
// dropping and closing any client whose write fails.
func (h *Hub) Broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error(err, "wshub: broadcast marshal failed", nil)
		return
	}

	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for client := range h.clients {
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			client.Close()
			delete(h.clients, client)
		}
	}
}

// DecisionEvent is what the Broadcast/Bookkeeping component pushes for
// every pipeline decision, skip or execution outcome.
type DecisionEvent struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side,omitempty"`
	SkipTag   string `json:"skip_tag,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// TickerThrottler rate-limits per-symbol ticker broadcasts to the fixed
// interval passed to NewTickerThrottler (cmd/engine uses 2s).
type TickerThrottler struct {
	hub        *Hub
	lastPrices map[string]float64
	mu         sync.RWMutex
	interval   time.Duration
}

// NewTickerThrottler builds a throttler pushing ticker snapshots at interval.
func NewTickerThrottler(hub *Hub, interval time.Duration) *TickerThrottler {
	return &TickerThrottler{hub: hub, lastPrices: make(map[string]float64), interval: interval}
}

// UpdatePrice records the latest known price for symbol.
func (t *TickerThrottler) UpdatePrice(symbol string, price float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastPrices[symbol] = price
}

// Start runs the throttled broadcast loop until ctx-like stop via done.
func (t *TickerThrottler) Start(done <-chan struct{}) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t.mu.RLock()
			snapshot := make(map[string]float64, len(t.lastPrices))
			for k, v := range t.lastPrices {
				snapshot[k] = v
			}
			t.mu.RUnlock()
			for symbol, price := range snapshot {
				t.hub.Broadcast(map[string]any{"type": "ticker", "symbol": symbol, "price": price})
			}
		}
	}
}
