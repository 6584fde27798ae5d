// Package stream pushes trade notifications and live prices to browser
// clients over WebSocket.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/papertrade/portfolio-engine/internal/auth"
	"github.com/papertrade/portfolio-engine/internal/metrics"
	"github.com/papertrade/portfolio-engine/internal/model"
)

// Message types.
const (
	TypeTradeExecuted = "trade_executed"
	TypePrices        = "prices"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Message is a JSON message sent to WebSocket clients.
type Message struct {
	Type        string             `json:"type"`
	Transaction *model.Transaction `json:"transaction,omitempty"`
	Prices      []model.AssetQuote `json:"prices,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
}

// UniverseSource supplies quotes for the whole asset universe.
type UniverseSource interface {
	Universe(ctx context.Context) []model.AssetQuote
}

type client struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

type directMessage struct {
	userID string
	data   []byte
}

// Hub manages WebSocket connections grouped by user. All connection
// bookkeeping happens on the Run goroutine; a client that cannot keep up
// is disconnected rather than slowing the sender.
type Hub struct {
	clients    map[*client]bool
	byUser     map[string]map[*client]bool
	broadcast  chan []byte
	direct     chan directMessage
	register   chan *client
	unregister chan *client
	done       chan struct{}

	mu    sync.RWMutex
	count int
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		byUser:     make(map[string]map[*client]bool),
		broadcast:  make(chan []byte, 256),
		direct:     make(chan directMessage, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop and returns when ctx is cancelled.
// Must be called in a goroutine.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for c := range h.clients {
			h.remove(c)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.clients[c] = true
			if h.byUser[c.userID] == nil {
				h.byUser[c.userID] = make(map[*client]bool)
			}
			h.byUser[c.userID][c] = true
			h.setCount(len(h.clients))
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "user", c.userID, "total", len(h.clients))

		case c := <-h.unregister:
			if h.clients[c] {
				h.remove(c)
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				h.deliver(c, msg)
			}

		case dm := <-h.direct:
			for c := range h.byUser[dm.userID] {
				h.deliver(c, dm.data)
			}
		}
	}
}

func (h *Hub) deliver(c *client, msg []byte) {
	select {
	case c.send <- msg:
	default:
		slog.Warn("ws client too slow, disconnecting", "user", c.userID)
		h.remove(c)
	}
}

func (h *Hub) remove(c *client) {
	delete(h.clients, c)
	if conns := h.byUser[c.userID]; conns != nil {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.byUser, c.userID)
		}
	}
	close(c.send)
	h.setCount(len(h.clients))
	metrics.WebSocketClients.Dec()
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Broadcast sends a message to all connected clients.
func (h *Hub) Broadcast(msg Message) {
	data, err := encode(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking the sender.
	}
}

// Notify sends a message to every connection of one user.
func (h *Hub) Notify(userID string, msg Message) {
	data, err := encode(msg)
	if err != nil {
		return
	}
	select {
	case h.direct <- directMessage{userID: userID, data: data}:
	default:
	}
}

// TradeExecuted notifies the trading user's connections. It never blocks
// and never fails.
func (h *Hub) TradeExecuted(_ context.Context, tx model.Transaction) error {
	h.Notify(tx.UserID, Message{Type: TypeTradeExecuted, Transaction: &tx, Timestamp: time.Now().UTC()})
	return nil
}

// RunPriceBroadcast pushes the universe quotes to all clients every
// interval until ctx is cancelled. Ticks with no clients skip the lookup.
func (h *Hub) RunPriceBroadcast(ctx context.Context, src UniverseSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.ClientCount() == 0 {
				continue
			}
			h.Broadcast(Message{Type: TypePrices, Prices: src.Universe(ctx), Timestamp: time.Now().UTC()})
		}
	}
}

func encode(msg Message) ([]byte, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("ws message encode failed", "type", msg.Type, "err", err)
	}
	return data, err
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Origin is enforced by CORS and the auth token.
	},
}

// HandleWS upgrades an authenticated request at GET /api/ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &client{userID: userID, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump keeps the connection alive and detects disconnects. Client
// messages are ignored.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on the connection. It exits when the hub
// closes c.send.
func (h *Hub) writePump(c *client) {
	// Ping ticker to keep connection alive through proxies.
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
