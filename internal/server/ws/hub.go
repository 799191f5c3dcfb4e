// Package ws streams keeper settlement events to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/composefi/composer/internal/events"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 64
)

// upgrader configures the WebSocket upgrade parameters.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS is enforced at the HTTP layer.
		return true
	},
}

// settlementMsg is the JSON frame pushed on every keeper execution.
type settlementMsg struct {
	Type       string    `json:"type"`
	RequestID  uint64    `json:"request_id"`
	VenueKey   string    `json:"venue_key"`
	Account    string    `json:"account"`
	Direction  string    `json:"direction"`
	State      string    `json:"state"`
	Success    bool      `json:"success"`
	ExecutedAt time.Time `json:"executed_at"`
}

// client represents a single WebSocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub manages connected WebSocket clients and fans settlement events out to
// all of them.
type Hub struct {
	bus    *events.Bus
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*client]bool
}

func NewHub(bus *events.Bus, logger *slog.Logger) *Hub {
	return &Hub{
		bus:     bus,
		logger:  logger.With(slog.String("component", "ws_hub")),
		clients: make(map[*client]bool),
	}
}

// Run bridges the event bus to connected clients until ctx is canceled.
// It should be called in a goroutine.
func (h *Hub) Run(ctx context.Context) error {
	sub, unsubscribe := h.bus.Subscribe(256)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case ev, ok := <-sub:
			if !ok {
				h.closeAll()
				return nil
			}
			h.broadcast(ev)
		}
	}
}

// HandleWS upgrades the HTTP connection and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

func (h *Hub) broadcast(ev events.Settlement) {
	msg := settlementMsg{
		Type:       "settlement",
		RequestID:  ev.RequestID,
		VenueKey:   ev.VenueKey.Hex(),
		Account:    ev.Account.Hex(),
		Direction:  ev.Direction.String(),
		State:      ev.State.String(),
		Success:    ev.Success,
		ExecutedAt: ev.ExecutedAt,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal settlement", slog.String("error", err.Error()))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Slow client; it will be dropped by its write pump timeout.
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		_ = c.conn.Close()
	}
}

// readPump drains inbound frames to keep the connection's read side healthy.
// Clients send nothing meaningful; the stream is one-way.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
