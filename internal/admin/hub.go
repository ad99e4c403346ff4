package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"melink/internal/mpio"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const ( // ping pong(2-way heartbeat) to keep connection alive
	WriteWait      = 10 * time.Second
	PongWait       = 60 * time.Second
	PingPeriod     = (PongWait * 9) / 10
	MaxMessageSize = 512
	sendBuffer     = 256
)

// Event is what websocket clients receive.
type Event struct {
	Type string         `json:"type"`
	Drop mpio.DropEvent `json:"drop"`
}

// Hub fans drop events out to websocket clients. All client bookkeeping
// happens on the Run goroutine.
type Hub struct {
	Register   chan *Client
	Unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}
	clients    map[*Client]struct{}
	logger     *slog.Logger

	count   atomic.Int64
	skipped atomic.Uint64
}

var _ mpio.DropObserver = (*Hub)(nil)

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		broadcast:  make(chan []byte, 1024),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		logger:     logger,
	}
}

// Run serves the hub until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.remove(c)
			}
			return
		case c := <-h.Register:
			h.clients[c] = struct{}{}
			h.count.Store(int64(len(h.clients)))
			h.logger.Info("events_client_connected",
				"client_id", c.ID,
				"clients", len(h.clients),
			)
		case c := <-h.Unregister:
			h.remove(c)
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// slow consumer
					h.logger.Warn("events_client_too_slow",
						"client_id", c.ID,
					)
					h.remove(c)
				}
			}
		}
	}
}

func (h *Hub) remove(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.count.Store(int64(len(h.clients)))
	h.logger.Info("events_client_disconnected",
		"client_id", c.ID,
		"clients", len(h.clients),
	)
}

// ClientCount is the number of connected clients.
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

// MessageDropped publishes ev to the connected clients without blocking.
func (h *Hub) MessageDropped(ev mpio.DropEvent) {
	if h.count.Load() == 0 {
		return
	}
	data, err := json.Marshal(Event{Type: "drop", Drop: ev})
	if err != nil {
		h.logger.Error("events_marshal_failed",
			"error", err.Error(),
		)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.skipped.Add(1)
	}
}

// Client is one websocket subscriber.
type Client struct {
	ID   string
	Conn *websocket.Conn
	hub  *Hub
	send chan []byte
}

func NewClient(id string, conn *websocket.Conn, hub *Hub) *Client {
	return &Client{
		ID:   id,
		Conn: conn,
		hub:  hub,
		send: make(chan []byte, sendBuffer),
	}
}

// ReadPump discards inbound frames and notices the peer going away.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.hub.Unregister <- c:
		case <-c.hub.done:
		}
		c.Conn.Close()
	}()
	c.Conn.SetReadLimit(MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(PongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(PongWait))
	})
	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			return
		}
	}
}

// WritePump delivers queued events and keeps the connection alive.
func (c *Client) WritePump() {
	ticker := time.NewTicker(PingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the feed is read-only and token protected
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler upgrades the request and subscribes the client to the hub.
func WSHandler(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error
			hub.logger.Warn("events_upgrade_failed",
				"error", err.Error(),
			)
			return
		}
		client := NewClient(uuid.NewString(), conn, hub)
		select {
		case hub.Register <- client:
		case <-hub.done:
			conn.Close()
			return
		}
		go client.WritePump()
		go client.ReadPump()
	}
}

