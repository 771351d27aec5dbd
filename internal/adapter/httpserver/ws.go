package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fairyhunter13/codegraph/internal/app"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	// Pings must arrive inside the pong window.
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 512
	wsSendBuffer = 64
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser dashboards connect cross-origin; CORS policy is enforced on
	// the REST surface and the feed is read-only.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub fans pipeline and health frames out to websocket clients. A client
// that stops draining its buffer is dropped rather than allowed to stall
// the broadcast.
type Hub struct {
	log *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

// NewHub returns an empty hub. It implements app.Broadcaster.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log, clients: make(map[*wsClient]struct{})}
}

// Broadcast sends one frame to every connected client.
func (h *Hub) Broadcast(f app.Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		h.log.Error("websocket frame marshal", slog.Any("error", err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			delete(h.clients, c)
			close(c.send)
			h.log.Warn("dropping slow websocket client",
				slog.String("client_id", c.id),
				slog.String("remote", c.conn.RemoteAddr().String()))
		}
	}
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

type wsClient struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// ServeWS upgrades the request and registers the client with the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.log.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	c := &wsClient{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
	}
	h.add(c)
	h.log.Info("websocket client connected",
		slog.String("client_id", c.id),
		slog.String("remote", conn.RemoteAddr().String()))
	go c.writePump()
	go c.readPump()
}

// readPump discards client messages; the feed is one-way. Pongs refresh the
// read deadline so idle but live connections survive.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
		c.hub.log.Info("websocket client disconnected", slog.String("client_id", c.id))
	}()
	c.conn.SetReadLimit(wsMaxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	tick := time.NewTicker(wsPingPeriod)
	defer func() {
		tick.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case b, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-tick.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
