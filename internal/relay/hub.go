// Package relay is a development event source for the realtime channel.
//
// Clients connect over websocket at /ws?token=...; anything POSTed to
// /publish, or sent by a connected client, is broadcast to every client.
// With a Redis client configured, messages travel through a Redis pub/sub
// channel so several relay processes share one audience.
package relay

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// sendBuffer is how many frames may queue for a client before it is
// considered too slow and dropped.
const sendBuffer = 32

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// hub tracks connected clients.
type hub struct {
	logger *slog.Logger

	mu      sync.Mutex // protects the fields below
	clients map[string]*client
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		logger:  logger,
		clients: make(map[string]*client),
	}
}

// register adds conn and starts its writer.
func (h *hub) register(conn *websocket.Conn) *client {
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("client connected", "client", c.id, "clients", n)
	go h.writeLoop(c)
	return c
}

// unregister removes c and stops its writer. Safe to call more than once.
func (h *hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	if ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.logger.Info("client disconnected", "client", c.id, "clients", n)
	}
}

// broadcast queues frame for every client. Clients whose buffer is full are
// disconnected.
func (h *hub) broadcast(frame []byte) int {
	h.mu.Lock()
	var slow []*client
	sent := 0
	for _, c := range h.clients {
		select {
		case c.send <- frame:
			sent++
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow client", "client", c.id)
		h.unregister(c)
		c.conn.Close()
	}
	return sent
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// closeAll disconnects every client.
func (h *hub) closeAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.unregister(c)
		c.conn.Close()
	}
}

func (h *hub) writeLoop(c *client) {
	for frame := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			h.logger.Debug("write failed", "client", c.id, "error", err)
			h.unregister(c)
			c.conn.Close()
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
