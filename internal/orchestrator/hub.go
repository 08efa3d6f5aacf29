package orchestrator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 16
)

// client is one WebSocket session, which is one subscriber.
type client struct {
	id      SubscriberID
	conn    *websocket.Conn
	send    chan Event
	limiter *rate.Limiter
}

// Hub tracks connected subscribers and implements Notifier on top of their
// WebSocket connections.
type Hub struct {
	mu      sync.RWMutex
	clients map[SubscriberID]*client
	log     *slog.Logger
}

// NewHub returns an empty Hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{clients: make(map[SubscriberID]*client), log: log}
}

// Notify implements Notifier. Events for unknown subscribers, or for
// subscribers whose send buffer is full, are dropped.
func (h *Hub) Notify(id SubscriberID, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.clients[id]
	if !ok {
		h.log.Debug("event for disconnected subscriber dropped",
			slog.String("subscriber", string(id)),
			slog.String("event", string(ev.Type)))
		return
	}
	select {
	case c.send <- ev:
	default:
		h.log.Warn("subscriber send buffer full, event dropped",
			slog.String("subscriber", string(id)),
			slog.String("event", string(ev.Type)))
	}
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

// unregister removes the client and closes its send channel, which stops its
// write pump.
func (h *Hub) unregister(id SubscriberID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(c.send)
	}
}

// writePump serializes all writes to the connection.
func (c *client) writePump(log *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				log.Debug("write event failed", slog.String("subscriber", string(c.id)), slog.String("error", err.Error()))
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
