package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"stream-orchestrator/internal/platform/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// MessageRequest is the inbound message type asking for a stream.
	MessageRequest = "request"

	snapshotTimeout = 5 * time.Second
)

// StreamService is the part of the Orchestrator the transport needs.
type StreamService interface {
	RequestStream(sub SubscriberID, sourceURL string) error
	ReleaseSubscriber(sub SubscriberID) error
	Snapshot(ctx context.Context) (Stats, error)
}

// RateLimit bounds inbound requests per connection.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

// inboundMessage is a subscriber message, e.g.
// {"type":"request","sourceUrl":"rtsp://cam1/stream"}.
type inboundMessage struct {
	Type      string `json:"type"`
	SourceURL string `json:"sourceUrl"`
}

// Handler exposes the subscriber WebSocket and the HTTP endpoints.
type Handler struct {
	svc      StreamService
	hub      *Hub
	log      *slog.Logger
	metrics  *metrics.Metrics
	limit    RateLimit
	upgrader websocket.Upgrader
}

// NewHandler returns a Handler. Metrics may be nil to disable metric
// recording (e.g. in tests).
func NewHandler(svc StreamService, hub *Hub, log *slog.Logger, m *metrics.Metrics, limit RateLimit) *Handler {
	if limit.PerSecond <= 0 {
		limit.PerSecond = 1
	}
	if limit.Burst <= 0 {
		limit.Burst = 5
	}
	return &Handler{
		svc:     svc,
		hub:     hub,
		log:     log,
		metrics: m,
		limit:   limit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS handles GET /ws. Each connection is one subscriber; closing the
// connection releases it.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		id:      SubscriberID(uuid.NewString()),
		conn:    conn,
		send:    make(chan Event, sendBuffer),
		limiter: rate.NewLimiter(rate.Limit(h.limit.PerSecond), h.limit.Burst),
	}
	h.hub.register(c)
	h.log.Info("subscriber connected", slog.String("subscriber", string(c.id)), slog.String("remote", r.RemoteAddr))

	go c.writePump(h.log)
	h.readPump(c)

	h.hub.unregister(c.id)
	if err := h.svc.ReleaseSubscriber(c.id); err != nil {
		h.log.Warn("release subscriber failed", slog.String("subscriber", string(c.id)), slog.String("error", err.Error()))
	}
	h.log.Info("subscriber disconnected", slog.String("subscriber", string(c.id)))
}

func (h *Handler) readPump(c *client) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg inboundMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read failed", slog.String("subscriber", string(c.id)), slog.String("error", err.Error()))
			}
			var (
				syntaxErr *json.SyntaxError
				typeErr   *json.UnmarshalTypeError
			)
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				h.hub.Notify(c.id, Event{Type: EventError, Reason: "malformed message"})
				continue
			}
			return
		}

		switch msg.Type {
		case MessageRequest:
			if !c.limiter.Allow() {
				h.metrics.IncRejectedRequests()
				h.hub.Notify(c.id, Event{Type: EventError, Reason: "rate limited"})
				continue
			}
			if err := h.svc.RequestStream(c.id, msg.SourceURL); err != nil {
				h.metrics.IncRejectedRequests()
				h.log.Info("stream request rejected",
					slog.String("subscriber", string(c.id)),
					slog.String("error", err.Error()))
				h.hub.Notify(c.id, Event{Type: EventError, Reason: err.Error()})
			}
		default:
			h.hub.Notify(c.id, Event{Type: EventError, Reason: "unknown message type"})
		}
	}
}

// ListJobs handles GET /jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), snapshotTimeout)
	defer cancel()

	stats, err := h.svc.Snapshot(ctx)
	if err != nil {
		h.log.Error("snapshot failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(stats)
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"subscribers": h.hub.Count(),
	})
}
