package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"
)

// statusWriter records the response status and whether the connection was
// hijacked for a WebSocket session.
type statusWriter struct {
	http.ResponseWriter
	status   int
	upgraded bool
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		w.upgraded = true
	}
	return conn, rw, err
}

// RequestMiddleware returns chi middleware counting requests, error responses
// (status >= 400) and request latency. Upgraded connections are counted as
// WebSocket sessions instead of being timed.
func RequestMiddleware(m *Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrap := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrap, r)
			m.IncRequests()
			if wrap.upgraded {
				m.IncWebsocketSessions()
				return
			}
			m.ObserveRequestDuration(time.Since(start))
			if wrap.status >= 400 {
				m.IncErrors()
			}
		})
	}
}
