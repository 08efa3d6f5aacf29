package logger

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// probePaths are scraped by monitoring and logged at debug level only.
var probePaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

// accessWriter records the status, body size and whether the connection was
// taken over by a WebSocket upgrade.
type accessWriter struct {
	http.ResponseWriter
	status   int
	size     int
	upgraded bool
}

func (w *accessWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *accessWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}

func (w *accessWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("logger: response writer does not support hijacking")
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		w.upgraded = true
		w.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

// RequestLogger returns chi middleware writing one access log line per
// request. Upgraded connections are logged once the session ends, with the
// session duration.
func RequestLogger(log *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrap := &accessWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrap, r)
			dur := time.Since(start)

			if wrap.upgraded {
				log.Info("websocket session",
					slog.String("path", r.URL.Path),
					slog.String("remote", r.RemoteAddr),
					slog.Duration("duration", dur),
				)
				return
			}

			level := slog.LevelInfo
			switch {
			case wrap.status >= http.StatusInternalServerError:
				level = slog.LevelError
			case probePaths[r.URL.Path]:
				level = slog.LevelDebug
			}
			log.LogAttrs(r.Context(), level, "request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", wrap.status),
				slog.Int64("duration_ms", dur.Milliseconds()),
				slog.Int("size", wrap.size),
			)
		})
	}
}
