package httpx

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// audit logs one line per request, choosing the level by status class.
func audit(logger *slog.Logger, m *metrics, route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.statusCode()
		duration := time.Since(start)
		m.recordAdmin(req.Method, route, status, duration)
		logRequest(logger, req, status, recorder.bytes, duration, "")
	}
}

func logRequest(logger *slog.Logger, req *http.Request, status int, bytes int64, duration time.Duration, requestID string, extra ...any) {
	fields := []any{
		"method", req.Method,
		"host", req.Host,
		"path", req.URL.Path,
		"status", status,
		"bytes", bytes,
		"duration_ms", duration.Milliseconds(),
	}
	if ip := clientIP(req); ip != "" {
		fields = append(fields, "ip", ip)
	}
	if requestID == "" {
		requestID = strings.TrimSpace(req.Header.Get("X-Request-ID"))
	}
	if requestID != "" {
		fields = append(fields, "request_id", requestID)
	}
	fields = append(fields, extra...)

	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("http_request", fields...)
	case status >= http.StatusBadRequest:
		logger.Warn("http_request", fields...)
	default:
		logger.Info("http_request", fields...)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status   int
	bytes    int64
	hijacked bool
}

func (sr *statusRecorder) statusCode() int {
	switch {
	case sr.status != 0:
		return sr.status
	case sr.hijacked:
		return http.StatusSwitchingProtocols
	default:
		return http.StatusOK
	}
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += int64(n)
	return n, err
}

func (sr *statusRecorder) written() bool {
	return sr.status != 0 || sr.hijacked
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		conn, rw, err := h.Hijack()
		if err == nil {
			sr.hijacked = true
		}
		return conn, rw, err
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

// remoteIP ignores client-supplied forwarding headers.
func remoteIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
