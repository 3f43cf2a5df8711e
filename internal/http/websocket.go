package httpx

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/splax/localvercel/edge/internal/domain"
	"github.com/splax/localvercel/edge/internal/service/telemetry"
)

const wsCloseWait = time.Second

// handshakeHeaders are produced by the dialer itself and must not be copied.
var handshakeHeaders = map[string]struct{}{
	"Upgrade":                  {},
	"Connection":               {},
	"Sec-Websocket-Key":        {},
	"Sec-Websocket-Version":    {},
	"Sec-Websocket-Extensions": {},
	"Sec-Websocket-Accept":     {},
	"Keep-Alive":               {},
	"Te":                       {},
	"Trailer":                  {},
	"Transfer-Encoding":        {},
	"Proxy-Authorization":      {},
	"Proxy-Connection":         {},
}

// serveWebSocket dials the backend first so a dead upstream yields a 502
// before the client connection is upgraded.
func (d *Dispatcher) serveWebSocket(w http.ResponseWriter, req *http.Request, route *domain.Route, requestID string) {
	backendURL, header, err := d.websocketTarget(req, route, requestID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	backend, resp, err := d.dialer.DialContext(req.Context(), backendURL.String(), header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			resp.Body.Close()
		}
		d.logger.Warn("websocket upstream dial failed", "domain", route.Domain, "target", backendURL.Redacted(), "status", status, "error", err)
		d.sink.RecordRequest(telemetryKey(route), 0, 0, 0, true)
		writeError(w, http.StatusBadGateway, "upstream unavailable")
		return
	}

	var upgradeHeader http.Header
	if protocol := backend.Subprotocol(); protocol != "" {
		upgradeHeader = http.Header{"Sec-Websocket-Protocol": []string{protocol}}
	}
	client, err := d.upgrader.Upgrade(w, req, upgradeHeader)
	if err != nil {
		backend.Close()
		d.logger.Warn("websocket upgrade failed", "domain", route.Domain, "error", err)
		return
	}

	d.metrics.wsSessions.Inc()
	start := time.Now()
	var bytesIn, bytesOut atomic.Int64
	errc := make(chan error, 2)
	go pump(backend, client, &bytesIn, errc)
	go pump(client, backend, &bytesOut, errc)
	first := <-errc
	client.Close()
	backend.Close()
	<-errc
	d.metrics.wsSessions.Dec()

	duration := time.Since(start)
	d.sink.RecordRequest(telemetryKey(route), duration, bytesIn.Load(), bytesOut.Load(), abnormalEnd(first))
	d.sink.RecordEvent(telemetry.Event{
		Type:         telemetry.EventWebSocketSession,
		Domain:       route.Domain,
		DeploymentID: route.DeploymentName,
		CustomerID:   route.CustomerID,
		ComputeID:    route.ComputeID,
		Message:      sessionEnd(first),
	})
	d.logger.Debug("websocket session closed", "domain", route.Domain, "request_id", requestID, "duration_ms", duration.Milliseconds())
}

// websocketTarget resolves the backend URL and handshake headers for route.
func (d *Dispatcher) websocketTarget(req *http.Request, route *domain.Route, requestID string) (*url.URL, http.Header, error) {
	header := http.Header{}
	for key, values := range req.Header {
		if _, skip := handshakeHeaders[http.CanonicalHeaderKey(key)]; skip {
			continue
		}
		header[key] = append([]string(nil), values...)
	}
	if prior := header.Get("X-Forwarded-For"); prior != "" {
		header.Set("X-Forwarded-For", prior+", "+remoteIP(req))
	} else {
		header.Set("X-Forwarded-For", remoteIP(req))
	}
	header.Set("X-Forwarded-Host", req.Host)
	header.Set("X-Forwarded-Proto", forwardedProto(req))
	header.Set("X-Real-IP", remoteIP(req))
	header.Set(trackHeader, requestID)

	var target *url.URL
	path := req.URL.Path
	switch route.Framework.Kind() {
	case domain.KindReverseProxy:
		if route.Config == nil || route.Config.Proxy == nil || strings.TrimSpace(route.Config.Proxy.Target) == "" {
			return nil, nil, errors.New("proxy target not configured")
		}
		proxy := route.Config.Proxy
		parsed, err := parseTarget(proxy.Target)
		if err != nil {
			return nil, nil, errors.New("proxy target invalid")
		}
		target = parsed
		path = proxy.Rewrite.Apply(path)
		if proxy.ChangeOrigin && !proxy.PreserveHostHeader {
			header.Set("Host", parsed.Host)
		} else {
			header.Set("Host", req.Host)
		}
		for key, value := range proxy.Headers {
			header.Set(key, value)
		}
	case domain.KindCompute:
		state, err := d.ensureActive(req.Context(), route)
		if err != nil {
			d.logger.Warn("compute activation failed", "domain", route.Domain, "compute_id", route.ComputeID, "error", err)
			return nil, nil, err
		}
		target = &url.URL{Scheme: "http", Host: upstreamHost(state)}
		header.Set("Host", req.Host)
		header.Set("X-Request-Id", requestID)
		header.Set("X-Edge-Domain", route.Domain)
	default:
		return nil, nil, fmt.Errorf("%w: websocket not supported for %s routes", domain.ErrValidation, route.Framework.Kind())
	}

	out := *target
	out.Path = strings.TrimSuffix(target.Path, "/") + path
	out.RawPath = ""
	out.RawQuery = req.URL.RawQuery
	if out.Scheme == "https" {
		out.Scheme = "wss"
	} else {
		out.Scheme = "ws"
	}
	return &out, header, nil
}

// pump copies messages from src to dst until either side fails, forwarding
// the close frame it observed.
func pump(dst, src *websocket.Conn, counter *atomic.Int64, errc chan<- error) {
	for {
		messageType, reader, err := src.NextReader()
		if err != nil {
			closeCode := websocket.CloseGoingAway
			text := ""
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseNoStatusReceived && closeErr.Code != websocket.CloseAbnormalClosure {
				closeCode = closeErr.Code
				text = closeErr.Text
			}
			_ = dst.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, text), time.Now().Add(wsCloseWait))
			errc <- err
			return
		}
		writer, err := dst.NextWriter(messageType)
		if err != nil {
			errc <- err
			return
		}
		n, err := io.Copy(writer, reader)
		counter.Add(n)
		if err != nil {
			writer.Close()
			errc <- err
			return
		}
		if err := writer.Close(); err != nil {
			errc <- err
			return
		}
	}
}

// abnormalEnd reports whether a session ended without a normal or
// going-away close handshake.
func abnormalEnd(err error) bool {
	return !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

func sessionEnd(err error) string {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return "closed: " + closeErr.Error()
	}
	if err == nil {
		return "closed"
	}
	return "closed: " + err.Error()
}

func forwardedProto(req *http.Request) string {
	if req.TLS != nil {
		return "https"
	}
	return "http"
}
