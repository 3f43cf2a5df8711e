package httpx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/splax/localvercel/edge/internal/domain"
)

type forwardKey struct{}

// forward is the per-request routing decision handed to the shared proxy.
type forward struct {
	requestID    string
	target       *url.URL
	path         string
	preserveHost bool
	headers      map[string]string
	compute      bool
	domain       string
}

func (d *Dispatcher) serveProxy(w http.ResponseWriter, req *http.Request, route *domain.Route, requestID string) {
	var proxy *domain.ProxyConfig
	if route.Config != nil {
		proxy = route.Config.Proxy
	}
	if proxy == nil || strings.TrimSpace(proxy.Target) == "" {
		d.logger.Error("reverse-proxy route has no target", "domain", route.Domain)
		writeError(w, http.StatusInternalServerError, "proxy target not configured")
		return
	}
	target, err := parseTarget(proxy.Target)
	if err != nil {
		d.logger.Error("reverse-proxy target invalid", "domain", route.Domain, "target", proxy.Target, "error", err)
		writeError(w, http.StatusInternalServerError, "proxy target invalid")
		return
	}
	d.forward(w, req, route, &forward{
		requestID:    requestID,
		target:       target,
		path:         proxy.Rewrite.Apply(req.URL.Path),
		preserveHost: !proxy.ChangeOrigin || proxy.PreserveHostHeader,
		headers:      proxy.Headers,
		domain:       route.Domain,
	})
}

func (d *Dispatcher) serveCompute(w http.ResponseWriter, req *http.Request, route *domain.Route, requestID string) {
	state, err := d.ensureActive(req.Context(), route)
	if err != nil {
		d.logger.Warn("compute activation failed", "domain", route.Domain, "compute_id", route.ComputeID, "error", err)
		d.sink.RecordRequest(telemetryKey(route), 0, 0, 0, true)
		writeError(w, http.StatusBadGateway, "compute unit unavailable")
		return
	}
	d.forward(w, req, route, &forward{
		requestID:    requestID,
		target:       &url.URL{Scheme: "http", Host: upstreamHost(state)},
		path:         req.URL.Path,
		preserveHost: true,
		compute:      true,
		domain:       route.Domain,
	})
}

// forward hands req to the shared reverse proxy, tracking it until the
// response body is closed or the upstream fails.
func (d *Dispatcher) forward(w http.ResponseWriter, req *http.Request, route *domain.Route, fw *forward) {
	entry := &inflightRequest{
		id:         fw.requestID,
		domain:     route.Domain,
		customerID: route.CustomerID,
		computeID:  telemetryKey(route),
		start:      time.Now(),
	}
	if req.Body != nil && req.Body != http.NoBody {
		entry.bytesIn = &countingReader{ReadCloser: req.Body}
		req.Body = entry.bytesIn
	}
	d.tracker.add(entry)
	// Entries the proxy never reports on (client gone before headers) are
	// dropped here.
	defer d.tracker.take(fw.requestID)

	req = req.WithContext(context.WithValue(req.Context(), forwardKey{}, fw))
	d.reverseProxy.ServeHTTP(w, req)
}

func (d *Dispatcher) rewrite(pr *httputil.ProxyRequest) {
	fw, _ := pr.In.Context().Value(forwardKey{}).(*forward)
	if fw == nil {
		return
	}
	pr.Out.URL.Path = fw.path
	pr.Out.URL.RawPath = ""
	pr.SetURL(fw.target)
	pr.SetXForwarded()
	if fw.preserveHost {
		pr.Out.Host = pr.In.Host
	}
	pr.Out.Header.Set("X-Real-IP", remoteIP(pr.In))
	pr.Out.Header.Set(trackHeader, fw.requestID)
	if fw.compute {
		pr.Out.Header.Set("X-Request-Id", fw.requestID)
		pr.Out.Header.Set("X-Edge-Domain", fw.domain)
	}
	for key, value := range fw.headers {
		pr.Out.Header.Set(key, value)
	}
}

func (d *Dispatcher) complete(resp *http.Response) error {
	resp.Header.Del(trackHeader)
	if resp.Request == nil {
		return nil
	}
	entry := d.tracker.take(resp.Request.Header.Get(trackHeader))
	if entry == nil {
		return nil
	}
	isError := resp.StatusCode >= http.StatusInternalServerError
	resp.Body = &reportingBody{
		ReadCloser: resp.Body,
		done: func(bytesOut int64) {
			d.sink.RecordRequest(entry.computeID, time.Since(entry.start), entry.bytesIn.count(), bytesOut, isError)
		},
	}
	return nil
}

func (d *Dispatcher) upstreamError(w http.ResponseWriter, req *http.Request, err error) {
	fw, _ := req.Context().Value(forwardKey{}).(*forward)
	if fw != nil {
		if entry := d.tracker.take(fw.requestID); entry != nil {
			d.sink.RecordRequest(entry.computeID, time.Since(entry.start), entry.bytesIn.count(), 0, true)
		}
	}
	if errors.Is(err, context.Canceled) {
		d.logger.Debug("client went away", "host", req.Host, "path", req.URL.Path)
	} else {
		d.logger.Warn("upstream request failed", "host", req.Host, "path", req.URL.Path, "error", err)
	}
	writeError(w, http.StatusBadGateway, "upstream unavailable")
}

// parseTarget accepts an absolute http(s) URL or a bare host:port.
func parseTarget(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	target, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if target.Host == "" {
		return nil, errors.New("target has no host")
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, errors.New("target scheme must be http or https")
	}
	return target, nil
}

// telemetryKey groups request rollups by compute unit, or by domain for
// routes without one.
func telemetryKey(route *domain.Route) string {
	if route.ComputeID != "" {
		return route.ComputeID
	}
	return route.Domain
}
