package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
)

// ErrUnauthorized indicates the API rejected the edge token.
var ErrUnauthorized = errors.New("runtime telemetry unauthorized")

// ErrInvalidArgument indicates the API rejected the payload with validation errors.
var ErrInvalidArgument = errors.New("runtime telemetry invalid argument")

// ErrNotFound indicates the API could not locate the referenced deployment.
var ErrNotFound = errors.New("runtime telemetry deployment not found")

// Emitter forwards edge telemetry to the peep API.
type Emitter struct {
	baseURL string
	token   string
	client  *http.Client
	now     func() time.Time
}

// Event is a single edge occurrence: a request, a lifecycle change, or an
// audit record.
type Event struct {
	ComputeID    string
	DeploymentID string
	Domain       string
	Source       string
	EventType    string
	Level        string
	Message      string
	StatusCode   *int
	LatencyMS    *float64
	BytesIn      *int64
	BytesOut     *int64
	Metadata     json.RawMessage
	OccurredAt   time.Time
}

// Rollup summarises request latency for one compute unit over a bucket.
type Rollup struct {
	ComputeID   string        `json:"compute_id"`
	BucketStart time.Time     `json:"bucket_start"`
	BucketSpan  time.Duration `json:"bucket_span_ns"`
	Count       int64         `json:"count"`
	ErrorCount  int64         `json:"error_count"`
	BytesIn     int64         `json:"bytes_in"`
	BytesOut    int64         `json:"bytes_out"`
	AvgMS       *float64      `json:"avg_ms,omitempty"`
	MaxMS       *float64      `json:"max_ms,omitempty"`
	P50MS       *float64      `json:"p50_ms,omitempty"`
	P90MS       *float64      `json:"p90_ms,omitempty"`
	P95MS       *float64      `json:"p95_ms,omitempty"`
	P99MS       *float64      `json:"p99_ms,omitempty"`
}

// NewEmitter creates an emitter for the API base URL and edge token.
func NewEmitter(baseURL, token string, client *http.Client) (*Emitter, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errors.New("runtime telemetry base url required")
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Emitter{
		baseURL: trimmed,
		token:   strings.TrimSpace(token),
		client:  client,
		now:     time.Now,
	}, nil
}

// Emit sends one event to the runtime events endpoint.
func (e *Emitter) Emit(ctx context.Context, event Event) error {
	if e == nil {
		return errors.New("runtime telemetry emitter not initialised")
	}
	if strings.TrimSpace(event.ComputeID) == "" && strings.TrimSpace(event.DeploymentID) == "" && strings.TrimSpace(event.Domain) == "" {
		return errors.New("runtime telemetry requires compute_id, deployment_id or domain")
	}
	return e.post(ctx, "/runtime/events", buildPayload(event, e.now))
}

// EmitRollups sends a batch of latency rollups.
func (e *Emitter) EmitRollups(ctx context.Context, rollups []Rollup) error {
	if e == nil {
		return errors.New("runtime telemetry emitter not initialised")
	}
	if len(rollups) == 0 {
		return nil
	}
	return e.post(ctx, "/runtime/rollups", map[string]any{"rollups": rollups})
}

func (e *Emitter) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telemetry payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build telemetry request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("X-Edge-Token", e.token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telemetry request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return e.errorForStatus(resp)
	}
	return nil
}

func (e *Emitter) errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, summary)
	default:
		return fmt.Errorf("telemetry request failed: %s", summary)
	}
}

func buildPayload(event Event, nowFn func() time.Time) map[string]any {
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = nowFn()
	}
	source := strings.TrimSpace(event.Source)
	if source == "" {
		source = "edge"
	}
	eventType := strings.TrimSpace(event.EventType)
	if eventType == "" {
		eventType = "http_request"
	}
	level := strings.TrimSpace(event.Level)
	if level == "" {
		level = "info"
	}
	return map[string]any{
		"compute_id":    strings.TrimSpace(event.ComputeID),
		"deployment_id": strings.TrimSpace(event.DeploymentID),
		"domain":        strings.TrimSpace(event.Domain),
		"source":        source,
		"event_type":    eventType,
		"level":         level,
		"message":       strings.TrimSpace(event.Message),
		"status_code":   event.StatusCode,
		"latency_ms":    event.LatencyMS,
		"bytes_in":      event.BytesIn,
		"bytes_out":     event.BytesOut,
		"metadata":      event.Metadata,
		"occurred_at":   occurred.UTC().Format(time.RFC3339Nano),
	}
}
