package ws

import (
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/splax/localvercel/edge/pkg/logger"
)

type recordingClient struct {
	mu       sync.Mutex
	payloads []string
	fail     bool
	closed   bool
}

func (c *recordingClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.payloads = append(c.payloads, string(payload))
	return nil
}

func (c *recordingClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *recordingClient) snapshot() ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.payloads...), c.closed
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestHubRoutesByTopicAndAll(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	site := &recordingClient{}
	other := &recordingClient{}
	all := &recordingClient{}
	hub.Register("acme/site", site)
	hub.Register("acme/other", other)
	hub.Register(AllTopics, all)

	hub.Broadcast("acme/site", []byte("ready"))

	waitFor(t, func() bool {
		got, _ := all.snapshot()
		return len(got) == 1
	})
	if got, _ := site.snapshot(); len(got) != 1 || got[0] != "ready" {
		t.Fatalf("site client got %v", got)
	}
	if got, _ := other.snapshot(); len(got) != 0 {
		t.Fatalf("other client should not receive, got %v", got)
	}
}

func TestHubDropsFailingClient(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	bad := &recordingClient{fail: true}
	hub.Register("d", bad)
	hub.Broadcast("d", []byte("x"))
	waitFor(t, func() bool {
		_, closed := bad.snapshot()
		return closed
	})
}

func TestHubCloseClosesClients(t *testing.T) {
	hub := NewHub()
	c := &recordingClient{}
	hub.Register("d", c)
	hub.Close()
	waitFor(t, func() bool {
		_, closed := c.snapshot()
		return closed
	})
	hub.Broadcast("d", []byte("ignored"))
}

func TestSSEClientFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, rec, "deployment", logger.Discard())
	if err := client.Send([]byte(`{"state":"ready"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := client.Heartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "id: 1\nevent: deployment\ndata: {\"state\":\"ready\"}\n\n") {
		t.Fatalf("unexpected frame %q", body)
	}
	if !strings.HasSuffix(body, ": ping\n\n") {
		t.Fatalf("missing heartbeat in %q", body)
	}
	client.Close()
	select {
	case <-client.Done():
	default:
		t.Fatalf("done channel not closed")
	}
	if err := client.Send([]byte("x")); err == nil {
		t.Fatalf("expected send after close to fail")
	}
}
