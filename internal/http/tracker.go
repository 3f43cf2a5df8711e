package httpx

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// trackHeader carries the tracking id on the outbound request so the proxy's
// completion and error callbacks can find the request context.
const trackHeader = "X-Edge-Request-Id"

// inflightRequest is the per-request context held between dispatch and
// completion.
type inflightRequest struct {
	id         string
	domain     string
	customerID string
	computeID  string
	start      time.Time
	bytesIn    *countingReader
}

// tracker is a table of in-flight forwarded requests keyed by request id.
type tracker struct {
	mu      sync.Mutex
	entries map[string]*inflightRequest
}

func newTracker() *tracker {
	return &tracker{entries: make(map[string]*inflightRequest)}
}

func (t *tracker) add(entry *inflightRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[entry.id] = entry
}

// take removes and returns the entry for id.
func (t *tracker) take(id string) *inflightRequest {
	if id == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[id]
	if !ok {
		return nil
	}
	delete(t.entries, id)
	return entry
}

func (t *tracker) get(id string) *inflightRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[id]
}

func (t *tracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// countingReader counts bytes read through it.
type countingReader struct {
	io.ReadCloser
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.n.Add(int64(n))
	return n, err
}

func (c *countingReader) count() int64 {
	if c == nil {
		return 0
	}
	return c.n.Load()
}

// reportingBody counts a response body and calls done exactly once when it
// is closed.
type reportingBody struct {
	io.ReadCloser
	n    int64
	once sync.Once
	done func(bytesOut int64)
}

func (b *reportingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)
	return n, err
}

func (b *reportingBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(func() { b.done(b.n) })
	return err
}
