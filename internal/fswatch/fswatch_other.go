//go:build !linux

package fswatch

// Watcher is unavailable off Linux; callers fall back to periodic scans.
type Watcher struct{}

// New always fails with ErrUnsupported.
func New(string, int) (*Watcher, error) { return nil, ErrUnsupported }

func (w *Watcher) Events() <-chan Event { return nil }
func (w *Watcher) Errors() <-chan error { return nil }
func (w *Watcher) Close() error         { return nil }
