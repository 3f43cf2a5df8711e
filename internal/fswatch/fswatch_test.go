//go:build linux

package fswatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitFor(t *testing.T, w *Watcher, path string) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				t.Fatal("event stream closed")
			}
			if ev.Path == path && !ev.Created {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", path)
		}
	}
}

func TestWatcherReportsWritesInNewSubdirectories(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, 2)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Close()

	top := filepath.Join(root, "deploy.yaml")
	if err := os.WriteFile(top, []byte("name: a"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, w, top)

	dir := filepath.Join(root, "site")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	// Give the loop a moment to install the watch on the new directory.
	time.Sleep(300 * time.Millisecond)
	nested := filepath.Join(dir, "deploy.yaml")
	if err := os.WriteFile(nested, []byte("name: site"), 0o644); err != nil {
		t.Fatal(err)
	}
	ev := waitFor(t, w, nested)
	if ev.IsDir {
		t.Fatal("file reported as directory")
	}
}

func TestWatcherCloseEndsStream(t *testing.T) {
	w, err := New(t.TempDir(), 1)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case _, ok := <-w.Events():
		if ok {
			t.Fatal("expected closed stream")
		}
	case <-time.After(time.Second):
		t.Fatal("stream not closed")
	}
}
