//go:build linux

package fswatch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	watchMask = unix.IN_CLOSE_WRITE | unix.IN_MOVED_TO | unix.IN_CREATE | unix.IN_DELETE_SELF | unix.IN_MOVE_SELF
	pollMS    = 100
	eventBuf  = 256
)

// Watcher watches a root and its subdirectories down to MaxDepth levels.
type Watcher struct {
	fd       int
	root     string
	maxDepth int

	mu   sync.Mutex
	dirs map[int]string

	events chan Event
	errs   chan error
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// New starts watching root. Directories that appear later are picked up
// automatically while within maxDepth of the root.
func New(root string, maxDepth int) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify init: %w", err)
	}
	w := &Watcher{
		fd:       fd,
		root:     abs,
		maxDepth: maxDepth,
		dirs:     make(map[int]string),
		events:   make(chan Event, eventBuf),
		errs:     make(chan error, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := w.addTree(abs); err != nil {
		unix.Close(fd)
		return nil, err
	}
	go w.loop()
	return w, nil
}

// Events returns the event stream. It is closed after Close.
func (w *Watcher) Events() <-chan Event { return w.events }

// Errors reports a fatal read error; the watcher stops after sending one.
func (w *Watcher) Errors() <-chan error { return w.errs }

// Close stops the watcher and releases the inotify descriptor.
func (w *Watcher) Close() error {
	w.once.Do(func() { close(w.stop) })
	<-w.done
	return nil
}

func (w *Watcher) depth(dir string) int {
	rel, err := filepath.Rel(w.root, dir)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(filepath.ToSlash(rel), "/") + 1
}

func (w *Watcher) addTree(dir string) error {
	if w.depth(dir) > w.maxDepth {
		return nil
	}
	wd, err := unix.InotifyAddWatch(w.fd, dir, watchMask)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil
		}
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.mu.Lock()
	w.dirs[wd] = dir
	w.mu.Unlock()

	// Subdirectories created before the watch was installed.
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			if err := w.addTree(filepath.Join(dir, entry.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	defer close(w.events)
	defer unix.Close(w.fd)

	buffer := make([]byte, 64*1024)
	for {
		select {
		case <-w.stop:
			return
		default:
		}

		fds := []unix.PollFd{{Fd: int32(w.fd), Events: unix.POLLIN}}
		count, err := unix.Poll(fds, pollMS)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			w.fail(fmt.Errorf("poll inotify: %w", err))
			return
		}
		if count == 0 {
			continue
		}

		n, err := unix.Read(w.fd, buffer)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			w.fail(fmt.Errorf("read inotify: %w", err))
			return
		}
		for _, ev := range w.parse(buffer[:n]) {
			select {
			case w.events <- ev:
			case <-w.stop:
				return
			}
		}
	}
}

func (w *Watcher) fail(err error) {
	select {
	case w.errs <- err:
	default:
	}
}

// parse walks the inotify_event records in buf. Layout from inotify(7):
// wd int32, mask uint32, cookie uint32, len uint32, name[len].
func (w *Watcher) parse(buf []byte) []Event {
	var out []Event
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buf) {
		wd := int(int32(binary.NativeEndian.Uint32(buf[offset : offset+4])))
		mask := binary.NativeEndian.Uint32(buf[offset+4 : offset+8])
		nameLen := int(binary.NativeEndian.Uint32(buf[offset+12 : offset+16]))
		size := unix.SizeofInotifyEvent + nameLen
		if offset+size > len(buf) {
			break
		}
		name := nullTerminated(buf[offset+unix.SizeofInotifyEvent : offset+size])
		offset += size

		w.mu.Lock()
		dir, ok := w.dirs[wd]
		if mask&unix.IN_IGNORED != 0 {
			delete(w.dirs, wd)
		}
		w.mu.Unlock()
		if !ok || name == "" {
			continue
		}

		path := filepath.Join(dir, name)
		isDir := mask&unix.IN_ISDIR != 0
		if isDir && mask&(unix.IN_CREATE|unix.IN_MOVED_TO) != 0 && !strings.HasPrefix(name, ".") {
			_ = w.addTree(path)
		}
		out = append(out, Event{Path: path, IsDir: isDir, Created: mask&unix.IN_CREATE != 0})
	}
	return out
}

func nullTerminated(data []byte) string {
	for i, b := range data {
		if b == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}
