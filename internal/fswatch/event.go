// Package fswatch delivers inotify events for a directory tree of bounded
// depth.
package fswatch

import "errors"

// ErrUnsupported is returned by New on platforms without inotify.
var ErrUnsupported = errors.New("fswatch: inotify not available on this platform")

// Event is a change observed in a watched directory.
type Event struct {
	// Path is the absolute path of the entry that changed.
	Path  string
	IsDir bool
	// Created is set for IN_CREATE; such files may still be open for writing.
	Created bool
}
