package httpx

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/splax/localvercel/edge/internal/domain"
)

const indexFile = "index.html"

// serveStatic serves req from the route's build root. Paths that resolve
// outside the root, including through symlinks, are refused with 403.
func (d *Dispatcher) serveStatic(w http.ResponseWriter, req *http.Request, route *domain.Route) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	root := route.BuildPath
	if root == "" {
		d.logger.Error("static route has no build path", "domain", route.Domain)
		writeError(w, http.StatusInternalServerError, "static route misconfigured")
		return
	}
	root = filepath.Clean(root)

	target := filepath.Join(root, filepath.FromSlash(req.URL.Path))
	if !within(root, target) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		d.logger.Warn("static root unavailable", "domain", route.Domain, "root", root, "error", err)
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	resolved, err := filepath.EvalSymlinks(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if !within(realRoot, resolved) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	info, err := os.Stat(resolved)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if info.IsDir() {
		resolved = filepath.Join(resolved, indexFile)
		info, err = os.Stat(resolved)
		if err != nil || info.IsDir() {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
	}

	file, err := os.Open(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	defer file.Close()
	http.ServeContent(w, req, info.Name(), info.ModTime(), file)
}

// within reports whether path is root or lies beneath it.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
