package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned for paths that do not resolve under the root.
var ErrOutsideRoot = errors.New("path outside watch root")

const scratchDir = ".edge-tmp"

// Manager owns deployment directories under the watch root.
type Manager struct {
	root string
}

// New ensures the root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute watch root.
func (m *Manager) Root() string { return m.root }

// Contains reports whether path lies strictly below the root.
func (m *Manager) Contains(path string) bool {
	_, err := m.ID(path)
	return err == nil
}

// ID returns the deployment identifier for dir: its slash-separated path
// relative to the root.
func (m *Manager) ID(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(m.root, abs)
	if err != nil || rel == "." || rel == "" || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, dir)
	}
	return filepath.ToSlash(rel), nil
}

// Path resolves an identifier back to a directory under the root.
func (m *Manager) Path(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("workspace identifier cannot be empty")
	}
	dir := filepath.Join(m.root, filepath.FromSlash(id))
	if _, err := m.ID(dir); err != nil {
		return "", err
	}
	return dir, nil
}

// IsTopLevel reports whether dir sits directly under the root.
func (m *Manager) IsTopLevel(dir string) bool {
	id, err := m.ID(dir)
	return err == nil && !strings.Contains(id, "/")
}

// CustomerPath returns <root>/<customerID>/<name>.
func (m *Manager) CustomerPath(customerID, name string) (string, error) {
	if customerID == "" || name == "" {
		return "", fmt.Errorf("customer and name are required")
	}
	if strings.ContainsAny(customerID+name, `/\`) || customerID == ".." || name == ".." {
		return "", fmt.Errorf("%w: %s/%s", ErrOutsideRoot, customerID, name)
	}
	return m.Path(customerID + "/" + name)
}

// Relocate moves dir to <root>/<customerID>/<name>. An existing target is
// replaced. Returns the new path; relocating onto itself is a no-op.
func (m *Manager) Relocate(dir, customerID, name string) (string, error) {
	if !m.Contains(dir) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, dir)
	}
	target, err := m.CustomerPath(customerID, name)
	if err != nil {
		return "", err
	}
	if filepath.Clean(dir) == target {
		return target, nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create customer dir: %w", err)
	}
	if err := os.RemoveAll(target); err != nil {
		return "", fmt.Errorf("clear relocation target: %w", err)
	}
	if err := os.Rename(dir, target); err != nil {
		return "", fmt.Errorf("relocate %s: %w", dir, err)
	}
	return target, nil
}

// Scratch creates a temporary directory on the same filesystem as the root
// so promoted contents can be renamed into place.
func (m *Manager) Scratch(prefix string) (string, error) {
	base := filepath.Join(m.root, scratchDir)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", fmt.Errorf("create scratch root: %w", err)
	}
	return os.MkdirTemp(base, prefix+"-*")
}

// IsScratch reports whether path is inside the scratch area.
func (m *Manager) IsScratch(path string) bool {
	id, err := m.ID(path)
	return err == nil && (id == scratchDir || strings.HasPrefix(id, scratchDir+"/"))
}

// Cleanup removes a directory within the root.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	if !m.Contains(path) {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}

// CleanupByID removes the directory associated with the identifier.
func (m *Manager) CleanupByID(identifier string) error {
	dir, err := m.Path(identifier)
	if err != nil {
		return err
	}
	return m.Cleanup(dir)
}

// Deployments lists candidate deployment directories: direct children of
// the root and children of customer folders. A direct child counts as a
// customer folder when it holds no descriptor or archive itself.
func (m *Manager) Deployments(isCandidate func(dir string) bool) ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dir := filepath.Join(m.root, entry.Name())
		if isCandidate(dir) {
			out = append(out, dir)
			continue
		}
		children, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, child := range children {
			if !child.IsDir() || strings.HasPrefix(child.Name(), ".") {
				continue
			}
			sub := filepath.Join(dir, child.Name())
			if isCandidate(sub) {
				out = append(out, sub)
			}
		}
	}
	return out, nil
}
