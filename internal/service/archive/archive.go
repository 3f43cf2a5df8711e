// Package archive unpacks uploaded deployment archives into deployment
// directories, removing a single redundant wrapper directory.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/splax/localvercel/edge/internal/domain"
)

type format int

const (
	formatUnknown format = iota
	formatTar
	formatTarGzip
	formatTarZstd
	formatTarLZ4
	formatTarBzip2
	formatTarXz
	formatZip
)

var suffixes = []struct {
	suffix string
	format format
}{
	{".tar.gz", formatTarGzip},
	{".tgz", formatTarGzip},
	{".tar.zst", formatTarZstd},
	{".tzst", formatTarZstd},
	{".tar.lz4", formatTarLZ4},
	{".tar.bz2", formatTarBzip2},
	{".tbz2", formatTarBzip2},
	{".tar.xz", formatTarXz},
	{".txz", formatTarXz},
	{".tar", formatTar},
	{".zip", formatZip},
}

// macOS zip tooling adds this alongside the real payload.
const resourceForkDir = "__MACOSX"

// IsArchive reports whether name has a recognised archive extension.
func IsArchive(name string) bool {
	return formatFromName(name) != formatUnknown
}

// Stem strips a recognised archive extension from name.
func Stem(name string) string {
	lower := strings.ToLower(name)
	for _, s := range suffixes {
		if strings.HasSuffix(lower, s.suffix) {
			return name[:len(name)-len(s.suffix)]
		}
	}
	return name
}

func formatFromName(name string) format {
	lower := strings.ToLower(name)
	for _, s := range suffixes {
		if strings.HasSuffix(lower, s.suffix) {
			return s.format
		}
	}
	return formatUnknown
}

// FindSingle returns the only archive file directly inside dir.
func FindSingle(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	var found string
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !IsArchive(entry.Name()) {
			continue
		}
		if found != "" {
			return "", false
		}
		found = filepath.Join(dir, entry.Name())
	}
	return found, found != ""
}

// Extractor unpacks archives.
type Extractor struct {
	logger *slog.Logger
	// bsdtar is the external fallback binary; empty disables it.
	bsdtar string
}

// New constructs an Extractor, detecting bsdtar on PATH.
func New(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	bin, _ := exec.LookPath("bsdtar")
	return &Extractor{logger: logger.With("component", "archive"), bsdtar: bin}
}

// Extract unpacks src into dest. src may be an archive file or a directory
// holding exactly one archive. Existing entries in dest with the same name
// as payload entries are replaced. Every failure wraps domain.ErrExtraction.
func (e *Extractor) Extract(ctx context.Context, src, dest string) error {
	if info, err := os.Stat(src); err == nil && info.IsDir() {
		single, ok := FindSingle(src)
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrExtraction, filepath.Base(src))
		}
		src = single
	}
	name := filepath.Base(src)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	scratch, err := os.MkdirTemp(filepath.Dir(filepath.Clean(dest)), ".extract-*")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	if err := e.unpack(ctx, src, scratch); err != nil {
		e.logger.Warn("archive extraction failed", "archive", src, "error", err)
		return fmt.Errorf("%w: %s", domain.ErrExtraction, name)
	}
	if err := promote(scratch, dest); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrExtraction, name, err)
	}
	e.logger.Info("archive extracted", "archive", src, "dest", dest)
	return nil
}

func (e *Extractor) unpack(ctx context.Context, src, dest string) error {
	f := formatFromName(src)
	if f == formatUnknown || f == formatTarXz {
		sniffed, err := sniff(src)
		if err != nil {
			return err
		}
		if sniffed != formatUnknown {
			f = sniffed
		}
	}

	var err error
	switch f {
	case formatZip:
		err = extractZip(ctx, src, dest)
	case formatTar, formatTarGzip, formatTarZstd, formatTarLZ4, formatTarBzip2:
		err = extractTar(ctx, src, dest, f)
	default:
		err = errUnsupported
	}
	if err == nil {
		return nil
	}
	if e.bsdtar == "" {
		return err
	}
	// A file that failed native extraction may still be a format bsdtar
	// knows (xz, 7z, rar, cpio).
	if cleanErr := clearDir(dest); cleanErr != nil {
		return cleanErr
	}
	if fbErr := e.runBsdtar(ctx, src, dest); fbErr != nil {
		return errors.Join(err, fbErr)
	}
	return nil
}

var errUnsupported = errors.New("unsupported archive format")

var magics = []struct {
	offset int
	magic  []byte
	format format
}{
	{0, []byte("PK\x03\x04"), formatZip},
	{0, []byte("PK\x05\x06"), formatZip},
	{0, []byte{0x1f, 0x8b}, formatTarGzip},
	{0, []byte{0x28, 0xb5, 0x2f, 0xfd}, formatTarZstd},
	{0, []byte{0x04, 0x22, 0x4d, 0x18}, formatTarLZ4},
	{0, []byte("BZh"), formatTarBzip2},
	{0, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}, formatTarXz},
	{257, []byte("ustar"), formatTar},
}

func sniff(path string) (format, error) {
	fh, err := os.Open(path)
	if err != nil {
		return formatUnknown, err
	}
	defer fh.Close()
	head := make([]byte, 512)
	n, err := io.ReadFull(fh, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return formatUnknown, err
	}
	head = head[:n]
	for _, m := range magics {
		if len(head) >= m.offset+len(m.magic) && bytes.Equal(head[m.offset:m.offset+len(m.magic)], m.magic) {
			return m.format, nil
		}
	}
	return formatUnknown, nil
}

func (e *Extractor) runBsdtar(ctx context.Context, src, dest string) error {
	cmd := exec.CommandContext(ctx, e.bsdtar, "-x", "-f", src, "-C", dest, "--no-same-owner")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("bsdtar: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// promote moves the payload from scratch into dest, unwrapping a single
// top-level directory.
func promote(scratch, dest string) error {
	root := scratch
	entries, err := payloadEntries(scratch)
	if err != nil {
		return err
	}
	if len(entries) == 1 && entries[0].IsDir() {
		root = filepath.Join(scratch, entries[0].Name())
	}
	if err := sanitizeTree(root); err != nil {
		return err
	}
	if entries, err = payloadEntries(root); err != nil {
		return err
	}
	for _, entry := range entries {
		target := filepath.Join(dest, entry.Name())
		if err := os.RemoveAll(target); err != nil {
			return err
		}
		if err := os.Rename(filepath.Join(root, entry.Name()), target); err != nil {
			return err
		}
	}
	return nil
}

func payloadEntries(dir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, entry := range entries {
		if entry.Name() == resourceForkDir {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// sanitizeTree removes every symlink under root that is dangling or whose
// physical target lies outside root.
func sanitizeTree(root string) error {
	base, err := filepath.EvalSymlinks(root)
	if err != nil {
		return err
	}
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&os.ModeSymlink == 0 {
			return nil
		}
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil || !within(base, resolved) {
			return os.Remove(path)
		}
		return nil
	})
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// safeJoin resolves an archive entry name under root, rejecting absolute
// paths and any entry that escapes root.
func safeJoin(root, name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	if name == "" || strings.HasPrefix(name, "/") || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("illegal entry path %q", name)
	}
	target := filepath.Join(root, filepath.FromSlash(name))
	if !within(root, target) {
		return "", fmt.Errorf("entry %q escapes destination", name)
	}
	if err := noLinkedParents(root, target); err != nil {
		return "", fmt.Errorf("entry %q: %w", name, err)
	}
	return target, nil
}

// noLinkedParents fails when any existing directory between root and
// target's parent is a symlink, so an entry lands exactly where its name
// says and never behind a link planted by an earlier entry.
func noLinkedParents(root, target string) error {
	rel, err := filepath.Rel(root, filepath.Dir(target))
	if err != nil || rel == "." {
		return err
	}
	cur := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("path passes through symlink %s", part)
		}
	}
	return nil
}

// safeLink reports whether a symlink at entry (slash path relative to the
// extraction root) pointing to target stays inside the root.
func safeLink(entry, target string) bool {
	if target == "" || strings.HasPrefix(target, "/") || filepath.IsAbs(target) {
		return false
	}
	resolved := filepath.ToSlash(filepath.Clean(filepath.Join(filepath.Dir(filepath.FromSlash(entry)), filepath.FromSlash(target))))
	return resolved != ".." && !strings.HasPrefix(resolved, "../")
}
