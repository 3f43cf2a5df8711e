package archive

import (
	"archive/tar"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

func extractTar(ctx context.Context, src, dest string, f format) error {
	fh, err := os.Open(src)
	if err != nil {
		return err
	}
	defer fh.Close()

	var stream io.Reader = fh
	switch f {
	case formatTarGzip:
		gz, err := gzip.NewReader(fh)
		if err != nil {
			return fmt.Errorf("gzip: %w", err)
		}
		defer gz.Close()
		stream = gz
	case formatTarZstd:
		dec, err := zstd.NewReader(fh)
		if err != nil {
			return fmt.Errorf("zstd: %w", err)
		}
		defer dec.Close()
		stream = dec
	case formatTarLZ4:
		stream = lz4.NewReader(fh)
	case formatTarBzip2:
		stream = bzip2.NewReader(fh)
	}

	tr := tar.NewReader(stream)
	entries := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("tar: %w", err)
		}
		entries++
		if err := writeTarEntry(tr, hdr, dest); err != nil {
			return err
		}
	}
	if entries == 0 {
		return errors.New("tar: empty archive")
	}
	return nil
}

func writeTarEntry(tr *tar.Reader, hdr *tar.Header, dest string) error {
	switch hdr.Typeflag {
	case tar.TypeXGlobalHeader, tar.TypeXHeader:
		return nil
	}
	target, err := safeJoin(dest, hdr.Name)
	if err != nil {
		return err
	}
	if target == dest {
		return nil
	}
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, dirMode(hdr.FileInfo().Mode()))
	case tar.TypeReg:
		return writeFile(target, tr, hdr.FileInfo().Mode())
	case tar.TypeSymlink:
		if !safeLink(hdr.Name, hdr.Linkname) {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		_ = os.RemoveAll(target)
		return os.Symlink(hdr.Linkname, target)
	case tar.TypeLink:
		source, err := safeJoin(dest, hdr.Linkname)
		if err != nil {
			return nil
		}
		if info, err := os.Lstat(source); err != nil || !info.Mode().IsRegular() {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		_ = os.RemoveAll(target)
		return os.Link(source, target)
	default:
		// Devices, fifos and other specials are not deployable payload.
		return nil
	}
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	// Never write through a pre-existing symlink.
	_ = os.Remove(target)
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_EXCL, fileMode(mode))
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func fileMode(mode os.FileMode) os.FileMode {
	return mode.Perm()&0o755 | 0o600
}

func dirMode(mode os.FileMode) os.FileMode {
	return mode.Perm() | 0o700
}
