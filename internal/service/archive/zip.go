package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const maxSymlinkTarget = 4096

func extractZip(ctx context.Context, src, dest string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("zip: %w", err)
	}
	defer zr.Close()
	if len(zr.File) == 0 {
		return errors.New("zip: empty archive")
	}

	for _, file := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writeZipEntry(file, dest); err != nil {
			return err
		}
	}
	return nil
}

func writeZipEntry(file *zip.File, dest string) error {
	target, err := safeJoin(dest, file.Name)
	if err != nil {
		return err
	}
	if target == dest {
		return nil
	}
	mode := file.Mode()
	switch {
	case file.FileInfo().IsDir():
		return os.MkdirAll(target, dirMode(mode))
	case mode&os.ModeSymlink != 0:
		rc, err := file.Open()
		if err != nil {
			return err
		}
		link, err := io.ReadAll(io.LimitReader(rc, maxSymlinkTarget))
		rc.Close()
		if err != nil {
			return err
		}
		if !safeLink(file.Name, string(link)) {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		_ = os.RemoveAll(target)
		return os.Symlink(string(link), target)
	case mode.IsRegular():
		rc, err := file.Open()
		if err != nil {
			return fmt.Errorf("zip: open %s: %w", file.Name, err)
		}
		defer rc.Close()
		if err := writeFile(target, rc, mode); err != nil {
			return fmt.Errorf("zip: write %s: %w", file.Name, err)
		}
		return nil
	default:
		return nil
	}
}
