// Package archive holds zip helpers shared by the extractor and the files resource.
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned for archive entries that resolve outside the target directory.
var ErrPathEscape = errors.New("entry is outside of the target dir")

// SafeJoin joins an externally supplied entry name to dir and checks that
// the result stays strictly inside dir.
func SafeJoin(dir, name string) (string, error) {
	base, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve target dir: %w", err)
	}

	dst := filepath.Join(base, filepath.FromSlash(name))
	if !strings.HasPrefix(dst, base+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, name)
	}

	return dst, nil
}

// CleanName normalizes an entry name into a slash separated relative path.
// Absolute names and names that climb above the root are rejected.
func CleanName(name string) (string, error) {
	n := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	if n == "." || n == ".." || strings.HasPrefix(n, "../") || path.IsAbs(n) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, name)
	}
	return n, nil
}

// File is a named entry written by Write.
type File struct {
	Name string
	Open func() (io.ReadCloser, error)
}

// Write streams files into a zip archive on w.
func Write(w io.Writer, files []File) error {
	zw := zip.NewWriter(w)

	for _, f := range files {
		if err := writeEntry(zw, f); err != nil {
			_ = zw.Close()
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zip: %w", err)
	}

	return nil
}

func writeEntry(zw *zip.Writer, f File) error {
	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer src.Close()

	dst, err := zw.Create(f.Name)
	if err != nil {
		return fmt.Errorf("create entry %s: %w", f.Name, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("write entry %s: %w", f.Name, err)
	}

	return nil
}
