package fileio

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio"
)

const (
	defaultDirectoryPermissions os.FileMode = 0o755
	DefaultFilePermissions      os.FileMode = 0o644
)

// Writer writes files on the device. Every write is atomic: a half-written
// file is never observable at the target path.
type Writer struct {
	// rootDir scopes all paths, useful for testing
	rootDir string
}

func NewWriter() *Writer {
	return &Writer{}
}

// SetRootdir sets the root directory for the writer, useful for testing
func (w *Writer) SetRootdir(path string) {
	w.rootDir = path
}

func (w *Writer) PathFor(filePath string) string {
	return filepath.Join(w.rootDir, filePath)
}

// WriteFile writes data to the file at the path with the provided
// permissions.
func (w *Writer) WriteFile(name string, data []byte, perm os.FileMode) error {
	fpath := w.PathFor(name)
	dir := filepath.Dir(fpath)
	if err := os.MkdirAll(dir, defaultDirectoryPermissions); err != nil {
		return fmt.Errorf("failed to create directory %q: %w", dir, err)
	}
	t, err := renameio.TempFile(dir, fpath)
	if err != nil {
		return err
	}
	defer func() {
		_ = t.Cleanup()
	}()
	if err := t.Chmod(perm); err != nil {
		return err
	}
	buf := bufio.NewWriter(t)
	if _, err := buf.Write(data); err != nil {
		return err
	}
	if err := buf.Flush(); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}

// WriteStream streams r to the file at the path, committing only after the
// commit callback approves the fully written bytes. The callback receives
// the byte count; returning an error discards the temporary file.
func (w *Writer) WriteStream(name string, r io.Reader, commit func(written int64) error) (int64, error) {
	fpath := w.PathFor(name)
	dir := filepath.Dir(fpath)
	if err := os.MkdirAll(dir, defaultDirectoryPermissions); err != nil {
		return 0, fmt.Errorf("failed to create directory %q: %w", dir, err)
	}
	t, err := renameio.TempFile(dir, fpath)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = t.Cleanup()
	}()
	if err := t.Chmod(DefaultFilePermissions); err != nil {
		return 0, err
	}
	written, err := io.Copy(t, r)
	if err != nil {
		return written, err
	}
	if commit != nil {
		if err := commit(written); err != nil {
			return written, err
		}
	}
	return written, t.CloseAtomicallyReplace()
}

// RemoveFile deletes the file at the path; a missing file is not an error.
func (w *Writer) RemoveFile(name string) error {
	err := os.Remove(w.PathFor(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
