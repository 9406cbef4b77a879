package fileio

import (
	"fmt"
	"os"
	"path/filepath"
)

// Reader reads files from the device.
type Reader struct {
	// rootDir scopes all paths, useful for testing
	rootDir string
}

func NewReader() *Reader {
	return &Reader{}
}

// SetRootdir sets the root directory for the reader, useful for testing
func (r *Reader) SetRootdir(path string) {
	r.rootDir = path
}

// PathFor returns the full path for the provided file, useful for functions
// and libraries that don't work with the fileio.Reader
func (r *Reader) PathFor(filePath string) string {
	return filepath.Join(r.rootDir, filePath)
}

// ReadFile reads the file at the provided path
func (r *Reader) ReadFile(filePath string) ([]byte, error) {
	return os.ReadFile(r.PathFor(filePath))
}

// CheckPathExists returns an error if the path does not exist or cannot be
// checked.
func (r *Reader) CheckPathExists(filePath string) error {
	_, err := os.Stat(r.PathFor(filePath))
	if err != nil && os.IsNotExist(err) {
		return fmt.Errorf("path does not exist: %s", filePath)
	}
	if err != nil {
		return fmt.Errorf("error checking path: %w", err)
	}
	return nil
}
