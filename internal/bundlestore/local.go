package bundlestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
)

const localScheme = "local://"

// LocalStore is a directory-backed bundle store for development and tests.
// Files are stored under their content hash.
type LocalStore struct {
	dir string
}

var _ Store = (*LocalStore)(nil)

func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating bundle directory: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

func (s *LocalStore) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	hash, ok := strings.CutPrefix(url, localScheme)
	if !ok {
		return nil, fmt.Errorf("unsupported bundle url %q", url)
	}
	return os.Open(filepath.Join(s.dir, hash))
}

func (s *LocalStore) Put(ctx context.Context, hash string, r io.Reader) (string, error) {
	path := filepath.Join(s.dir, hash)
	t, err := renameio.TempFile("", path)
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	defer t.Cleanup() //nolint:errcheck
	if _, err := io.Copy(t, r); err != nil {
		return "", fmt.Errorf("writing bundle: %w", err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return "", fmt.Errorf("committing bundle: %w", err)
	}
	return localScheme + hash, nil
}
