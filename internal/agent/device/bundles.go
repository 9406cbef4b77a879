package device

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"

	"github.com/bundlenudge/bundlenudge/internal/agent/device/fileio"
	"github.com/bundlenudge/bundlenudge/internal/bnerrors"
)

const bundleDir = "bundles"

// Bundles manages bundle files on disk, keyed by version. Installs are
// atomic: the rename is the last operation, so the loader never observes a
// half-written bundle.
type Bundles struct {
	reader *fileio.Reader
	writer *fileio.Writer
}

func NewBundles(rootDir string) *Bundles {
	reader := fileio.NewReader()
	reader.SetRootdir(rootDir)
	writer := fileio.NewWriter()
	writer.SetRootdir(rootDir)
	return &Bundles{reader: reader, writer: writer}
}

// Path returns the on-disk path of a bundle version.
func (b *Bundles) Path(version string) string {
	return b.reader.PathFor(filepath.Join(bundleDir, version))
}

// Install streams bundle bytes to disk, verifying the hash before the
// rename commits the file. On mismatch nothing is persisted and
// ErrInvalidBundle is returned.
func (b *Bundles) Install(version string, r io.Reader, expectedHash string, progress func(written int64)) error {
	h := sha256.New()
	tee := io.TeeReader(r, h)
	if progress != nil {
		tee = io.TeeReader(tee, progressWriter(progress))
	}
	_, err := b.writer.WriteStream(filepath.Join(bundleDir, version), tee, func(written int64) error {
		if got := hex.EncodeToString(h.Sum(nil)); got != expectedHash {
			return fmt.Errorf("%w: hash %s, expected %s", bnerrors.ErrInvalidBundle, got, expectedHash)
		}
		return nil
	})
	return err
}

// Validate hashes the bundle file on disk and compares to the expected
// hash. An empty expected hash is accepted.
func (b *Bundles) Validate(version, expectedHash string) error {
	if expectedHash == "" {
		return nil
	}
	data, err := b.reader.ReadFile(filepath.Join(bundleDir, version))
	if err != nil {
		return fmt.Errorf("%w: reading bundle %s: %v", bnerrors.ErrInvalidBundle, version, err)
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != expectedHash {
		return fmt.Errorf("%w: bundle %s hash %s, expected %s", bnerrors.ErrInvalidBundle, version, got, expectedHash)
	}
	return nil
}

// Remove deletes a bundle version from disk; missing files are ignored.
func (b *Bundles) Remove(version string) error {
	return b.writer.RemoveFile(filepath.Join(bundleDir, version))
}

type progressWriter func(written int64)

func (p progressWriter) Write(b []byte) (int, error) {
	p(int64(len(b)))
	return len(b), nil
}
