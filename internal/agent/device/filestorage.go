package device

import (
	"os"
	"strings"

	"github.com/bundlenudge/bundlenudge/internal/agent/device/fileio"
)

// FileKeyValue is a file-backed KeyValue for tests and the device
// simulator, where no host key/value store exists. Each key maps to one
// file; writes are atomic.
type FileKeyValue struct {
	reader *fileio.Reader
	writer *fileio.Writer
}

var _ KeyValue = (*FileKeyValue)(nil)

func NewFileKeyValue(rootDir string) *FileKeyValue {
	reader := fileio.NewReader()
	reader.SetRootdir(rootDir)
	writer := fileio.NewWriter()
	writer.SetRootdir(rootDir)
	return &FileKeyValue{reader: reader, writer: writer}
}

func (s *FileKeyValue) Get(key string) ([]byte, error) {
	data, err := s.reader.ReadFile(keyToFilename(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

func (s *FileKeyValue) Set(key string, value []byte) error {
	return s.writer.WriteFile(keyToFilename(key), value, fileio.DefaultFilePermissions)
}

func keyToFilename(key string) string {
	replacer := strings.NewReplacer("@", "", ":", "_", "/", "_")
	return replacer.Replace(key) + ".json"
}
