package device

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"testing"

	"github.com/bundlenudge/bundlenudge/internal/bnerrors"
	"github.com/stretchr/testify/require"
)

func hashOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func TestInstallCommitsOnMatchingHash(t *testing.T) {
	require := require.New(t)
	bundles := NewBundles(t.TempDir())

	content := []byte("var bundle = 1;")
	require.NoError(bundles.Install("1.0.0", bytes.NewReader(content), hashOf(content), nil))

	data, err := os.ReadFile(bundles.Path("1.0.0"))
	require.NoError(err)
	require.Equal(content, data)

	require.NoError(bundles.Validate("1.0.0", hashOf(content)))
}

func TestInstallRejectsHashMismatch(t *testing.T) {
	require := require.New(t)
	bundles := NewBundles(t.TempDir())

	content := []byte("var bundle = 1;")
	err := bundles.Install("1.0.0", bytes.NewReader(content), hashOf([]byte("other")), nil)
	require.ErrorIs(err, bnerrors.ErrInvalidBundle)

	// nothing observable at the target path
	_, err = os.Stat(bundles.Path("1.0.0"))
	require.True(os.IsNotExist(err))
}

func TestInstallReportsProgress(t *testing.T) {
	require := require.New(t)
	bundles := NewBundles(t.TempDir())

	content := bytes.Repeat([]byte("x"), 100_000)
	var written int64
	require.NoError(bundles.Install("1.0.0", bytes.NewReader(content), hashOf(content), func(n int64) {
		written += n
	}))
	require.Equal(int64(len(content)), written)
}

func TestValidate(t *testing.T) {
	require := require.New(t)
	bundles := NewBundles(t.TempDir())

	content := []byte("var bundle = 1;")
	require.NoError(bundles.Install("1.0.0", bytes.NewReader(content), hashOf(content), nil))

	// empty expected hash is accepted
	require.NoError(bundles.Validate("1.0.0", ""))

	err := bundles.Validate("1.0.0", hashOf([]byte("other")))
	require.ErrorIs(err, bnerrors.ErrInvalidBundle)

	err = bundles.Validate("9.9.9", hashOf(content))
	require.ErrorIs(err, bnerrors.ErrInvalidBundle)
}

func TestRemove(t *testing.T) {
	require := require.New(t)
	bundles := NewBundles(t.TempDir())

	content := []byte("var bundle = 1;")
	require.NoError(bundles.Install("1.0.0", bytes.NewReader(content), hashOf(content), nil))
	require.NoError(bundles.Remove("1.0.0"))

	_, err := os.Stat(bundles.Path("1.0.0"))
	require.True(os.IsNotExist(err))

	// removing a missing bundle is not an error
	require.NoError(bundles.Remove("1.0.0"))
}

func TestFileKeyValueRoundTrip(t *testing.T) {
	require := require.New(t)
	kv := NewFileKeyValue(t.TempDir())

	missing, err := kv.Get(MetadataKey)
	require.NoError(err)
	require.Nil(missing)

	require.NoError(kv.Set(MetadataKey, []byte(`{"deviceId":"d"}`)))
	got, err := kv.Get(MetadataKey)
	require.NoError(err)
	require.Equal([]byte(`{"deviceId":"d"}`), got)
}
