package artifact

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "artifact.bin")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestOpenMapsContent(t *testing.T) {
	content := []byte("GGUF\x02\x00\x00\x00 payload")
	path := writeFile(t, content)

	a, err := Open(path, 0)
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, path, a.Path())
	assert.Equal(t, len(content), a.Len())
	assert.Equal(t, content, a.Bytes())
	assert.Equal(t, []byte("GGUF"), a.Prefix(4))
	assert.Equal(t, content, a.Prefix(1<<20))
	assert.Equal(t, sha256.Sum256(content), a.Digest())
}

func TestOpenErrors(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		_, err := Open(filepath.Join(t.TempDir(), "nope"), 0)
		assert.ErrorIs(t, err, ErrUnreadable)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := Open(writeFile(t, nil), 0)
		assert.ErrorIs(t, err, ErrEmpty)
	})

	t.Run("too large", func(t *testing.T) {
		_, err := Open(writeFile(t, make([]byte, 128)), 64)
		assert.ErrorIs(t, err, ErrTooLarge)
	})

	t.Run("directory", func(t *testing.T) {
		_, err := Open(t.TempDir(), 0)
		assert.ErrorIs(t, err, ErrUnreadable)
	})
}

func TestCloseIsIdempotent(t *testing.T) {
	a, err := Open(writeFile(t, []byte("abc")), 0)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Zero(t, a.Len())
}

func TestFromBytes(t *testing.T) {
	data := []byte("in memory")
	a := FromBytes(data)
	assert.Empty(t, a.Path())
	assert.Equal(t, sha256.Sum256(data), a.Digest())
	require.NoError(t, a.Close())
}
