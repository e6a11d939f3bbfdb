package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestSQLite opens a fresh file-backed database under t.TempDir.
func createTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// runStorageContract exercises the behaviour every backend must share.
func runStorageContract(t *testing.T, s Storage) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		v, found, err := s.Get(ctx, "contract-missing")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, v)
	})

	t.Run("set then get", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "contract-a", []byte(`{"n":1}`)))
		v, found, err := s.Get(ctx, "contract-a")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, `{"n":1}`, string(v))
	})

	t.Run("overwrite", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "contract-b", []byte("one")))
		require.NoError(t, s.Set(ctx, "contract-b", []byte("two")))
		v, _, err := s.Get(ctx, "contract-b")
		require.NoError(t, err)
		assert.Equal(t, "two", string(v))
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "contract-c", []byte("x")))
		require.NoError(t, s.Remove(ctx, "contract-c"))
		_, found, err := s.Get(ctx, "contract-c")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("remove missing is not an error", func(t *testing.T) {
		assert.NoError(t, s.Remove(ctx, "contract-never-set"))
	})

	t.Run("empty key", func(t *testing.T) {
		_, _, err := s.Get(ctx, "")
		assert.ErrorIs(t, err, ErrEmptyKey)
		assert.ErrorIs(t, s.Set(ctx, "", []byte("x")), ErrEmptyKey)
		assert.ErrorIs(t, s.Remove(ctx, ""), ErrEmptyKey)
	})
}
