package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded, "fresh store should have no principal")

	require.NoError(t, store.Save("figure_ai_1700000000000_abc123def"))

	loaded, err = store.Load()
	require.NoError(t, err)
	assert.Equal(t, "figure_ai_1700000000000_abc123def", loaded)
}

func TestFileStoreSaveIsIdempotent(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Save("principal-a"))
	require.NoError(t, store.Save("principal-a"))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "principal-a", loaded)
}

func TestFileStoreTrimsWhitespace(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, principalFileName), []byte("  padded-id \n"), 0o600))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "padded-id", loaded)
}

func TestFileStoreRejectsEmptyPrincipal(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	assert.Error(t, store.Save(""))
	assert.Error(t, store.Save("   "))
}

func TestFileStoreRefusesSymlink(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	target := filepath.Join(dir, "target")
	require.NoError(t, os.WriteFile(target, []byte("hijacked"), 0o600))
	require.NoError(t, os.Symlink(target, filepath.Join(dir, principalFileName)))

	_, err = store.Load()
	assert.ErrorIs(t, err, errUnsafePrincipalPath)

	err = store.Save("new-principal")
	assert.ErrorIs(t, err, errUnsafePrincipalPath)
}

func TestFileStoreRejectsOversizedFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	big := make([]byte, maxPrincipalFileSize+1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, principalFileName), big, 0o600))

	_, err = store.Load()
	assert.ErrorIs(t, err, errUnsafePrincipalPath)
}

func TestFileStoreWritesOwnerOnly(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Save("perm-check"))

	info, err := os.Stat(filepath.Join(dir, principalFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStoreDeleteMissingIsNoError(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, store.Delete())
}
