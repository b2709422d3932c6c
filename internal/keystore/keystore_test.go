package keystore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	zychat_errors "zychat-core/pkg/errors"
)

func TestSaveLoadPrivateKey(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "passphrase")
	require.NoError(t, err)

	require.NoError(t, store.SavePrivateKey("alice", "private key material"))
	assert.True(t, store.HasPrivateKey("alice"))

	got, err := store.LoadPrivateKey("alice")
	require.NoError(t, err)
	assert.Equal(t, "private key material", got)
}

func TestLoadMissingKey(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "passphrase")
	require.NoError(t, err)

	assert.False(t, store.HasPrivateKey("nobody"))
	_, err = store.LoadPrivateKey("nobody")
	assert.ErrorIs(t, err, zychat_errors.ErrNotFound)
}

func TestLoadWithWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, "right")
	require.NoError(t, err)
	require.NoError(t, store.SavePrivateKey("alice", "secret"))

	other, err := NewFileStore(dir, "wrong")
	require.NoError(t, err)
	_, err = other.LoadPrivateKey("alice")
	assert.Error(t, err)
}

func TestNewFileStoreRequiresDir(t *testing.T) {
	_, err := NewFileStore("", "passphrase")
	assert.Error(t, err)
}
