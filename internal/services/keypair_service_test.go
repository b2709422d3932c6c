package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zychat-core/internal/keystore"
	"zychat-core/internal/signal"
	zychat_errors "zychat-core/pkg/errors"
)

func newKeyPairFixture(t *testing.T, channel signal.Channel) *KeyPairService {
	t.Helper()
	store, err := keystore.NewFileStore(t.TempDir(), "device passphrase")
	require.NoError(t, err)
	return NewKeyPairService(channel, store, nil)
}

func TestEnsureUserKeysIdempotent(t *testing.T) {
	ctx := context.Background()
	channel := signal.NewMemoryChannel()
	svc := newKeyPairFixture(t, channel)

	require.NoError(t, svc.EnsureUserKeys(ctx, "alice"))
	first, err := svc.PublicKey(ctx, "alice")
	require.NoError(t, err)
	require.NotEmpty(t, first)

	// Second call must keep the existing pair.
	require.NoError(t, svc.EnsureUserKeys(ctx, "alice"))
	second, err := svc.PublicKey(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEnsureUserKeysRegeneratesWithoutLocalPrivateKey(t *testing.T) {
	ctx := context.Background()
	channel := signal.NewMemoryChannel()

	first := newKeyPairFixture(t, channel)
	require.NoError(t, first.EnsureUserKeys(ctx, "alice"))
	oldKey, err := first.PublicKey(ctx, "alice")
	require.NoError(t, err)

	// Fresh device: same published key, empty local keystore.
	second := newKeyPairFixture(t, channel)
	require.NoError(t, second.EnsureUserKeys(ctx, "alice"))
	newKey, err := second.PublicKey(ctx, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, oldKey, newKey)
}

func TestPublicKeyUnknownUser(t *testing.T) {
	svc := newKeyPairFixture(t, signal.NewMemoryChannel())
	_, err := svc.PublicKey(context.Background(), "nobody")
	assert.ErrorIs(t, err, zychat_errors.ErrNotFound)
}

func TestSharedKeySymmetric(t *testing.T) {
	ctx := context.Background()
	channel := signal.NewMemoryChannel()
	store, err := keystore.NewFileStore(t.TempDir(), "device passphrase")
	require.NoError(t, err)
	svc := NewKeyPairService(channel, store, nil)

	require.NoError(t, svc.EnsureUserKeys(ctx, "alice"))
	require.NoError(t, svc.EnsureUserKeys(ctx, "bob"))

	aliceToBob, err := svc.SharedKeyWith(ctx, "alice", "bob")
	require.NoError(t, err)
	bobToAlice, err := svc.SharedKeyWith(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, aliceToBob, bobToAlice)
	assert.Len(t, aliceToBob, 32)
}

func TestSharedKeyWithoutLocalPrivateKey(t *testing.T) {
	ctx := context.Background()
	channel := signal.NewMemoryChannel()
	svc := newKeyPairFixture(t, channel)
	require.NoError(t, svc.EnsureUserKeys(ctx, "bob"))

	_, err := svc.SharedKeyWith(ctx, "alice", "bob")
	assert.ErrorIs(t, err, zychat_errors.ErrKeyUnavailable)
}
