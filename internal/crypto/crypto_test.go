package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAESGCMRoundTrip(t *testing.T) {
	gcm := NewAESGCM()
	key, err := gcm.GenerateKey()
	require.NoError(t, err)
	require.Len(t, key, KeySize)
	nonce, err := gcm.GenerateNonce()
	require.NoError(t, err)
	require.Len(t, nonce, NonceSize)

	plaintext := []byte("attack at dawn")
	ciphertext, err := gcm.Seal(key, nonce, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	got, err := gcm.Open(key, nonce, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestAESGCMRejectsTamperedCiphertext(t *testing.T) {
	gcm := NewAESGCM()
	key, _ := gcm.GenerateKey()
	nonce, _ := gcm.GenerateNonce()
	ciphertext, err := gcm.Seal(key, nonce, []byte("payload"))
	require.NoError(t, err)

	ciphertext[0] ^= 0xff
	_, err = gcm.Open(key, nonce, ciphertext)
	assert.Error(t, err)
}

func TestAESGCMRejectsWrongKey(t *testing.T) {
	gcm := NewAESGCM()
	key, _ := gcm.GenerateKey()
	other, _ := gcm.GenerateKey()
	nonce, _ := gcm.GenerateNonce()
	ciphertext, err := gcm.Seal(key, nonce, []byte("payload"))
	require.NoError(t, err)

	_, err = gcm.Open(other, nonce, ciphertext)
	assert.Error(t, err)
}

func TestFrameSplitFrame(t *testing.T) {
	nonce := make([]byte, NonceSize)
	for i := range nonce {
		nonce[i] = byte(i)
	}
	ciphertext := []byte("ciphertext body")

	blob := Frame(nonce, ciphertext)
	require.Len(t, blob, NonceSize+len(ciphertext))

	gotNonce, gotCiphertext, err := SplitFrame(blob)
	require.NoError(t, err)
	assert.Equal(t, nonce, gotNonce)
	assert.Equal(t, ciphertext, gotCiphertext)
}

func TestSplitFrameShortBlob(t *testing.T) {
	_, _, err := SplitFrame(make([]byte, NonceSize-1))
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestDeriveSharedKeySymmetric(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	k1, err := DeriveSharedKey(alice.PrivateKey, bob.PublicKey)
	require.NoError(t, err)
	k2, err := DeriveSharedKey(bob.PrivateKey, alice.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, KeySize)
}

func TestDeriveSharedKeyDistinctPerPeer(t *testing.T) {
	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()
	carol, _ := GenerateKeyPair()

	withBob, err := DeriveSharedKey(alice.PrivateKey, bob.PublicKey)
	require.NoError(t, err)
	withCarol, err := DeriveSharedKey(alice.PrivateKey, carol.PublicKey)
	require.NoError(t, err)
	assert.NotEqual(t, withBob, withCarol)
}

func TestDeriveSharedKeyBadInput(t *testing.T) {
	alice, _ := GenerateKeyPair()
	_, err := DeriveSharedKey(alice.PrivateKey, "not base64!!")
	assert.Error(t, err)
	_, err = DeriveSharedKey(alice.PrivateKey, "AAAA")
	assert.Error(t, err)
}

func TestSealOpenWithPassphrase(t *testing.T) {
	secret := []byte("private key material")
	blob, err := SealWithPassphrase(secret, "correct horse")
	require.NoError(t, err)
	require.NotEmpty(t, blob.Salt)
	require.NotEmpty(t, blob.IV)

	got, err := OpenWithPassphrase(blob, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, secret, got)
}

func TestOpenWithWrongPassphrase(t *testing.T) {
	blob, err := SealWithPassphrase([]byte("secret"), "right")
	require.NoError(t, err)
	_, err = OpenWithPassphrase(blob, "wrong")
	assert.Error(t, err)
}
