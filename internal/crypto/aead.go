package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
)

// AES-256-GCM with a fixed 12-byte nonce. These constants are part of
// the wire format shared with every existing client; do not change them.
const (
	KeySize   = 32
	NonceSize = 12
)

var ErrCiphertextTooShort = errors.New("ciphertext shorter than nonce")

// AEAD is the symmetric cipher provider used by the encryption engine.
type AEAD interface {
	GenerateKey() ([]byte, error)
	GenerateNonce() ([]byte, error)
	Seal(key, nonce, plaintext []byte) ([]byte, error)
	Open(key, nonce, ciphertext []byte) ([]byte, error)
}

// AESGCM implements AEAD with the standard library cipher.
type AESGCM struct{}

func NewAESGCM() AESGCM { return AESGCM{} }

func (AESGCM) GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

func (AESGCM) GenerateNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

func (AESGCM) Seal(key, nonce, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

func (AESGCM) Open(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, NonceSize)
}

// Frame prepends the nonce to the ciphertext, the framing used for
// encrypted file blobs.
func Frame(nonce, ciphertext []byte) []byte {
	framed := make([]byte, 0, len(nonce)+len(ciphertext))
	framed = append(framed, nonce...)
	return append(framed, ciphertext...)
}

// SplitFrame separates a nonce-prefixed blob into nonce and ciphertext.
func SplitFrame(blob []byte) (nonce, ciphertext []byte, err error) {
	if len(blob) < NonceSize {
		return nil, nil, ErrCiphertextTooShort
	}
	return blob[:NonceSize], blob[NonceSize:], nil
}
