package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Passphrase sealing for secrets persisted on the local device
// (private keys). PBKDF2-SHA256 with a random salt, then AES-256-GCM.
const (
	storageSaltSize   = 16
	storageIterations = 100000
)

// SealedBlob is the at-rest form of a passphrase-protected secret.
type SealedBlob struct {
	Salt string `json:"salt"`
	IV   string `json:"iv"`
	Data string `json:"data"`
}

func SealWithPassphrase(plaintext []byte, passphrase string) (*SealedBlob, error) {
	salt := make([]byte, storageSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	key := pbkdf2.Key([]byte(passphrase), salt, storageIterations, KeySize, sha256.New)

	gcm := NewAESGCM()
	nonce, err := gcm.GenerateNonce()
	if err != nil {
		return nil, err
	}
	ciphertext, err := gcm.Seal(key, nonce, plaintext)
	if err != nil {
		return nil, err
	}

	return &SealedBlob{
		Salt: base64.StdEncoding.EncodeToString(salt),
		IV:   base64.StdEncoding.EncodeToString(nonce),
		Data: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

func OpenWithPassphrase(blob *SealedBlob, passphrase string) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(blob.Salt)
	if err != nil {
		return nil, err
	}
	nonce, err := base64.StdEncoding.DecodeString(blob.IV)
	if err != nil {
		return nil, err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(blob.Data)
	if err != nil {
		return nil, err
	}

	key := pbkdf2.Key([]byte(passphrase), salt, storageIterations, KeySize, sha256.New)
	return NewAESGCM().Open(key, nonce, ciphertext)
}
