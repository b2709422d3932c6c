package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ECDH P-256 key agreement. This is the stronger key-exchange path that
// coexists with the per-conversation chat keys; the message flow does
// not consume it yet.

var sharedKeyInfo = []byte("zychat shared key v1")

// KeyPair holds a user's asymmetric keys, base64-encoded. The public
// key is published to the shared store; the private key never leaves
// the local device.
type KeyPair struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// GenerateKeyPair creates a fresh ECDH P-256 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{
		PublicKey:  base64.StdEncoding.EncodeToString(priv.PublicKey().Bytes()),
		PrivateKey: base64.StdEncoding.EncodeToString(priv.Bytes()),
	}, nil
}

// DeriveSharedKey computes the ECDH shared secret between a local
// private key and a peer public key, then expands it with HKDF-SHA256
// into an AEAD key. Both directions of a pair derive the same key.
func DeriveSharedKey(privateKey, peerPublicKey string) ([]byte, error) {
	privBytes, err := base64.StdEncoding.DecodeString(privateKey)
	if err != nil {
		return nil, err
	}
	pubBytes, err := base64.StdEncoding.DecodeString(peerPublicKey)
	if err != nil {
		return nil, err
	}

	priv, err := ecdh.P256().NewPrivateKey(privBytes)
	if err != nil {
		return nil, err
	}
	pub, err := ecdh.P256().NewPublicKey(pubBytes)
	if err != nil {
		return nil, err
	}

	secret, err := priv.ECDH(pub)
	if err != nil {
		return nil, err
	}

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, sharedKeyInfo), key); err != nil {
		return nil, err
	}
	return key, nil
}
