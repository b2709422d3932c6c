package keystore

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"zychat-core/internal/crypto"
	zychat_errors "zychat-core/pkg/errors"
)

// FileStore persists per-user private keys on the local device, sealed
// with a passphrase. One JSON file per user under the store directory.
type FileStore struct {
	dir        string
	passphrase string
}

func NewFileStore(dir, passphrase string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("keystore directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir, passphrase: passphrase}, nil
}

func (s *FileStore) path(userID string) string {
	return filepath.Join(s.dir, userID+".key.json")
}

// SavePrivateKey seals and writes the private key for userID.
func (s *FileStore) SavePrivateKey(userID, privateKey string) error {
	sealed, err := crypto.SealWithPassphrase([]byte(privateKey), s.passphrase)
	if err != nil {
		return err
	}
	data, err := json.Marshal(sealed)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(userID), data, 0o600)
}

// LoadPrivateKey reads and unseals the private key for userID.
// Returns ErrNotFound when no key has been stored.
func (s *FileStore) LoadPrivateKey(userID string) (string, error) {
	data, err := os.ReadFile(s.path(userID))
	if errors.Is(err, fs.ErrNotExist) {
		return "", zychat_errors.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	var sealed crypto.SealedBlob
	if err := json.Unmarshal(data, &sealed); err != nil {
		return "", err
	}
	plain, err := crypto.OpenWithPassphrase(&sealed, s.passphrase)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// HasPrivateKey reports whether a key exists for userID.
func (s *FileStore) HasPrivateKey(userID string) bool {
	_, err := os.Stat(s.path(userID))
	return err == nil
}
