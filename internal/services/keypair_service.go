package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zychat-core/internal/crypto"
	"zychat-core/internal/keystore"
	"zychat-core/internal/signal"
	zychat_errors "zychat-core/pkg/errors"
	"zychat-core/pkg/logger"
)

// publishedUserKey is the shared-store form of a user's public key.
type publishedUserKey struct {
	PublicKey string `json:"public_key"`
	CreatedAt int64  `json:"created_at"`
}

// KeyPairService manages per-user asymmetric key pairs: the public key
// lives in the shared store, the private key only in the local
// keystore. The chat-key message flow does not consume this yet; it is
// the key-agreement path for clients that opt into per-peer derived
// keys.
type KeyPairService struct {
	channel signal.Channel
	keys    *keystore.FileStore
	log     *logger.Logger
}

func NewKeyPairService(channel signal.Channel, keys *keystore.FileStore, log *logger.Logger) *KeyPairService {
	if log == nil {
		log = logger.NewNop()
	}
	return &KeyPairService{channel: channel, keys: keys, log: log}
}

// EnsureUserKeys makes sure userID has a published public key and a
// locally stored private key, generating a pair on first use. A
// published key without a local private half (fresh device, wiped
// storage) is replaced with a new pair.
func (s *KeyPairService) EnsureUserKeys(ctx context.Context, userID string) error {
	var published publishedUserKey
	found, err := s.channel.Read(ctx, signal.UserKeyPath(userID), &published)
	if err != nil {
		return fmt.Errorf("%w: reading user key: %v", zychat_errors.ErrKeyUnavailable, err)
	}
	if found && s.keys.HasPrivateKey(userID) {
		return nil
	}
	if found {
		s.log.Warnf("keypair: user %s has a published key but no local private key, regenerating", userID)
	}

	pair, err := crypto.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("%w: generating key pair: %v", zychat_errors.ErrCryptoOperation, err)
	}
	if err := s.keys.SavePrivateKey(userID, pair.PrivateKey); err != nil {
		return fmt.Errorf("%w: storing private key: %v", zychat_errors.ErrKeyUnavailable, err)
	}
	published = publishedUserKey{PublicKey: pair.PublicKey, CreatedAt: time.Now().UnixMilli()}
	if err := s.channel.Write(ctx, signal.UserKeyPath(userID), published); err != nil {
		return fmt.Errorf("%w: publishing public key: %v", zychat_errors.ErrKeyUnavailable, err)
	}
	s.log.Infof("keypair: initialized keys for user %s", userID)
	return nil
}

// PublicKey returns the published public key for a user.
func (s *KeyPairService) PublicKey(ctx context.Context, userID string) (string, error) {
	var published publishedUserKey
	found, err := s.channel.Read(ctx, signal.UserKeyPath(userID), &published)
	if err != nil {
		return "", fmt.Errorf("%w: reading user key: %v", zychat_errors.ErrKeyUnavailable, err)
	}
	if !found {
		return "", zychat_errors.ErrNotFound
	}
	return published.PublicKey, nil
}

// SharedKeyWith derives the symmetric key shared between the local user
// and a peer from the local private key and the peer's published
// public key. Both sides derive the same key.
func (s *KeyPairService) SharedKeyWith(ctx context.Context, localUserID, peerUserID string) ([]byte, error) {
	privateKey, err := s.keys.LoadPrivateKey(localUserID)
	if err != nil {
		if errors.Is(err, zychat_errors.ErrNotFound) {
			return nil, fmt.Errorf("%w: no local private key for %s", zychat_errors.ErrKeyUnavailable, localUserID)
		}
		return nil, fmt.Errorf("%w: %v", zychat_errors.ErrKeyUnavailable, err)
	}
	peerPublic, err := s.PublicKey(ctx, peerUserID)
	if err != nil {
		return nil, err
	}
	key, err := crypto.DeriveSharedKey(privateKey, peerPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", zychat_errors.ErrCryptoOperation, err)
	}
	return key, nil
}
