package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"zychat-core/internal/crypto"
	"zychat-core/internal/signal"
	zychat_errors "zychat-core/pkg/errors"
	"zychat-core/pkg/logger"
)

// Sentinel strings rendered in place of content that could not be
// decrypted. The UI always has something renderable.
const (
	SentinelDecryptFailed = "[Unable to decrypt message]"
	SentinelKeyMissing    = "[Encryption key not available]"
)

// EncryptedContentType marks attachment blobs framed as
// nonce||ciphertext.
const EncryptedContentType = "application/encrypted"

// EncryptedPayload is the message wire format. Encrypted payloads carry
// base64 iv and data; the plaintext fallback carries text with
// encrypted=false, indistinguishable from legacy unencrypted messages.
type EncryptedPayload struct {
	Encrypted bool   `json:"encrypted"`
	IV        string `json:"iv,omitempty"`
	Data      string `json:"data,omitempty"`
	Text      string `json:"text,omitempty"`
}

// FileBlob is the result of encrypting (or failing to encrypt) a binary
// attachment.
type FileBlob struct {
	Data        []byte
	ContentType string
	Encrypted   bool
}

// storedChatKey is the shared-store form of a conversation key. The key
// material is plaintext at rest in the store; a known limitation of
// this scheme, preserved for compatibility.
type storedChatKey struct {
	Key       string `json:"key"`
	CreatedAt int64  `json:"created_at"`
}

// BlobStore persists encrypted attachment blobs and addresses them by
// URL.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// EncryptionService provides authenticated symmetric encryption for
// message text and attachments, scoped per conversation. Failures
// degrade: encryption falls back to plaintext, decryption to sentinel
// strings. Neither ever propagates an error to the caller.
type EncryptionService struct {
	channel signal.Channel
	cipher  crypto.AEAD
	blobs   BlobStore
	fetch   *http.Client
	blobDir string
	log     *logger.Logger

	mu    sync.Mutex
	cache map[string][]byte
	group singleflight.Group
}

func NewEncryptionService(channel signal.Channel, cipher crypto.AEAD, blobs BlobStore, blobDir string, log *logger.Logger) *EncryptionService {
	if log == nil {
		log = logger.NewNop()
	}
	if blobDir == "" {
		blobDir = os.TempDir()
	}
	return &EncryptionService{
		channel: channel,
		cipher:  cipher,
		blobs:   blobs,
		fetch:   &http.Client{Timeout: 30 * time.Second},
		blobDir: blobDir,
		log:     log,
		cache:   make(map[string][]byte),
	}
}

// GetChatKey returns the conversation key, creating and publishing a
// fresh one on first use. Concurrent first-use calls are deduplicated:
// exactly one key is written and every caller receives it.
func (s *EncryptionService) GetChatKey(ctx context.Context, conversationID string) ([]byte, error) {
	s.mu.Lock()
	if key, ok := s.cache[conversationID]; ok {
		s.mu.Unlock()
		return key, nil
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do(conversationID, func() (any, error) {
		s.mu.Lock()
		if key, ok := s.cache[conversationID]; ok {
			s.mu.Unlock()
			return key, nil
		}
		s.mu.Unlock()

		key, err := s.fetchOrCreateKey(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.cache[conversationID] = key
		s.mu.Unlock()
		return key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", zychat_errors.ErrKeyUnavailable, err)
	}
	return v.([]byte), nil
}

func (s *EncryptionService) fetchOrCreateKey(ctx context.Context, conversationID string) ([]byte, error) {
	var stored storedChatKey
	found, err := s.channel.Read(ctx, signal.ChatKeyPath(conversationID), &stored)
	if err != nil {
		return nil, err
	}
	if found {
		return base64.StdEncoding.DecodeString(stored.Key)
	}

	key, err := s.cipher.GenerateKey()
	if err != nil {
		return nil, err
	}
	stored = storedChatKey{
		Key:       base64.StdEncoding.EncodeToString(key),
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := s.channel.Write(ctx, signal.ChatKeyPath(conversationID), stored); err != nil {
		return nil, err
	}
	s.log.Infof("encryption: created chat key for conversation %s", conversationID)
	return key, nil
}

// EncryptMessage encrypts plaintext for a conversation. On any failure
// the message degrades to a plaintext payload; that weakening is logged
// because nothing else makes it observable.
func (s *EncryptionService) EncryptMessage(ctx context.Context, plaintext, conversationID string) EncryptedPayload {
	key, err := s.GetChatKey(ctx, conversationID)
	if err != nil {
		s.log.Warnf("encryption: sending plaintext for conversation %s: %v", conversationID, err)
		return EncryptedPayload{Encrypted: false, Text: plaintext}
	}

	nonce, err := s.cipher.GenerateNonce()
	if err != nil {
		s.log.Warnf("encryption: sending plaintext for conversation %s: %v", conversationID, err)
		return EncryptedPayload{Encrypted: false, Text: plaintext}
	}
	ciphertext, err := s.cipher.Seal(key, nonce, []byte(plaintext))
	if err != nil {
		s.log.Warnf("encryption: sending plaintext for conversation %s: %v", conversationID, err)
		return EncryptedPayload{Encrypted: false, Text: plaintext}
	}

	return EncryptedPayload{
		Encrypted: true,
		IV:        base64.StdEncoding.EncodeToString(nonce),
		Data:      base64.StdEncoding.EncodeToString(ciphertext),
	}
}

// DecryptMessage decrypts a payload for a conversation. Unencrypted
// payloads pass through unchanged; failures yield a sentinel string
// rather than an error.
func (s *EncryptionService) DecryptMessage(ctx context.Context, payload EncryptedPayload, conversationID string) string {
	if !payload.Encrypted {
		return payload.Text
	}

	key, err := s.GetChatKey(ctx, conversationID)
	if err != nil {
		s.log.Warnf("encryption: key unavailable for conversation %s: %v", conversationID, err)
		return SentinelKeyMissing
	}

	nonce, err := base64.StdEncoding.DecodeString(payload.IV)
	if err != nil {
		return SentinelDecryptFailed
	}
	ciphertext, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		return SentinelDecryptFailed
	}
	plaintext, err := s.cipher.Open(key, nonce, ciphertext)
	if err != nil {
		s.log.Warnf("encryption: decrypt failed for conversation %s: %v", conversationID, err)
		return SentinelDecryptFailed
	}
	return string(plaintext)
}

// DecryptRaw handles payloads as stored: either a bare JSON string
// (legacy unencrypted history) or an EncryptedPayload object.
func (s *EncryptionService) DecryptRaw(ctx context.Context, raw json.RawMessage, conversationID string) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var payload EncryptedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return SentinelDecryptFailed
	}
	return s.DecryptMessage(ctx, payload, conversationID)
}

// EncryptFile encrypts an attachment with the conversation key, framing
// the result as nonce||ciphertext. On failure the original bytes are
// returned unencrypted, logged like the message fallback.
func (s *EncryptionService) EncryptFile(ctx context.Context, data []byte, contentType, conversationID string) *FileBlob {
	key, err := s.GetChatKey(ctx, conversationID)
	if err != nil {
		s.log.Warnf("encryption: uploading plaintext blob for conversation %s: %v", conversationID, err)
		return &FileBlob{Data: data, ContentType: contentType, Encrypted: false}
	}
	nonce, err := s.cipher.GenerateNonce()
	if err != nil {
		s.log.Warnf("encryption: uploading plaintext blob for conversation %s: %v", conversationID, err)
		return &FileBlob{Data: data, ContentType: contentType, Encrypted: false}
	}
	ciphertext, err := s.cipher.Seal(key, nonce, data)
	if err != nil {
		s.log.Warnf("encryption: uploading plaintext blob for conversation %s: %v", conversationID, err)
		return &FileBlob{Data: data, ContentType: contentType, Encrypted: false}
	}
	return &FileBlob{
		Data:        crypto.Frame(nonce, ciphertext),
		ContentType: EncryptedContentType,
		Encrypted:   true,
	}
}

// DecryptFileData reverses EncryptFile framing.
func (s *EncryptionService) DecryptFileData(ctx context.Context, blob []byte, conversationID string) ([]byte, error) {
	key, err := s.GetChatKey(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	nonce, ciphertext, err := crypto.SplitFrame(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", zychat_errors.ErrCryptoOperation, err)
	}
	plain, err := s.cipher.Open(key, nonce, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", zychat_errors.ErrCryptoOperation, err)
	}
	return plain, nil
}

// UploadEncryptedFile encrypts an attachment and stores the blob,
// returning its remote URL.
func (s *EncryptionService) UploadEncryptedFile(ctx context.Context, key string, data []byte, contentType, conversationID string) (string, error) {
	if s.blobs == nil {
		return "", fmt.Errorf("%w: no blob store configured", zychat_errors.ErrInvalidInput)
	}
	blob := s.EncryptFile(ctx, data, contentType, conversationID)
	return s.blobs.Put(ctx, key, blob.Data, blob.ContentType)
}

// DecryptFileURL fetches an encrypted blob, decrypts it and writes the
// plaintext to a locally addressable file for playback or display. On
// failure the original URL is returned so the caller can still attempt
// direct rendering.
func (s *EncryptionService) DecryptFileURL(ctx context.Context, url, conversationID, mimeType string) string {
	blob, err := s.fetchBlob(ctx, url)
	if err != nil {
		s.log.Warnf("encryption: fetching blob for conversation %s: %v", conversationID, err)
		return url
	}
	plain, err := s.DecryptFileData(ctx, blob, conversationID)
	if err != nil {
		s.log.Warnf("encryption: decrypting blob for conversation %s: %v", conversationID, err)
		return url
	}

	f, err := os.CreateTemp(s.blobDir, "blob-*"+extensionFor(mimeType))
	if err != nil {
		s.log.Warnf("encryption: materializing blob: %v", err)
		return url
	}
	defer f.Close()
	if _, err := f.Write(plain); err != nil {
		s.log.Warnf("encryption: materializing blob: %v", err)
		return url
	}
	return f.Name()
}

func (s *EncryptionService) fetchBlob(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.fetch.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "video/mp4":
		return ".mp4"
	case "audio/mpeg":
		return ".mp3"
	default:
		return ""
	}
}
