package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zychat-core/internal/crypto"
	"zychat-core/internal/signal"
	zychat_errors "zychat-core/pkg/errors"
)

// countingChannel wraps a channel and counts writes per path.
type countingChannel struct {
	signal.Channel
	mu     sync.Mutex
	writes map[string]int
}

func newCountingChannel(inner signal.Channel) *countingChannel {
	return &countingChannel{Channel: inner, writes: make(map[string]int)}
}

func (c *countingChannel) Write(ctx context.Context, path string, value any) error {
	c.mu.Lock()
	c.writes[path]++
	c.mu.Unlock()
	return c.Channel.Write(ctx, path, value)
}

func (c *countingChannel) writeCount(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes[path]
}

// brokenChannel fails every operation.
type brokenChannel struct{}

func (brokenChannel) Write(context.Context, string, any) error { return errors.New("store down") }
func (brokenChannel) Read(context.Context, string, any) (bool, error) {
	return false, errors.New("store down")
}
func (brokenChannel) Append(context.Context, string, any) (string, error) {
	return "", errors.New("store down")
}
func (brokenChannel) SubscribeValue(context.Context, string, signal.ValueFunc) (signal.Unsubscribe, error) {
	return nil, errors.New("store down")
}
func (brokenChannel) SubscribeChildAdded(context.Context, string, signal.ChildFunc) (signal.Unsubscribe, error) {
	return nil, errors.New("store down")
}

func newTestEncryption(channel signal.Channel) *EncryptionService {
	return NewEncryptionService(channel, crypto.NewAESGCM(), nil, "", nil)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := newTestEncryption(signal.NewMemoryChannel())

	payload := svc.EncryptMessage(ctx, "hello there", "conv-1")
	require.True(t, payload.Encrypted)
	assert.Empty(t, payload.Text)
	iv, err := base64.StdEncoding.DecodeString(payload.IV)
	require.NoError(t, err)
	assert.Len(t, iv, crypto.NonceSize)

	assert.Equal(t, "hello there", svc.DecryptMessage(ctx, payload, "conv-1"))
}

func TestDecryptAcrossServiceInstances(t *testing.T) {
	ctx := context.Background()
	channel := signal.NewMemoryChannel()
	sender := newTestEncryption(channel)
	receiver := newTestEncryption(channel)

	payload := sender.EncryptMessage(ctx, "shared key via channel", "conv-1")
	require.True(t, payload.Encrypted)
	assert.Equal(t, "shared key via channel", receiver.DecryptMessage(ctx, payload, "conv-1"))
}

func TestUnencryptedPayloadPassesThrough(t *testing.T) {
	ctx := context.Background()
	svc := newTestEncryption(signal.NewMemoryChannel())

	got := svc.DecryptMessage(ctx, EncryptedPayload{Encrypted: false, Text: "legacy"}, "conv-1")
	assert.Equal(t, "legacy", got)
}

func TestDecryptRawFormats(t *testing.T) {
	ctx := context.Background()
	svc := newTestEncryption(signal.NewMemoryChannel())

	// Legacy history stores bare JSON strings.
	assert.Equal(t, "plain old text", svc.DecryptRaw(ctx, json.RawMessage(`"plain old text"`), "conv-1"))

	payload := svc.EncryptMessage(ctx, "object form", "conv-1")
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.Equal(t, "object form", svc.DecryptRaw(ctx, raw, "conv-1"))

	assert.Equal(t, SentinelDecryptFailed, svc.DecryptRaw(ctx, json.RawMessage(`{broken`), "conv-1"))
}

func TestTamperedCiphertextYieldsSentinel(t *testing.T) {
	ctx := context.Background()
	svc := newTestEncryption(signal.NewMemoryChannel())

	payload := svc.EncryptMessage(ctx, "secret", "conv-1")
	require.True(t, payload.Encrypted)

	data, err := base64.StdEncoding.DecodeString(payload.Data)
	require.NoError(t, err)
	data[0] ^= 0xff
	payload.Data = base64.StdEncoding.EncodeToString(data)

	assert.Equal(t, SentinelDecryptFailed, svc.DecryptMessage(ctx, payload, "conv-1"))
}

func TestWrongConversationKeyYieldsSentinel(t *testing.T) {
	ctx := context.Background()
	svc := newTestEncryption(signal.NewMemoryChannel())

	payload := svc.EncryptMessage(ctx, "secret", "conv-1")
	require.True(t, payload.Encrypted)
	assert.Equal(t, SentinelDecryptFailed, svc.DecryptMessage(ctx, payload, "conv-2"))
}

func TestEncryptFallsBackToPlaintextWhenStoreFails(t *testing.T) {
	ctx := context.Background()
	svc := newTestEncryption(brokenChannel{})

	payload := svc.EncryptMessage(ctx, "still readable", "conv-1")
	assert.False(t, payload.Encrypted)
	assert.Equal(t, "still readable", payload.Text)

	encrypted := EncryptedPayload{Encrypted: true, IV: "aXY=", Data: "ZGF0YQ=="}
	assert.Equal(t, SentinelKeyMissing, svc.DecryptMessage(ctx, encrypted, "conv-1"))
}

func TestGetChatKeyCreatesOnceUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	channel := newCountingChannel(signal.NewMemoryChannel())
	svc := newTestEncryption(channel)

	const workers = 32
	keys := make([][]byte, workers)
	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key, err := svc.GetChatKey(ctx, "conv-1")
			if err != nil {
				failures.Add(1)
				return
			}
			keys[i] = key
		}(i)
	}
	wg.Wait()

	require.Zero(t, failures.Load())
	assert.Equal(t, 1, channel.writeCount(signal.ChatKeyPath("conv-1")))
	for i := 1; i < workers; i++ {
		assert.Equal(t, keys[0], keys[i])
	}
	assert.Len(t, keys[0], crypto.KeySize)
}

func TestGetChatKeyReusesStoredKey(t *testing.T) {
	ctx := context.Background()
	channel := signal.NewMemoryChannel()

	first := newTestEncryption(channel)
	key1, err := first.GetChatKey(ctx, "conv-1")
	require.NoError(t, err)

	second := newTestEncryption(channel)
	key2, err := second.GetChatKey(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, key1, key2)
}

func TestGetChatKeyWrapsStoreError(t *testing.T) {
	ctx := context.Background()
	svc := newTestEncryption(brokenChannel{})
	_, err := svc.GetChatKey(ctx, "conv-1")
	assert.ErrorIs(t, err, zychat_errors.ErrKeyUnavailable)
}

func TestFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := newTestEncryption(signal.NewMemoryChannel())
	original := []byte("binary attachment contents")

	blob := svc.EncryptFile(ctx, original, "image/png", "conv-1")
	require.True(t, blob.Encrypted)
	assert.Equal(t, EncryptedContentType, blob.ContentType)
	assert.NotEqual(t, original, blob.Data)

	plain, err := svc.DecryptFileData(ctx, blob.Data, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, original, plain)
}

func TestEncryptFileFallsBackWhenStoreFails(t *testing.T) {
	ctx := context.Background()
	svc := newTestEncryption(brokenChannel{})
	original := []byte("payload")

	blob := svc.EncryptFile(ctx, original, "image/png", "conv-1")
	assert.False(t, blob.Encrypted)
	assert.Equal(t, original, blob.Data)
	assert.Equal(t, "image/png", blob.ContentType)
}

// recordingBlobStore captures the last Put for assertions.
type recordingBlobStore struct {
	key         string
	data        []byte
	contentType string
	err         error
}

func (s *recordingBlobStore) Put(_ context.Context, key string, data []byte, contentType string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.key = key
	s.data = data
	s.contentType = contentType
	return "https://blobs.example.com/" + key, nil
}

func TestUploadEncryptedFile(t *testing.T) {
	ctx := context.Background()
	channel := signal.NewMemoryChannel()
	store := &recordingBlobStore{}
	svc := NewEncryptionService(channel, crypto.NewAESGCM(), store, "", nil)

	url, err := svc.UploadEncryptedFile(ctx, "conv-1/photo", []byte("jpeg bytes"), "image/jpeg", "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "https://blobs.example.com/conv-1/photo", url)
	assert.Equal(t, EncryptedContentType, store.contentType)

	plain, err := svc.DecryptFileData(ctx, store.data, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg bytes"), plain)
}

func TestUploadWithoutBlobStore(t *testing.T) {
	svc := newTestEncryption(signal.NewMemoryChannel())
	_, err := svc.UploadEncryptedFile(context.Background(), "k", []byte("x"), "image/png", "conv-1")
	assert.ErrorIs(t, err, zychat_errors.ErrInvalidInput)
}

func TestDecryptFileURL(t *testing.T) {
	ctx := context.Background()
	channel := signal.NewMemoryChannel()
	svc := NewEncryptionService(channel, crypto.NewAESGCM(), nil, t.TempDir(), nil)
	original := []byte("mp4 video bytes")

	blob := svc.EncryptFile(ctx, original, "video/mp4", "conv-1")
	require.True(t, blob.Encrypted)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", EncryptedContentType)
		_, _ = w.Write(blob.Data)
	}))
	defer server.Close()

	path := svc.DecryptFileURL(ctx, server.URL, "conv-1", "video/mp4")
	require.NotEqual(t, server.URL, path)
	assert.Contains(t, path, ".mp4")

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, got)
}

func TestDecryptFileURLReturnsOriginalOnFailure(t *testing.T) {
	ctx := context.Background()
	svc := NewEncryptionService(signal.NewMemoryChannel(), crypto.NewAESGCM(), nil, t.TempDir(), nil)

	// Unreachable host.
	url := "http://127.0.0.1:1/blob"
	assert.Equal(t, url, svc.DecryptFileURL(ctx, url, "conv-1", "image/png"))

	// Reachable but not valid ciphertext.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "not an encrypted blob at all")
	}))
	defer server.Close()
	assert.Equal(t, server.URL, svc.DecryptFileURL(ctx, server.URL, "conv-1", "image/png"))
}
