package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	zychat_errors "zychat-core/pkg/errors"
)

func TestSignAndVerify(t *testing.T) {
	v := NewTokenVerifier("test-secret")
	token, err := v.Sign("alice", time.Minute)
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
}

func TestVerifyEmptyToken(t *testing.T) {
	v := NewTokenVerifier("test-secret")
	_, err := v.Verify("")
	assert.ErrorIs(t, err, zychat_errors.ErrUnauthorized)
}

func TestVerifyWrongSecret(t *testing.T) {
	token, err := NewTokenVerifier("secret-a").Sign("alice", time.Minute)
	require.NoError(t, err)

	_, err = NewTokenVerifier("secret-b").Verify(token)
	assert.ErrorIs(t, err, zychat_errors.ErrUnauthorized)
}

func TestVerifyExpiredToken(t *testing.T) {
	v := NewTokenVerifier("test-secret")
	token, err := v.Sign("alice", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, zychat_errors.ErrUnauthorized)
}

func TestVerifyGarbageToken(t *testing.T) {
	v := NewTokenVerifier("test-secret")
	_, err := v.Verify("not.a.jwt")
	assert.ErrorIs(t, err, zychat_errors.ErrUnauthorized)
}
