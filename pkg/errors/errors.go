package zychat_errors

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrCallActive        = errors.New("call session already active")
	ErrNoIncomingCall    = errors.New("no incoming call pending")
	ErrMediaAcquisition  = errors.New("media acquisition failed")
	ErrSignaling         = errors.New("signaling channel failure")
	ErrTransportFailure  = errors.New("peer transport failure")
	ErrKeyUnavailable    = errors.New("encryption key unavailable")
	ErrCryptoOperation   = errors.New("crypto operation failed")
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidInput      = errors.New("invalid input")
)

// NowPtr returns a pointer to current time
func NowPtr() *time.Time {
	now := time.Now()
	return &now
}
