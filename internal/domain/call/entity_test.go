package call

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRecord(t *testing.T) {
	rec := NewRecord("alice", "bob", TypeVideo)
	assert.NotEmpty(t, rec.CallID)
	assert.Equal(t, "alice", rec.CallerID)
	assert.Equal(t, "bob", rec.CalleeID)
	assert.Equal(t, TypeVideo, rec.Type)
	assert.Equal(t, StatusRinging, rec.Status)
	assert.False(t, rec.StartedAt.IsZero())
	assert.Nil(t, rec.EndedAt)

	other := NewRecord("alice", "bob", TypeVideo)
	assert.NotEqual(t, rec.CallID, other.CallID)
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusRejected.Terminal())
	assert.True(t, StatusEnded.Terminal())
	assert.False(t, StatusRinging.Terminal())
	assert.False(t, StatusAccepted.Terminal())
	assert.False(t, StatusConnecting.Terminal())
	assert.False(t, StatusConnected.Terminal())
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusRinging, StatusAccepted, true},
		{StatusRinging, StatusConnecting, true},
		{StatusRinging, StatusConnected, true},
		{StatusRinging, StatusRejected, true},
		{StatusRinging, StatusEnded, true},
		{StatusAccepted, StatusConnecting, true},
		{StatusAccepted, StatusConnected, true},
		{StatusAccepted, StatusRejected, false},
		{StatusAccepted, StatusEnded, true},
		{StatusConnecting, StatusConnected, true},
		{StatusConnecting, StatusAccepted, false},
		{StatusConnected, StatusRinging, false},
		{StatusConnected, StatusAccepted, false},
		{StatusConnected, StatusEnded, true},
		{StatusRejected, StatusEnded, false},
		{StatusRejected, StatusRinging, false},
		{StatusEnded, StatusConnected, false},
		{StatusEnded, StatusEnded, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}
