package call

import (
	"time"

	"github.com/google/uuid"
)

// Type is the media profile of a call.
type Type string

const (
	TypeAudio Type = "audio"
	TypeVideo Type = "video"
)

// Status is the lifecycle state of a call record.
type Status string

const (
	StatusRinging    Status = "ringing"
	StatusAccepted   Status = "accepted"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusRejected   Status = "rejected"
	StatusEnded      Status = "ended"
)

// SessionDescription carries an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"` // offer, answer
	SDP  string `json:"sdp"`
}

// ICECandidate is one discovered network path descriptor.
type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdp_mid,omitempty"`
	SDPMLineIndex int    `json:"sdp_mline_index"`
}

// Signaling holds the negotiation material exchanged through the channel.
// Candidates are append-only; offer and answer are latest-value-wins.
type Signaling struct {
	Offer      *SessionDescription `json:"offer,omitempty"`
	Answer     *SessionDescription `json:"answer,omitempty"`
	Candidates []ICECandidate      `json:"candidates,omitempty"`
}

// Record represents one call attempt, shared between both peers via the
// signaling channel at calls/{callId}.
type Record struct {
	CallID    string     `json:"call_id"`
	CallerID  string     `json:"caller_id"`
	CalleeID  string     `json:"callee_id"`
	Type      Type       `json:"type"`
	Status    Status     `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Signaling Signaling  `json:"signaling,omitempty"`
}

// NewRecord creates a fresh ringing record for an outgoing call.
func NewRecord(callerID, calleeID string, callType Type) *Record {
	return &Record{
		CallID:    uuid.New().String(),
		CallerID:  callerID,
		CalleeID:  calleeID,
		Type:      callType,
		Status:    StatusRinging,
		StartedAt: time.Now(),
	}
}

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusEnded
}

// CanTransition reports whether moving from s to next is legal.
// The success path is ringing -> accepted -> connecting -> connected;
// ringing -> rejected and any -> ended are terminal.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusEnded {
		return true
	}
	switch s {
	case StatusRinging:
		return next == StatusAccepted || next == StatusConnecting || next == StatusConnected || next == StatusRejected
	case StatusAccepted:
		return next == StatusConnecting || next == StatusConnected
	case StatusConnecting:
		return next == StatusConnected
	case StatusConnected:
		return false
	}
	return false
}
