package relay

import "encoding/json"

// Wire protocol between browser peers and the relay. Requests map
// one-to-one onto signaling channel operations.

const (
	OpWrite          = "write"
	OpRead           = "read"
	OpAppend         = "append"
	OpSubscribeValue = "subscribe_value"
	OpSubscribeChild = "subscribe_child"
	OpUnsubscribe    = "unsubscribe"

	OpValue  = "value"
	OpChild  = "child"
	OpResult = "result"
	OpError  = "error"
)

// ClientMessage is one request from a connected peer.
type ClientMessage struct {
	Op    string          `json:"op"`
	ID    string          `json:"id,omitempty"` // request correlation for read/append
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// ServerMessage is one frame pushed to a connected peer.
type ServerMessage struct {
	Op    string          `json:"op"`
	ID    string          `json:"id,omitempty"`
	Path  string          `json:"path,omitempty"`
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Found *bool           `json:"found,omitempty"`
	Error string          `json:"error,omitempty"`
}
