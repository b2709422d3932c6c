package signal

// Hierarchical key-value signaling channel. Values are JSON-encoded at
// slash-separated paths with last-write-wins semantics; Append maintains
// ordered, append-only child lists. Subscriptions deliver the current
// value (or existing children) first, then live updates, and return an
// Unsubscribe handle tied to nothing but themselves so the owning
// session can cancel them on teardown.

import "context"

// Unsubscribe cancels a subscription. Safe to call more than once.
type Unsubscribe func()

// ValueFunc receives the raw JSON value at a path.
type ValueFunc func(raw []byte)

// ChildFunc receives an appended child and its generated key.
type ChildFunc func(key string, raw []byte)

type Channel interface {
	// Write sets the value at path, replacing any previous value.
	Write(ctx context.Context, path string, value any) error

	// Read unmarshals the value at path into out. The bool reports
	// whether a value was present.
	Read(ctx context.Context, path string, out any) (bool, error)

	// Append adds value to the ordered child list at path and returns
	// the generated child key.
	Append(ctx context.Context, path string, value any) (string, error)

	// SubscribeValue delivers the current value at path (if any) and
	// every subsequent write, in publication order.
	SubscribeValue(ctx context.Context, path string, fn ValueFunc) (Unsubscribe, error)

	// SubscribeChildAdded delivers every existing child at path in
	// append order, then each newly appended child.
	SubscribeChildAdded(ctx context.Context, path string, fn ChildFunc) (Unsubscribe, error)
}

// Paths used by the call and encryption cores.
const (
	CallsRoot = "calls"
)

func CallPath(callID string) string         { return CallsRoot + "/" + callID }
func CallStatusPath(callID string) string   { return CallPath(callID) + "/status" }
func OfferPath(callID string) string        { return CallPath(callID) + "/signaling/offer" }
func AnswerPath(callID string) string       { return CallPath(callID) + "/signaling/answer" }
func CandidatesPath(callID string) string   { return CallPath(callID) + "/signaling/candidates" }
func ChatKeyPath(conversationID string) string { return "chatKeys/" + conversationID }
func UserKeyPath(userID string) string      { return "userKeys/" + userID }
