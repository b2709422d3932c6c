package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"zychat-core/internal/signal"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a silent peer stays connected; pings must
	// arrive well inside it.
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Client represents one connected peer and owns its channel
// subscriptions; every subscription is cancelled when the connection
// goes away.
type Client struct {
	ID     string
	UserID string

	conn *websocket.Conn
	send chan []byte

	mu   sync.Mutex
	subs map[string]signal.Unsubscribe
}

func NewClient(conn *websocket.Conn, userID string) *Client {
	return &Client{
		ID:     uuid.New().String(),
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, 256),
	}
}

// AddSubscription registers a subscription under a key, cancelling any
// previous subscription with the same key.
func (c *Client) AddSubscription(key string, unsub signal.Unsubscribe) {
	c.mu.Lock()
	if c.subs == nil {
		c.subs = make(map[string]signal.Unsubscribe)
	}
	if prev, ok := c.subs[key]; ok {
		prev()
	}
	c.subs[key] = unsub
	c.mu.Unlock()
}

// RemoveSubscription cancels and drops the subscription under key.
func (c *Client) RemoveSubscription(key string) {
	c.mu.Lock()
	unsub, ok := c.subs[key]
	delete(c.subs, key)
	c.mu.Unlock()
	if ok {
		unsub()
	}
}

// CancelAll cancels every subscription the client holds.
func (c *Client) CancelAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, unsub := range subs {
		unsub()
	}
}

// WriteLoop handles outbound messages from the send channel
func (c *Client) WriteLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.Close()
			return
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.Close()
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.TextMessage, msg)
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.PingMessage, []byte("ping"))
		}
	}
}

// Send queues a frame for the client (non-blocking)
func (c *Client) Send(msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		// Channel full, message dropped
	}
}
