package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"zychat-core/internal/signal"
	"zychat-core/pkg/logger"
)

// Handler bridges websocket peers to the signaling channel. Each
// connection authenticates with a bearer token, then issues channel
// operations as JSON frames.
type Handler struct {
	verifier *TokenVerifier
	channel  signal.Channel
	log      *logger.Logger
}

func NewHandler(verifier *TokenVerifier, channel signal.Channel, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{verifier: verifier, channel: channel, log: log}
}

func (h *Handler) Register(r *gin.Engine) {
	r.GET("/ws", h.Connect)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

func (h *Handler) Connect(c *gin.Context) {
	claims, err := h.verifier.Verify(c.Query("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := NewClient(conn, claims.UserID)
	ctx, cancel := context.WithCancel(context.Background())
	ctx = context.WithValue(ctx, logger.UserIdKey, claims.UserID)
	defer cancel()
	defer client.CancelAll()

	go client.WriteLoop(ctx)
	log := h.log.WithContext(ctx)
	log.Info("relay: peer connected", zap.String("peer_id", client.ID))

	// Pongs answering the write loop's pings keep a quiet peer alive.
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			client.Send(ServerMessage{Op: OpError, Error: "malformed message"})
			continue
		}
		h.dispatch(ctx, client, msg)
	}

	log.Info("relay: peer disconnected", zap.String("peer_id", client.ID))
}

func (h *Handler) dispatch(ctx context.Context, client *Client, msg ClientMessage) {
	if msg.Path == "" {
		client.Send(ServerMessage{Op: OpError, ID: msg.ID, Error: "path is required"})
		return
	}

	switch msg.Op {
	case OpWrite:
		if err := h.channel.Write(ctx, msg.Path, msg.Value); err != nil {
			client.Send(ServerMessage{Op: OpError, ID: msg.ID, Error: err.Error()})
		}

	case OpRead:
		var value json.RawMessage
		found, err := h.channel.Read(ctx, msg.Path, &value)
		if err != nil {
			client.Send(ServerMessage{Op: OpError, ID: msg.ID, Error: err.Error()})
			return
		}
		client.Send(ServerMessage{Op: OpResult, ID: msg.ID, Path: msg.Path, Value: value, Found: &found})

	case OpAppend:
		key, err := h.channel.Append(ctx, msg.Path, msg.Value)
		if err != nil {
			client.Send(ServerMessage{Op: OpError, ID: msg.ID, Error: err.Error()})
			return
		}
		client.Send(ServerMessage{Op: OpResult, ID: msg.ID, Path: msg.Path, Key: key})

	case OpSubscribeValue:
		path := msg.Path
		unsub, err := h.channel.SubscribeValue(ctx, path, func(raw []byte) {
			client.Send(ServerMessage{Op: OpValue, Path: path, Value: raw})
		})
		if err != nil {
			client.Send(ServerMessage{Op: OpError, ID: msg.ID, Error: err.Error()})
			return
		}
		client.AddSubscription("value:"+path, unsub)

	case OpSubscribeChild:
		path := msg.Path
		unsub, err := h.channel.SubscribeChildAdded(ctx, path, func(key string, raw []byte) {
			client.Send(ServerMessage{Op: OpChild, Path: path, Key: key, Value: raw})
		})
		if err != nil {
			client.Send(ServerMessage{Op: OpError, ID: msg.ID, Error: err.Error()})
			return
		}
		client.AddSubscription("child:"+path, unsub)

	case OpUnsubscribe:
		client.RemoveSubscription("value:" + msg.Path)
		client.RemoveSubscription("child:" + msg.Path)

	default:
		client.Send(ServerMessage{Op: OpError, ID: msg.ID, Error: "unknown op"})
	}
}
