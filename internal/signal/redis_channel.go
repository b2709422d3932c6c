package signal

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"zychat-core/pkg/logger"
)

// Redis key prefixes for channel data
const (
	redisValueKey   = "signal:value:" // JSON value per path
	redisListKey    = "signal:list:"  // RPUSH list per path
	redisValueTopic = "signal:pub:v:" // pub/sub topic for value writes
	redisChildTopic = "signal:pub:c:" // pub/sub topic for child appends
	redisTTL        = 5 * time.Minute // TTL for signaling data
)

// childEnvelope is the pub/sub payload for an appended child.
type childEnvelope struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// RedisChannel implements Channel on a Redis client. Subscriptions use
// Redis pub/sub; existing state is replayed from the backing key/list
// before live delivery so late subscribers see the full history of an
// append-only path.
type RedisChannel struct {
	client *goredis.Client
	log    *logger.Logger
}

func NewRedisChannel(client *goredis.Client, log *logger.Logger) *RedisChannel {
	if log == nil {
		log = logger.NewNop()
	}
	return &RedisChannel{client: client, log: log}
}

func (c *RedisChannel) Write(ctx context.Context, path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	pipe := c.client.Pipeline()
	pipe.Set(ctx, redisValueKey+path, data, redisTTL)
	pipe.Publish(ctx, redisValueTopic+path, data)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *RedisChannel) Read(ctx context.Context, path string, out any) (bool, error) {
	data, err := c.client.Get(ctx, redisValueKey+path).Bytes()
	if err == goredis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func (c *RedisChannel) Append(ctx context.Context, path string, value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	length, err := c.client.RPush(ctx, redisListKey+path, data).Result()
	if err != nil {
		return "", err
	}
	_ = c.client.Expire(ctx, redisListKey+path, redisTTL).Err()

	key := strconv.FormatInt(length-1, 10)
	env, err := json.Marshal(childEnvelope{Key: key, Value: data})
	if err != nil {
		return "", err
	}
	if err := c.client.Publish(ctx, redisChildTopic+path, env).Err(); err != nil {
		return "", err
	}
	return key, nil
}

func (c *RedisChannel) SubscribeValue(ctx context.Context, path string, fn ValueFunc) (Unsubscribe, error) {
	sub := c.client.Subscribe(ctx, redisValueTopic+path)
	// Force the subscription to be established before replaying the
	// current value, otherwise a concurrent write could be missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	if data, err := c.client.Get(ctx, redisValueKey+path).Bytes(); err == nil {
		fn(data)
	} else if err != goredis.Nil {
		_ = sub.Close()
		return nil, err
	}

	go func() {
		for msg := range sub.Channel() {
			fn([]byte(msg.Payload))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := sub.Close(); err != nil {
				c.log.Warnf("signal: closing value subscription for %s: %v", path, err)
			}
		})
	}, nil
}

func (c *RedisChannel) SubscribeChildAdded(ctx context.Context, path string, fn ChildFunc) (Unsubscribe, error) {
	sub := c.client.Subscribe(ctx, redisChildTopic+path)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	existing, err := c.client.LRange(ctx, redisListKey+path, 0, -1).Result()
	if err != nil && err != goredis.Nil {
		_ = sub.Close()
		return nil, err
	}
	seen := len(existing)
	for i, item := range existing {
		fn(strconv.Itoa(i), []byte(item))
	}

	go func() {
		for msg := range sub.Channel() {
			var env childEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				c.log.Warnf("signal: malformed child envelope on %s: %v", path, err)
				continue
			}
			// Children replayed from the list are skipped when the
			// publish raced with the LRange above.
			if idx, err := strconv.Atoi(env.Key); err == nil && idx < seen {
				continue
			}
			fn(env.Key, env.Value)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := sub.Close(); err != nil {
				c.log.Warnf("signal: closing child subscription for %s: %v", path, err)
			}
		})
	}, nil
}
