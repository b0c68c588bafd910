package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultNamespace prefixes every key and the change channel.
	DefaultNamespace = "livepoll"
	opTimeout        = 5 * time.Second
)

// redisChange is the message published on the change channel for every write.
type redisChange struct {
	Origin  string `json:"origin"`
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
	At      int64  `json:"at"`
}

// Redis is a Backend shared across processes. Each write is a SET (or DEL) and a PUBLISH in one
// MULTI, so subscribers see changes in write order.
type Redis struct {
	client    *redis.Client
	namespace string
	logger    *zap.Logger
}

// NewRedis creates a Redis backend. An empty namespace uses DefaultNamespace.
func NewRedis(client *redis.Client, namespace string, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Redis{client: client, namespace: namespace, logger: logger}
}

func (r *Redis) key(k string) string { return r.namespace + ":kv:" + k }

func (r *Redis) channel() string { return r.namespace + ":changes" }

// Get returns the value under key.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

// Set writes key and publishes the change.
func (r *Redis) Set(ctx context.Context, origin, key, value string) error {
	body, err := json.Marshal(redisChange{Origin: origin, Key: key, Value: value, At: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key(key), value, 0)
		pipe.Publish(ctx, r.channel(), body)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes key and publishes the change.
func (r *Redis) Delete(ctx context.Context, origin, key string) error {
	body, err := json.Marshal(redisChange{Origin: origin, Key: key, Deleted: true, At: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key(key))
		pipe.Publish(ctx, r.channel(), body)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Watch subscribes to the change channel and forwards changes not written by origin.
func (r *Redis) Watch(ctx context.Context, origin string) (<-chan Change, error) {
	pubsub := r.client.Subscribe(ctx, r.channel())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	out := make(chan Change)
	go func() {
		defer close(out)
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p redisChange
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					r.logger.Warn("invalid change payload", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				if p.Origin == origin {
					continue
				}
				select {
				case out <- Change{Key: p.Key, Value: p.Value, Deleted: p.Deleted}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close is a no-op; the caller owns the client.
func (r *Redis) Close() error { return nil }
