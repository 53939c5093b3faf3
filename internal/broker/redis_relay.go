package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "events:"

// RedisRelay carries events over Redis Pub/Sub, one Redis channel per broker
// channel under the events: prefix.
type RedisRelay struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisRelay(client *redis.Client, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{client: client, logger: logger}
}

func (r *RedisRelay) Publish(ctx context.Context, env Envelope) error {
	raw, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, redisChannelPrefix+env.Channel, raw).Err()
}

func (r *RedisRelay) Subscribe(ctx context.Context) (<-chan Envelope, error) {
	sub := r.client.PSubscribe(ctx, redisChannelPrefix+"*")
	// wait for the subscription confirmation so nothing published after
	// Subscribe returns is missed
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("psubscribe: %w", err)
	}
	out := make(chan Envelope, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				env, err := decodeEnvelope([]byte(msg.Payload))
				if err != nil {
					r.logger.Warn("dropping malformed relay message", "channel", msg.Channel, "error", err)
					continue
				}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (r *RedisRelay) Close() error { return nil }
