package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// channelName is the Redis pub/sub channel shared by all server replicas.
const channelName = "vantage6:events"

// RedisBus fans coordination events out across server replicas via Redis
// pub/sub.
type RedisBus struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(cfg Config, logger *zap.Logger) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.RedisAddr, err)
	}

	return &RedisBus{
		client: client,
		logger: logger.With(zap.String("component", "redis_bus")),
	}, nil
}

// Publish implements Bus.
func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, channelName, data).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe implements Bus.
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	pubsub := b.client.Subscribe(ctx, channelName)

	// Force the subscription to be established before returning so callers
	// never miss events published right after Subscribe.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe to %s: %w", channelName, err)
	}

	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warn("dropping malformed event", zap.Error(err))
				continue
			}
			select {
			case out <- event:
			default:
				b.logger.Warn("dropping event for slow subscriber",
					zap.String("kind", string(event.Kind)),
				)
			}
		}
	}()

	cancel := func() { _ = pubsub.Close() }
	return out, cancel, nil
}

// Close implements Bus.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
