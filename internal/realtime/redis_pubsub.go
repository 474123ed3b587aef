package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stagecast/engine/internal/protocol"
)

const (
	channelPrefix  = "stagecast:channel:"
	publishTimeout = 5 * time.Second
)

// RedisPubSub bridges channel events across instances via Redis pub/sub. It
// implements both RedisPublisher and RedisSubscriber.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPubSub creates the Redis pub/sub bridge for channel events.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	return &RedisPubSub{client: client, logger: logger}
}

// PublishChannelEvent publishes an outbound envelope to the channel's Redis
// topic. The envelope already carries its sequence number, so every instance
// delivers identical frames.
func (r *RedisPubSub) PublishChannelEvent(channelID uuid.UUID, env protocol.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, channelPrefix+channelID.String(), body).Err()
}

// SubscribeChannel subscribes to a channel's Redis topic and calls handler for
// each envelope. Returns a cancel function to stop the subscription.
func (r *RedisPubSub) SubscribeChannel(channelID uuid.UUID, handler func(env protocol.Envelope)) (cancel func(), err error) {
	topic := channelPrefix + channelID.String()
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelCtx()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env protocol.Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					r.logger.Warn("invalid envelope on redis topic", zap.String("topic", topic), zap.Error(err))
					continue
				}
				handler(env)
			}
		}
	}()
	return func() { cancelCtx() }, nil
}
