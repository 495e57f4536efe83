package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultChannel = "hub:document-changes"
	publishTimeout = 2 * time.Second
)

var errMissingBridgeDependency = errors.New("realtime: redis client and dispatcher are required")

// RedisBridgeConfig describes the dependencies of a RedisBridge.
type RedisBridgeConfig struct {
	Client  redis.UniversalClient
	Channel string
	Local   *Dispatcher
	Logger  *zap.Logger
}

// RedisBridge relays messages through a Redis channel so every API instance
// sharing the content store sees the same change stream.
type RedisBridge struct {
	client  redis.UniversalClient
	channel string
	local   *Dispatcher
	logger  *zap.Logger
}

// NewRedisBridge constructs a bridge.
func NewRedisBridge(cfg RedisBridgeConfig) (*RedisBridge, error) {
	if cfg.Client == nil || cfg.Local == nil {
		return nil, errMissingBridgeDependency
	}
	channel := cfg.Channel
	if channel == "" {
		channel = defaultChannel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{client: cfg.Client, channel: channel, local: cfg.Local, logger: logger}, nil
}

// Publish sends message to the shared channel. When Redis is unreachable the
// message is still delivered to local subscribers.
func (b *RedisBridge) Publish(message Message) {
	payload, err := json.Marshal(message)
	if err != nil {
		b.logger.Warn("realtime encode failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.logger.Warn("realtime publish failed", zap.String("document_id", message.Document), zap.Error(err))
		b.local.Publish(message)
	}
}

// Run relays channel messages to the local dispatcher until ctx is cancelled.
func (b *RedisBridge) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case received, ok := <-messages:
			if !ok {
				return nil
			}
			var message Message
			if err := json.Unmarshal([]byte(received.Payload), &message); err != nil {
				b.logger.Warn("realtime decode failed", zap.Error(err))
				continue
			}
			b.local.Publish(message)
		}
	}
}
