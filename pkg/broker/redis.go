// Package broker carries notifications between service instances.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"realtimeService/pkg/api"
)

const (
	DefaultChannel = "realtime:notifications"

	pingTimeout = 3 * time.Second
)

// RedisBus publishes notifications on a Redis pub/sub channel. Every instance
// subscribed to the channel hands each notification to its local subscribers,
// which deliver it only when the recipient is connected to that instance.
type RedisBus struct {
	client  *redis.Client
	channel string
	log     *slog.Logger

	mu       sync.RWMutex
	handlers []api.NotificationHandler
}

var _ api.Bus = (*RedisBus)(nil)

// NewRedisBus connects to the Redis server at url and checks it answers.
func NewRedisBus(ctx context.Context, url string, log *slog.Logger) (*RedisBus, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return &RedisBus{client: client, channel: DefaultChannel, log: log}, nil
}

func (b *RedisBus) Publish(ctx context.Context, notification api.Notification) error {
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(notification)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBus) Subscribe(handler api.NotificationHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// Run consumes the channel until ctx is done.
func (b *RedisBus) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer func() {
		_ = pubsub.Close()
	}()

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			b.log.Debug("Context done, stopping redis subscriber")
			return nil
		case message, ok := <-messages:
			if !ok {
				return fmt.Errorf("redis: subscription to %s closed", b.channel)
			}
			b.handle(ctx, message.Payload)
		}
	}
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

func (b *RedisBus) handle(ctx context.Context, payload string) {
	var notification api.Notification
	if err := json.Unmarshal([]byte(payload), &notification); err != nil {
		b.log.Warn("Discarding malformed notification", "error", err)
		return
	}

	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(ctx, notification)
	}
}
