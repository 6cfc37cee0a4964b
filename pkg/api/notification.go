//go:generate go run go.uber.org/mock/mockgen -source=notification.go -destination=../../mocks/mock_bus.go -package=mocks
package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	NotificationMessage = "message"
	NotificationCall    = "call"
)

var ErrBusFull = errors.New("notification bus full")

type Notification struct {
	Type      string    `json:"type"`
	Recipient string    `json:"recipient"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type NotificationHandler func(ctx context.Context, notification Notification)

// Bus is the publish point for notifications. Delivery is best effort:
// nothing is persisted and nothing is retried.
type Bus interface {
	Publish(ctx context.Context, notification Notification) error
	Subscribe(handler NotificationHandler)
}

// LocalBus delivers notifications to in-process subscribers from a single goroutine.
type LocalBus struct {
	log      *slog.Logger
	events   chan Notification
	mu       sync.RWMutex
	handlers []NotificationHandler
}

func NewLocalBus(log *slog.Logger, bufferSize int) *LocalBus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &LocalBus{log: log, events: make(chan Notification, bufferSize)}
}

// Publish never blocks: when the buffer is full the notification is dropped.
func (b *LocalBus) Publish(ctx context.Context, notification Notification) error {
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = time.Now().UTC()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case b.events <- notification:
		return nil
	default:
		b.log.Warn("Notification dropped, bus full", "type", notification.Type, "recipient", notification.Recipient)
		return ErrBusFull
	}
}

func (b *LocalBus) Subscribe(handler NotificationHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// Run dispatches published notifications until ctx is done.
func (b *LocalBus) Run(ctx context.Context) error {
	for {
		select {
		case notification := <-b.events:
			b.dispatch(ctx, notification)
		case <-ctx.Done():
			b.log.Debug("Context done, stopping notification bus")
			return nil
		}
	}
}

func (b *LocalBus) dispatch(ctx context.Context, notification Notification) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(ctx, notification)
	}
}

// NewNotifier returns the subscriber pushing notifications to the recipient's current connection.
// Notifications for parties without a connection are dropped.
func NewNotifier(hub *Hub, log *slog.Logger) NotificationHandler {
	return func(ctx context.Context, notification Notification) {
		delivered := hub.SendTo(notification.Recipient, OutgoingEvent{
			Event: EventNewNotification,
			Data:  notification,
		})
		if !delivered {
			log.Info("Recipient not connected, notification dropped",
				"recipient", notification.Recipient, "type", notification.Type)
		}
	}
}
