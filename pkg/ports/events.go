package ports

import (
	"context"

	"github.com/aescanero/cannoli/pkg/domain"
)

// EventHandler processes one event delivered by an EventBus.
type EventHandler func(ctx context.Context, event domain.Event) error

// EventBus publishes and delivers service-level events by topic.
type EventBus interface {
	Publish(ctx context.Context, topic string, event domain.Event) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Unsubscribe(ctx context.Context, topic string) error
	Close() error
}
