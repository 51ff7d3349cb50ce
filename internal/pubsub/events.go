// Package pubsub provides a generic, non-blocking publish/subscribe broker.
package pubsub

import (
	"context"
	"time"
)

// EventType names what happened. Publishers define their own values.
type EventType string

// Event is a published event with a typed payload.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events whose payload
// satisfies match. A nil match receives everything.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context, match func(T) bool) <-chan Event[T]
}

// Publisher publishes events with a typed payload.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T)
}
