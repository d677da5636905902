// Package events provides domain event handling capabilities for communicating state changes
// and important activities across system boundaries in a decoupled way.
package events

import (
	"context"
)

// DomainEventPublisher publishes domain events to notify other parts of the system about
// important domain changes. It provides a technology-agnostic interface to decouple event
// producers from the underlying messaging infrastructure.
type DomainEventPublisher interface {
	// PublishDomainEvent sends a domain event to interested subscribers. The provided context
	// controls cancellation and deadlines. Optional PublishOptions configure routing behavior.
	// Returns an error if publishing fails.
	PublishDomainEvent(ctx context.Context, event DomainEvent, opts ...PublishOption) error
}

// UnsubscribeFunc removes a subscription. After it returns, the handler it was
// paired with is never invoked again. Calling it more than once is a no-op.
type UnsubscribeFunc func()

// EventBus enables publishing and subscribing to domain events inside a process.
type EventBus interface {
	// Publish broadcasts an event to all handlers subscribed to its type.
	// Returns the first handler error encountered.
	Publish(ctx context.Context, event EventEnvelope, opts ...PublishOption) error

	// Subscribe registers a handler for the specified event types. The returned
	// function releases the subscription.
	Subscribe(ctx context.Context, eventTypes []EventType, handler HandlerFunc) (UnsubscribeFunc, error)

	// Close releases every subscription. Subsequent publishes fail.
	Close() error
}
