// Package eventbus adapts domain events onto any events.EventBus.
package eventbus

import (
	"context"

	"github.com/ahrav/issue-reindex/internal/domain/events"
)

var _ events.DomainEventPublisher = (*DomainEventPublisher)(nil)

// DomainEventPublisher implements events.DomainEventPublisher on top of an
// EventBus. It wraps each domain event in an envelope carrying the routing
// key and headers given as options.
type DomainEventPublisher struct {
	eventBus events.EventBus
}

// NewDomainEventPublisher creates a publisher that distributes domain events
// through the provided bus.
func NewDomainEventPublisher(bus events.EventBus) *DomainEventPublisher {
	return &DomainEventPublisher{eventBus: bus}
}

// PublishDomainEvent stamps the event with its occurrence time and hands it
// to the bus.
func (pub *DomainEventPublisher) PublishDomainEvent(
	ctx context.Context,
	event events.DomainEvent,
	opts ...events.PublishOption,
) error {
	return pub.eventBus.Publish(ctx, events.NewEnvelope(event, opts...))
}
