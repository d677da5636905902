package events

import "time"

// DomainEvent is implemented by every strongly typed event in the domain layer.
// It exposes just enough for routing and ordering.
type DomainEvent interface {
	EventType() EventType
	OccurredAt() time.Time
}

// EventEnvelope wraps a domain event with the metadata the transport needs.
type EventEnvelope struct {
	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key enables consistent event routing, typically containing a business identifier
	// like a project or issue id that events can be grouped or partitioned by.
	Key string

	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string

	// Timestamp records when this event was created.
	Timestamp time.Time

	// Payload contains the actual event data. The concrete type depends on Type.
	Payload any
}

// NewEnvelope builds an envelope for evt, applying any publish options.
func NewEnvelope(evt DomainEvent, opts ...PublishOption) EventEnvelope {
	var params PublishParams
	for _, opt := range opts {
		opt(&params)
	}

	return EventEnvelope{
		Type:      evt.EventType(),
		Key:       params.Key,
		Headers:   params.Headers,
		Timestamp: evt.OccurredAt(),
		Payload:   evt,
	}
}
