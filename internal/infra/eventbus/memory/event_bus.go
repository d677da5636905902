// Package memory provides an in-process event bus. Handlers run on the
// publisher's goroutine, which makes it suitable for single-node deployments
// and for tests where delivery must be observable synchronously.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/ahrav/issue-reindex/internal/domain/events"
)

// ErrBusClosed is returned by Publish and Subscribe after Close.
var ErrBusClosed = errors.New("event bus closed")

var _ events.EventBus = (*EventBus)(nil)

// subscription pairs a handler with its active flag. Deliveries hold the read
// lock, so unsubscribing waits for an in-flight delivery to finish and no
// delivery can start afterwards.
type subscription struct {
	mu      sync.RWMutex
	active  bool
	handler events.HandlerFunc
}

func (s *subscription) deliver(ctx context.Context, evt events.EventEnvelope) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.active {
		return nil
	}
	return s.handler(ctx, evt)
}

func (s *subscription) deactivate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// EventBus is an in-memory events.EventBus.
type EventBus struct {
	mu       sync.RWMutex
	closed   bool
	handlers map[events.EventType][]*subscription
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[events.EventType][]*subscription)}
}

// Subscribe registers handler for the given event types. The returned
// function removes the subscription; once it returns the handler is never
// invoked again. A handler must not unsubscribe itself.
func (b *EventBus) Subscribe(
	ctx context.Context,
	eventTypes []events.EventType,
	handler events.HandlerFunc,
) (events.UnsubscribeFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}

	sub := &subscription{active: true, handler: handler}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	for _, et := range eventTypes {
		b.handlers[et] = append(b.handlers[et], sub)
	}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.deactivate()
			b.remove(eventTypes, sub)
		})
	}, nil
}

func (b *EventBus) remove(eventTypes []events.EventType, sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, et := range eventTypes {
		subs := b.handlers[et]
		for i, s := range subs {
			if s == sub {
				b.handlers[et] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(b.handlers[et]) == 0 {
			delete(b.handlers, et)
		}
	}
}

// Publish delivers the event to every handler subscribed to its type, in
// subscription order, stopping at the first handler error.
func (b *EventBus) Publish(ctx context.Context, evt events.EventEnvelope, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var params events.PublishParams
	for _, opt := range opts {
		opt(&params)
	}
	if params.Key != "" {
		evt.Key = params.Key
	}
	if params.Headers != nil {
		evt.Headers = params.Headers
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	// Copy to avoid holding the lock while handlers run.
	subs := make([]*subscription, len(b.handlers[evt.Type]))
	copy(subs, b.handlers[evt.Type])
	b.mu.RUnlock()

	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sub.deliver(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

// Close drops every subscription.
func (b *EventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.handlers {
		for _, s := range subs {
			s.deactivate()
		}
	}
	b.handlers = make(map[events.EventType][]*subscription)
	b.closed = true
	return nil
}
