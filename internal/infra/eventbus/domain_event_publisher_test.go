package eventbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/issue-reindex/internal/domain/events"
	"github.com/ahrav/issue-reindex/internal/domain/issue"
	"github.com/ahrav/issue-reindex/internal/infra/eventbus/memory"
)

func TestDomainEventPublisher_PublishDomainEvent(t *testing.T) {
	t.Parallel()

	bus := memory.NewEventBus()
	ctx := context.Background()

	var got events.EventEnvelope
	_, err := bus.Subscribe(ctx, issue.ChangeEventTypes(), func(_ context.Context, evt events.EventEnvelope) error {
		got = evt
		return nil
	})
	require.NoError(t, err)

	evt := issue.NewIssueUpdatedEvent(7, 3)
	pub := NewDomainEventPublisher(bus)
	require.NoError(t, pub.PublishDomainEvent(ctx, evt,
		events.WithKey("3"),
		events.WithHeaders(map[string]string{"origin": "node-a"}),
	))

	assert.Equal(t, issue.EventTypeIssueUpdated, got.Type)
	assert.Equal(t, "3", got.Key)
	assert.Equal(t, "node-a", got.Headers["origin"])
	assert.Equal(t, evt.OccurredAt(), got.Timestamp)
	assert.Equal(t, evt, got.Payload)
}
