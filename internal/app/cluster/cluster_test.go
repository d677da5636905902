package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/issue-reindex/internal/app/reindex"
	"github.com/ahrav/issue-reindex/internal/domain/events"
	"github.com/ahrav/issue-reindex/internal/domain/issue"
	domain "github.com/ahrav/issue-reindex/internal/domain/reindex"
	"github.com/ahrav/issue-reindex/internal/infra/eventbus"
	"github.com/ahrav/issue-reindex/internal/infra/eventbus/memory"
	"github.com/ahrav/issue-reindex/pkg/common/logger"
)

type mockReindexer struct{ mock.Mock }

func (m *mockReindexer) Reindex(ctx context.Context, projectID issue.ProjectID, opts ...reindex.ReindexOption) (*domain.TaskDescriptor, error) {
	args := m.Called(ctx, projectID, len(opts))
	td, _ := args.Get(0).(*domain.TaskDescriptor)
	return td, args.Error(1)
}

func task(projectID issue.ProjectID) *domain.TaskDescriptor {
	return domain.NewTaskDescriptor(uuid.New(), "test", domain.NewProjectTaskContext(projectID), true, time.Now())
}

type clusterFixture struct {
	bus      *memory.EventBus
	notifier *ReplicatedIndexNotifier
	listener *ReplicationListener
	peer     *mockReindexer
}

// newClusterFixture wires node-a's notifier and node-b's listener to one bus.
func newClusterFixture(t *testing.T) *clusterFixture {
	t.Helper()

	tracer := noop.NewTracerProvider().Tracer("test")
	bus := memory.NewEventBus()
	peer := new(mockReindexer)

	listener, err := NewReplicationListener("node-b", bus, peer, logger.Noop(), tracer)
	require.NoError(t, err)
	require.NoError(t, listener.Start(context.Background()))
	t.Cleanup(listener.Stop)

	return &clusterFixture{
		bus:      bus,
		notifier: NewReplicatedIndexNotifier("node-a", eventbus.NewDomainEventPublisher(bus), logger.Noop(), tracer),
		listener: listener,
		peer:     peer,
	}
}

func TestReplication_PeerReindexesWithoutEcho(t *testing.T) {
	f := newClusterFixture(t)
	project := issue.Project{ID: 5, Key: "HSP"}
	f.peer.On("Reindex", mock.Anything, project.ID, 1).Return(task(project.ID), nil).Once()

	require.NoError(t, f.notifier.ReindexProject(context.Background(), project))
	f.peer.AssertExpectations(t)
}

func TestReplication_OwnRequestsAreIgnored(t *testing.T) {
	f := newClusterFixture(t)
	own := NewReplicatedIndexNotifier("node-b", eventbus.NewDomainEventPublisher(f.bus), logger.Noop(),
		noop.NewTracerProvider().Tracer("test"))

	require.NoError(t, own.ReindexProject(context.Background(), issue.Project{ID: 5}))
	f.peer.AssertNotCalled(t, "Reindex", mock.Anything, mock.Anything, mock.Anything)
}

func TestReplication_RedeliveryIsDropped(t *testing.T) {
	f := newClusterFixture(t)
	f.peer.On("Reindex", mock.Anything, issue.ProjectID(5), 1).Return(task(5), nil).Once()

	evt := domain.NewProjectReindexReplicatedEvent(issue.Project{ID: 5}, "node-a")
	for i := 0; i < 3; i++ {
		require.NoError(t, f.bus.Publish(context.Background(), events.NewEnvelope(evt)))
	}
	f.peer.AssertNumberOfCalls(t, "Reindex", 1)
}

func TestReplication_DedupesByRequestID(t *testing.T) {
	f := newClusterFixture(t)
	f.peer.On("Reindex", mock.Anything, issue.ProjectID(6), 1).Return(task(6), nil).Twice()

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	first := domain.RestoreProjectReindexReplicatedEvent(uuid.New(), 6, "ABC", "node-a", at)
	second := domain.RestoreProjectReindexReplicatedEvent(uuid.New(), 6, "ABC", "node-a", at)
	redelivered := domain.RestoreProjectReindexReplicatedEvent(first.RequestID, 6, "ABC", "node-a", at.Add(time.Second))

	for _, evt := range []domain.ProjectReindexReplicatedEvent{first, second, redelivered} {
		require.NoError(t, f.bus.Publish(context.Background(), events.NewEnvelope(evt)))
	}
	f.peer.AssertNumberOfCalls(t, "Reindex", 2)
}

func TestReplication_Errors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{name: "unknown project is dropped", err: issue.ErrProjectNotFound},
		{name: "other failures surface to the transport", err: errors.New("task manager is shut down"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newClusterFixture(t)
			f.peer.On("Reindex", mock.Anything, issue.ProjectID(8), 1).Return(nil, tt.err).Once()

			evt := domain.NewProjectReindexReplicatedEvent(issue.Project{ID: 8}, "node-a")
			err := f.bus.Publish(context.Background(), events.NewEnvelope(evt))
			if tt.wantErr {
				assert.ErrorIs(t, err, tt.err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestReplicationListener_StopUnsubscribes(t *testing.T) {
	f := newClusterFixture(t)
	f.listener.Stop()
	f.listener.Stop()

	require.NoError(t, f.notifier.ReindexProject(context.Background(), issue.Project{ID: 5}))
	f.peer.AssertNotCalled(t, "Reindex", mock.Anything, mock.Anything, mock.Anything)
}

type failingPublisher struct{}

func (failingPublisher) PublishDomainEvent(context.Context, events.DomainEvent, ...events.PublishOption) error {
	return errors.New("broker down")
}

func TestReplicatedIndexNotifier_PublishError(t *testing.T) {
	n := NewReplicatedIndexNotifier("node-a", failingPublisher{}, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	assert.Error(t, n.ReindexProject(context.Background(), issue.Project{ID: 1}))
}

func TestReplicationListener_RejectsForeignPayload(t *testing.T) {
	f := newClusterFixture(t)

	err := f.listener.HandleEvent(context.Background(), events.EventEnvelope{
		Type:    domain.EventTypeProjectReindexReplicated,
		Payload: "not a request",
	})
	assert.Error(t, err)
	f.peer.AssertNotCalled(t, "Reindex", mock.Anything, mock.Anything, mock.Anything)
}
