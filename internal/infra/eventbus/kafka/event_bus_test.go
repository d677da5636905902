package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/issue-reindex/internal/domain/events"
	"github.com/ahrav/issue-reindex/internal/domain/issue"
	"github.com/ahrav/issue-reindex/internal/domain/reindex"
	"github.com/ahrav/issue-reindex/internal/infra/eventbus/serialization"
	"github.com/ahrav/issue-reindex/pkg/common/logger"
)

var testConfig = &Config{
	ReplicationTopic:     "reindex-replication",
	TaskEventsTopic:      "reindex-tasks",
	GroupID:              "node-a",
	ClientID:             "node-a",
	CriticalRetryTimeout: 2 * time.Second,
}

// fakeConsumerGroup feeds queued messages to the handler through a single
// claim and then blocks until the consume context ends.
type fakeConsumerGroup struct {
	messages chan *sarama.ConsumerMessage
	errs     chan error

	mu     sync.Mutex
	marked []int64
	closed bool
}

func newFakeConsumerGroup() *fakeConsumerGroup {
	return &fakeConsumerGroup{
		messages: make(chan *sarama.ConsumerMessage, 16),
		errs:     make(chan error),
	}
}

func (g *fakeConsumerGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return sarama.ErrClosedConsumerGroup
	}

	sess := &fakeSession{ctx: ctx, group: g}
	if err := handler.Setup(sess); err != nil {
		return err
	}
	err := handler.ConsumeClaim(sess, &fakeClaim{topic: topics[0], messages: g.messages})
	_ = handler.Cleanup(sess)
	return err
}

func (g *fakeConsumerGroup) Errors() <-chan error { return g.errs }

func (g *fakeConsumerGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.closed = true
		close(g.errs)
	}
	return nil
}

func (g *fakeConsumerGroup) Pause(map[string][]int32)  {}
func (g *fakeConsumerGroup) Resume(map[string][]int32) {}
func (g *fakeConsumerGroup) PauseAll()                 {}
func (g *fakeConsumerGroup) ResumeAll()                {}

func (g *fakeConsumerGroup) markedOffsets() []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int64(nil), g.marked...)
}

type fakeSession struct {
	ctx   context.Context
	group *fakeConsumerGroup
}

func (s *fakeSession) Claims() map[string][]int32               { return nil }
func (s *fakeSession) MemberID() string                         { return "member-1" }
func (s *fakeSession) GenerationID() int32                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) Commit()                                  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                 { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.group.mu.Lock()
	defer s.group.mu.Unlock()
	s.group.marked = append(s.group.marked, msg.Offset)
}

type fakeClaim struct {
	topic    string
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return c.topic }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func newTestBus(t *testing.T, producer sarama.SyncProducer, group sarama.ConsumerGroup) *EventBus {
	t.Helper()

	bus, err := NewEventBus(producer, group, testConfig, logger.Noop(), nil, noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)
	return bus
}

func TestNewEventBus_RequiresTopics(t *testing.T) {
	_, err := NewEventBus(mocks.NewSyncProducer(t, nil), newFakeConsumerGroup(), &Config{},
		logger.Noop(), nil, noop.NewTracerProvider().Tracer("test"))
	assert.Error(t, err)
}

func TestEventBus_PublishRoutesByEventType(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	group := newFakeConsumerGroup()
	bus := newTestBus(t, producer, group)
	defer bus.Close()

	replicated := reindex.NewProjectReindexReplicatedEvent(issue.Project{ID: 9, Key: "HSP"}, "node-a")
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != testConfig.ReplicationTopic {
			return errors.New("wrong topic " + msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "9" {
			return errors.New("wrong key " + string(key))
		}
		return nil
	})
	require.NoError(t, bus.Publish(context.Background(), events.NewEnvelope(replicated, events.WithKey("9"))))

	progressed := reindex.NewProjectReindexProgressedEvent(uuid.New(), reindex.Progress{Percent: 10})
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != testConfig.TaskEventsTopic {
			return errors.New("wrong topic " + msg.Topic)
		}
		return nil
	})
	require.NoError(t, bus.Publish(context.Background(), events.NewEnvelope(progressed)))
}

func TestEventBus_PublishUnknownEventType(t *testing.T) {
	bus := newTestBus(t, mocks.NewSyncProducer(t, nil), newFakeConsumerGroup())
	defer bus.Close()

	err := bus.Publish(context.Background(), events.NewEnvelope(issue.NewIssueCreatedEvent(1, 1)))
	assert.Error(t, err)
}

func TestEventBus_PublishRetriesCriticalEventsOnly(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	bus := newTestBus(t, producer, newFakeConsumerGroup())
	defer bus.Close()

	// A critical event survives one failed send.
	producer.ExpectSendMessageAndFail(sarama.ErrLeaderNotAvailable)
	producer.ExpectSendMessageAndSucceed()
	finished := reindex.NewProjectReindexFinishedEvent(uuid.New(), 1, reindex.TaskStatusCompleted, 10)
	require.NoError(t, bus.Publish(context.Background(), events.NewEnvelope(finished)))

	// A progress report is dropped after a single failure.
	producer.ExpectSendMessageAndFail(sarama.ErrLeaderNotAvailable)
	progressed := reindex.NewProjectReindexProgressedEvent(uuid.New(), reindex.Progress{Percent: 10})
	assert.ErrorIs(t, bus.Publish(context.Background(), events.NewEnvelope(progressed)), sarama.ErrLeaderNotAvailable)
}

func TestEventBus_SubscribeDeliversDecodedEvents(t *testing.T) {
	group := newFakeConsumerGroup()
	bus := newTestBus(t, mocks.NewSyncProducer(t, nil), group)
	defer bus.Close()

	replicated := reindex.NewProjectReindexReplicatedEvent(issue.Project{ID: 4, Key: "ABC"}, "node-b")
	data, err := serialization.SerializeEventEnvelope(replicated.EventType(), replicated)
	require.NoError(t, err)
	progressed := reindex.NewProjectReindexProgressedEvent(uuid.New(), reindex.Progress{Percent: 10})
	ignored, err := serialization.SerializeEventEnvelope(progressed.EventType(), progressed)
	require.NoError(t, err)

	group.messages <- &sarama.ConsumerMessage{Topic: testConfig.ReplicationTopic, Offset: 1, Value: []byte("garbage")}
	group.messages <- &sarama.ConsumerMessage{Topic: testConfig.TaskEventsTopic, Offset: 2, Value: ignored}
	group.messages <- &sarama.ConsumerMessage{
		Topic:   testConfig.ReplicationTopic,
		Offset:  3,
		Key:     []byte("4"),
		Value:   data,
		Headers: []*sarama.RecordHeader{{Key: []byte("origin"), Value: []byte("node-b")}},
	}

	received := make(chan events.EventEnvelope, 4)
	unsubscribe, err := bus.Subscribe(context.Background(),
		[]events.EventType{reindex.EventTypeProjectReindexReplicated},
		func(_ context.Context, evt events.EventEnvelope) error {
			received <- evt
			return nil
		})
	require.NoError(t, err)

	select {
	case evt := <-received:
		assert.Equal(t, reindex.EventTypeProjectReindexReplicated, evt.Type)
		assert.Equal(t, "4", evt.Key)
		assert.Equal(t, "node-b", evt.Headers["origin"])
		got := evt.Payload.(reindex.ProjectReindexReplicatedEvent)
		assert.Equal(t, issue.ProjectID(4), got.ProjectID)
		assert.Equal(t, "node-b", got.OriginNode)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	unsubscribe()
	unsubscribe()
	assert.Equal(t, []int64{1, 2, 3}, group.markedOffsets(), "every message is marked, handled or not")
	assert.Empty(t, received, "only subscribed event types are delivered")
}

func TestEventBus_SingleActiveSubscription(t *testing.T) {
	bus := newTestBus(t, mocks.NewSyncProducer(t, nil), newFakeConsumerGroup())
	defer bus.Close()

	types := []events.EventType{reindex.EventTypeProjectReindexReplicated}
	handler := func(context.Context, events.EventEnvelope) error { return nil }

	unsubscribe, err := bus.Subscribe(context.Background(), types, handler)
	require.NoError(t, err)

	_, err = bus.Subscribe(context.Background(), types, handler)
	assert.ErrorIs(t, err, ErrAlreadySubscribed)

	unsubscribe()
	again, err := bus.Subscribe(context.Background(), types, handler)
	require.NoError(t, err)
	again()

	_, err = bus.Subscribe(context.Background(), []events.EventType{issue.EventTypeIssueDeleted}, handler)
	assert.Error(t, err)
}
