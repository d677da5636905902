// Package kafka provides a Kafka-based implementation of the event bus for
// messages that cross node boundaries: replicated re-index requests and task
// lifecycle events.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/issue-reindex/internal/domain/events"
	"github.com/ahrav/issue-reindex/internal/domain/reindex"
	"github.com/ahrav/issue-reindex/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/issue-reindex/internal/infra/eventbus/reliability"
	"github.com/ahrav/issue-reindex/internal/infra/eventbus/serialization"
	"github.com/ahrav/issue-reindex/pkg/common/logger"
)

// ErrAlreadySubscribed is returned when a second subscription is made on a
// bus whose consumer group is already consuming.
var ErrAlreadySubscribed = errors.New("kafka event bus already has an active subscription")

// EventBusMetrics defines metrics operations needed to monitor Kafka message handling.
// It enables tracking of successful and failed message publishing/consumption.
type EventBusMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
}

// Config contains settings for connecting to and interacting with Kafka brokers.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string

	// ReplicationTopic carries re-index requests every node must apply locally.
	ReplicationTopic string
	// TaskEventsTopic carries task started, progressed and finished events.
	TaskEventsTopic string

	// GroupID identifies the consumer group. Every node needs its own group so
	// that each one receives every replication request.
	GroupID string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string

	// CriticalRetryTimeout bounds how long a critical event is retried.
	CriticalRetryTimeout time.Duration
}

var _ events.EventBus = (*EventBus)(nil)

// EventBus implements the EventBus interface using Kafka as the underlying message broker.
type EventBus struct {
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup

	// Maps domain event types to their Kafka topics
	topicMap     map[events.EventType]string
	retryTimeout time.Duration

	mu         sync.Mutex
	subscribed bool

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

// NewEventBus creates an event bus over an existing producer and consumer group.
func NewEventBus(
	producer sarama.SyncProducer,
	consumerGroup sarama.ConsumerGroup,
	cfg *Config,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	if cfg.ReplicationTopic == "" || cfg.TaskEventsTopic == "" {
		return nil, fmt.Errorf("replication and task event topics are required")
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}

	logger = logger.With(
		"component", "kafka_event_bus",
		"client_id", cfg.ClientID,
		"group_id", cfg.GroupID,
	)

	bus := &EventBus{
		producer:      producer,
		consumerGroup: consumerGroup,
		topicMap: map[events.EventType]string{
			reindex.EventTypeProjectReindexReplicated: cfg.ReplicationTopic,
			reindex.EventTypeProjectReindexStarted:    cfg.TaskEventsTopic,
			reindex.EventTypeProjectReindexProgressed: cfg.TaskEventsTopic,
			reindex.EventTypeProjectReindexFinished:   cfg.TaskEventsTopic,
		},
		retryTimeout: cfg.CriticalRetryTimeout,
		logger:       logger,
		tracer:       tracer,
		metrics:      metrics,
	}
	if bus.retryTimeout <= 0 {
		bus.retryTimeout = 30 * time.Second
	}

	go bus.logConsumerErrors()

	return bus, nil
}

func (b *EventBus) logConsumerErrors() {
	for err := range b.consumerGroup.Errors() {
		b.logger.Error(context.Background(), "Error from consumer group", "error", err)
	}
}

// Publish sends a domain event to the Kafka topic mapped for its type.
// Critical events are retried with exponential backoff; others are tried once.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	topic, ok := b.topicMap[event.Type]
	if !ok {
		return fmt.Errorf("unknown event type '%s', no topic mapped", event.Type)
	}

	ctx, span := tracing.StartProducerSpan(ctx, topic, b.tracer)
	defer span.End()

	var pParams events.PublishParams
	for _, opt := range opts {
		opt(&pParams)
	}
	if pParams.Key != "" {
		event.Key = pParams.Key
	}
	if pParams.Headers != nil {
		event.Headers = pParams.Headers
	}
	span.SetAttributes(attribute.String("event.key", event.Key))

	msgBytes, err := serialization.SerializeEventEnvelope(event.Type, event.Payload)
	if err != nil {
		span.RecordError(err)
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to serialize payload for event %s: %w", event.Type, err)
	}

	send := func() error { return b.publishToTopic(ctx, topic, event, msgBytes) }
	if reliability.IsCriticalEvent(event.Type) {
		expBackoff := backoff.NewExponentialBackOff()
		expBackoff.InitialInterval = 100 * time.Millisecond
		expBackoff.MaxElapsedTime = b.retryTimeout
		err = backoff.Retry(send, backoff.WithContext(expBackoff, ctx))
	} else {
		err = send()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish event")
		return err
	}

	return nil
}

// publishToTopic handles the actual publishing of a message to a single Kafka topic
func (b *EventBus) publishToTopic(ctx context.Context, topic string, event events.EventEnvelope, msgBytes []byte) error {
	kafkaMsg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(event.Key),
		Value: sarama.ByteEncoder(msgBytes),
	}
	for k, v := range event.Headers {
		kafkaMsg.Headers = append(kafkaMsg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	tracing.InjectTraceContext(ctx, kafkaMsg)

	partition, offset, err := b.producer.SendMessage(kafkaMsg)
	if err != nil {
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", topic, err)
	}
	b.metrics.IncMessagePublished(ctx, topic)

	b.logger.Debug(ctx, "Published message to Kafka",
		"topic", topic,
		"partition", partition,
		"offset", offset,
		"key", event.Key,
		"event_type", event.Type,
	)

	return nil
}

// Subscribe starts consuming the topics of the given event types on a
// separate goroutine. Only one subscription may be active at a time. The
// returned function stops consumption and waits for the in-flight message.
func (b *EventBus) Subscribe(
	ctx context.Context,
	eventTypes []events.EventType,
	handler events.HandlerFunc,
) (events.UnsubscribeFunc, error) {
	ctx, span := b.tracer.Start(ctx, "kafka_event_bus.subscribe")
	defer span.End()

	wanted := make(map[events.EventType]struct{}, len(eventTypes))
	topicSet := make(map[string]struct{})
	var topics []string
	for _, et := range eventTypes {
		topic, ok := b.topicMap[et]
		if !ok {
			err := fmt.Errorf("subscribe: unknown event type %s", et)
			span.RecordError(err)
			span.SetStatus(codes.Error, "unknown event type")
			return nil, err
		}
		wanted[et] = struct{}{}
		if _, seen := topicSet[topic]; !seen {
			topicSet[topic] = struct{}{}
			topics = append(topics, topic)
		}
	}
	span.AddEvent("topics_collected", trace.WithAttributes(attribute.StringSlice("topics", topics)))

	b.mu.Lock()
	if b.subscribed {
		b.mu.Unlock()
		return nil, ErrAlreadySubscribed
	}
	b.subscribed = true
	b.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	cgHandler := &domainEventHandler{
		wanted:      wanted,
		userHandler: handler,
		logger:      b.logger,
		tracer:      b.tracer,
		metrics:     b.metrics,
	}
	go func() {
		defer close(done)
		b.consumeLoop(loopCtx, topics, cgHandler)
	}()
	b.logger.Info(ctx, "Subscribed to events", "event_types", eventTypes, "topics", topics)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
			b.mu.Lock()
			b.subscribed = false
			b.mu.Unlock()
		})
	}, nil
}

// consumeLoop maintains a continuous consumer group session for processing messages.
func (b *EventBus) consumeLoop(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) {
	for {
		if err := b.consumerGroup.Consume(ctx, topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			b.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// domainEventHandler implements sarama.ConsumerGroupHandler to process Kafka messages
// and convert them into domain events for the application.
type domainEventHandler struct {
	wanted      map[events.EventType]struct{}
	userHandler events.HandlerFunc

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

func (h *domainEventHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(),
		"Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *domainEventHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(),
		"Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

const commitInterval = time.Second

// ConsumeClaim processes messages from an assigned partition, deserializing them into
// domain events and invoking the user-provided handler. Messages are marked
// once handled, whether or not the handler succeeded.
func (h *domainEventHandler) ConsumeClaim(
	sess sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	consumeLogger := h.logger.With("operation", "consume_claim", "partition", claim.Partition())
	consumeLogger.Info(sess.Context(), "Starting to consume from partition", "member_id", sess.MemberID())

	lastCommit := time.Now()
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				sess.Commit()
				return nil
			}
			h.handleMessage(sess, msg, consumeLogger)
			sess.MarkMessage(msg, "")

			if time.Since(lastCommit) > commitInterval {
				sess.Commit()
				lastCommit = time.Now()
			}
		case <-sess.Context().Done():
			sess.Commit()
			return nil
		}
	}
}

func (h *domainEventHandler) handleMessage(
	sess sarama.ConsumerGroupSession,
	msg *sarama.ConsumerMessage,
	consumeLogger *logger.Logger,
) {
	msgCtx := tracing.ExtractTraceContext(sess.Context(), msg)
	msgCtx, span := tracing.StartConsumerSpan(msgCtx, msg, h.tracer)
	defer span.End()

	evtType, payload, err := serialization.UnmarshalUniversalEnvelope(msg.Value)
	if err != nil {
		span.RecordError(err)
		h.metrics.IncConsumeError(msgCtx, msg.Topic)
		consumeLogger.Warn(msgCtx, "Skipping undecodable message", "offset", msg.Offset, "error", err)
		return
	}
	if _, ok := h.wanted[evtType]; !ok {
		return
	}

	headers := make(map[string]string, len(msg.Headers))
	for _, hdr := range msg.Headers {
		if hdr != nil {
			headers[string(hdr.Key)] = string(hdr.Value)
		}
	}
	evt := events.EventEnvelope{
		Type:      evtType,
		Key:       string(msg.Key),
		Headers:   headers,
		Timestamp: msg.Timestamp,
		Payload:   payload,
	}

	consumeLogger.Debug(msgCtx, "Received Kafka message",
		"topic", msg.Topic,
		"offset", msg.Offset,
		"event_type", evtType,
		"key", evt.Key,
	)

	if err := h.userHandler(msgCtx, evt); err != nil {
		h.metrics.IncConsumeError(msgCtx, msg.Topic)
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		consumeLogger.Error(msgCtx, "Failed to handle message", "event_type", evtType, "error", err)
		return
	}
	h.metrics.IncMessageConsumed(msgCtx, msg.Topic)
}

// Close gracefully shuts down the event bus by closing both producer and consumer connections.
func (b *EventBus) Close() error {
	logger := b.logger.With("operation", "close")
	ctx, span := b.tracer.Start(context.Background(), "kafka_event_bus.close")
	defer span.End()

	var errs []error
	if err := b.producer.Close(); err != nil {
		span.RecordError(err)
		logger.Error(ctx, "Failed to close producer", "error", err)
		errs = append(errs, err)
	}
	if err := b.consumerGroup.Close(); err != nil {
		span.RecordError(err)
		logger.Error(ctx, "Failed to close consumer group", "error", err)
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		span.SetStatus(codes.Error, "failed to close event bus")
		return err
	}

	span.SetStatus(codes.Ok, "closed event bus")
	logger.Info(ctx, "Closed event bus")

	return nil
}

type noopMetrics struct{}

func (noopMetrics) IncMessagePublished(context.Context, string) {}
func (noopMetrics) IncMessageConsumed(context.Context, string)  {}
func (noopMetrics) IncPublishError(context.Context, string)     {}
func (noopMetrics) IncConsumeError(context.Context, string)     {}
