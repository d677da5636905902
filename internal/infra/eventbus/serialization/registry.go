// Package serialization translates domain events to and from their wire form.
// Serializers are registered per event type; every payload is carried as a
// protobuf Struct inside a common envelope that names the event type.
package serialization

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahrav/issue-reindex/internal/domain/events"
	"github.com/ahrav/issue-reindex/internal/domain/issue"
	"github.com/ahrav/issue-reindex/internal/domain/reindex"
	serrors "github.com/ahrav/issue-reindex/internal/infra/eventbus/serialization/errors"
)

// SerializeFunc converts a domain event into its wire payload.
type SerializeFunc func(payload any) (*structpb.Struct, error)

// DeserializeFunc converts a wire payload back into a domain event.
type DeserializeFunc func(data *structpb.Struct) (any, error)

var (
	serializerRegistry   = map[events.EventType]SerializeFunc{}
	deserializerRegistry = map[events.EventType]DeserializeFunc{}
)

// RegisterSerializeFunc registers a serialization function for a given event type.
func RegisterSerializeFunc(eventType events.EventType, fn SerializeFunc) {
	serializerRegistry[eventType] = fn
}

// RegisterDeserializeFunc registers a deserialization function for a given event type.
func RegisterDeserializeFunc(eventType events.EventType, fn DeserializeFunc) {
	deserializerRegistry[eventType] = fn
}

// Registered reports whether both directions are registered for eventType.
func Registered(eventType events.EventType) bool {
	_, ser := serializerRegistry[eventType]
	_, de := deserializerRegistry[eventType]
	return ser && de
}

const (
	envelopeTypeField    = "event_type"
	envelopeTimeField    = "occurred_at"
	envelopePayloadField = "payload"
)

// SerializeEventEnvelope encodes payload with the serializer registered for
// eventType and wraps it in the universal envelope.
func SerializeEventEnvelope(eventType events.EventType, payload any) ([]byte, error) {
	fn, ok := serializerRegistry[eventType]
	if !ok {
		return nil, fmt.Errorf("no serializer registered for eventType=%s", eventType)
	}
	body, err := fn(payload)
	if err != nil {
		return nil, fmt.Errorf("serializing %s: %w", eventType, err)
	}

	var occurredAt time.Time
	if evt, ok := payload.(events.DomainEvent); ok {
		occurredAt = evt.OccurredAt()
	}

	env := &structpb.Struct{Fields: map[string]*structpb.Value{
		envelopeTypeField:    structpb.NewStringValue(string(eventType)),
		envelopeTimeField:    structpb.NewStringValue(occurredAt.UTC().Format(time.RFC3339Nano)),
		envelopePayloadField: structpb.NewStructValue(body),
	}}
	return proto.Marshal(env)
}

// UnmarshalUniversalEnvelope decodes the envelope and the payload inside it.
func UnmarshalUniversalEnvelope(data []byte) (events.EventType, any, error) {
	var env structpb.Struct
	if err := proto.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	eventType := events.EventType(env.GetFields()[envelopeTypeField].GetStringValue())
	if eventType == "" {
		return "", nil, serrors.ErrMissingField{Field: envelopeTypeField}
	}
	body := env.GetFields()[envelopePayloadField].GetStructValue()
	if body == nil {
		return eventType, nil, serrors.ErrNilEvent{EventType: string(eventType)}
	}

	fn, ok := deserializerRegistry[eventType]
	if !ok {
		return eventType, nil, fmt.Errorf("no deserializer registered for eventType=%s", eventType)
	}
	payload, err := fn(body)
	if err != nil {
		return eventType, nil, fmt.Errorf("deserializing %s: %w", eventType, err)
	}
	return eventType, payload, nil
}

func init() {
	RegisterEventSerializers()
}

// RegisterEventSerializers registers the codecs for every event that crosses
// the process boundary.
func RegisterEventSerializers() {
	RegisterSerializeFunc(reindex.EventTypeProjectReindexReplicated, serializeProjectReindexReplicated)
	RegisterDeserializeFunc(reindex.EventTypeProjectReindexReplicated, deserializeProjectReindexReplicated)

	RegisterSerializeFunc(reindex.EventTypeProjectReindexStarted, serializeProjectReindexStarted)
	RegisterDeserializeFunc(reindex.EventTypeProjectReindexStarted, deserializeProjectReindexStarted)

	RegisterSerializeFunc(reindex.EventTypeProjectReindexProgressed, serializeProjectReindexProgressed)
	RegisterDeserializeFunc(reindex.EventTypeProjectReindexProgressed, deserializeProjectReindexProgressed)

	RegisterSerializeFunc(reindex.EventTypeProjectReindexFinished, serializeProjectReindexFinished)
	RegisterDeserializeFunc(reindex.EventTypeProjectReindexFinished, deserializeProjectReindexFinished)
}

func serializeProjectReindexReplicated(payload any) (*structpb.Struct, error) {
	evt, ok := payload.(reindex.ProjectReindexReplicatedEvent)
	if !ok {
		return nil, serrors.ErrInvalidPayloadType{EventType: string(reindex.EventTypeProjectReindexReplicated), Got: payload}
	}
	return structpb.NewStruct(map[string]any{
		"request_id":  evt.RequestID.String(),
		"project_id":  int64(evt.ProjectID),
		"project_key": evt.ProjectKey,
		"origin_node": evt.OriginNode,
		"occurred_at": evt.OccurredAt().UTC().Format(time.RFC3339Nano),
	})
}

func deserializeProjectReindexReplicated(data *structpb.Struct) (any, error) {
	requestID, err := uuidField(data, "request_id")
	if err != nil {
		return nil, err
	}
	projectID, err := numberField(data, "project_id")
	if err != nil {
		return nil, err
	}
	occurredAt, err := timeField(data, "occurred_at")
	if err != nil {
		return nil, err
	}
	return reindex.RestoreProjectReindexReplicatedEvent(
		requestID,
		issue.ProjectID(projectID),
		data.GetFields()["project_key"].GetStringValue(),
		data.GetFields()["origin_node"].GetStringValue(),
		occurredAt,
	), nil
}

func serializeProjectReindexStarted(payload any) (*structpb.Struct, error) {
	evt, ok := payload.(reindex.ProjectReindexStartedEvent)
	if !ok {
		return nil, serrors.ErrInvalidPayloadType{EventType: string(reindex.EventTypeProjectReindexStarted), Got: payload}
	}
	return structpb.NewStruct(map[string]any{
		"task_id":    evt.TaskID.String(),
		"project_id": int64(evt.ProjectID),
	})
}

func deserializeProjectReindexStarted(data *structpb.Struct) (any, error) {
	taskID, err := uuidField(data, "task_id")
	if err != nil {
		return nil, err
	}
	projectID, err := numberField(data, "project_id")
	if err != nil {
		return nil, err
	}
	return reindex.NewProjectReindexStartedEvent(taskID, issue.ProjectID(projectID)), nil
}

func serializeProjectReindexProgressed(payload any) (*structpb.Struct, error) {
	evt, ok := payload.(reindex.ProjectReindexProgressedEvent)
	if !ok {
		return nil, serrors.ErrInvalidPayloadType{EventType: string(reindex.EventTypeProjectReindexProgressed), Got: payload}
	}
	return structpb.NewStruct(map[string]any{
		"task_id":  evt.TaskID.String(),
		"percent":  evt.Progress.Percent,
		"sub_task": evt.Progress.SubTask,
		"message":  evt.Progress.Message,
		"at":       evt.Progress.At.UTC().Format(time.RFC3339Nano),
	})
}

func deserializeProjectReindexProgressed(data *structpb.Struct) (any, error) {
	taskID, err := uuidField(data, "task_id")
	if err != nil {
		return nil, err
	}
	percent, err := numberField(data, "percent")
	if err != nil {
		return nil, err
	}
	at, err := timeField(data, "at")
	if err != nil {
		return nil, err
	}
	return reindex.NewProjectReindexProgressedEvent(taskID, reindex.Progress{
		Percent: percent,
		SubTask: data.GetFields()["sub_task"].GetStringValue(),
		Message: data.GetFields()["message"].GetStringValue(),
		At:      at,
	}), nil
}

func serializeProjectReindexFinished(payload any) (*structpb.Struct, error) {
	evt, ok := payload.(reindex.ProjectReindexFinishedEvent)
	if !ok {
		return nil, serrors.ErrInvalidPayloadType{EventType: string(reindex.EventTypeProjectReindexFinished), Got: payload}
	}
	return structpb.NewStruct(map[string]any{
		"task_id":        evt.TaskID.String(),
		"project_id":     int64(evt.ProjectID),
		"status":         evt.Status.String(),
		"elapsed_millis": evt.ElapsedMillis,
	})
}

func deserializeProjectReindexFinished(data *structpb.Struct) (any, error) {
	taskID, err := uuidField(data, "task_id")
	if err != nil {
		return nil, err
	}
	projectID, err := numberField(data, "project_id")
	if err != nil {
		return nil, err
	}
	status, err := reindex.ParseTaskStatus(data.GetFields()["status"].GetStringValue())
	if err != nil {
		return nil, err
	}
	elapsed, err := numberField(data, "elapsed_millis")
	if err != nil {
		return nil, err
	}
	return reindex.NewProjectReindexFinishedEvent(taskID, issue.ProjectID(projectID), status, elapsed), nil
}

func numberField(s *structpb.Struct, name string) (int64, error) {
	v, ok := s.GetFields()[name]
	if !ok {
		return 0, serrors.ErrMissingField{Field: name}
	}
	return int64(v.GetNumberValue()), nil
}

func uuidField(s *structpb.Struct, name string) (uuid.UUID, error) {
	v, ok := s.GetFields()[name]
	if !ok {
		return uuid.Nil, serrors.ErrMissingField{Field: name}
	}
	id, err := uuid.Parse(v.GetStringValue())
	if err != nil {
		return uuid.Nil, serrors.ErrInvalidUUID{Field: name, Err: err}
	}
	return id, nil
}

func timeField(s *structpb.Struct, name string) (time.Time, error) {
	v, ok := s.GetFields()[name]
	if !ok {
		return time.Time{}, serrors.ErrMissingField{Field: name}
	}
	t, err := time.Parse(time.RFC3339Nano, v.GetStringValue())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: %w", name, err)
	}
	return t, nil
}
