package serializationerrors

import "fmt"

// ErrNilEvent indicates that a nil event was provided for serialization/deserialization
type ErrNilEvent struct{ EventType string }

func (e ErrNilEvent) Error() string { return fmt.Sprintf("nil %s event", e.EventType) }

// ErrInvalidUUID indicates that a UUID field could not be parsed
type ErrInvalidUUID struct {
	Field string
	Err   error
}

func (e ErrInvalidUUID) Error() string { return fmt.Sprintf("invalid %s: %v", e.Field, e.Err) }

func (e ErrInvalidUUID) Unwrap() error { return e.Err }

// ErrMissingField indicates that a required payload field was absent.
type ErrMissingField struct{ Field string }

func (e ErrMissingField) Error() string { return fmt.Sprintf("missing field %s", e.Field) }

// ErrInvalidPayloadType indicates that a payload was not the type registered for its event.
type ErrInvalidPayloadType struct {
	EventType string
	Got       any
}

func (e ErrInvalidPayloadType) Error() string {
	return fmt.Sprintf("invalid payload type for %s: %T", e.EventType, e.Got)
}
