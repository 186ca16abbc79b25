package serialization

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/glimte/mmate-sqs/contracts"
	"github.com/glimte/mmate-sqs/messaging"
)

// ErrMissingType is returned when a received message has no type header
var ErrMissingType = errors.New("message has no type header")

// DecodeError is returned when a message body cannot be decoded into its
// registered type. Redelivery does not help.
type DecodeError struct {
	MessageID string
	Type      string
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode message %s as %s: %v", e.MessageID, e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsRetryable reports false
func (e *DecodeError) IsRetryable() bool {
	return false
}

// JSONSerializer turns registered Go structs into transport messages with
// a JSON body and the type name in a header, and back
type JSONSerializer struct {
	registry    *TypeRegistry
	typeHeader  string
	prettyPrint bool
}

// JSONSerializerOption configures the JSON serializer
type JSONSerializerOption func(*JSONSerializer)

// WithTypeRegistry sets the type registry
func WithTypeRegistry(registry *TypeRegistry) JSONSerializerOption {
	return func(s *JSONSerializer) {
		s.registry = registry
	}
}

// WithPrettyPrint enables indented bodies
func WithPrettyPrint(pretty bool) JSONSerializerOption {
	return func(s *JSONSerializer) {
		s.prettyPrint = pretty
	}
}

// WithTypeHeader sets the header carrying the type name.
// Defaults to contracts.HeaderMessageType.
func WithTypeHeader(header string) JSONSerializerOption {
	return func(s *JSONSerializer) {
		s.typeHeader = header
	}
}

// NewJSONSerializer creates a new JSON serializer
func NewJSONSerializer(opts ...JSONSerializerOption) *JSONSerializer {
	s := &JSONSerializer{
		registry:   NewTypeRegistry(),
		typeHeader: contracts.HeaderMessageType,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the type registry
func (s *JSONSerializer) Registry() *TypeRegistry {
	return s.registry
}

// Serialize encodes msg, which must be of a registered type, into a new
// transport message carrying a copy of headers
func (s *JSONSerializer) Serialize(msg any, headers map[string]string) (*contracts.TransportMessage, error) {
	typeName, err := s.registry.TypeName(msg)
	if err != nil {
		return nil, err
	}

	var body []byte
	if s.prettyPrint {
		body, err = json.MarshalIndent(msg, "", "  ")
	} else {
		body, err = json.Marshal(msg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", typeName, err)
	}

	out := contracts.NewTransportMessage(headers, body)
	out.Headers[s.typeHeader] = typeName
	return out, nil
}

// Deserialize decodes the body into a new value of the type named by the
// type header and returns a pointer to it
func (s *JSONSerializer) Deserialize(msg *contracts.TransportMessage) (any, error) {
	typeName, ok := msg.Headers[s.typeHeader]
	if !ok || typeName == "" {
		return nil, fmt.Errorf("%w '%s' on message %s", ErrMissingType, s.typeHeader, msg.GetID())
	}
	instance, err := s.registry.New(typeName)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(msg.Body, instance); err != nil {
		return nil, &DecodeError{MessageID: msg.GetID(), Type: typeName, Err: err}
	}
	return instance, nil
}

// TypedHandler adapts fn to a message handler. Messages whose type header
// does not name T are rejected without calling fn.
func TypedHandler[T any](s *JSONSerializer, fn func(ctx context.Context, uow *messaging.UnitOfWork, msg *contracts.TransportMessage, body *T) error) messaging.HandlerFunc {
	return func(ctx context.Context, uow *messaging.UnitOfWork, msg *contracts.TransportMessage) error {
		decoded, err := s.Deserialize(msg)
		if err != nil {
			return err
		}
		body, ok := decoded.(*T)
		if !ok {
			var zero T
			return &DecodeError{
				MessageID: msg.GetID(),
				Type:      msg.Headers[s.typeHeader],
				Err:       fmt.Errorf("handler expects %T", zero),
			}
		}
		return fn(ctx, uow, msg, body)
	}
}
