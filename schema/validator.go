package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/glimte/mmate-sqs/contracts"
)

// ErrSchemaNotFound is returned when no schema is registered for a message type
var ErrSchemaNotFound = errors.New("schema not found")

// ValidationResult represents the result of body validation
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

func (r *ValidationResult) add(err ValidationError) {
	r.Valid = false
	r.Errors = append(r.Errors, err)
}

// ValidationError represents a single validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Value   any    `json:"value,omitempty"`
}

// Error implements the error interface for ValidationError
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation error in field '%s': %s", ve.Field, ve.Message)
}

// ValidationFailure is returned by Validate when a message body does not
// match its schema. Redelivering the message cannot fix it.
type ValidationFailure struct {
	MessageID   string
	MessageType string
	Errors      []ValidationError
}

func (f *ValidationFailure) Error() string {
	if len(f.Errors) == 0 {
		return fmt.Sprintf("message %s of type '%s' is invalid", f.MessageID, f.MessageType)
	}
	return fmt.Sprintf("message %s of type '%s' failed validation with %d errors, first: %v",
		f.MessageID, f.MessageType, len(f.Errors), f.Errors[0])
}

// IsRetryable reports false: the same body fails the same way every time
func (f *ValidationFailure) IsRetryable() bool {
	return false
}

// ValidationRule is a named check applied to a property value
type ValidationRule interface {
	Validate(ctx context.Context, field string, value any) *ValidationError
	GetName() string
}

// ValidationRuleFunc is a function adapter for ValidationRule
type ValidationRuleFunc func(ctx context.Context, field string, value any) *ValidationError

func (f ValidationRuleFunc) Validate(ctx context.Context, field string, value any) *ValidationError {
	return f(ctx, field, value)
}

func (f ValidationRuleFunc) GetName() string {
	return "anonymous"
}

type namedRule struct {
	name string
	fn   ValidationRuleFunc
}

func (r namedRule) Validate(ctx context.Context, field string, value any) *ValidationError {
	return r.fn(ctx, field, value)
}

func (r namedRule) GetName() string {
	return r.name
}

// NewRule creates a rule that properties reference by name
func NewRule(name string, fn ValidationRuleFunc) ValidationRule {
	return namedRule{name: name, fn: fn}
}

// Schema describes the JSON body of one message type
type Schema struct {
	Name       string                  `json:"name,omitempty" yaml:"name,omitempty"`
	Version    string                  `json:"version,omitempty" yaml:"version,omitempty"`
	Properties map[string]*PropertyDef `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required   []string                `json:"required,omitempty" yaml:"required,omitempty"`
}

// PropertyDef defines validation rules for a body property
type PropertyDef struct {
	Type        string                  `json:"type,omitempty" yaml:"type,omitempty"`
	Format      string                  `json:"format,omitempty" yaml:"format,omitempty"`
	Pattern     string                  `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	MinLength   *int                    `json:"minLength,omitempty" yaml:"minLength,omitempty"`
	MaxLength   *int                    `json:"maxLength,omitempty" yaml:"maxLength,omitempty"`
	Minimum     *float64                `json:"minimum,omitempty" yaml:"minimum,omitempty"`
	Maximum     *float64                `json:"maximum,omitempty" yaml:"maximum,omitempty"`
	Enum        []any                   `json:"enum,omitempty" yaml:"enum,omitempty"`
	Description string                  `json:"description,omitempty" yaml:"description,omitempty"`
	Items       *PropertyDef            `json:"items,omitempty" yaml:"items,omitempty"`
	Properties  map[string]*PropertyDef `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required    []string                `json:"required,omitempty" yaml:"required,omitempty"`
	Rules       []string                `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// MessageValidator validates JSON message bodies against the schema
// registered for the message type named in a header
type MessageValidator struct {
	typeHeader string
	strict     bool
	schemas    map[string]*Schema
	rules      map[string]ValidationRule
	patterns   map[string]*regexp.Regexp
	mu         sync.RWMutex
}

// ValidatorOption configures the message validator
type ValidatorOption func(*MessageValidator)

// WithStrictMode rejects messages without a registered schema and body
// properties the schema does not declare
func WithStrictMode(strict bool) ValidatorOption {
	return func(v *MessageValidator) {
		v.strict = strict
	}
}

// WithTypeHeader sets the header holding the message type.
// Defaults to contracts.HeaderMessageType.
func WithTypeHeader(header string) ValidatorOption {
	return func(v *MessageValidator) {
		v.typeHeader = header
	}
}

// NewMessageValidator creates a new message validator
func NewMessageValidator(opts ...ValidatorOption) *MessageValidator {
	validator := &MessageValidator{
		typeHeader: contracts.HeaderMessageType,
		schemas:    make(map[string]*Schema),
		rules:      make(map[string]ValidationRule),
		patterns:   make(map[string]*regexp.Regexp),
	}
	for _, opt := range opts {
		opt(validator)
	}

	validator.registerBuiltInRules()
	return validator
}

// RegisterSchema registers a schema for a message type. Patterns are
// compiled and rule names resolved here, so rules must be registered first.
func (v *MessageValidator) RegisterSchema(messageType string, schema *Schema) error {
	if messageType == "" {
		return fmt.Errorf("message type cannot be empty")
	}
	if schema == nil {
		return fmt.Errorf("schema cannot be nil")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	for name, prop := range schema.Properties {
		if err := v.compile(name, prop); err != nil {
			return fmt.Errorf("schema for %s: %w", messageType, err)
		}
	}
	v.schemas[messageType] = schema
	return nil
}

func (v *MessageValidator) compile(path string, prop *PropertyDef) error {
	if prop == nil {
		return fmt.Errorf("property '%s' has no definition", path)
	}
	if prop.Pattern != "" {
		if _, ok := v.patterns[prop.Pattern]; !ok {
			re, err := regexp.Compile(prop.Pattern)
			if err != nil {
				return fmt.Errorf("property '%s' has an invalid pattern: %w", path, err)
			}
			v.patterns[prop.Pattern] = re
		}
	}
	for _, rule := range prop.Rules {
		if _, ok := v.rules[rule]; !ok {
			return fmt.Errorf("property '%s' uses unknown rule '%s'", path, rule)
		}
	}
	if prop.Items != nil {
		if err := v.compile(path+"[]", prop.Items); err != nil {
			return err
		}
	}
	for name, child := range prop.Properties {
		if err := v.compile(buildFieldPath(path, name), child); err != nil {
			return err
		}
	}
	return nil
}

// RegisterRule registers a rule that properties can reference by name
func (v *MessageValidator) RegisterRule(rule ValidationRule) error {
	if rule == nil {
		return fmt.Errorf("rule cannot be nil")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.rules[rule.GetName()] = rule
	return nil
}

// GetSchema retrieves a schema by message type
func (v *MessageValidator) GetSchema(messageType string) (*Schema, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	schema, exists := v.schemas[messageType]
	if !exists {
		return nil, fmt.Errorf("%w for message type '%s'", ErrSchemaNotFound, messageType)
	}
	return schema, nil
}

// MessageTypes returns the registered message types, sorted
func (v *MessageValidator) MessageTypes() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	types := make([]string, 0, len(v.schemas))
	for t := range v.schemas {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Validate validates a message body against the schema of its type.
// Messages of unregistered types pass unless strict mode is on.
func (v *MessageValidator) Validate(ctx context.Context, msg *contracts.TransportMessage) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}

	messageType := msg.Headers[v.typeHeader]
	schema, err := v.GetSchema(messageType)
	if err != nil {
		if !v.strict {
			return nil
		}
		return &ValidationFailure{
			MessageID:   msg.GetID(),
			MessageType: messageType,
			Errors: []ValidationError{{
				Field:   v.typeHeader,
				Message: err.Error(),
				Code:    "SCHEMA_NOT_FOUND",
				Value:   messageType,
			}},
		}
	}

	result := v.ValidateBody(ctx, schema, msg.Body)
	if !result.Valid {
		return &ValidationFailure{
			MessageID:   msg.GetID(),
			MessageType: messageType,
			Errors:      result.Errors,
		}
	}
	return nil
}

// ValidateBody validates a JSON document against schema
func (v *MessageValidator) ValidateBody(ctx context.Context, schema *Schema, body []byte) *ValidationResult {
	result := &ValidationResult{Valid: true}

	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil || data == nil {
		result.add(ValidationError{
			Field:   "body",
			Message: "body is not a JSON object",
			Code:    "INVALID_BODY",
		})
		return result
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	v.validateObject(ctx, "", data, schema.Properties, schema.Required, result)
	return result
}

func (v *MessageValidator) validateObject(ctx context.Context, fieldPath string, data map[string]any, properties map[string]*PropertyDef, required []string, result *ValidationResult) {
	for _, name := range required {
		if _, exists := data[name]; !exists {
			result.add(ValidationError{
				Field:   buildFieldPath(fieldPath, name),
				Message: "required field is missing",
				Code:    "REQUIRED_FIELD_MISSING",
			})
		}
	}

	// sorted so errors come out in a stable order
	names := make([]string, 0, len(data))
	for name := range data {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		currentPath := buildFieldPath(fieldPath, name)
		propDef, exists := properties[name]
		if !exists {
			if v.strict {
				result.add(ValidationError{
					Field:   currentPath,
					Message: "field is not declared by the schema",
					Code:    "UNKNOWN_FIELD",
				})
			}
			continue
		}
		v.validateProperty(ctx, currentPath, data[name], propDef, result)
	}
}

func (v *MessageValidator) validateProperty(ctx context.Context, fieldPath string, value any, propDef *PropertyDef, result *ValidationResult) {
	if value == nil {
		return
	}

	if propDef.Type != "" && !validateType(value, propDef.Type) {
		result.add(ValidationError{
			Field:   fieldPath,
			Message: fmt.Sprintf("expected type %s, got %s", propDef.Type, jsonType(value)),
			Code:    "TYPE_MISMATCH",
			Value:   value,
		})
		return
	}

	switch val := value.(type) {
	case string:
		validateString(fieldPath, val, propDef, result)
		if propDef.Format != "" {
			validateFormat(fieldPath, val, propDef.Format, result)
		}
		if re := v.patterns[propDef.Pattern]; re != nil && !re.MatchString(val) {
			result.add(ValidationError{
				Field:   fieldPath,
				Message: fmt.Sprintf("value does not match pattern: %s", propDef.Pattern),
				Code:    "PATTERN_VIOLATION",
				Value:   value,
			})
		}
	case float64:
		validateNumber(fieldPath, val, propDef, result)
	case []any:
		if propDef.Items != nil {
			for i, item := range val {
				v.validateProperty(ctx, fmt.Sprintf("%s[%d]", fieldPath, i), item, propDef.Items, result)
			}
		}
	case map[string]any:
		if propDef.Properties != nil {
			v.validateObject(ctx, fieldPath, val, propDef.Properties, propDef.Required, result)
		}
	}

	if len(propDef.Enum) > 0 {
		validateEnum(fieldPath, value, propDef.Enum, result)
	}

	for _, name := range propDef.Rules {
		if rule := v.rules[name]; rule != nil {
			if err := rule.Validate(ctx, fieldPath, value); err != nil {
				result.add(*err)
			}
		}
	}
}

func validateType(value any, expectedType string) bool {
	switch expectedType {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}

func jsonType(value any) string {
	switch value.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", value)
	}
}

func validateString(fieldPath, value string, propDef *PropertyDef, result *ValidationResult) {
	length := len([]rune(value))
	if propDef.MinLength != nil && length < *propDef.MinLength {
		result.add(ValidationError{
			Field:   fieldPath,
			Message: fmt.Sprintf("string length %d is less than minimum %d", length, *propDef.MinLength),
			Code:    "MIN_LENGTH_VIOLATION",
			Value:   value,
		})
	}
	if propDef.MaxLength != nil && length > *propDef.MaxLength {
		result.add(ValidationError{
			Field:   fieldPath,
			Message: fmt.Sprintf("string length %d exceeds maximum %d", length, *propDef.MaxLength),
			Code:    "MAX_LENGTH_VIOLATION",
			Value:   value,
		})
	}
}

func validateNumber(fieldPath string, value float64, propDef *PropertyDef, result *ValidationResult) {
	if propDef.Minimum != nil && value < *propDef.Minimum {
		result.add(ValidationError{
			Field:   fieldPath,
			Message: fmt.Sprintf("value %g is less than minimum %g", value, *propDef.Minimum),
			Code:    "MINIMUM_VIOLATION",
			Value:   value,
		})
	}
	if propDef.Maximum != nil && value > *propDef.Maximum {
		result.add(ValidationError{
			Field:   fieldPath,
			Message: fmt.Sprintf("value %g exceeds maximum %g", value, *propDef.Maximum),
			Code:    "MAXIMUM_VIOLATION",
			Value:   value,
		})
	}
}

// validateEnum compares in JSON terms, so an enum of Go ints matches decoded numbers
func validateEnum(fieldPath string, value any, enum []any, result *ValidationResult) {
	for _, enumValue := range enum {
		if reflect.DeepEqual(value, normalize(enumValue)) {
			return
		}
	}
	result.add(ValidationError{
		Field:   fieldPath,
		Message: fmt.Sprintf("value is not in allowed enum values: %v", enum),
		Code:    "ENUM_VIOLATION",
		Value:   value,
	})
}

func normalize(value any) any {
	data, err := json.Marshal(value)
	if err != nil {
		return value
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return value
	}
	return out
}

var (
	emailRegex    = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	uuidRegex     = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	dateRegex     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	dateTimeRegex = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?$`)
)

func validateFormat(fieldPath, value, format string, result *ValidationResult) {
	var valid bool
	var msg string

	switch format {
	case "email":
		valid, msg = emailRegex.MatchString(value), "invalid email format"
	case "uri":
		valid, msg = strings.Contains(value, "://"), "invalid URI format"
	case "uuid":
		valid, msg = uuidRegex.MatchString(strings.ToLower(value)), "invalid UUID format"
	case "date":
		valid, msg = dateRegex.MatchString(value), "invalid date format (expected YYYY-MM-DD)"
	case "date-time":
		valid, msg = dateTimeRegex.MatchString(value), "invalid date-time format (expected ISO 8601)"
	default:
		return
	}

	if !valid {
		result.add(ValidationError{
			Field:   fieldPath,
			Message: msg,
			Code:    "FORMAT_VIOLATION",
			Value:   value,
		})
	}
}

func buildFieldPath(parent, field string) string {
	if parent == "" {
		return field
	}
	return parent + "." + field
}

func (v *MessageValidator) registerBuiltInRules() {
	v.rules["non-empty"] = NewRule("non-empty", func(_ context.Context, field string, value any) *ValidationError {
		if str, ok := value.(string); ok && strings.TrimSpace(str) == "" {
			return &ValidationError{
				Field:   field,
				Message: "value cannot be empty",
				Code:    "NON_EMPTY_VIOLATION",
				Value:   value,
			}
		}
		return nil
	})

	v.rules["positive"] = NewRule("positive", func(_ context.Context, field string, value any) *ValidationError {
		if num, ok := value.(float64); ok && num <= 0 {
			return &ValidationError{
				Field:   field,
				Message: "value must be positive",
				Code:    "POSITIVE_VIOLATION",
				Value:   value,
			}
		}
		return nil
	})
}
