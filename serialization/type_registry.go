package serialization

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// ErrTypeNotRegistered is returned for type names and values the registry does not know
var ErrTypeNotRegistered = errors.New("type not registered")

// TypeRegistry maps message type names, as carried in the message-type
// header, to Go struct types
type TypeRegistry struct {
	types map[string]reflect.Type
	names map[reflect.Type]string
	mu    sync.RWMutex
}

// NewTypeRegistry creates a new type registry
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		types: make(map[string]reflect.Type),
		names: make(map[reflect.Type]string),
	}
}

// Register registers a struct type under typeName. Registering the same
// pair twice is a no-op.
func (r *TypeRegistry) Register(typeName string, msgType any) error {
	if typeName == "" {
		return fmt.Errorf("type name cannot be empty")
	}
	t, err := structType(msgType)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.types[typeName]; exists {
		if existing == t {
			return nil
		}
		return fmt.Errorf("type name %s already registered to %v", typeName, existing)
	}
	if existing, exists := r.names[t]; exists {
		return fmt.Errorf("type %v already registered as %s", t, existing)
	}

	r.types[typeName] = t
	r.names[t] = typeName
	return nil
}

// RegisterType registers a struct type under its Go name. The package path
// is left out because the name travels to services written in other languages.
func (r *TypeRegistry) RegisterType(msgType any) error {
	t, err := structType(msgType)
	if err != nil {
		return err
	}
	if t.Name() == "" {
		return fmt.Errorf("cannot determine type name for %v", t)
	}
	return r.Register(t.Name(), msgType)
}

func structType(msgType any) (reflect.Type, error) {
	if msgType == nil {
		return nil, fmt.Errorf("message type cannot be nil")
	}
	t := reflect.TypeOf(msgType)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("message type must be a struct, got %v", t.Kind())
	}
	return t, nil
}

// Get retrieves the type for a given type name
func (r *TypeRegistry) Get(typeName string) (reflect.Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.types[typeName]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTypeNotRegistered, typeName)
	}
	return t, nil
}

// New returns a pointer to a new zero value of the registered type
func (r *TypeRegistry) New(typeName string) (any, error) {
	t, err := r.Get(typeName)
	if err != nil {
		return nil, err
	}
	return reflect.New(t).Interface(), nil
}

// TypeName returns the registered name for a value or pointer
func (r *TypeRegistry) TypeName(msg any) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("message cannot be nil")
	}
	t := reflect.TypeOf(msg)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	name, exists := r.names[t]
	if !exists {
		return "", fmt.Errorf("%w: %v", ErrTypeNotRegistered, t)
	}
	return name, nil
}

// IsRegistered checks if a type name is registered
func (r *TypeRegistry) IsRegistered(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.types[typeName]
	return exists
}

// ListTypes returns the registered type names, sorted
func (r *TypeRegistry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.types))
	for typeName := range r.types {
		types = append(types, typeName)
	}
	sort.Strings(types)
	return types
}
