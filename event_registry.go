package cqrs

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/goccy/go-json"
)

var (
	// registry maps message types to payload factories. Each factory must return
	// a pointer to a new zero value of the payload type.
	registry = map[string]func() any{}

	// registryMu protects access to the registry for concurrent operations.
	registryMu sync.RWMutex
)

// RegisterPayload registers the payload type of a message type so storage
// backends can decode persisted payloads into it.
//
// Panics:
//   - If the factory function is nil or returns nil.
//   - If the message type is already registered.
//
// Example Usage:
//
//	RegisterPayload("orderPlaced", func() any { return &OrderPlaced{} })
func RegisterPayload(messageType string, factory func() any) {
	if factory == nil {
		panic("cannot register nil factory")
	}
	if factory() == nil {
		panic(fmt.Sprintf("factory returned nil for payload: %s", messageType))
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[messageType]; exists {
		panic(fmt.Sprintf("payload already registered: %s", messageType))
	}
	registry[messageType] = factory
}

// UnregisterPayload removes a registration. It exists for tests.
func UnregisterPayload(messageType string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, messageType)
}

// NewPayload creates a new payload instance for a registered message type.
func NewPayload(messageType string) (any, bool) {
	registryMu.RLock()
	factory, ok := registry[messageType]
	registryMu.RUnlock()
	if !ok {
		return nil, false
	}
	return factory(), true
}

// UnmarshalPayload decodes raw JSON into the registered payload type of
// messageType. Unregistered types decode into generic maps and slices.
func UnmarshalPayload(messageType string, raw []byte) (any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if p, ok := NewPayload(messageType); ok {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decode payload %q: %w", messageType, err)
		}
		return reflect.ValueOf(p).Elem().Interface(), nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode payload %q: %w", messageType, err)
	}
	return v, nil
}

// DecodePayload stores payload in the value pointed to by target.
//
// A payload of the target's type (or a pointer to it) is assigned directly.
// Raw JSON and anything else, such as the generic maps produced by decoding an
// unregistered payload, is converted through JSON.
func DecodePayload(payload any, target any) error {
	tv := reflect.ValueOf(target)
	if tv.Kind() != reflect.Pointer || tv.IsNil() {
		return fmt.Errorf("decode payload into %T: target must be a non-nil pointer: %w", target, ErrInvalidArgument)
	}
	if payload == nil {
		return nil
	}

	switch p := payload.(type) {
	case json.RawMessage:
		return json.Unmarshal(p, target)
	case []byte:
		return json.Unmarshal(p, target)
	}

	pv := reflect.ValueOf(payload)
	elem := tv.Elem()
	if pv.Type() == elem.Type() {
		elem.Set(pv)
		return nil
	}
	if pv.Kind() == reflect.Pointer && !pv.IsNil() && pv.Elem().Type() == elem.Type() {
		elem.Set(pv.Elem())
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("decode payload %T: %w", payload, err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode payload %T into %T: %w", payload, target, err)
	}
	return nil
}
