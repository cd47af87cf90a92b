package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownEvent is returned by Decode for event types nobody registered.
var ErrUnknownEvent = errors.New("outbox: unknown event type")

// Registry maps event type names to payload constructors. Types are registered at startup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func() any
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]func() any)}
}

// Register binds eventType to a constructor returning a pointer to a fresh payload value.
// Registering the same type twice panics.
func (r *Registry) Register(eventType string, factory func() any) {
	if eventType == "" || factory == nil {
		panic("outbox: register requires an event type and factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[eventType]; dup {
		panic(fmt.Sprintf("outbox: event type %q registered twice", eventType))
	}
	r.factories[eventType] = factory
}

// Decode unmarshals payload into the value registered for eventType.
func (r *Registry) Decode(eventType string, payload []byte) (any, error) {
	r.mu.RLock()
	factory, ok := r.factories[eventType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, eventType)
	}
	v := factory()
	if err := json.Unmarshal(payload, v); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	return v, nil
}

// Types lists the registered event types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
