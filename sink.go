package persistmsg

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// HeaderMutator applies message headers through set.
// Publishers call it once per message to copy the headers onto their own message type.
type HeaderMutator func(set func(key string, value any))

// Publisher defines an interface for publishing events to an external system.
type Publisher interface {
	// Publish sends an event to an external system (e.g., a message broker).
	// This function may be called multiple times for the same event.
	// Consumers must be idempotent and handle duplicate messages.
	// Return nil on success. On error the record stays in progress and is retried.
	Publish(ctx context.Context, event Event, headers HeaderMutator) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event Event, headers HeaderMutator) error

func (f PublisherFunc) Publish(ctx context.Context, event Event, headers HeaderMutator) error {
	return f(ctx, event, headers)
}

// Dispatcher delivers internal commands to their in-process handler.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg any) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, msg any) error

func (f DispatcherFunc) Dispatch(ctx context.Context, msg any) error {
	return f(ctx, msg)
}

// DispatchRegistry is a Dispatcher routing each command to the handler registered for its type.
type DispatchRegistry struct {
	mu       sync.RWMutex
	handlers map[reflect.Type]func(ctx context.Context, msg any) error
}

// NewDispatchRegistry creates an empty DispatchRegistry.
func NewDispatchRegistry() *DispatchRegistry {
	return &DispatchRegistry{handlers: make(map[reflect.Type]func(ctx context.Context, msg any) error)}
}

// HandleCommand registers fn as the handler of commands of type T.
func HandleCommand[T any](d *DispatchRegistry, fn func(ctx context.Context, cmd T) error) error {
	if fn == nil {
		return fmt.Errorf("registering handler for %s: nil handler", reflect.TypeFor[T]())
	}

	typ := reflect.TypeFor[T]()

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[typ]; exists {
		return fmt.Errorf("registering handler for %s: already registered", typ)
	}
	d.handlers[typ] = func(ctx context.Context, msg any) error {
		return fn(ctx, msg.(T))
	}
	return nil
}

func (d *DispatchRegistry) Dispatch(ctx context.Context, msg any) error {
	d.mu.RLock()
	handler, ok := d.handlers[reflect.TypeOf(msg)]
	d.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %T", ErrHandlerNotRegistered, msg)
	}
	return handler(ctx, msg)
}
