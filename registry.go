package persistmsg

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
)

// Event is a payload that can be published to the broker.
// Its id becomes the record id, so redelivery of the same event can be detected.
type Event interface {
	EventID() uuid.UUID
}

// InternalCommand is a payload handled in-process by the Dispatcher.
type InternalCommand interface {
	InternalCommand()
}

type decodeFunc func(data []byte) (any, error)

// Registry maps type tags to payload types. Tags are stored with every record
// and used to decode the payload when the record is processed. Registration is
// expected to happen at startup, lookups are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byTag  map[string]decodeFunc
	byType map[reflect.Type]string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byTag:  make(map[string]decodeFunc),
		byType: make(map[reflect.Type]string),
	}
}

// Register associates tag with the payload type T.
// T may be a struct type or a pointer to one; payloads are decoded as T.
func Register[T any](r *Registry, tag string) error {
	if tag == "" {
		return errors.New("registering message type: empty tag")
	}

	typ := reflect.TypeFor[T]()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byTag[tag]; ok {
		return fmt.Errorf("registering message type %s: tag %q already registered", typ, tag)
	}
	if existing, ok := r.byType[typ]; ok {
		return fmt.Errorf("registering message type %s: already registered as %q", typ, existing)
	}

	r.byTag[tag] = func(data []byte) (any, error) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
	r.byType[typ] = tag
	return nil
}

// MustRegister is like Register but panics on error.
func MustRegister[T any](r *Registry, tag string) {
	if err := Register[T](r, tag); err != nil {
		panic(err)
	}
}

// Tag returns the tag registered for the dynamic type of v.
// A pointer to a registered struct type gets the tag of the struct type.
// Unregistered types are tagged with their Go type name.
func (r *Registry) Tag(v any) string {
	tag, _ := r.Lookup(v)
	return tag
}

// Lookup is like Tag and additionally reports whether the type of v is registered.
func (r *Registry) Lookup(v any) (string, bool) {
	typ := reflect.TypeOf(v)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if tag, ok := r.byType[typ]; ok {
		return tag, true
	}
	if typ != nil && typ.Kind() == reflect.Pointer {
		if tag, ok := r.byType[typ.Elem()]; ok {
			return tag, true
		}
	}
	return fmt.Sprintf("%T", v), false
}

// Decode unmarshals data into the type registered for tag.
// Returns ErrTypeNotRegistered when tag is unknown.
func (r *Registry) Decode(tag string, data []byte) (any, error) {
	r.mu.RLock()
	decode, ok := r.byTag[tag]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTypeNotRegistered, tag)
	}

	v, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %q: %w", tag, err)
	}
	return v, nil
}
