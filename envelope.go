package persistmsg

import (
	"encoding/json"
	"fmt"
	"maps"
)

// Header keys set on every published message.
const (
	HeaderMessageID   = "message-id"
	HeaderMessageType = "message-type"
)

// Headers carries message metadata such as correlation ids or trace ids.
// It is persisted together with the payload and attached to the outgoing message.
type Headers map[string]any

// Set stores a header value.
func (h Headers) Set(key string, value any) {
	h[key] = value
}

// Get returns a header value as a string and whether it was present.
func (h Headers) Get(key string) (string, bool) {
	v, ok := h[key]
	if !ok {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}

// Clone returns a shallow copy of the headers. A nil Headers clones to an empty one.
func (h Headers) Clone() Headers {
	c := make(Headers, len(h))
	maps.Copy(c, h)
	return c
}

// Envelope is the serialized form of a record's Data.
type Envelope struct {
	Message json.RawMessage `json:"message"`
	Headers Headers         `json:"headers,omitempty"`
}

func encodeEnvelope(payload any, headers Headers) ([]byte, error) {
	msg, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	data, err := json.Marshal(Envelope{Message: msg, Headers: headers})
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses record data produced by the processor.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	return env, nil
}
