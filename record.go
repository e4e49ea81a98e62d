package persistmsg

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the processing state of a message record.
type Status string

// Record statuses. A record only moves from StatusInProgress to StatusProcessed.
const (
	StatusInProgress Status = "InProgress"
	StatusProcessed  Status = "Processed"
)

// ParseStatus converts the stored representation of a status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusInProgress, StatusProcessed:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown message status %q", s)
	}
}

// CanTransitionTo reports whether a record in status s may be moved to next.
// Keeping the status unchanged is always allowed.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	return s == StatusInProgress && next == StatusProcessed
}

// DeliveryType is the role of a message record.
type DeliveryType string

// Delivery types.
const (
	DeliveryOutbox   DeliveryType = "Outbox"
	DeliveryInbox    DeliveryType = "Inbox"
	DeliveryInternal DeliveryType = "Internal"
)

// ParseDeliveryType converts the stored representation of a delivery type.
func ParseDeliveryType(s string) (DeliveryType, error) {
	switch DeliveryType(s) {
	case DeliveryOutbox, DeliveryInbox, DeliveryInternal:
		return DeliveryType(s), nil
	default:
		return "", fmt.Errorf("unknown delivery type %q", s)
	}
}

// MessageRecord is the durable representation of one message.
// Records are never deleted, processed records are kept as history.
type MessageRecord struct {
	// ID is unique together with DeliveryType. Event payloads use their own event id.
	ID uuid.UUID

	// DataType is the type tag used to decode Data back into the payload type.
	DataType string

	// Data is the serialized Envelope (payload and headers).
	Data []byte

	// Created is the creation time in UTC. Records are drained in this order.
	Created time.Time

	// RetryCount is the number of failed processing attempts.
	RetryCount int

	Status       Status
	DeliveryType DeliveryType

	// Version is incremented on every successful update and used for optimistic concurrency.
	Version int64
}

// RecordOption is a function that can be used to configure a MessageRecord.
type RecordOption func(*MessageRecord)

// WithID sets the identifier of the record.
// If not provided, a new UUID will be generated.
func WithID(id uuid.UUID) RecordOption {
	return func(r *MessageRecord) {
		r.ID = id
	}
}

// WithCreated sets the creation time of the record.
// If not provided, the current time will be used.
func WithCreated(created time.Time) RecordOption {
	return func(r *MessageRecord) {
		r.Created = created.UTC()
	}
}

// NewRecord creates a new in-progress record of the given delivery type.
func NewRecord(dataType string, data []byte, deliveryType DeliveryType, opts ...RecordOption) *MessageRecord {
	r := &MessageRecord{
		ID:           uuid.New(),
		DataType:     dataType,
		Data:         data,
		Created:      time.Now().UTC(),
		Status:       StatusInProgress,
		DeliveryType: deliveryType,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

func (r *MessageRecord) clone() *MessageRecord {
	c := *r
	if r.Data != nil {
		c.Data = append([]byte(nil), r.Data...)
	}
	return &c
}
