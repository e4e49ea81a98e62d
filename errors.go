package persistmsg

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no record matches a lookup.
	ErrNotFound = errors.New("persistmsg: message record not found")
	// ErrConcurrencyConflict is returned when a record was modified since it was read.
	ErrConcurrencyConflict = errors.New("persistmsg: message record version conflict")
	// ErrInvalidTransition is returned when an update would move a record back to an earlier status.
	ErrInvalidTransition = errors.New("persistmsg: invalid message status transition")
	// ErrPayloadRequired is returned when a nil payload is recorded.
	ErrPayloadRequired = errors.New("persistmsg: message payload is required")
	// ErrTypeNotRegistered is returned when a type tag has no registered decoder.
	ErrTypeNotRegistered = errors.New("persistmsg: message type not registered")
	// ErrPayloadResolution is returned when a stored payload cannot be turned back into a usable message.
	ErrPayloadResolution = errors.New("persistmsg: message payload resolution failed")
	// ErrDelivery is returned when the publisher or the dispatcher rejected a message.
	ErrDelivery = errors.New("persistmsg: message delivery failed")
	// ErrHandlerNotRegistered is returned by DispatchRegistry for messages without a handler.
	ErrHandlerNotRegistered = errors.New("persistmsg: no handler registered for message")
	// ErrPendingMigrations is returned by CreateTable when the schema is not up to date.
	ErrPendingMigrations = errors.New("persistmsg: schema has pending migrations")
	// ErrRetriesExhausted is returned by ExecutionStrategy when every attempt failed with a transient error.
	ErrRetriesExhausted = errors.New("persistmsg: transient failure retries exhausted")
)

// ResolutionError indicates that a stored record could not be decoded into its payload type,
// or that the decoded payload lacks the capability its delivery type requires.
// The record is left in progress.
type ResolutionError struct {
	ID       uuid.UUID
	DataType string
	Err      error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolving message %s of type %q: %v", e.ID, e.DataType, e.Err)
}

func (e *ResolutionError) Unwrap() []error { return []error{ErrPayloadResolution, e.Err} }

// DeliveryError indicates that publishing or dispatching a record failed.
// The record is left in progress.
type DeliveryError struct {
	ID           uuid.UUID
	DeliveryType DeliveryType
	Err          error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivering %s message %s: %v", e.DeliveryType, e.ID, e.Err)
}

func (e *DeliveryError) Unwrap() []error { return []error{ErrDelivery, e.Err} }

// ListError indicates an error when listing pending records.
type ListError struct {
	Err error
}

func (e *ListError) Error() string { return fmt.Sprintf("listing pending message records: %v", e.Err) }

func (e *ListError) Unwrap() error { return e.Err }

// SweepError indicates that a poller iteration could not run.
type SweepError struct {
	Err error
}

func (e *SweepError) Error() string { return fmt.Sprintf("sweeping message records: %v", e.Err) }

func (e *SweepError) Unwrap() error { return e.Err }
