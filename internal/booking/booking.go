// Package booking is the demo domain of the booking service: passengers book seats on
// flights announced by the flight service.
package booking

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oagudo/persistmsg"
)

var (
	ErrPassengerRequired = errors.New("passenger id is required")
	ErrFlightRequired    = errors.New("flight id is required")
	ErrUnknownFlight     = errors.New("unknown flight")
	ErrBookingNotFound   = errors.New("booking not found")
)

// Booking is a seat reservation of a passenger on a flight.
type Booking struct {
	ID          uuid.UUID `json:"id"`
	PassengerID uuid.UUID `json:"passenger_id"`
	FlightID    uuid.UUID `json:"flight_id"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`

	events []persistmsg.DomainEvent
}

// New creates a booking and raises BookingCreatedDomainEvent.
func New(passengerID, flightID uuid.UUID, description string, now time.Time) (*Booking, error) {
	if passengerID == uuid.Nil {
		return nil, ErrPassengerRequired
	}
	if flightID == uuid.Nil {
		return nil, ErrFlightRequired
	}

	b := &Booking{
		ID:          uuid.New(),
		PassengerID: passengerID,
		FlightID:    flightID,
		Description: strings.TrimSpace(description),
		CreatedAt:   now.UTC().Truncate(time.Microsecond),
	}
	b.events = append(b.events, BookingCreatedDomainEvent{
		BookingID:   b.ID,
		PassengerID: b.PassengerID,
		FlightID:    b.FlightID,
		OccurredAt:  b.CreatedAt,
	})
	return b, nil
}

// BookingCreatedDomainEvent is raised when a booking is created.
type BookingCreatedDomainEvent struct {
	BookingID   uuid.UUID
	PassengerID uuid.UUID
	FlightID    uuid.UUID
	OccurredAt  time.Time
}

// Message type tags.
const (
	TagBookingCreated          = "booking.created"
	TagSendBookingConfirmation = "booking.send-confirmation"
	TagFlightCreated           = "flight.created"
)

// BookingCreated is the integration event published to other services.
type BookingCreated struct {
	ID          uuid.UUID `json:"id"`
	BookingID   uuid.UUID `json:"booking_id"`
	PassengerID uuid.UUID `json:"passenger_id"`
	FlightID    uuid.UUID `json:"flight_id"`
	CreatedAt   time.Time `json:"created_at"`
}

func (e BookingCreated) EventID() uuid.UUID { return e.ID }

// SendBookingConfirmation asks this service to confirm a booking to its passenger.
type SendBookingConfirmation struct {
	BookingID   uuid.UUID `json:"booking_id"`
	PassengerID uuid.UUID `json:"passenger_id"`
}

func (SendBookingConfirmation) InternalCommand() {}

// FlightCreated is published by the flight service when a flight opens for booking.
type FlightCreated struct {
	ID           uuid.UUID `json:"id"`
	FlightNumber string    `json:"flight_number"`
	FlightDate   time.Time `json:"flight_date"`
}

func (e FlightCreated) EventID() uuid.UUID { return e.ID }

// RegisterMessages registers the message types of the domain in r.
func RegisterMessages(r *persistmsg.Registry) error {
	return errors.Join(
		persistmsg.Register[BookingCreated](r, TagBookingCreated),
		persistmsg.Register[SendBookingConfirmation](r, TagSendBookingConfirmation),
		persistmsg.Register[FlightCreated](r, TagFlightCreated),
	)
}

// DomainEvents maps booking domain events to the integration event and internal
// command recorded for them.
func DomainEvents() persistmsg.DomainEventDispatcher {
	return persistmsg.MapDomainEvents(persistmsg.EventMapper{
		Integration: func(ev persistmsg.DomainEvent) (any, bool) {
			created, ok := ev.(BookingCreatedDomainEvent)
			if !ok {
				return nil, false
			}
			return BookingCreated{
				ID:          uuid.New(),
				BookingID:   created.BookingID,
				PassengerID: created.PassengerID,
				FlightID:    created.FlightID,
				CreatedAt:   created.OccurredAt,
			}, true
		},
		Internal: func(ev persistmsg.DomainEvent) (persistmsg.InternalCommand, bool) {
			created, ok := ev.(BookingCreatedDomainEvent)
			if !ok {
				return nil, false
			}
			return SendBookingConfirmation{
				BookingID:   created.BookingID,
				PassengerID: created.PassengerID,
			}, true
		},
	})
}
