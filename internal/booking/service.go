package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oagudo/persistmsg"
)

// CreateBooking is the request to book a seat.
type CreateBooking struct {
	PassengerID uuid.UUID `json:"passenger_id"`
	FlightID    uuid.UUID `json:"flight_id"`
	Description string    `json:"description"`
}

// Service implements the booking use cases on top of a unit of work.
type Service struct {
	store  *Store
	uow    *persistmsg.UnitOfWork
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a Service. uow must begin its participants from store.
func NewService(store *Store, uow *persistmsg.UnitOfWork, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		uow:    uow,
		logger: logger,
		now:    time.Now,
	}
}

// CreateBooking books a seat on a known flight. The BookingCreated integration event and
// the confirmation command are recorded in the same transaction as the booking.
func (s *Service) CreateBooking(ctx context.Context, req CreateBooking) (*Booking, error) {
	return persistmsg.Execute(ctx, s.uow, func(ctx context.Context, p persistmsg.BusinessParticipant) (*Booking, error) {
		tx, ok := p.(*Tx)
		if !ok {
			return nil, fmt.Errorf("unexpected business participant %T", p)
		}

		b, err := New(req.PassengerID, req.FlightID, req.Description, s.now())
		if err != nil {
			return nil, err
		}

		known, err := tx.FlightExists(ctx, req.FlightID)
		if err != nil {
			return nil, err
		}
		if !known {
			return nil, fmt.Errorf("%w: %s", ErrUnknownFlight, req.FlightID)
		}

		tx.Add(b)
		return b, nil
	})
}

// GetBooking loads a booking by id.
func (s *Service) GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return s.store.GetBooking(ctx, id)
}

// SendConfirmation handles SendBookingConfirmation commands.
func (s *Service) SendConfirmation(_ context.Context, cmd SendBookingConfirmation) error {
	s.logger.Info("booking confirmation sent",
		zap.Stringer("booking_id", cmd.BookingID),
		zap.Stringer("passenger_id", cmd.PassengerID))
	return nil
}

// HandleInbound handles integration events received from other services.
// Unknown payload types are ignored.
func (s *Service) HandleInbound(ctx context.Context, msg persistmsg.InboundMessage) error {
	switch ev := msg.Payload.(type) {
	case FlightCreated:
		if err := s.store.SaveFlight(ctx, ev); err != nil {
			return err
		}
		s.logger.Info("flight available for booking",
			zap.Stringer("flight_id", ev.ID),
			zap.String("flight_number", ev.FlightNumber))
		return nil
	default:
		s.logger.Debug("ignoring inbound message", zap.String("type", fmt.Sprintf("%T", msg.Payload)))
		return nil
	}
}

// RegisterHandlers registers the internal command handlers of the service in d.
func (s *Service) RegisterHandlers(d *persistmsg.DispatchRegistry) error {
	return persistmsg.HandleCommand(d, s.SendConfirmation)
}
