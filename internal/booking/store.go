package booking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/oagudo/persistmsg"
	"github.com/oagudo/persistmsg/sqlfault"
)

// Store persists bookings and known flights in the same database as the message records.
type Store struct {
	db      *sql.DB
	dbCtx   *persistmsg.DBContext
	records *persistmsg.SQLStore
}

// NewStore creates a Store. dbCtx must wrap db.
func NewStore(db *sql.DB, dbCtx *persistmsg.DBContext) *Store {
	return &Store{
		db:      db,
		dbCtx:   dbCtx,
		records: persistmsg.NewSQLStore(dbCtx),
	}
}

// Records returns the message record store sharing the connection.
func (s *Store) Records() *persistmsg.SQLStore { return s.records }

// CreateTables creates the bookings and flights tables if they do not exist.
func (s *Store) CreateTables(ctx context.Context) error {
	for _, stmt := range schema(s.dbCtx.Dialect()) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating booking tables: %w", err)
		}
	}
	return nil
}

func schema(dialect persistmsg.SQLDialect) []string {
	const (
		bookings = "bookings (id %[1]s PRIMARY KEY, passenger_id %[1]s NOT NULL, flight_id %[1]s NOT NULL, description %[2]s, created_at %[3]s NOT NULL)"
		flights  = "flights (id %[1]s PRIMARY KEY, flight_number %[2]s NOT NULL, flight_date %[3]s NOT NULL)"
	)

	switch dialect {
	case persistmsg.SQLDialectOracle:
		create := func(table string) string {
			return fmt.Sprintf(`BEGIN EXECUTE IMMEDIATE 'CREATE TABLE %s'; EXCEPTION WHEN OTHERS THEN IF SQLCODE != -955 THEN RAISE; END IF; END;`,
				fmt.Sprintf(table, "VARCHAR2(36)", "VARCHAR2(255)", "TIMESTAMP"))
		}
		return []string{create(bookings), create(flights)}

	case persistmsg.SQLDialectSQLServer:
		create := func(table, name string) string {
			return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s", name,
				fmt.Sprintf(table, "VARCHAR(36)", "NVARCHAR(255)", "DATETIME2"))
		}
		return []string{create(bookings, "bookings"), create(flights, "flights")}

	default:
		create := func(table string) string {
			return "CREATE TABLE IF NOT EXISTS " + fmt.Sprintf(table, "VARCHAR(36)", "VARCHAR(255)", "TIMESTAMP")
		}
		return []string{create(bookings), create(flights)}
	}
}

// SaveFlight records a flight announced by the flight service.
// Saving a flight that is already known succeeds without changes.
func (s *Store) SaveFlight(ctx context.Context, f FlightCreated) error {
	query := fmt.Sprintf("INSERT INTO flights (id, flight_number, flight_date) VALUES (%s, %s, %s)",
		s.dbCtx.Placeholder(1), s.dbCtx.Placeholder(2), s.dbCtx.Placeholder(3))

	_, err := s.db.ExecContext(ctx, query, f.ID.String(), f.FlightNumber, f.FlightDate.UTC())
	if err != nil && !sqlfault.IsUniqueViolation(err) {
		return fmt.Errorf("saving flight %s: %w", f.ID, err)
	}
	return nil
}

// GetBooking loads a booking by id. Returns ErrBookingNotFound when it does not exist.
func (s *Store) GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	query := fmt.Sprintf("SELECT id, passenger_id, flight_id, description, created_at FROM bookings WHERE id = %s",
		s.dbCtx.Placeholder(1))

	var (
		b           Booking
		description sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, id.String()).Scan(&b.ID, &b.PassengerID, &b.FlightID, &description, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading booking %s: %w", id, err)
	}
	b.Description = description.String
	b.CreatedAt = b.CreatedAt.UTC()
	return &b, nil
}

// Begin starts a business transaction. It implements persistmsg.BusinessBeginner.
func (s *Store) Begin(ctx context.Context, opts *sql.TxOptions) (persistmsg.BusinessParticipant, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{store: s, tx: tx}, nil
}

// Tx is the business participant of a booking unit of work. Message records are written
// in the same database transaction as the bookings.
type Tx struct {
	store   *Store
	tx      *sql.Tx
	pending []*Booking
	saved   int
	events  []persistmsg.DomainEvent
}

// Add schedules b for insertion on Save and collects its domain events.
func (t *Tx) Add(b *Booking) {
	t.pending = append(t.pending, b)
	t.events = append(t.events, b.events...)
	b.events = nil
}

// FlightExists reports whether the flight service announced the flight.
func (t *Tx) FlightExists(ctx context.Context, flightID uuid.UUID) (bool, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM flights WHERE id = %s", t.store.dbCtx.Placeholder(1))

	var n int
	if err := t.tx.QueryRowContext(ctx, query, flightID.String()).Scan(&n); err != nil {
		return false, fmt.Errorf("looking up flight %s: %w", flightID, err)
	}
	return n > 0, nil
}

func (t *Tx) PendingDomainEvents() []persistmsg.DomainEvent { return t.events }

func (t *Tx) ClearDomainEvents() { t.events = nil }

// Save inserts the bookings added since the last successful Save.
func (t *Tx) Save(ctx context.Context) error {
	query := fmt.Sprintf("INSERT INTO bookings (id, passenger_id, flight_id, description, created_at) VALUES (%s, %s, %s, %s, %s)",
		t.store.dbCtx.Placeholder(1), t.store.dbCtx.Placeholder(2), t.store.dbCtx.Placeholder(3),
		t.store.dbCtx.Placeholder(4), t.store.dbCtx.Placeholder(5))

	for ; t.saved < len(t.pending); t.saved++ {
		b := t.pending[t.saved]
		_, err := t.tx.ExecContext(ctx, query,
			b.ID.String(), b.PassengerID.String(), b.FlightID.String(), b.Description, b.CreatedAt)
		if err != nil {
			return fmt.Errorf("inserting booking %s: %w", b.ID, err)
		}
	}
	return nil
}

func (t *Tx) Commit() error { return t.tx.Commit() }

func (t *Tx) Rollback() error { return t.tx.Rollback() }

// RecordStore returns the message record store bound to the business transaction.
func (t *Tx) RecordStore() persistmsg.Store { return t.store.records.WithTx(t.tx) }
