package persistmsg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DomainEvent is an event raised by business code during a unit of work.
type DomainEvent any

// BusinessParticipant is the business side of a unit of work, usually wrapping a
// database transaction and the aggregates changed through it.
type BusinessParticipant interface {
	// PendingDomainEvents returns the domain events raised since the last call to ClearDomainEvents.
	PendingDomainEvents() []DomainEvent
	ClearDomainEvents()
	// Save flushes the business changes. It may be called again after a transient failure.
	Save(ctx context.Context) error
	Commit() error
	Rollback() error
}

// BusinessBeginner starts business participants.
type BusinessBeginner interface {
	Begin(ctx context.Context, opts *sql.TxOptions) (BusinessParticipant, error)
}

// BusinessBeginnerFunc adapts a function to BusinessBeginner.
type BusinessBeginnerFunc func(ctx context.Context, opts *sql.TxOptions) (BusinessParticipant, error)

func (f BusinessBeginnerFunc) Begin(ctx context.Context, opts *sql.TxOptions) (BusinessParticipant, error) {
	return f(ctx, opts)
}

// RecordStoreProvider is implemented by business participants that can store message
// records in their own transaction. Records and business changes then commit atomically.
type RecordStoreProvider interface {
	RecordStore() Store
}

// StrategyProvider is implemented by business participants that define their own
// retry policy for storage operations.
type StrategyProvider interface {
	ExecutionStrategy() *ExecutionStrategy
}

// MessageWriter records messages produced from domain events. *Processor implements it.
type MessageWriter interface {
	Publish(ctx context.Context, payload any, headers Headers) error
	RecordInternal(ctx context.Context, cmd InternalCommand) error
}

// DomainEventDispatcher turns the domain events of a unit of work into message records.
type DomainEventDispatcher interface {
	DispatchDomainEvents(ctx context.Context, w MessageWriter, events []DomainEvent) error
}

// DomainEventDispatcherFunc adapts a function to DomainEventDispatcher.
type DomainEventDispatcherFunc func(ctx context.Context, w MessageWriter, events []DomainEvent) error

func (f DomainEventDispatcherFunc) DispatchDomainEvents(ctx context.Context, w MessageWriter, events []DomainEvent) error {
	return f(ctx, w, events)
}

// PassThrough records internal commands as internal records and every other event as an outbox record.
var PassThrough DomainEventDispatcher = DomainEventDispatcherFunc(func(ctx context.Context, w MessageWriter, events []DomainEvent) error {
	for _, ev := range events {
		var err error
		if cmd, ok := ev.(InternalCommand); ok {
			err = w.RecordInternal(ctx, cmd)
		} else {
			err = w.Publish(ctx, ev, nil)
		}
		if err != nil {
			return err
		}
	}
	return nil
})

// EventMapper maps domain events to the messages recorded for them.
// A mapping function returning false records nothing for the event.
type EventMapper struct {
	Integration func(ev DomainEvent) (any, bool)
	Internal    func(ev DomainEvent) (InternalCommand, bool)
}

// MapDomainEvents returns a dispatcher recording, for every domain event, the integration
// event and the internal command m maps it to.
func MapDomainEvents(m EventMapper) DomainEventDispatcher {
	return DomainEventDispatcherFunc(func(ctx context.Context, w MessageWriter, events []DomainEvent) error {
		for _, ev := range events {
			if m.Integration != nil {
				if msg, ok := m.Integration(ev); ok {
					if err := w.Publish(ctx, msg, nil); err != nil {
						return err
					}
				}
			}
			if m.Internal != nil {
				if cmd, ok := m.Internal(ev); ok {
					if err := w.RecordInternal(ctx, cmd); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
}

// UnitOfWork runs business operations and persists the messages produced by their
// domain events together with the business changes.
//
// When the business participant implements RecordStoreProvider the records are written in
// the business transaction. Otherwise they are written to a separate record transaction that
// is committed right after the business one; a failure between the two commits leaves the
// business changes committed without their records.
type UnitOfWork struct {
	business   BusinessBeginner
	records    TxBeginner
	processor  *Processor
	dispatcher DomainEventDispatcher
	strategy   *ExecutionStrategy
	headers    func(ctx context.Context) Headers
	logger     *zap.Logger

	inlineDrain  bool
	drainTimeout time.Duration
}

// UnitOfWorkOption is a function that configures a UnitOfWork instance.
type UnitOfWorkOption func(*UnitOfWork)

// WithDomainEventDispatcher sets how domain events become message records.
// Default is PassThrough.
func WithDomainEventDispatcher(d DomainEventDispatcher) UnitOfWorkOption {
	return func(u *UnitOfWork) {
		if d != nil {
			u.dispatcher = d
		}
	}
}

// WithExecutionStrategy sets the retry policy used when saving. A business participant
// implementing StrategyProvider overrides it. Default is NewExecutionStrategy().
func WithExecutionStrategy(s *ExecutionStrategy) UnitOfWorkOption {
	return func(u *UnitOfWork) {
		if s != nil {
			u.strategy = s
		}
	}
}

// WithHeaders sets a function providing the headers attached to every outbox record,
// for example a correlation id taken from ctx.
func WithHeaders(fn func(ctx context.Context) Headers) UnitOfWorkOption {
	return func(u *UnitOfWork) {
		u.headers = fn
	}
}

// WithInlineDrain configures the unit of work to process the committed records
// asynchronously right after commit.
//
// Note: inline processing is just an efficiency optimization. Records it misses are
// processed by the Poller, which may also deliver a message a second time.
func WithInlineDrain(timeout time.Duration) UnitOfWorkOption {
	return func(u *UnitOfWork) {
		u.inlineDrain = true
		if timeout > 0 {
			u.drainTimeout = timeout
		}
	}
}

// WithUnitLogger sets the logger. Default is a no-op logger.
func WithUnitLogger(logger *zap.Logger) UnitOfWorkOption {
	return func(u *UnitOfWork) {
		if logger != nil {
			u.logger = logger
		}
	}
}

// NewUnitOfWork creates a UnitOfWork. records may be nil when every business participant
// implements RecordStoreProvider.
func NewUnitOfWork(business BusinessBeginner, records TxBeginner, processor *Processor, opts ...UnitOfWorkOption) *UnitOfWork {
	u := &UnitOfWork{
		business:     business,
		records:      records,
		processor:    processor,
		dispatcher:   PassThrough,
		strategy:     NewExecutionStrategy(),
		logger:       zap.NewNop(),
		drainTimeout: 10 * time.Second,
	}

	for _, opt := range opts {
		opt(u)
	}

	return u
}

// Run is Execute for operations without a result.
func (u *UnitOfWork) Run(ctx context.Context, op func(ctx context.Context, b BusinessParticipant) error) error {
	_, err := Execute(ctx, u, func(ctx context.Context, b BusinessParticipant) (struct{}, error) {
		return struct{}{}, op(ctx, b)
	})
	return err
}

// Execute runs op in a new business participant with read committed isolation.
//
// If op raised no domain events the business changes are saved and committed.
// Otherwise the domain events are turned into message records, staged in memory, and
// persisted after the business changes are saved; the business side commits first and
// the records second. Every error rolls back whatever is not committed yet and is returned.
//
// Once begun the transactions are not tied to the cancellation of ctx, so that a
// cancelled request does not abort a commit half way.
func Execute[R any](ctx context.Context, u *UnitOfWork, op func(ctx context.Context, b BusinessParticipant) (R, error)) (R, error) {
	var zero R

	txCtx := context.WithoutCancel(ctx)
	b, err := u.business.Begin(txCtx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return zero, fmt.Errorf("beginning unit of work: %w", err)
	}

	var committed bool
	defer func() {
		if !committed {
			_ = b.Rollback()
		}
	}()

	result, err := op(ctx, b)
	if err != nil {
		return zero, err
	}

	strategy := u.strategy
	if sp, ok := b.(StrategyProvider); ok && sp.ExecutionStrategy() != nil {
		strategy = sp.ExecutionStrategy()
	}

	events := b.PendingDomainEvents()
	if len(events) == 0 {
		if err := strategy.Execute(txCtx, b.Save); err != nil {
			return zero, fmt.Errorf("saving business changes: %w", err)
		}
		if err := b.Commit(); err != nil {
			return zero, fmt.Errorf("committing business changes: %w", err)
		}
		committed = true
		return result, nil
	}

	staging := &stagingStore{Store: u.processor.store}
	w := &headerWriter{Processor: u.processor.WithStore(staging)}
	if u.headers != nil {
		w.headers = u.headers(ctx)
	}
	if err := u.dispatcher.DispatchDomainEvents(ctx, w, events); err != nil {
		return zero, fmt.Errorf("dispatching domain events: %w", err)
	}
	b.ClearDomainEvents()

	if err := strategy.Execute(txCtx, b.Save); err != nil {
		return zero, fmt.Errorf("saving business changes: %w", err)
	}

	if provider, ok := b.(RecordStoreProvider); ok {
		if err := staging.flush(txCtx, provider.RecordStore()); err != nil {
			return zero, fmt.Errorf("persisting message records: %w", err)
		}
		if err := b.Commit(); err != nil {
			return zero, fmt.Errorf("committing business changes: %w", err)
		}
		committed = true
	} else {
		recTx, err := u.persistRecords(txCtx, strategy, staging)
		if err != nil {
			return zero, err
		}
		if err := b.Commit(); err != nil {
			_ = recTx.Rollback()
			return zero, fmt.Errorf("committing business changes: %w", err)
		}
		committed = true
		if err := recTx.Commit(); err != nil {
			u.logger.Error("business changes committed without their message records",
				zap.Int("records", len(staging.staged)),
				zap.Error(err))
			return zero, fmt.Errorf("committing message records: %w", err)
		}
	}

	if u.inlineDrain {
		u.drain(ctx, staging.staged)
	}
	return result, nil
}

func (u *UnitOfWork) persistRecords(ctx context.Context, strategy *ExecutionStrategy, staging *stagingStore) (TxStore, error) {
	if u.records == nil {
		return nil, errors.New("persisting message records: no record store configured")
	}

	var recTx TxStore
	err := strategy.Execute(ctx, func(ctx context.Context) error {
		tx, err := u.records.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
		if err != nil {
			return err
		}
		if err := staging.flush(ctx, tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		recTx = tx
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persisting message records: %w", err)
	}
	return recTx, nil
}

func (u *UnitOfWork) drain(ctx context.Context, recs []*MessageRecord) {
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.drainTimeout)
		defer cancel()

		for _, rec := range recs {
			if err := u.processor.Process(ctx, rec.ID, rec.DeliveryType); err != nil {
				// remaining records are left for the poller
				return
			}
		}
	}()
}

// stagingStore buffers created records in memory and reads through to the wrapped store.
type stagingStore struct {
	Store
	staged []*MessageRecord
}

func (s *stagingStore) Create(_ context.Context, rec *MessageRecord) error {
	s.staged = append(s.staged, rec.clone())
	return nil
}

func (s *stagingStore) flush(ctx context.Context, dst Store) error {
	for _, rec := range s.staged {
		if err := dst.Create(ctx, rec.clone()); err != nil {
			return err
		}
	}
	return nil
}

// headerWriter attaches the unit of work headers to every outbox record.
type headerWriter struct {
	*Processor
	headers Headers
}

func (w *headerWriter) Publish(ctx context.Context, payload any, headers Headers) error {
	if len(w.headers) == 0 {
		return w.Processor.Publish(ctx, payload, headers)
	}
	merged := w.headers.Clone()
	for k, v := range headers {
		merged[k] = v
	}
	return w.Processor.Publish(ctx, payload, merged)
}
