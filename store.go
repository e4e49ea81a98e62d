package persistmsg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Store persists message records.
type Store interface {
	// Create inserts a new record. Creating a record whose (ID, DeliveryType) already
	// exists fails with the underlying storage error.
	Create(ctx context.Context, rec *MessageRecord) error

	// Get returns the record with the given id and delivery type. When statuses are given
	// the record must additionally be in one of them. Returns ErrNotFound otherwise.
	Get(ctx context.Context, id uuid.UUID, deliveryType DeliveryType, statuses ...Status) (*MessageRecord, error)

	// List returns the records matching the filter ordered by creation time.
	List(ctx context.Context, filter Filter) ([]*MessageRecord, error)

	// Update stores the mutable fields of rec if the stored version still equals rec.Version,
	// and increments rec.Version on success. Returns ErrConcurrencyConflict when the stored
	// version differs, ErrNotFound when the record is missing and ErrInvalidTransition when
	// a processed record would be moved back to in progress.
	Update(ctx context.Context, rec *MessageRecord) error
}

// Filter selects records in List. Empty fields match everything.
type Filter struct {
	Statuses      []Status
	DeliveryTypes []DeliveryType

	// MaxRetryCount, when positive, keeps only records with fewer failed attempts.
	MaxRetryCount int
	Limit         int
}

// Pending selects every record not yet processed.
func Pending() Filter {
	return Filter{Statuses: []Status{StatusInProgress}}
}

// Drainable is the filter used by the recovery sweep: outbox and internal records
// still in progress that have not used up maxRetries attempts. Inbox records are left
// to MarkInboxComplete.
func Drainable(maxRetries int) Filter {
	return Filter{
		Statuses:      []Status{StatusInProgress},
		DeliveryTypes: []DeliveryType{DeliveryOutbox, DeliveryInternal},
		MaxRetryCount: maxRetries,
	}
}

// Matches reports whether rec satisfies the status and delivery type conditions of f.
func (f Filter) Matches(rec *MessageRecord) bool {
	if len(f.Statuses) > 0 && !contains(f.Statuses, rec.Status) {
		return false
	}
	if len(f.DeliveryTypes) > 0 && !contains(f.DeliveryTypes, rec.DeliveryType) {
		return false
	}
	if f.MaxRetryCount > 0 && rec.RetryCount >= f.MaxRetryCount {
		return false
	}
	return true
}

func contains[T comparable](items []T, v T) bool {
	for _, item := range items {
		if item == v {
			return true
		}
	}
	return false
}

// TxStore is a Store whose writes become visible when Commit is called.
type TxStore interface {
	Store
	Commit() error
	Rollback() error
}

// TxBeginner starts record store transactions.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (TxStore, error)
}

const recordColumns = "id, data_type, data, created, retry_count, message_status, delivery_type, version"

// SQLStore is a Store backed by the record table described by a DBContext.
type SQLStore struct {
	dbCtx *DBContext
	q     Queryer
}

// NewSQLStore creates a store that executes statements outside of any transaction.
func NewSQLStore(dbCtx *DBContext) *SQLStore {
	return &SQLStore{dbCtx: dbCtx, q: dbCtx.db}
}

// WithTx returns a copy of the store that executes statements through q,
// usually a transaction owned by the caller.
func (s *SQLStore) WithTx(q Queryer) *SQLStore {
	return &SQLStore{dbCtx: s.dbCtx, q: q}
}

// BeginTx starts a transaction and returns a store bound to it.
func (s *SQLStore) BeginTx(ctx context.Context, opts *sql.TxOptions) (TxStore, error) {
	tx, err := s.dbCtx.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("beginning record transaction: %w", err)
	}
	return &sqlTxStore{SQLStore: s.WithTx(tx), tx: tx}, nil
}

type sqlTxStore struct {
	*SQLStore
	tx Tx
}

func (s *sqlTxStore) Commit() error   { return s.tx.Commit() }
func (s *sqlTxStore) Rollback() error { return s.tx.Rollback() }

func (s *SQLStore) Create(ctx context.Context, rec *MessageRecord) error {
	// nolint:gosec
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.dbCtx.tableName, recordColumns, s.dbCtx.dialect.placeholderList(1, 8))

	_, err := s.q.ExecContext(ctx, query,
		s.dbCtx.dialect.encodeID(rec.ID),
		rec.DataType,
		string(rec.Data),
		rec.Created.UTC(),
		rec.RetryCount,
		string(rec.Status),
		string(rec.DeliveryType),
		rec.Version,
	)
	if err != nil {
		return fmt.Errorf("inserting %s message record %s: %w", rec.DeliveryType, rec.ID, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id uuid.UUID, deliveryType DeliveryType, statuses ...Status) (*MessageRecord, error) {
	args := []any{s.dbCtx.dialect.encodeID(id), string(deliveryType)}

	var sb strings.Builder
	// nolint:gosec
	fmt.Fprintf(&sb, "SELECT %s FROM %s WHERE id = %s AND delivery_type = %s",
		recordColumns, s.dbCtx.tableName, s.dbCtx.dialect.Placeholder(1), s.dbCtx.dialect.Placeholder(2))
	if len(statuses) > 0 {
		fmt.Fprintf(&sb, " AND message_status IN (%s)", s.dbCtx.dialect.placeholderList(3, len(statuses)))
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}

	recs, err := s.query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%s message record %s: %w", deliveryType, id, ErrNotFound)
	}
	return recs[0], nil
}

func (s *SQLStore) List(ctx context.Context, filter Filter) ([]*MessageRecord, error) {
	var (
		conds []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		conds = append(conds, fmt.Sprintf("message_status IN (%s)",
			s.dbCtx.dialect.placeholderList(len(args)+1, len(filter.Statuses))))
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if len(filter.DeliveryTypes) > 0 {
		conds = append(conds, fmt.Sprintf("delivery_type IN (%s)",
			s.dbCtx.dialect.placeholderList(len(args)+1, len(filter.DeliveryTypes))))
		for _, dt := range filter.DeliveryTypes {
			args = append(args, string(dt))
		}
	}
	if filter.MaxRetryCount > 0 {
		conds = append(conds, "retry_count < "+s.dbCtx.dialect.Placeholder(len(args)+1))
		args = append(args, filter.MaxRetryCount)
	}

	// nolint:gosec
	query := fmt.Sprintf("SELECT %s FROM %s", recordColumns, s.dbCtx.tableName)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query = s.dbCtx.dialect.withLimit(query+" ORDER BY created ASC", filter.Limit)

	return s.query(ctx, query, args...)
}

func (s *SQLStore) Update(ctx context.Context, rec *MessageRecord) error {
	p := s.dbCtx.dialect.Placeholder
	// nolint:gosec
	query := fmt.Sprintf(`UPDATE %s SET data_type = %s, data = %s, retry_count = %s, message_status = %s, version = version + 1
		WHERE id = %s AND delivery_type = %s AND version = %s`,
		s.dbCtx.tableName, p(1), p(2), p(3), p(4), p(5), p(6), p(7))
	args := []any{
		rec.DataType,
		string(rec.Data),
		rec.RetryCount,
		string(rec.Status),
		s.dbCtx.dialect.encodeID(rec.ID),
		string(rec.DeliveryType),
		rec.Version,
	}
	if rec.Status == StatusInProgress {
		query += fmt.Sprintf(" AND message_status = %s", p(8))
		args = append(args, string(StatusInProgress))
	}

	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating %s message record %s: %w", rec.DeliveryType, rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating %s message record %s: %w", rec.DeliveryType, rec.ID, err)
	}
	if n == 1 {
		rec.Version++
		return nil
	}

	current, err := s.Get(ctx, rec.ID, rec.DeliveryType)
	if err != nil {
		return err
	}
	if current.Version != rec.Version {
		return fmt.Errorf("%s message record %s at version %d, stored %d: %w",
			rec.DeliveryType, rec.ID, rec.Version, current.Version, ErrConcurrencyConflict)
	}
	return fmt.Errorf("%s message record %s from %s to %s: %w",
		rec.DeliveryType, rec.ID, current.Status, rec.Status, ErrInvalidTransition)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) ([]*MessageRecord, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying message records: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var recs []*MessageRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message records: %w", err)
	}
	return recs, nil
}

func scanRecord(rows *sql.Rows) (*MessageRecord, error) {
	var (
		rec          MessageRecord
		data         string
		status       string
		deliveryType string
	)
	err := rows.Scan(&rec.ID, &rec.DataType, &data, &rec.Created, &rec.RetryCount, &status, &deliveryType, &rec.Version)
	if err != nil {
		return nil, fmt.Errorf("scanning message record: %w", err)
	}

	rec.Data = []byte(data)
	rec.Created = rec.Created.UTC()
	if rec.Status, err = ParseStatus(status); err != nil {
		return nil, fmt.Errorf("scanning message record %s: %w", rec.ID, err)
	}
	if rec.DeliveryType, err = ParseDeliveryType(deliveryType); err != nil {
		return nil, fmt.Errorf("scanning message record %s: %w", rec.ID, err)
	}
	return &rec, nil
}

// IsNotFound reports whether err means that a record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
