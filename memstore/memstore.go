// Package memstore provides an in-memory message record store.
//
// It implements the same contract as the SQL store, including optimistic versioning and
// transactions, and is intended for tests and single process deployments that do not need
// durability.
package memstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/oagudo/persistmsg"
)

// ErrDuplicate is returned when a record with the same id and delivery type already exists.
var ErrDuplicate = errors.New("memstore: duplicate message record")

type key struct {
	id           uuid.UUID
	deliveryType persistmsg.DeliveryType
}

func keyOf(rec *persistmsg.MessageRecord) key {
	return key{id: rec.ID, deliveryType: rec.DeliveryType}
}

type stored struct {
	rec *persistmsg.MessageRecord
	seq uint64
}

// Store is a persistmsg.Store and persistmsg.TxBeginner kept in memory.
// It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	records map[key]stored
	seq     uint64
}

// New creates an empty Store.
func New() *Store {
	return &Store{records: make(map[key]stored)}
}

func (s *Store) Create(_ context.Context, rec *persistmsg.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := keyOf(rec)
	if _, ok := s.records[k]; ok {
		return fmt.Errorf("%s message record %s: %w", rec.DeliveryType, rec.ID, ErrDuplicate)
	}
	s.insertLocked(k, rec)
	return nil
}

func (s *Store) insertLocked(k key, rec *persistmsg.MessageRecord) {
	s.seq++
	s.records[k] = stored{rec: clone(rec), seq: s.seq}
}

func (s *Store) Get(_ context.Context, id uuid.UUID, deliveryType persistmsg.DeliveryType, statuses ...persistmsg.Status) (*persistmsg.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getLocked(key{id: id, deliveryType: deliveryType}, statuses)
}

func (s *Store) getLocked(k key, statuses []persistmsg.Status) (*persistmsg.MessageRecord, error) {
	st, ok := s.records[k]
	if !ok || !(persistmsg.Filter{Statuses: statuses}).Matches(st.rec) {
		return nil, fmt.Errorf("%s message record %s: %w", k.deliveryType, k.id, persistmsg.ErrNotFound)
	}
	return clone(st.rec), nil
}

func (s *Store) List(_ context.Context, filter persistmsg.Filter) ([]*persistmsg.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]stored, 0, len(s.records))
	for _, st := range s.records {
		all = append(all, st)
	}
	return selectRecords(all, filter), nil
}

func (s *Store) Update(_ context.Context, rec *persistmsg.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := keyOf(rec)
	st, ok := s.records[k]
	if !ok {
		return fmt.Errorf("%s message record %s: %w", rec.DeliveryType, rec.ID, persistmsg.ErrNotFound)
	}
	if err := checkUpdate(st.rec, rec); err != nil {
		return err
	}

	updated := clone(rec)
	updated.Version++
	updated.Created = st.rec.Created
	s.records[k] = stored{rec: updated, seq: st.seq}
	rec.Version++
	return nil
}

// Records returns a snapshot of every record in creation order.
func (s *Store) Records() []*persistmsg.MessageRecord {
	recs, _ := s.List(context.Background(), persistmsg.Filter{})
	return recs
}

// BeginTx starts a transaction. Its writes are buffered and applied atomically on Commit,
// which fails when a record written by the transaction was changed in the meantime.
// Transaction options are ignored.
func (s *Store) BeginTx(_ context.Context, _ *sql.TxOptions) (persistmsg.TxStore, error) {
	return &Tx{base: s, staged: make(map[key]*pending)}, nil
}

func checkUpdate(current, next *persistmsg.MessageRecord) error {
	if current.Version != next.Version {
		return fmt.Errorf("%s message record %s at version %d, stored %d: %w",
			next.DeliveryType, next.ID, next.Version, current.Version, persistmsg.ErrConcurrencyConflict)
	}
	if !current.Status.CanTransitionTo(next.Status) {
		return fmt.Errorf("%s message record %s from %s to %s: %w",
			next.DeliveryType, next.ID, current.Status, next.Status, persistmsg.ErrInvalidTransition)
	}
	return nil
}

func selectRecords(all []stored, filter persistmsg.Filter) []*persistmsg.MessageRecord {
	sort.Slice(all, func(i, j int) bool {
		if !all[i].rec.Created.Equal(all[j].rec.Created) {
			return all[i].rec.Created.Before(all[j].rec.Created)
		}
		return all[i].seq < all[j].seq
	})

	var recs []*persistmsg.MessageRecord
	for _, st := range all {
		if !filter.Matches(st.rec) {
			continue
		}
		recs = append(recs, clone(st.rec))
		if filter.Limit > 0 && len(recs) == filter.Limit {
			break
		}
	}
	return recs
}

func clone(rec *persistmsg.MessageRecord) *persistmsg.MessageRecord {
	c := *rec
	if rec.Data != nil {
		c.Data = append([]byte(nil), rec.Data...)
	}
	return &c
}

func sortKeys(keys []key, less func(a, b key) bool) {
	sort.Slice(keys, func(i, j int) bool { return less(keys[i], keys[j]) })
}
