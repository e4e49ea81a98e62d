package memstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/oagudo/persistmsg"
)

type pending struct {
	rec         *persistmsg.MessageRecord
	created     bool
	baseVersion int64
	seq         uint64
}

// Tx is a transaction over a Store.
type Tx struct {
	base   *Store
	staged map[key]*pending
	seq    uint64
	done   bool
}

func (t *Tx) Create(ctx context.Context, rec *persistmsg.MessageRecord) error {
	if t.done {
		return sql.ErrTxDone
	}

	k := keyOf(rec)
	if _, err := t.get(ctx, k, nil); err == nil {
		return fmt.Errorf("%s message record %s: %w", rec.DeliveryType, rec.ID, ErrDuplicate)
	}

	t.seq++
	t.staged[k] = &pending{rec: clone(rec), created: true, seq: t.seq}
	return nil
}

func (t *Tx) Get(ctx context.Context, id uuid.UUID, deliveryType persistmsg.DeliveryType, statuses ...persistmsg.Status) (*persistmsg.MessageRecord, error) {
	if t.done {
		return nil, sql.ErrTxDone
	}
	return t.get(ctx, key{id: id, deliveryType: deliveryType}, statuses)
}

func (t *Tx) get(ctx context.Context, k key, statuses []persistmsg.Status) (*persistmsg.MessageRecord, error) {
	p, ok := t.staged[k]
	if !ok {
		return t.base.Get(ctx, k.id, k.deliveryType, statuses...)
	}
	if !(persistmsg.Filter{Statuses: statuses}).Matches(p.rec) {
		return nil, fmt.Errorf("%s message record %s: %w", k.deliveryType, k.id, persistmsg.ErrNotFound)
	}
	return clone(p.rec), nil
}

func (t *Tx) List(_ context.Context, filter persistmsg.Filter) ([]*persistmsg.MessageRecord, error) {
	if t.done {
		return nil, sql.ErrTxDone
	}

	t.base.mu.RLock()
	all := make([]stored, 0, len(t.base.records)+len(t.staged))
	for k, st := range t.base.records {
		if p, ok := t.staged[k]; ok {
			st.rec = p.rec
		}
		all = append(all, st)
	}
	next := t.base.seq
	t.base.mu.RUnlock()

	for _, p := range t.staged {
		if p.created {
			all = append(all, stored{rec: p.rec, seq: next + p.seq})
		}
	}
	return selectRecords(all, filter), nil
}

func (t *Tx) Update(ctx context.Context, rec *persistmsg.MessageRecord) error {
	if t.done {
		return sql.ErrTxDone
	}

	k := keyOf(rec)
	current, err := t.get(ctx, k, nil)
	if err != nil {
		return err
	}
	if err := checkUpdate(current, rec); err != nil {
		return err
	}

	updated := clone(rec)
	updated.Version++
	updated.Created = current.Created
	if p, ok := t.staged[k]; ok {
		p.rec = updated
	} else {
		t.staged[k] = &pending{rec: updated, baseVersion: current.Version}
	}
	rec.Version++
	return nil
}

// Commit applies every buffered write, or none of them when a conflict is detected.
func (t *Tx) Commit() error {
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true

	t.base.mu.Lock()
	defer t.base.mu.Unlock()

	for k, p := range t.staged {
		st, exists := t.base.records[k]
		switch {
		case p.created && exists:
			return fmt.Errorf("%s message record %s: %w", k.deliveryType, k.id, ErrDuplicate)
		case !p.created && (!exists || st.rec.Version != p.baseVersion):
			return fmt.Errorf("%s message record %s: %w", k.deliveryType, k.id, persistmsg.ErrConcurrencyConflict)
		}
	}

	for _, k := range t.commitOrder() {
		p := t.staged[k]
		if p.created {
			t.base.insertLocked(k, p.rec)
			continue
		}
		st := t.base.records[k]
		t.base.records[k] = stored{rec: clone(p.rec), seq: st.seq}
	}
	return nil
}

func (t *Tx) commitOrder() []key {
	keys := make([]key, 0, len(t.staged))
	for k := range t.staged {
		keys = append(keys, k)
	}
	// creates keep the order in which they were staged
	sortKeys(keys, func(a, b key) bool { return t.staged[a].seq < t.staged[b].seq })
	return keys
}

// Rollback discards every buffered write.
func (t *Tx) Rollback() error {
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true
	t.staged = nil
	return nil
}
