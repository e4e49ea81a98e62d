package persistmsg_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oagudo/persistmsg"
)

func setupSQLiteStore(t *testing.T) (*persistmsg.DBContext, *persistmsg.SQLStore) {
	t.Helper()

	db, err := sql.Open("sqlite3", "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	dbCtx := persistmsg.NewDBContext(db, persistmsg.SQLDialectSQLite)
	require.NoError(t, persistmsg.CreateTable(context.Background(), dbCtx, persistmsg.NoPendingMigrations))
	return dbCtx, persistmsg.NewSQLStore(dbCtx)
}

func TestSQLStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	_, store := setupSQLiteStore(t)

	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	rec := persistmsg.NewRecord("seats.reserved", []byte(`{"message":{"seats":1}}`), persistmsg.DeliveryOutbox,
		persistmsg.WithCreated(created))
	require.NoError(t, store.Create(ctx, rec))

	got, err := store.Get(ctx, rec.ID, persistmsg.DeliveryOutbox)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.DataType, got.DataType)
	assert.Equal(t, rec.Data, got.Data)
	assert.True(t, created.Equal(got.Created))
	assert.Equal(t, persistmsg.StatusInProgress, got.Status)
	assert.Equal(t, int64(0), got.Version)

	_, err = store.Get(ctx, rec.ID, persistmsg.DeliveryInbox)
	assert.ErrorIs(t, err, persistmsg.ErrNotFound)

	_, err = store.Get(ctx, rec.ID, persistmsg.DeliveryOutbox, persistmsg.StatusProcessed)
	assert.ErrorIs(t, err, persistmsg.ErrNotFound)
}

func TestSQLStoreUniquenessIsScopedByDeliveryType(t *testing.T) {
	ctx := context.Background()
	_, store := setupSQLiteStore(t)

	id := uuid.New()
	require.NoError(t, store.Create(ctx, persistmsg.NewRecord("t", []byte("{}"), persistmsg.DeliveryOutbox, persistmsg.WithID(id))))
	require.NoError(t, store.Create(ctx, persistmsg.NewRecord("t", []byte("{}"), persistmsg.DeliveryInbox, persistmsg.WithID(id))))
	assert.Error(t, store.Create(ctx, persistmsg.NewRecord("t", []byte("{}"), persistmsg.DeliveryInbox, persistmsg.WithID(id))))
}

func TestSQLStoreUpdate(t *testing.T) {
	ctx := context.Background()
	_, store := setupSQLiteStore(t)

	rec := persistmsg.NewRecord("t", []byte("{}"), persistmsg.DeliveryOutbox)
	require.NoError(t, store.Create(ctx, rec))

	stale, err := store.Get(ctx, rec.ID, persistmsg.DeliveryOutbox)
	require.NoError(t, err)

	rec.Status = persistmsg.StatusProcessed
	require.NoError(t, store.Update(ctx, rec))
	assert.Equal(t, int64(1), rec.Version)

	stale.RetryCount = 1
	err = store.Update(ctx, stale)
	assert.ErrorIs(t, err, persistmsg.ErrConcurrencyConflict)

	rec.Status = persistmsg.StatusInProgress
	err = store.Update(ctx, rec)
	assert.ErrorIs(t, err, persistmsg.ErrInvalidTransition)

	missing := persistmsg.NewRecord("t", []byte("{}"), persistmsg.DeliveryOutbox)
	assert.ErrorIs(t, store.Update(ctx, missing), persistmsg.ErrNotFound)

	got, err := store.Get(ctx, rec.ID, persistmsg.DeliveryOutbox)
	require.NoError(t, err)
	assert.Equal(t, persistmsg.StatusProcessed, got.Status)
	assert.Equal(t, int64(1), got.Version)
}

func TestSQLStoreList(t *testing.T) {
	ctx := context.Background()
	_, store := setupSQLiteStore(t)

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	third := persistmsg.NewRecord("t", []byte("{}"), persistmsg.DeliveryInternal, persistmsg.WithCreated(base.Add(2*time.Second)))
	first := persistmsg.NewRecord("t", []byte("{}"), persistmsg.DeliveryOutbox, persistmsg.WithCreated(base))
	second := persistmsg.NewRecord("t", []byte("{}"), persistmsg.DeliveryInbox, persistmsg.WithCreated(base.Add(time.Second)))
	done := persistmsg.NewRecord("t", []byte("{}"), persistmsg.DeliveryOutbox, persistmsg.WithCreated(base.Add(3*time.Second)))
	for _, rec := range []*persistmsg.MessageRecord{third, first, second, done} {
		require.NoError(t, store.Create(ctx, rec))
	}
	done.Status = persistmsg.StatusProcessed
	require.NoError(t, store.Update(ctx, done))

	pending, err := store.List(ctx, persistmsg.Pending())
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []uuid.UUID{first.ID, second.ID, third.ID}, ids(pending))

	outbox, err := store.List(ctx, persistmsg.Filter{DeliveryTypes: []persistmsg.DeliveryType{persistmsg.DeliveryOutbox}})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{first.ID, done.ID}, ids(outbox))

	limited, err := store.List(ctx, persistmsg.Filter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{first.ID, second.ID}, ids(limited))

	drainable, err := store.List(ctx, persistmsg.Drainable(0))
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{first.ID, third.ID}, ids(drainable))

	first.RetryCount = 2
	require.NoError(t, store.Update(ctx, first))
	drainable, err = store.List(ctx, persistmsg.Drainable(2))
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{third.ID}, ids(drainable))
}

func TestSQLStoreTransaction(t *testing.T) {
	ctx := context.Background()
	_, store := setupSQLiteStore(t)

	tx, err := store.BeginTx(ctx, nil)
	require.NoError(t, err)
	rec := persistmsg.NewRecord("t", []byte("{}"), persistmsg.DeliveryOutbox)
	require.NoError(t, tx.Create(ctx, rec))
	require.NoError(t, tx.Rollback())

	_, err = store.Get(ctx, rec.ID, persistmsg.DeliveryOutbox)
	assert.ErrorIs(t, err, persistmsg.ErrNotFound)

	tx, err = store.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Create(ctx, rec))
	require.NoError(t, tx.Commit())

	_, err = store.Get(ctx, rec.ID, persistmsg.DeliveryOutbox)
	assert.NoError(t, err)
}

func TestSQLStoreWithProcessor(t *testing.T) {
	ctx := context.Background()
	_, store := setupSQLiteStore(t)
	pub := &fakePublisher{}
	p := persistmsg.NewProcessor(store, newTestRegistry(t), pub, nil)

	ev := seatsReserved{ID: uuid.New(), Seats: 5}
	require.NoError(t, p.Publish(ctx, ev, persistmsg.Headers{"tenant": "acme"}))
	require.NoError(t, p.ProcessAll(ctx))
	require.NoError(t, p.ProcessAll(ctx))

	msgs := pub.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, ev, msgs[0].Event)
	assert.Equal(t, "acme", msgs[0].Headers["tenant"])

	id, err := p.RecordInbound(ctx, ev, nil)
	require.NoError(t, err)
	id2, err := p.RecordInbound(ctx, ev, nil)
	require.NoError(t, err)
	assert.Equal(t, id, id2)
}

func TestMigrationTableChecker(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite3", "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec("CREATE TABLE schema_migrations (version INTEGER NOT NULL, dirty BOOLEAN NOT NULL)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO schema_migrations (version, dirty) VALUES (7, 1)")
	require.NoError(t, err)

	dbCtx := persistmsg.NewDBContext(db, persistmsg.SQLDialectSQLite)
	checker := persistmsg.MigrationTableChecker{DBContext: dbCtx}

	err = persistmsg.CreateTable(ctx, dbCtx, checker)
	require.ErrorIs(t, err, persistmsg.ErrPendingMigrations)

	_, err = db.Exec("UPDATE schema_migrations SET dirty = 0")
	require.NoError(t, err)
	require.NoError(t, persistmsg.CreateTable(ctx, dbCtx, checker))
}

func ids(recs []*persistmsg.MessageRecord) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.ID)
	}
	return out
}
