package persistmsg_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/oagudo/persistmsg"
)

type seatsReserved struct {
	ID    uuid.UUID `json:"id"`
	Seats int       `json:"seats"`
}

func (e seatsReserved) EventID() uuid.UUID { return e.ID }

type sendReminder struct {
	BookingID uuid.UUID `json:"booking_id"`
}

func (sendReminder) InternalCommand() {}

// auditEntry is registered but is neither an event nor an internal command.
type auditEntry struct {
	Text string `json:"text"`
}

func newTestRegistry(t *testing.T) *persistmsg.Registry {
	t.Helper()

	r := persistmsg.NewRegistry()
	require.NoError(t, persistmsg.Register[seatsReserved](r, "seats.reserved"))
	require.NoError(t, persistmsg.Register[sendReminder](r, "send.reminder"))
	require.NoError(t, persistmsg.Register[auditEntry](r, "audit.entry"))
	return r
}

type publishedMessage struct {
	Event   persistmsg.Event
	Headers map[string]any
}

type fakePublisher struct {
	mu        sync.Mutex
	published []publishedMessage
	err       error
	onPublish func(ev persistmsg.Event)
}

func (f *fakePublisher) Publish(_ context.Context, ev persistmsg.Event, mutate persistmsg.HeaderMutator) error {
	if f.onPublish != nil {
		f.onPublish(ev)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}

	headers := map[string]any{}
	mutate(func(k string, v any) { headers[k] = v })
	f.published = append(f.published, publishedMessage{Event: ev, Headers: headers})
	return nil
}

func (f *fakePublisher) messages() []publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedMessage(nil), f.published...)
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

type fakeDispatcher struct {
	mu         sync.Mutex
	dispatched []any
	err        error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}
	f.dispatched = append(f.dispatched, msg)
	return nil
}

// flakyStore fails the first failures calls to Create.
type flakyStore struct {
	persistmsg.Store
	failures int
	err      error
}

func (s *flakyStore) Create(ctx context.Context, rec *persistmsg.MessageRecord) error {
	if s.failures > 0 {
		s.failures--
		return s.err
	}
	return s.Store.Create(ctx, rec)
}

var errBrokerDown = errors.New("broker unavailable")
